// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package callback hands activation change notifications to the external
// delivery subsystem. The core only enqueues snapshots; delivery, retry and
// backoff are the sink's concern. Notification failures never fail the
// transaction that performed the transition.
package callback

import (
	"log/slog"
	"sync"

	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
)

// Sink receives activation change snapshots. At-least-once delivery is
// acceptable.
type Sink interface {
	OnActivationChanged(snapshot models.Snapshot)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(models.Snapshot)

// OnActivationChanged implements Sink.
func (f SinkFunc) OnActivationChanged(snapshot models.Snapshot) {
	f(snapshot)
}

// Dispatcher fans activation change snapshots out to registered sinks from
// a single background goroutine. Notify never blocks the caller: when the
// queue is full the snapshot is dropped and logged, never propagated back
// into the mutating transaction.
type Dispatcher struct {
	sinks []Sink
	queue chan models.Snapshot
	done  chan struct{}
	mu    sync.RWMutex
	once  sync.Once
}

// NewDispatcher creates a dispatcher with the given queue depth and starts
// its delivery goroutine.
func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		queue: make(chan models.Snapshot, queueSize),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Register adds a sink. Sinks registered after dispatch started receive
// only subsequent snapshots.
func (d *Dispatcher) Register(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Notify enqueues a snapshot, fire-and-forget.
func (d *Dispatcher) Notify(snapshot models.Snapshot) {
	select {
	case d.queue <- snapshot:
	default:
		// Queue full, drop. The external subsystem owns reliable delivery.
		slog.Warn("callback queue full, dropping notification",
			"activation_id", snapshot.ActivationID,
			"status", snapshot.Status.String(),
		)
	}
}

// Close stops the delivery goroutine after draining queued snapshots.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for snapshot := range d.queue {
		d.mu.RLock()
		sinks := make([]Sink, len(d.sinks))
		copy(sinks, d.sinks)
		d.mu.RUnlock()

		for _, sink := range sinks {
			deliver(sink, snapshot)
		}
	}
}

func deliver(sink Sink, snapshot models.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("callback sink panicked", "panic", r,
				"activation_id", snapshot.ActivationID)
		}
	}()
	sink.OnActivationChanged(snapshot)
}
