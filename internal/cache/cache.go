// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package cache provides a small keyed cache with explicit invalidation,
// used for derived signature key material. Entries carry a load timestamp so
// callers can treat them as stale when the source entity changed after the
// entry was built.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	loadedAt time.Time
}

// Provider is a keyed cache with getOrLoad/invalidate semantics.
type Provider[K comparable, V any] struct {
	entries map[K]entry[V]
	mu      sync.RWMutex
}

// New creates an empty cache.
func New[K comparable, V any]() *Provider[K, V] {
	return &Provider[K, V]{entries: make(map[K]entry[V])}
}

// GetOrLoad returns the cached value for key, or builds it with load. If the
// cached entry was loaded before updatedAt it is considered stale, rebuilt
// and replaced.
func (p *Provider[K, V]) GetOrLoad(key K, updatedAt time.Time, load func() (V, error)) (V, error) {
	p.mu.RLock()
	e, ok := p.entries[key]
	p.mu.RUnlock()
	if ok && !e.loadedAt.Before(updatedAt) {
		return e.value, nil
	}

	value, err := load()
	if err != nil {
		var zero V
		return zero, err
	}

	p.mu.Lock()
	p.entries[key] = entry[V]{value: value, loadedAt: time.Now()}
	p.mu.Unlock()
	return value, nil
}

// Invalidate drops the entry for key.
func (p *Provider[K, V]) Invalidate(key K) {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
}

// Len returns the number of cached entries.
func (p *Provider[K, V]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
