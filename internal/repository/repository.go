// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package repository provides database access for the engine entities and
// the exclusive per-row locking required by the concurrency model.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/vinovest/sqlx"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Repository wraps sqlx for database operations.
type Repository struct {
	db    *sqlx.DB
	locks sync.Map // entity ID -> *sync.Mutex
}

// New creates a new Repository instance.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// DB returns the underlying sqlx DB for direct access.
func (r *Repository) DB() *sqlx.DB {
	return r.db
}

// wrapError converts sql errors to repository errors.
func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// lockFor returns the mutex guarding the given entity ID.
func (r *Repository) lockFor(key string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// WithLock runs fn inside a transaction while holding the exclusive lock
// for the given entity ID. This serializes all read-modify-write work on a
// single activation or recovery code; SQLite has no SELECT ... FOR UPDATE,
// so the row lock is a per-key mutex held for the duration of the unit of
// work. The transaction commits only if fn returns nil.
func (r *Repository) WithLock(ctx context.Context, key string, fn func(tx *sqlx.Tx) error) error {
	mu := r.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
