// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"github.com/vinovest/sqlx"

	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
)

const activationColumns = `activation_id, activation_code, short_id, user_id, application_id, name,
	status, blocked_reason, otp_validation, otp_hash,
	device_public_key, server_public_key, server_private_key, server_key_encryption,
	ctr_data, counter, failed_attempts, max_failed_attempts,
	protocol_version, flags, external_id,
	created_at, expires_at, last_used_at, status_changed_at`

// CreateActivation inserts a new activation row.
func (r *Repository) CreateActivation(ctx context.Context, tx *sqlx.Tx, a *models.Activation) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO activations (`+activationColumns+`)
		VALUES (:activation_id, :activation_code, :short_id, :user_id, :application_id, :name,
			:status, :blocked_reason, :otp_validation, :otp_hash,
			:device_public_key, :server_public_key, :server_private_key, :server_key_encryption,
			:ctr_data, :counter, :failed_attempts, :max_failed_attempts,
			:protocol_version, :flags, :external_id,
			:created_at, :expires_at, :last_used_at, :status_changed_at)`, a)
	return err
}

// GetActivation retrieves an activation without the exclusive lock. Safe for
// read-only status queries.
func (r *Repository) GetActivation(ctx context.Context, activationID string) (*models.Activation, error) {
	var a models.Activation
	err := r.db.GetContext(ctx, &a,
		`SELECT `+activationColumns+` FROM activations WHERE activation_id = ?`, activationID)
	if err != nil {
		return nil, wrapError(err)
	}
	return &a, nil
}

// GetActivationTx retrieves an activation inside a locked unit of work.
func (r *Repository) GetActivationTx(ctx context.Context, tx *sqlx.Tx, activationID string) (*models.Activation, error) {
	var a models.Activation
	err := tx.GetContext(ctx, &a,
		`SELECT `+activationColumns+` FROM activations WHERE activation_id = ?`, activationID)
	if err != nil {
		return nil, wrapError(err)
	}
	return &a, nil
}

// GetActivationByCodeTx retrieves an activation by its activation code
// within the application scope.
func (r *Repository) GetActivationByCodeTx(ctx context.Context, tx *sqlx.Tx, applicationID, code string) (*models.Activation, error) {
	var a models.Activation
	err := tx.GetContext(ctx, &a,
		`SELECT `+activationColumns+` FROM activations WHERE application_id = ? AND activation_code = ?`,
		applicationID, code)
	if err != nil {
		return nil, wrapError(err)
	}
	return &a, nil
}

// FindActivationIDByCode resolves an activation code to its activation ID
// within the application scope. Used to pick the lock key before the locked
// unit of work starts.
func (r *Repository) FindActivationIDByCode(ctx context.Context, applicationID, code string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id,
		`SELECT activation_id FROM activations WHERE application_id = ? AND activation_code = ?`,
		applicationID, code)
	if err != nil {
		return "", wrapError(err)
	}
	return id, nil
}

// ActivationCodeExists checks code uniqueness within the application scope.
func (r *Repository) ActivationCodeExists(ctx context.Context, applicationID, code string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM activations WHERE application_id = ? AND activation_code = ?)`,
		applicationID, code)
	return exists, err
}

// ActivationCodeExistsTx checks code uniqueness inside a locked unit of
// work, so the check is serialized with the insert that follows it.
func (r *Repository) ActivationCodeExistsTx(ctx context.Context, tx *sqlx.Tx, applicationID, code string) (bool, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM activations WHERE application_id = ? AND activation_code = ?)`,
		applicationID, code)
	return exists, err
}

// UpdateActivation persists all mutable activation fields.
func (r *Repository) UpdateActivation(ctx context.Context, tx *sqlx.Tx, a *models.Activation) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE activations SET
			status = :status,
			blocked_reason = :blocked_reason,
			otp_hash = :otp_hash,
			device_public_key = :device_public_key,
			ctr_data = :ctr_data,
			counter = :counter,
			failed_attempts = :failed_attempts,
			max_failed_attempts = :max_failed_attempts,
			protocol_version = :protocol_version,
			flags = :flags,
			external_id = :external_id,
			last_used_at = :last_used_at,
			status_changed_at = :status_changed_at
		WHERE activation_id = :activation_id`, a)
	return err
}

// ListActivations returns all activations of a user, newest first,
// optionally restricted to one application.
func (r *Repository) ListActivations(ctx context.Context, userID, applicationID string) ([]models.Activation, error) {
	var activations []models.Activation
	query := `SELECT ` + activationColumns + ` FROM activations WHERE user_id = ?`
	args := []any{userID}
	if applicationID != "" {
		query += ` AND application_id = ?`
		args = append(args, applicationID)
	}
	query += ` ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &activations, query, args...); err != nil {
		return nil, err
	}
	return activations, nil
}

// LookupActivations returns activations matching the given filters. Empty
// filters are skipped; a zero timestamp skips the recency filter.
func (r *Repository) LookupActivations(ctx context.Context, userIDs []string, applicationID string, status models.ActivationStatus, newerThan time.Time) ([]models.Activation, error) {
	query := `SELECT ` + activationColumns + ` FROM activations WHERE 1=1`
	var args []any
	if len(userIDs) > 0 {
		q, a, err := sqlx.In(` AND user_id IN (?)`, userIDs)
		if err != nil {
			return nil, err
		}
		query += q
		args = append(args, a...)
	}
	if applicationID != "" {
		query += ` AND application_id = ?`
		args = append(args, applicationID)
	}
	if status != 0 {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if !newerThan.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, newerThan)
	}
	query += ` ORDER BY created_at DESC`

	var activations []models.Activation
	if err := r.db.SelectContext(ctx, &activations, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return activations, nil
}

// AppendHistory writes one append-only history record for a state
// transition.
func (r *Repository) AppendHistory(ctx context.Context, tx *sqlx.Tx, h *models.ActivationHistory) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO activation_history (activation_id, status, event_reason, blocked_reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		h.ActivationID, h.Status, h.EventReason, h.BlockedReason, h.CreatedAt)
	return err
}

// ListHistory returns the history of an activation in transition order.
func (r *Repository) ListHistory(ctx context.Context, activationID string) ([]models.ActivationHistory, error) {
	var records []models.ActivationHistory
	err := r.db.SelectContext(ctx, &records, `
		SELECT id, activation_id, status, event_reason, blocked_reason, created_at
		FROM activation_history WHERE activation_id = ? ORDER BY id`, activationID)
	if err != nil {
		return nil, err
	}
	return records, nil
}
