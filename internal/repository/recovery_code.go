// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"

	"github.com/vinovest/sqlx"

	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
)

const recoveryCodeColumns = `id, application_id, user_id, activation_id, code, status,
	failed_attempts, max_failed_attempts, created_at, last_changed_at`

// CreateRecoveryCode inserts a recovery code together with its PUKs.
func (r *Repository) CreateRecoveryCode(ctx context.Context, tx *sqlx.Tx, code *models.RecoveryCode, puks []models.RecoveryPuk) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO recovery_codes (`+recoveryCodeColumns+`)
		VALUES (:id, :application_id, :user_id, :activation_id, :code, :status,
			:failed_attempts, :max_failed_attempts, :created_at, :last_changed_at)`, code)
	if err != nil {
		return err
	}
	for i := range puks {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO recovery_puks (recovery_code_id, puk_index, puk_hash, status, changed_at)
			VALUES (:recovery_code_id, :puk_index, :puk_hash, :status, :changed_at)`, &puks[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetRecoveryCode retrieves a recovery code by ID without the exclusive
// lock.
func (r *Repository) GetRecoveryCode(ctx context.Context, id string) (*models.RecoveryCode, error) {
	var code models.RecoveryCode
	err := r.db.GetContext(ctx, &code,
		`SELECT `+recoveryCodeColumns+` FROM recovery_codes WHERE id = ?`, id)
	if err != nil {
		return nil, wrapError(err)
	}
	return &code, nil
}

// GetRecoveryCodeTx retrieves a recovery code by ID inside a locked unit of
// work.
func (r *Repository) GetRecoveryCodeTx(ctx context.Context, tx *sqlx.Tx, id string) (*models.RecoveryCode, error) {
	var code models.RecoveryCode
	err := tx.GetContext(ctx, &code,
		`SELECT `+recoveryCodeColumns+` FROM recovery_codes WHERE id = ?`, id)
	if err != nil {
		return nil, wrapError(err)
	}
	return &code, nil
}

// FindRecoveryCodeID resolves a recovery code value to its ID within the
// application scope. Used to pick the lock key before the locked unit of
// work starts.
func (r *Repository) FindRecoveryCodeID(ctx context.Context, applicationID, codeValue string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id,
		`SELECT id FROM recovery_codes WHERE application_id = ? AND code = ?`, applicationID, codeValue)
	if err != nil {
		return "", wrapError(err)
	}
	return id, nil
}

// RecoveryCodeExists checks code uniqueness within the application scope.
func (r *Repository) RecoveryCodeExists(ctx context.Context, applicationID, codeValue string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM recovery_codes WHERE application_id = ? AND code = ?)`,
		applicationID, codeValue)
	return exists, err
}

// UpdateRecoveryCode persists the mutable recovery code fields.
func (r *Repository) UpdateRecoveryCode(ctx context.Context, tx *sqlx.Tx, code *models.RecoveryCode) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE recovery_codes SET
			activation_id = :activation_id,
			status = :status,
			failed_attempts = :failed_attempts,
			last_changed_at = :last_changed_at
		WHERE id = :id`, code)
	return err
}

// ListPuks returns the PUKs of a recovery code ordered by index.
func (r *Repository) ListPuks(ctx context.Context, tx *sqlx.Tx, recoveryCodeID string) ([]models.RecoveryPuk, error) {
	var puks []models.RecoveryPuk
	err := tx.SelectContext(ctx, &puks, `
		SELECT id, recovery_code_id, puk_index, puk_hash, status, changed_at
		FROM recovery_puks WHERE recovery_code_id = ? ORDER BY puk_index`, recoveryCodeID)
	if err != nil {
		return nil, err
	}
	return puks, nil
}

// UpdatePuk persists a PUK status change.
func (r *Repository) UpdatePuk(ctx context.Context, tx *sqlx.Tx, puk *models.RecoveryPuk) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE recovery_puks SET status = :status, changed_at = :changed_at
		WHERE id = :id`, puk)
	return err
}

// ListRecoveryCodes returns recovery codes for a user, optionally filtered
// by application and activation.
func (r *Repository) ListRecoveryCodes(ctx context.Context, userID, applicationID, activationID string) ([]models.RecoveryCode, error) {
	query := `SELECT ` + recoveryCodeColumns + ` FROM recovery_codes WHERE user_id = ?`
	args := []any{userID}
	if applicationID != "" {
		query += ` AND application_id = ?`
		args = append(args, applicationID)
	}
	if activationID != "" {
		query += ` AND activation_id = ?`
		args = append(args, activationID)
	}
	query += ` ORDER BY created_at DESC`

	var codes []models.RecoveryCode
	if err := r.db.SelectContext(ctx, &codes, query, args...); err != nil {
		return nil, err
	}
	return codes, nil
}

// ListRecoveryCodesByActivation returns recovery codes linked to an
// activation, for cascading revocation.
func (r *Repository) ListRecoveryCodesByActivation(ctx context.Context, tx *sqlx.Tx, activationID string) ([]models.RecoveryCode, error) {
	var codes []models.RecoveryCode
	err := tx.SelectContext(ctx, &codes,
		`SELECT `+recoveryCodeColumns+` FROM recovery_codes WHERE activation_id = ?`, activationID)
	if err != nil {
		return nil, err
	}
	return codes, nil
}
