// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"time"

	"github.com/vinovest/sqlx"

	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
)

// AppendSignatureAudit writes one append-only signature audit record.
// Records are never updated or deleted.
func (r *Repository) AppendSignatureAudit(ctx context.Context, tx *sqlx.Tx, rec *models.SignatureAudit) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO signature_audit (activation_id, counter, ctr_data, signature_type,
			signature_version, data_base64, valid, activation_status, note, created_at)
		VALUES (:activation_id, :counter, :ctr_data, :signature_type,
			:signature_version, :data_base64, :valid, :activation_status, :note, :created_at)`, rec)
	return err
}

// ListSignatureAudit returns audit records for an activation in the given
// time range, oldest first. Zero bounds are skipped.
func (r *Repository) ListSignatureAudit(ctx context.Context, activationID string, from, to time.Time) ([]models.SignatureAudit, error) {
	query := `SELECT id, activation_id, counter, ctr_data, signature_type, signature_version,
		data_base64, valid, activation_status, note, created_at
		FROM signature_audit WHERE activation_id = ?`
	args := []any{activationID}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY id`

	var records []models.SignatureAudit
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, err
	}
	return records, nil
}
