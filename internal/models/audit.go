// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import "time"

// ActivationHistory is one append-only record per state transition.
type ActivationHistory struct { //nolint:govet // fieldalignment: readability over optimization
	ID            int64            `db:"id" json:"id"`
	ActivationID  string           `db:"activation_id" json:"activation_id"`
	Status        ActivationStatus `db:"status" json:"status"`
	EventReason   *string          `db:"event_reason" json:"event_reason,omitempty"`
	BlockedReason *string          `db:"blocked_reason" json:"blocked_reason,omitempty"`
	CreatedAt     time.Time        `db:"created_at" json:"created_at"`
}

// Audit note categories written with signature audit records.
const (
	AuditNoteSignatureOK          = "signature_ok"
	AuditNoteSignatureMismatch    = "signature_does_not_match"
	AuditNoteInvalidApplication   = "invalid_application_version"
	AuditNoteInvalidState         = "activation_invalid_state"
	AuditNoteInvalidStateMismatch = "activation_invalid_state_ctr_mismatch"
)

// SignatureAudit is one append-only record per verification attempt. It
// freezes the counter value before the attempt and the activation status at
// the time of the attempt; later status changes never touch it.
type SignatureAudit struct { //nolint:govet // fieldalignment: readability over optimization
	ID               int64            `db:"id" json:"id"`
	ActivationID     string           `db:"activation_id" json:"activation_id"`
	Counter          int64            `db:"counter" json:"counter"`
	CtrData          []byte           `db:"ctr_data" json:"-"`
	SignatureType    string           `db:"signature_type" json:"signature_type"`
	SignatureVersion string           `db:"signature_version" json:"signature_version"`
	DataBase64       string           `db:"data_base64" json:"-"`
	Valid            bool             `db:"valid" json:"valid"`
	ActivationStatus ActivationStatus `db:"activation_status" json:"activation_status"`
	Note             string           `db:"note" json:"note"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
}
