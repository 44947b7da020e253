// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// RecoveryCodeStatus is the lifecycle state of a recovery code. Persisted
// integer values must stay stable.
type RecoveryCodeStatus byte

const (
	RecoveryCodeCreated RecoveryCodeStatus = 1
	RecoveryCodeActive  RecoveryCodeStatus = 2
	RecoveryCodeBlocked RecoveryCodeStatus = 3
	RecoveryCodeRevoked RecoveryCodeStatus = 4
)

func (s RecoveryCodeStatus) String() string {
	switch s {
	case RecoveryCodeCreated:
		return "CREATED"
	case RecoveryCodeActive:
		return "ACTIVE"
	case RecoveryCodeBlocked:
		return "BLOCKED"
	case RecoveryCodeRevoked:
		return "REVOKED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(s))
	}
}

// Value implements driver.Valuer.
func (s RecoveryCodeStatus) Value() (driver.Value, error) {
	return int64(s), nil
}

// Scan implements sql.Scanner.
func (s *RecoveryCodeStatus) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("recovery code status: unsupported type %T", src)
	}
	if v < 1 || v > 4 {
		return fmt.Errorf("recovery code status: invalid value %d", v)
	}
	*s = RecoveryCodeStatus(v)
	return nil
}

// RecoveryPukStatus is the lifecycle state of a single PUK.
type RecoveryPukStatus byte

const (
	RecoveryPukValid   RecoveryPukStatus = 1
	RecoveryPukUsed    RecoveryPukStatus = 2
	RecoveryPukInvalid RecoveryPukStatus = 3
)

func (s RecoveryPukStatus) String() string {
	switch s {
	case RecoveryPukValid:
		return "VALID"
	case RecoveryPukUsed:
		return "USED"
	case RecoveryPukInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(s))
	}
}

// Value implements driver.Valuer.
func (s RecoveryPukStatus) Value() (driver.Value, error) {
	return int64(s), nil
}

// Scan implements sql.Scanner.
func (s *RecoveryPukStatus) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("recovery puk status: unsupported type %T", src)
	}
	if v < 1 || v > 3 {
		return fmt.Errorf("recovery puk status: invalid value %d", v)
	}
	*s = RecoveryPukStatus(v)
	return nil
}

// RecoveryCode is a printable fallback credential: a code plus a list of
// one-time PUKs, usable for re-activation when the device is gone.
type RecoveryCode struct { //nolint:govet // fieldalignment: readability over optimization
	ID            string             `db:"id" json:"id"`
	ApplicationID string             `db:"application_id" json:"application_id"`
	UserID        string             `db:"user_id" json:"user_id"`
	ActivationID  *string            `db:"activation_id" json:"activation_id,omitempty"`
	Code          string             `db:"code" json:"-"`
	Status        RecoveryCodeStatus `db:"status" json:"status"`

	FailedAttempts    int64 `db:"failed_attempts" json:"-"`
	MaxFailedAttempts int64 `db:"max_failed_attempts" json:"-"`

	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	LastChangedAt *time.Time `db:"last_changed_at" json:"last_changed_at,omitempty"`
}

// MaskedCode returns the code value with all but the last group hidden, for
// logs.
func (r *RecoveryCode) MaskedCode() string {
	if len(r.Code) < 5 {
		return "*****"
	}
	return "*****-*****-*****-" + r.Code[len(r.Code)-5:]
}

// RecoveryPuk is a single-use PUK belonging to a recovery code. Only a
// bcrypt hash of the value is stored.
type RecoveryPuk struct { //nolint:govet // fieldalignment: readability over optimization
	ID             int64             `db:"id" json:"-"`
	RecoveryCodeID string            `db:"recovery_code_id" json:"-"`
	PukIndex       int64             `db:"puk_index" json:"puk_index"`
	PukHash        string            `db:"puk_hash" json:"-"`
	Status         RecoveryPukStatus `db:"status" json:"status"`
	ChangedAt      *time.Time        `db:"changed_at" json:"changed_at,omitempty"`
}
