// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ActivationStatus is the lifecycle state of an activation. The integer
// values are persisted and must stay stable across releases.
type ActivationStatus byte

const (
	ActivationCreated       ActivationStatus = 1
	ActivationPendingCommit ActivationStatus = 2
	ActivationActive        ActivationStatus = 3
	ActivationBlocked       ActivationStatus = 4
	ActivationRemoved       ActivationStatus = 5
)

func (s ActivationStatus) String() string {
	switch s {
	case ActivationCreated:
		return "CREATED"
	case ActivationPendingCommit:
		return "PENDING_COMMIT"
	case ActivationActive:
		return "ACTIVE"
	case ActivationBlocked:
		return "BLOCKED"
	case ActivationRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(s))
	}
}

// Value implements driver.Valuer.
func (s ActivationStatus) Value() (driver.Value, error) {
	return int64(s), nil
}

// Scan implements sql.Scanner.
func (s *ActivationStatus) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("activation status: unsupported type %T", src)
	}
	if v < 1 || v > 5 {
		return fmt.Errorf("activation status: invalid value %d", v)
	}
	*s = ActivationStatus(v)
	return nil
}

// OtpValidation says at which provisioning step the activation OTP is
// checked.
type OtpValidation byte

const (
	OtpNone          OtpValidation = 0
	OtpOnKeyExchange OtpValidation = 1
	OtpOnCommit      OtpValidation = 2
)

// Value implements driver.Valuer.
func (o OtpValidation) Value() (driver.Value, error) {
	return int64(o), nil
}

// Scan implements sql.Scanner.
func (o *OtpValidation) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("otp validation: unsupported type %T", src)
	}
	if v < 0 || v > 2 {
		return fmt.Errorf("otp validation: invalid value %d", v)
	}
	*o = OtpValidation(v)
	return nil
}

// EncryptionMode says how the server private key is stored at rest.
type EncryptionMode byte

const (
	EncryptionNone   EncryptionMode = 0
	EncryptionAESGCM EncryptionMode = 1
)

// Value implements driver.Valuer.
func (m EncryptionMode) Value() (driver.Value, error) {
	return int64(m), nil
}

// Scan implements sql.Scanner.
func (m *EncryptionMode) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("encryption mode: unsupported type %T", src)
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("encryption mode: invalid value %d", v)
	}
	*m = EncryptionMode(v)
	return nil
}

// StringList is a string slice stored as a JSON text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	case nil:
		*l = nil
		return nil
	default:
		return fmt.Errorf("string list: unsupported type %T", src)
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// Contains reports whether the list contains the given value.
func (l StringList) Contains(value string) bool {
	for _, v := range l {
		if v == value {
			return true
		}
	}
	return false
}

// BlockedReasonMaxFailedAttempts is the fixed blocked reason set by the
// failure policy. Administrative blocks record their own reason string.
const BlockedReasonMaxFailedAttempts = "MAX_FAILED_ATTEMPTS"

// BlockedReasonNotSpecified is recorded when an administrative block gives
// no reason.
const BlockedReasonNotSpecified = "NOT_SPECIFIED"

// Activation binds one user, one application and one device key pair.
type Activation struct { //nolint:govet // fieldalignment: readability over optimization
	ActivationID   string `db:"activation_id" json:"activation_id"`
	ActivationCode string `db:"activation_code" json:"-"`
	// ShortID is the 11-character code prefix kept for the legacy protocol
	// variant that addresses pending activations by prefix.
	ShortID       string  `db:"short_id" json:"-"`
	UserID        string  `db:"user_id" json:"user_id"`
	ApplicationID string  `db:"application_id" json:"application_id"`
	Name          string  `db:"name" json:"name"`
	Status        ActivationStatus `db:"status" json:"status"`
	BlockedReason *string          `db:"blocked_reason" json:"blocked_reason,omitempty"`

	OtpValidation OtpValidation `db:"otp_validation" json:"-"`
	OtpHash       *string       `db:"otp_hash" json:"-"`

	DevicePublicKey     []byte         `db:"device_public_key" json:"-"`
	ServerPublicKey     []byte         `db:"server_public_key" json:"-"`
	ServerPrivateKey    []byte         `db:"server_private_key" json:"-"`
	ServerKeyEncryption EncryptionMode `db:"server_key_encryption" json:"-"`

	// CtrData is the current hash-chain counter value. Counter is the
	// numeric shadow counter used for audit ordering only.
	CtrData []byte `db:"ctr_data" json:"-"`
	Counter int64  `db:"counter" json:"-"`

	FailedAttempts    int64 `db:"failed_attempts" json:"failed_attempts"`
	MaxFailedAttempts int64 `db:"max_failed_attempts" json:"max_failed_attempts"`

	ProtocolVersion string     `db:"protocol_version" json:"protocol_version"`
	Flags           StringList `db:"flags" json:"flags"`
	ExternalID      *string    `db:"external_id" json:"external_id,omitempty"`

	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time  `db:"expires_at" json:"-"`
	LastUsedAt      *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	StatusChangedAt time.Time  `db:"status_changed_at" json:"status_changed_at"`
}

// CodeExpired reports whether the activation code expired at the given time.
// Only meaningful before the activation turns ACTIVE.
func (a *Activation) CodeExpired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Snapshot is the immutable view of an activation handed to the callback
// dispatcher on status changes.
type Snapshot struct {
	ActivationID  string           `json:"activation_id"`
	UserID        string           `json:"user_id"`
	ApplicationID string           `json:"application_id"`
	Status        ActivationStatus `json:"status"`
	BlockedReason *string          `json:"blocked_reason,omitempty"`
	Flags         StringList       `json:"flags"`
	Timestamp     time.Time        `json:"timestamp"`
}

// SnapshotOf captures the callback view of an activation.
func SnapshotOf(a *Activation, now time.Time) Snapshot {
	return Snapshot{
		ActivationID:  a.ActivationID,
		UserID:        a.UserID,
		ApplicationID: a.ApplicationID,
		Status:        a.Status,
		BlockedReason: a.BlockedReason,
		Flags:         a.Flags,
		Timestamp:     now,
	}
}
