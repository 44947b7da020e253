// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package errs defines the closed set of service error codes returned by the
// core engine. Handlers map these to HTTP responses, i18n maps them to
// localized messages.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a service error.
type Code string

const (
	CodeInvalidRequest          Code = "ERR_INVALID_REQUEST"
	CodeActivationNotFound      Code = "ERR_ACTIVATION_NOT_FOUND"
	CodeActivationNotActive     Code = "ERR_ACTIVATION_NOT_ACTIVE"
	CodeActivationInvalidState  Code = "ERR_ACTIVATION_INVALID_STATE"
	CodeActivationExpired       Code = "ERR_ACTIVATION_EXPIRED"
	CodeInvalidOtp              Code = "ERR_INVALID_OTP"
	CodeSignatureInvalid        Code = "ERR_SIGNATURE_INVALID"
	CodeVersionUnsupported      Code = "ERR_VERSION_UNSUPPORTED"
	CodeCodeGenerationExhausted Code = "ERR_CODE_GENERATION_EXHAUSTED"
	CodeRecoveryCodeNotFound    Code = "ERR_RECOVERY_CODE_NOT_FOUND"
	CodeRecoveryCodeInvalid     Code = "ERR_RECOVERY_CODE_INVALID"
	CodeRecoveryPukInvalid      Code = "ERR_RECOVERY_PUK_INVALID"
	CodeCryptoProvider          Code = "ERR_CRYPTO_PROVIDER"
)

// Error is a typed service error. Security-sensitive failures share a single
// code on purpose: the external message never says which comparison failed.
type Error struct {
	Code Code

	// CurrentPukIndex carries the next expected PUK ordinal for
	// ERR_RECOVERY_PUK_INVALID so clients can prompt correctly. Zero when
	// not applicable.
	CurrentPukIndex int64

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.cause)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a service error with the given code.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap creates a service error with an underlying cause. The cause is for
// logs only and never reaches API responses.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

// WithPukIndex creates a PUK mismatch error carrying the current PUK index.
func WithPukIndex(index int64) *Error {
	return &Error{Code: CodeRecoveryPukInvalid, CurrentPukIndex: index}
}

// CodeOf extracts the service error code, or CodeInvalidRequest if err is
// not a service error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInvalidRequest
}

// Is reports whether err is a service error with the given code.
func Is(err error, code Code) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}
