// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/activation"
)

type initActivationRequest struct { //nolint:govet // fieldalignment: readability over optimization
	UserID            string   `json:"user_id"`
	ApplicationID     string   `json:"application_id"`
	Name              string   `json:"name"`
	OtpValidation     string   `json:"otp_validation"`
	Otp               string   `json:"otp"`
	MaxFailedAttempts int64    `json:"max_failed_attempts"`
	ValiditySeconds   int64    `json:"validity_seconds"`
	Flags             []string `json:"flags"`
	ExternalID        *string  `json:"external_id"`
}

type initActivationResponse struct {
	ActivationID   string `json:"activation_id"`
	ActivationCode string `json:"activation_code"`
	UserID         string `json:"user_id"`
	ApplicationID  string `json:"application_id"`
	Status         string `json:"status"`
	ServerPubKey   []byte `json:"server_public_key"`
	ExpiresAt      string `json:"expires_at"`
}

// InitActivation creates a new activation and returns the one-time
// activation code.
func (h *Handlers) InitActivation(c echo.Context) error {
	var req initActivationRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	otpValidation, err := parseOtpValidation(req.OtpValidation)
	if err != nil {
		return err
	}

	a, err := h.activations.Init(c.Request().Context(), req.UserID, req.ApplicationID, activation.InitOptions{
		Name:              req.Name,
		OtpValidation:     otpValidation,
		Otp:               req.Otp,
		MaxFailedAttempts: req.MaxFailedAttempts,
		Validity:          time.Duration(req.ValiditySeconds) * time.Second,
		Flags:             req.Flags,
		ExternalID:        req.ExternalID,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, initActivationResponse{
		ActivationID:   a.ActivationID,
		ActivationCode: a.ActivationCode,
		UserID:         a.UserID,
		ApplicationID:  a.ApplicationID,
		Status:         a.Status.String(),
		ServerPubKey:   a.ServerPublicKey,
		ExpiresAt:      a.ExpiresAt.Format(time.RFC3339),
	})
}

type prepareActivationRequest struct {
	ApplicationID   string `json:"application_id"`
	ActivationCode  string `json:"activation_code"`
	Otp             string `json:"otp"`
	DevicePublicKey []byte `json:"device_public_key"`
}

// PrepareActivation performs the key exchange step.
func (h *Handlers) PrepareActivation(c echo.Context) error {
	var req prepareActivationRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	a, err := h.activations.Prepare(c.Request().Context(), req.ApplicationID, req.ActivationCode, req.Otp, req.DevicePublicKey)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusView(a))
}

type commitActivationRequest struct {
	Otp string `json:"otp"`
}

// CommitActivation finalizes provisioning.
func (h *Handlers) CommitActivation(c echo.Context) error {
	var req commitActivationRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	a, err := h.activations.Commit(c.Request().Context(), c.Param("id"), req.Otp)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusView(a))
}

// GetActivation returns the activation status, applying lazy expiry.
func (h *Handlers) GetActivation(c echo.Context) error {
	a, err := h.activations.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusView(a))
}

// RemoveActivation removes the activation; idempotent.
func (h *Handlers) RemoveActivation(c echo.Context) error {
	revoke := c.QueryParam("revoke_recovery_codes") == "true"
	if err := h.activations.Remove(c.Request().Context(), c.Param("id"), revoke); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type blockActivationRequest struct {
	Reason string `json:"reason"`
}

// BlockActivation blocks an active activation.
func (h *Handlers) BlockActivation(c echo.Context) error {
	var req blockActivationRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	a, err := h.activations.Block(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusView(a))
}

// UnblockActivation unblocks a blocked activation.
func (h *Handlers) UnblockActivation(c echo.Context) error {
	a, err := h.activations.Unblock(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusView(a))
}

// ListActivations returns a user's activations.
func (h *Handlers) ListActivations(c echo.Context) error {
	activations, err := h.activations.List(c.Request().Context(), c.QueryParam("user_id"), c.QueryParam("application_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listView(activations))
}

type lookupActivationsRequest struct { //nolint:govet // fieldalignment: readability over optimization
	UserIDs       []string `json:"user_ids"`
	ApplicationID string   `json:"application_id"`
	Status        string   `json:"status"`
	NewerThan     string   `json:"newer_than"`
}

// LookupActivations returns activations matching the given filters.
func (h *Handlers) LookupActivations(c echo.Context) error {
	var req lookupActivationsRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	var status models.ActivationStatus
	if req.Status != "" {
		parsed, err := parseStatus(req.Status)
		if err != nil {
			return err
		}
		status = parsed
	}
	var newerThan time.Time
	if req.NewerThan != "" {
		t, err := time.Parse(time.RFC3339, req.NewerThan)
		if err != nil {
			return errs.Wrap(errs.CodeInvalidRequest, err)
		}
		newerThan = t
	}

	activations, err := h.activations.Lookup(c.Request().Context(), req.UserIDs, req.ApplicationID, status, newerThan)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, listView(activations))
}

// ActivationHistory returns the state transition history of an activation.
func (h *Handlers) ActivationHistory(c echo.Context) error {
	records, err := h.repo.ListHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

// SignatureAudit returns the signature audit trail of an activation.
func (h *Handlers) SignatureAudit(c echo.Context) error {
	from, err := parseTimeParam(c.QueryParam("from"))
	if err != nil {
		return err
	}
	to, err := parseTimeParam(c.QueryParam("to"))
	if err != nil {
		return err
	}

	records, err := h.repo.ListSignatureAudit(c.Request().Context(), c.Param("id"), from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

type flagsRequest struct {
	Flags []string `json:"flags"`
}

type flagsResponse struct {
	ActivationID string            `json:"activation_id"`
	Flags        models.StringList `json:"flags"`
}

// ListFlags returns the activation's flags.
func (h *Handlers) ListFlags(c echo.Context) error {
	flags, err := h.activations.ListFlags(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flagsResponse{ActivationID: c.Param("id"), Flags: flags})
}

// AddFlags adds flags to the activation.
func (h *Handlers) AddFlags(c echo.Context) error {
	return h.mutateFlags(c, h.activations.AddFlags)
}

// UpdateFlags replaces the activation's flags.
func (h *Handlers) UpdateFlags(c echo.Context) error {
	return h.mutateFlags(c, h.activations.UpdateFlags)
}

// RemoveFlags removes flags from the activation.
func (h *Handlers) RemoveFlags(c echo.Context) error {
	return h.mutateFlags(c, h.activations.RemoveFlags)
}

func (h *Handlers) mutateFlags(c echo.Context, op func(ctx context.Context, id string, flags []string) (models.StringList, error)) error {
	var req flagsRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}
	flags, err := op(c.Request().Context(), c.Param("id"), req.Flags)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, flagsResponse{ActivationID: c.Param("id"), Flags: flags})
}

// statusView is the external representation of an activation. Key material
// and code values never appear here; the json tags on models.Activation
// already exclude them, this view narrows further to the status surface.
type activationStatusView struct { //nolint:govet // fieldalignment: readability over optimization
	ActivationID      string            `json:"activation_id"`
	UserID            string            `json:"user_id"`
	ApplicationID     string            `json:"application_id"`
	Name              string            `json:"name"`
	Status            string            `json:"status"`
	BlockedReason     *string           `json:"blocked_reason,omitempty"`
	FailedAttempts    int64             `json:"failed_attempts"`
	MaxFailedAttempts int64             `json:"max_failed_attempts"`
	ProtocolVersion   string            `json:"protocol_version"`
	Flags             models.StringList `json:"flags"`
	DeviceKeyDigest   string            `json:"device_public_key_fingerprint,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	LastUsedAt        *time.Time        `json:"last_used_at,omitempty"`
	StatusChangedAt   time.Time         `json:"status_changed_at"`
}

func statusView(a *models.Activation) activationStatusView {
	return activationStatusView{
		ActivationID:      a.ActivationID,
		UserID:            a.UserID,
		ApplicationID:     a.ApplicationID,
		Name:              a.Name,
		Status:            a.Status.String(),
		BlockedReason:     a.BlockedReason,
		FailedAttempts:    a.FailedAttempts,
		MaxFailedAttempts: a.MaxFailedAttempts,
		ProtocolVersion:   a.ProtocolVersion,
		Flags:             a.Flags,
		DeviceKeyDigest:   deviceKeyFingerprint(a.DevicePublicKey),
		CreatedAt:         a.CreatedAt,
		LastUsedAt:        a.LastUsedAt,
		StatusChangedAt:   a.StatusChangedAt,
	}
}

func listView(activations []models.Activation) []activationStatusView {
	views := make([]activationStatusView, 0, len(activations))
	for i := range activations {
		views = append(views, statusView(&activations[i]))
	}
	return views
}

// deviceKeyFingerprint is the SHA-256 digest of the device public key,
// shown in status responses so users can verify which device is bound.
func deviceKeyFingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

func parseOtpValidation(value string) (models.OtpValidation, error) {
	switch value {
	case "", "none":
		return models.OtpNone, nil
	case "on_key_exchange":
		return models.OtpOnKeyExchange, nil
	case "on_commit":
		return models.OtpOnCommit, nil
	default:
		return 0, errs.New(errs.CodeInvalidRequest)
	}
}

func parseStatus(value string) (models.ActivationStatus, error) {
	switch value {
	case "CREATED":
		return models.ActivationCreated, nil
	case "PENDING_COMMIT":
		return models.ActivationPendingCommit, nil
	case "ACTIVE":
		return models.ActivationActive, nil
	case "BLOCKED":
		return models.ActivationBlocked, nil
	case "REMOVED":
		return models.ActivationRemoved, nil
	default:
		return 0, errs.New(errs.CodeInvalidRequest)
	}
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.CodeInvalidRequest, err)
	}
	return t, nil
}
