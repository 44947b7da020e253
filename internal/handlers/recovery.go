// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/recovery"
)

type createRecoveryCodeRequest struct {
	ApplicationID string `json:"application_id"`
	UserID        string `json:"user_id"`
	PukCount      int64  `json:"puk_count"`
}

// CreateRecoveryCode generates a recovery code with single-use PUKs. The
// response is the only time the PUK values appear in plaintext.
func (h *Handlers) CreateRecoveryCode(c echo.Context) error {
	var req createRecoveryCodeRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	created, err := h.recovery.Create(c.Request().Context(), req.ApplicationID, req.UserID, req.PukCount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

type confirmRecoveryCodeRequest struct {
	ApplicationID string `json:"application_id"`
	Code          string `json:"code"`
}

// ConfirmRecoveryCode confirms receipt of a recovery code.
func (h *Handlers) ConfirmRecoveryCode(c echo.Context) error {
	var req confirmRecoveryCodeRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	rc, err := h.recovery.Confirm(c.Request().Context(), req.ApplicationID, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rc)
}

type activateWithRecoveryRequest struct { //nolint:govet // fieldalignment: readability over optimization
	ApplicationID     string `json:"application_id"`
	Code              string `json:"code"`
	Puk               string `json:"puk"`
	DevicePublicKey   []byte `json:"device_public_key"`
	Name              string `json:"name"`
	MaxFailedAttempts int64  `json:"max_failed_attempts"`
}

// ActivateWithRecoveryCode creates a replacement activation by consuming a
// recovery PUK.
func (h *Handlers) ActivateWithRecoveryCode(c echo.Context) error {
	var req activateWithRecoveryRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	a, err := h.recovery.ActivateWithCode(c.Request().Context(), recovery.ActivateRequest{
		ApplicationID:     req.ApplicationID,
		Code:              req.Code,
		Puk:               req.Puk,
		DevicePublicKey:   req.DevicePublicKey,
		Name:              req.Name,
		MaxFailedAttempts: req.MaxFailedAttempts,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, statusView(a))
}

// LookupRecoveryCodes returns a user's recovery codes.
func (h *Handlers) LookupRecoveryCodes(c echo.Context) error {
	codes, err := h.recovery.Lookup(c.Request().Context(),
		c.QueryParam("user_id"), c.QueryParam("application_id"), c.QueryParam("activation_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, codes)
}

type revokeRecoveryCodesRequest struct {
	IDs []string `json:"ids"`
}

// RevokeRecoveryCodes revokes recovery codes; idempotent.
func (h *Handlers) RevokeRecoveryCodes(c echo.Context) error {
	var req revokeRecoveryCodesRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	if err := h.recovery.Revoke(c.Request().Context(), req.IDs); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
