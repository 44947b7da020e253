// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/signature"
)

type verifySignatureRequest struct { //nolint:govet // fieldalignment: readability over optimization
	ActivationID      string   `json:"activation_id"`
	ApplicationID     string   `json:"application_id"`
	ApplicationSecret string   `json:"application_secret"`
	ProtocolVersion   string   `json:"protocol_version"`
	SignatureTypes    []string `json:"signature_types"`
	Signature         string   `json:"signature"`
	Method            string   `json:"method"`
	URIID             string   `json:"uri_id"`
	Nonce             []byte   `json:"nonce"`
	Body              []byte   `json:"body"`
}

// VerifySignature verifies an online request signature.
func (h *Handlers) VerifySignature(c echo.Context) error {
	var req verifySignatureRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	result, err := h.signatures.VerifyOnline(c.Request().Context(), signature.VerifyRequest{
		ActivationID:      req.ActivationID,
		ApplicationID:     req.ApplicationID,
		ApplicationSecret: req.ApplicationSecret,
		ProtocolVersion:   req.ProtocolVersion,
		SignatureTypes:    req.SignatureTypes,
		Signature:         req.Signature,
		Method:            req.Method,
		URIID:             req.URIID,
		Nonce:             req.Nonce,
		Body:              req.Body,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type offlinePayloadRequest struct {
	// ActivationID selects the personalized variant; without it the payload
	// is signed with the master key pair.
	ActivationID string `json:"activation_id"`
	Data         string `json:"data"`
}

// CreateOfflinePayload builds an out-of-band signable payload.
func (h *Handlers) CreateOfflinePayload(c echo.Context) error {
	var req offlinePayloadRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	var payload *signature.OfflinePayload
	var err error
	if req.ActivationID != "" {
		payload, err = h.signatures.CreatePersonalizedOfflinePayload(c.Request().Context(), req.ActivationID, req.Data)
	} else {
		payload, err = h.signatures.CreateNonPersonalizedOfflinePayload(c.Request().Context(), req.Data)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, payload)
}

type verifyOfflineSignatureRequest struct { //nolint:govet // fieldalignment: readability over optimization
	ActivationID   string   `json:"activation_id"`
	URIID          string   `json:"uri_id"`
	Nonce          []byte   `json:"nonce"`
	Body           []byte   `json:"body"`
	SignatureTypes []string `json:"signature_types"`
	Signature      string   `json:"signature"`
	AllowBiometry  bool     `json:"allow_biometry"`
}

// VerifyOfflineSignature verifies a signature computed from an offline
// payload.
func (h *Handlers) VerifyOfflineSignature(c echo.Context) error {
	var req verifyOfflineSignatureRequest
	if err := c.Bind(&req); err != nil {
		return errs.Wrap(errs.CodeInvalidRequest, err)
	}

	result, err := h.signatures.VerifyOffline(c.Request().Context(), signature.OfflineVerifyRequest{
		ActivationID:   req.ActivationID,
		URIID:          req.URIID,
		Nonce:          req.Nonce,
		Body:           req.Body,
		SignatureTypes: req.SignatureTypes,
		Signature:      req.Signature,
		AllowBiometry:  req.AllowBiometry,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
