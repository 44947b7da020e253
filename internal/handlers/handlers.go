// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package handlers exposes the engine's operations as a JSON API.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/go-mfa-server/internal/repository"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/activation"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/recovery"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/signature"
)

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	activations *activation.Service
	signatures  *signature.Service
	recovery    *recovery.Service
	repo        *repository.Repository
}

// New creates the handler set.
func New(activations *activation.Service, signatures *signature.Service, rec *recovery.Service, repo *repository.Repository) *Handlers {
	return &Handlers{
		activations: activations,
		signatures:  signatures,
		recovery:    rec,
		repo:        repo,
	}
}

// Health returns a simple health check response.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
