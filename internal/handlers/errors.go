// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/i18n"
)

// ErrorResponse is the JSON body of every failed call. The message is
// localized from the Accept-Language header; the code is stable.
type ErrorResponse struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	CurrentPukIndex int64  `json:"current_puk_index,omitempty"`
}

// ErrorHandler maps service errors to HTTP responses. Security errors share
// generic messages on purpose; the cause stays in the logs.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, _ := he.Message.(string)
		if msg == "" {
			msg = http.StatusText(he.Code)
		}
		_ = c.JSON(he.Code, ErrorResponse{Code: "ERR_HTTP", Message: msg})
		return
	}

	var se *errs.Error
	if !errors.As(err, &se) {
		slog.Error("unhandled error", "error", err, "path", c.Path())
		_ = c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    string(errs.CodeCryptoProvider),
			Message: i18n.TError(c.Request().Context(), errs.CodeCryptoProvider),
		})
		return
	}

	if se.Unwrap() != nil {
		slog.Debug("request failed", "code", se.Code, "cause", se.Unwrap(), "path", c.Path())
	}

	_ = c.JSON(statusFor(se.Code), ErrorResponse{
		Code:            string(se.Code),
		Message:         i18n.TError(c.Request().Context(), se.Code),
		CurrentPukIndex: se.CurrentPukIndex,
	})
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeActivationNotFound, errs.CodeRecoveryCodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalidRequest, errs.CodeVersionUnsupported:
		return http.StatusBadRequest
	case errs.CodeSignatureInvalid, errs.CodeInvalidOtp,
		errs.CodeRecoveryCodeInvalid, errs.CodeRecoveryPukInvalid:
		return http.StatusUnauthorized
	case errs.CodeActivationNotActive, errs.CodeActivationInvalidState,
		errs.CodeActivationExpired:
		return http.StatusConflict
	case errs.CodeCodeGenerationExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
