// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package testutil provides test helpers and fixtures.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"github.com/vinovest/sqlx"

	"codeberg.org/oliverandrich/go-mfa-server/internal/database"
	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
	"codeberg.org/oliverandrich/go-mfa-server/internal/repository"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/counter"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
)

// NewTestDB creates an in-memory SQLite database for tests.
// Returns both the database connection and the repository for convenience.
func NewTestDB(t *testing.T) (*sqlx.DB, *repository.Repository) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	repo := repository.New(db)
	return db, repo
}

// Device simulates the client side of the protocol: it owns the device key
// pair and can compute request signatures against a known counter state.
type Device struct {
	PrivateKey []byte
	PublicKey  []byte

	provider *crypto.Provider
}

// NewDevice generates a device key pair.
func NewDevice(t *testing.T) *Device {
	t.Helper()
	provider, err := crypto.NewProvider(nil)
	require.NoError(t, err)
	priv, pub, err := provider.GenerateKeyPair()
	require.NoError(t, err)
	return &Device{PrivateKey: priv, PublicKey: pub, provider: provider}
}

// Sign computes the signature a device would send for data, using the shared
// secret derived against serverPublicKey and the counter value ctrData
// advanced by offset chain steps.
func (d *Device) Sign(t *testing.T, serverPublicKey, ctrData []byte, offset int, factors []models.Factor, data []byte, format crypto.SignatureFormat) string {
	t.Helper()
	masterSecret, err := d.provider.MasterSecret(d.PrivateKey, serverPublicKey)
	require.NoError(t, err)

	keys := make([][]byte, 0, len(factors))
	for _, f := range factors {
		key, keyErr := d.provider.SignatureKey(masterSecret, f)
		require.NoError(t, keyErr)
		keys = append(keys, key)
	}

	ctr := append([]byte(nil), ctrData...)
	for range offset {
		ctr = counter.Next(ctr)
	}

	sig, err := d.provider.ComputeSignature(data, ctr, keys, format)
	require.NoError(t, err)
	return sig
}

// SignNumeric is Sign for the legacy numeric-counter protocol versions.
func (d *Device) SignNumeric(t *testing.T, serverPublicKey []byte, ctr int64, factors []models.Factor, data []byte, format crypto.SignatureFormat) string {
	t.Helper()
	return d.Sign(t, serverPublicKey, counter.NumericData(ctr), 0, factors, data, format)
}

// NewEchoContext creates an Echo context for handler tests.
func NewEchoContext(e *echo.Echo, method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

// NewEchoContextWithHeaders creates an Echo context with custom headers.
func NewEchoContextWithHeaders(e *echo.Echo, method, path string, body io.Reader, headers map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

// NewRequest creates an HTTP request for testing.
func NewRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}
