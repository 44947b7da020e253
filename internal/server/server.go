// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package server wires the engine together and runs the HTTP API.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"codeberg.org/oliverandrich/go-mfa-server/internal/config"
	"codeberg.org/oliverandrich/go-mfa-server/internal/database"
	"codeberg.org/oliverandrich/go-mfa-server/internal/handlers"
	"codeberg.org/oliverandrich/go-mfa-server/internal/i18n"
	"codeberg.org/oliverandrich/go-mfa-server/internal/metrics"
	"codeberg.org/oliverandrich/go-mfa-server/internal/repository"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/activation"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/callback"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/recovery"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/signature"
)

// Run starts the server with the given CLI command.
func Run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.NewFromCLI(cmd)
	setupLogger(cfg.Log.Level, cfg.Log.Format)

	slog.Info("starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"base_url", cfg.Server.BaseURL,
	)

	// Database
	db, err := database.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	// i18n
	if initErr := i18n.Init(); initErr != nil {
		return fmt.Errorf("failed to init i18n: %w", initErr)
	}

	// Crypto provider
	masterEncryptionKey, err := cfg.Engine.MasterEncryptionKeyBytes()
	if err != nil {
		return err
	}
	provider, err := crypto.NewProvider(masterEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to create crypto provider: %w", err)
	}
	masterPrivateKey, err := cfg.Engine.MasterPrivateKeyBytes()
	if err != nil {
		return err
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Callback dispatcher
	dispatcher := callback.NewDispatcher(cfg.Engine.CallbackQueueSize)
	defer dispatcher.Close()

	// Services
	repo := repository.New(db)
	activationCfg := activation.Config{
		Validity:               cfg.Engine.ActivationValidity,
		MaxFailedAttempts:      cfg.Engine.MaxFailedAttempts,
		CodeGenerationAttempts: cfg.Engine.CodeGenerationAttempts,
	}
	activations := activation.NewService(repo, provider, dispatcher, m, activationCfg)
	signatures := signature.NewService(repo, provider, dispatcher, m, signature.Config{
		Lookahead:        cfg.Engine.Lookahead,
		MasterPrivateKey: masterPrivateKey,
	})
	recoveryService := recovery.NewService(repo, provider, dispatcher, m, recovery.Config{
		MaxFailedAttempts:      cfg.Recovery.MaxFailedAttempts,
		MaxPukCount:            cfg.Recovery.MaxPukCount,
		CodeGenerationAttempts: cfg.Engine.CodeGenerationAttempts,
		Activation:             activationCfg,
	})

	// Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.ErrorHandler

	setupMiddleware(e, cfg)
	setupRoutes(e, handlers.New(activations, signatures, recoveryService, repo), registry)

	return startWithGracefulShutdown(e, cfg)
}

func setupRoutes(e *echo.Echo, h *handlers.Handlers, registry *prometheus.Registry) {
	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1")

	api.POST("/activations", h.InitActivation)
	api.GET("/activations", h.ListActivations)
	api.POST("/activations/prepare", h.PrepareActivation)
	api.POST("/activations/lookup", h.LookupActivations)
	api.GET("/activations/:id", h.GetActivation)
	api.DELETE("/activations/:id", h.RemoveActivation)
	api.POST("/activations/:id/commit", h.CommitActivation)
	api.POST("/activations/:id/block", h.BlockActivation)
	api.POST("/activations/:id/unblock", h.UnblockActivation)
	api.GET("/activations/:id/history", h.ActivationHistory)
	api.GET("/activations/:id/audit", h.SignatureAudit)
	api.GET("/activations/:id/flags", h.ListFlags)
	api.POST("/activations/:id/flags", h.AddFlags)
	api.PUT("/activations/:id/flags", h.UpdateFlags)
	api.DELETE("/activations/:id/flags", h.RemoveFlags)

	api.POST("/signatures/verify", h.VerifySignature)
	api.POST("/signatures/offline/payload", h.CreateOfflinePayload)
	api.POST("/signatures/offline/verify", h.VerifyOfflineSignature)

	api.POST("/recovery", h.CreateRecoveryCode)
	api.GET("/recovery", h.LookupRecoveryCodes)
	api.POST("/recovery/confirm", h.ConfirmRecoveryCode)
	api.POST("/recovery/activate", h.ActivateWithRecoveryCode)
	api.POST("/recovery/revoke", h.RevokeRecoveryCodes)
}

func startWithGracefulShutdown(e *echo.Echo, cfg *config.Config) error {
	// Setup TLS
	tlsResult, err := SetupTLS(cfg)
	if err != nil {
		return fmt.Errorf("TLS setup failed: %w", err)
	}

	// Channel for server errors
	errChan := make(chan error, 2)

	// HTTP redirect server for ACME mode
	var httpServer *http.Server

	switch tlsResult.Mode {
	case TLSModeOff:
		// Plain HTTP on configured port
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("Server running", "url", cfg.Server.BaseURL)
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeACME:
		// HTTPS on :443
		go func() {
			slog.Info("Server running", "url", cfg.Server.BaseURL)
			if err := startTLSServer(e, ":443", tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		// HTTP redirect server on :80
		httpServer = &http.Server{
			Addr:              ":80",
			Handler:           tlsResult.HTTPHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("HTTP→HTTPS redirect active", "addr", ":80")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

	case TLSModeSelfSigned, TLSModeManual:
		// HTTPS on configured port
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		go func() {
			slog.Info("Server running", "url", cfg.Server.BaseURL)
			if err := startTLSServer(e, addr, tlsResult.TLSConfig); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	// Wait for interrupt signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.Info("shutting down server")
	case err := <-errChan:
		slog.Error("server error", "error", err)
		return err
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown main server
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown main server", "error", err)
	}

	// Shutdown HTTP redirect server if running
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown HTTP redirect server", "error", err)
		}
	}

	slog.Info("server stopped")
	return nil
}

// startTLSServer starts the Echo server with a custom TLS configuration.
func startTLSServer(e *echo.Echo, addr string, tlsConfig *tls.Config) error {
	lc := &net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return err
	}
	e.TLSListener = tls.NewListener(ln, tlsConfig)
	e.TLSServer.TLSConfig = tlsConfig
	return e.Server.Serve(e.TLSListener)
}
