// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

var (
	configPath = "config.toml"
	configFile = altsrc.NewStringPtrSourcer(&configPath)
)

type Config struct { //nolint:govet // fieldalignment not critical for config structs
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	TLS      TLSConfig
	Engine   EngineConfig
	Recovery RecoveryConfig
}

type TLSConfig struct {
	Mode     string // auto, acme, selfsigned, manual, off
	CertDir  string // Directory for auto-generated certificates
	Email    string // ACME email for Let's Encrypt
	CertFile string // Path to certificate file (manual mode)
	KeyFile  string // Path to private key file (manual mode)
}

type ServerConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host        string
	Port        int
	BaseURL     string
	MaxBodySize int // in MB
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

type DatabaseConfig struct {
	DSN string
}

// EngineConfig holds the verification engine tunables.
type EngineConfig struct { //nolint:govet // fieldalignment not critical for config structs
	// Lookahead is the counter lookahead window.
	Lookahead int
	// MaxFailedAttempts is the default signature failure budget.
	MaxFailedAttempts int64
	// ActivationValidity bounds the init-to-commit window.
	ActivationValidity time.Duration
	// CodeGenerationAttempts bounds activation code collision retries.
	CodeGenerationAttempts int
	// MasterEncryptionKey encrypts server private keys at rest
	// (hex-encoded, 32 bytes). Empty disables encryption.
	MasterEncryptionKey string
	// MasterPrivateKey signs non-personalized offline payloads
	// (hex-encoded P-256 scalar). Optional.
	MasterPrivateKey string
	// CallbackQueueSize is the depth of the change-notification queue.
	CallbackQueueSize int
}

// RecoveryConfig holds the recovery code tunables.
type RecoveryConfig struct {
	MaxFailedAttempts int64
	MaxPukCount       int64
}

// MasterEncryptionKeyBytes decodes the configured master encryption key.
func (c *EngineConfig) MasterEncryptionKeyBytes() ([]byte, error) {
	return decodeHexKey(c.MasterEncryptionKey, "master encryption key")
}

// MasterPrivateKeyBytes decodes the configured offline signing key.
func (c *EngineConfig) MasterPrivateKeyBytes() ([]byte, error) {
	return decodeHexKey(c.MasterPrivateKey, "master private key")
}

func decodeHexKey(value, name string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return key, nil
}

func NewFromCLI(cmd *cli.Command) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:        cmd.String("host"),
			Port:        int(cmd.Int("port")),
			BaseURL:     cmd.String("base-url"),
			MaxBodySize: int(cmd.Int("max-body-size")),
		},
		Log: LogConfig{
			Level:  cmd.String("log-level"),
			Format: cmd.String("log-format"),
		},
		Database: DatabaseConfig{
			DSN: cmd.String("database-dsn"),
		},
		TLS: TLSConfig{
			Mode:     cmd.String("tls-mode"),
			CertDir:  cmd.String("tls-cert-dir"),
			Email:    cmd.String("tls-email"),
			CertFile: cmd.String("tls-cert-file"),
			KeyFile:  cmd.String("tls-key-file"),
		},
		Engine: EngineConfig{
			Lookahead:              int(cmd.Int("lookahead")),
			MaxFailedAttempts:      int64(cmd.Int("max-failed-attempts")),
			ActivationValidity:     time.Duration(cmd.Int("activation-validity")) * time.Second,
			CodeGenerationAttempts: int(cmd.Int("code-generation-attempts")),
			MasterEncryptionKey:    cmd.String("master-encryption-key"),
			MasterPrivateKey:       cmd.String("master-private-key"),
			CallbackQueueSize:      int(cmd.Int("callback-queue-size")),
		},
		Recovery: RecoveryConfig{
			MaxFailedAttempts: int64(cmd.Int("recovery-max-failed-attempts")),
			MaxPukCount:       int64(cmd.Int("recovery-max-puk-count")),
		},
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = buildBaseURL(cfg)
	}

	return cfg
}

func buildBaseURL(cfg *Config) string {
	host := cfg.Server.Host
	port := cfg.Server.Port
	mode := strings.ToLower(cfg.TLS.Mode)

	useTLS := shouldUseTLS(mode, host)

	scheme := "http"
	if useTLS {
		scheme = "https"
	}

	// ACME mode always uses port 443
	if mode == "acme" {
		return fmt.Sprintf("https://%s", host)
	}

	// Hide default ports in URL
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func shouldUseTLS(mode, host string) bool {
	switch mode {
	case "off":
		return false
	case "acme", "selfsigned", "manual":
		return true
	default: // "auto" or empty
		return !IsLocalhost(host)
	}
}

// IsLocalhost checks if the host is a localhost address.
func IsLocalhost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	// Check for *.localhost subdomains (e.g., app.localhost)
	return strings.HasSuffix(host, ".localhost")
}

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Value:       "config.toml",
			Usage:       "Path to configuration file",
			Destination: &configPath,
			Sources:     cli.EnvVars("CONFIG"),
		},
		&cli.StringFlag{
			Name:    "host",
			Value:   "localhost",
			Usage:   "Host to bind to",
			Sources: cli.NewValueSourceChain(cli.EnvVar("HOST"), toml.TOML("server.host", configFile)),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   8080,
			Usage:   "Port to listen on",
			Sources: cli.NewValueSourceChain(cli.EnvVar("PORT"), toml.TOML("server.port", configFile)),
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "Base URL for the service",
			Sources: cli.NewValueSourceChain(cli.EnvVar("BASE_URL"), toml.TOML("server.base_url", configFile)),
		},
		&cli.IntFlag{
			Name:    "max-body-size",
			Value:   1,
			Usage:   "Maximum request body size in MB",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAX_BODY_SIZE"), toml.TOML("server.max_body_size", configFile)),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_LEVEL"), toml.TOML("log.level", configFile)),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Log format (text, json)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOG_FORMAT"), toml.TOML("log.format", configFile)),
		},
		&cli.StringFlag{
			Name:    "database-dsn",
			Value:   "./data/mfa.db",
			Usage:   "Database DSN",
			Sources: cli.NewValueSourceChain(cli.EnvVar("DATABASE_DSN"), toml.TOML("database.dsn", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-mode",
			Value:   "auto",
			Usage:   "TLS mode (auto, acme, selfsigned, manual, off)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_MODE"), toml.TOML("tls.mode", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-cert-dir",
			Value:   "./data/certs",
			Usage:   "Directory for auto-generated certificates",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_CERT_DIR"), toml.TOML("tls.cert_dir", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-email",
			Usage:   "Email for ACME/Let's Encrypt registration",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_EMAIL"), toml.TOML("tls.email", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-cert-file",
			Usage:   "Path to TLS certificate file (manual mode)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_CERT_FILE"), toml.TOML("tls.cert_file", configFile)),
		},
		&cli.StringFlag{
			Name:    "tls-key-file",
			Usage:   "Path to TLS private key file (manual mode)",
			Sources: cli.NewValueSourceChain(cli.EnvVar("TLS_KEY_FILE"), toml.TOML("tls.key_file", configFile)),
		},
		// Engine flags
		&cli.IntFlag{
			Name:    "lookahead",
			Value:   20,
			Usage:   "Counter lookahead window",
			Sources: cli.NewValueSourceChain(cli.EnvVar("LOOKAHEAD"), toml.TOML("engine.lookahead", configFile)),
		},
		&cli.IntFlag{
			Name:    "max-failed-attempts",
			Value:   5,
			Usage:   "Default signature failure budget per activation",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MAX_FAILED_ATTEMPTS"), toml.TOML("engine.max_failed_attempts", configFile)),
		},
		&cli.IntFlag{
			Name:    "activation-validity",
			Value:   300,
			Usage:   "Activation code validity in seconds",
			Sources: cli.NewValueSourceChain(cli.EnvVar("ACTIVATION_VALIDITY"), toml.TOML("engine.activation_validity", configFile)),
		},
		&cli.IntFlag{
			Name:    "code-generation-attempts",
			Value:   10,
			Usage:   "Activation code collision retry bound",
			Sources: cli.NewValueSourceChain(cli.EnvVar("CODE_GENERATION_ATTEMPTS"), toml.TOML("engine.code_generation_attempts", configFile)),
		},
		&cli.StringFlag{
			Name:    "master-encryption-key",
			Usage:   "Hex-encoded 32-byte key for server private key encryption at rest",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MASTER_ENCRYPTION_KEY"), toml.TOML("engine.master_encryption_key", configFile)),
		},
		&cli.StringFlag{
			Name:    "master-private-key",
			Usage:   "Hex-encoded P-256 scalar for non-personalized offline payloads",
			Sources: cli.NewValueSourceChain(cli.EnvVar("MASTER_PRIVATE_KEY"), toml.TOML("engine.master_private_key", configFile)),
		},
		&cli.IntFlag{
			Name:    "callback-queue-size",
			Value:   256,
			Usage:   "Depth of the change-notification queue",
			Sources: cli.NewValueSourceChain(cli.EnvVar("CALLBACK_QUEUE_SIZE"), toml.TOML("engine.callback_queue_size", configFile)),
		},
		// Recovery flags
		&cli.IntFlag{
			Name:    "recovery-max-failed-attempts",
			Value:   5,
			Usage:   "PUK failure budget per recovery code",
			Sources: cli.NewValueSourceChain(cli.EnvVar("RECOVERY_MAX_FAILED_ATTEMPTS"), toml.TOML("recovery.max_failed_attempts", configFile)),
		},
		&cli.IntFlag{
			Name:    "recovery-max-puk-count",
			Value:   100,
			Usage:   "Maximum PUKs per recovery code",
			Sources: cli.NewValueSourceChain(cli.EnvVar("RECOVERY_MAX_PUK_COUNT"), toml.TOML("recovery.max_puk_count", configFile)),
		},
	}
}
