// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package activation implements the activation lifecycle state machine:
// provisioning, commit, blocking and removal of device activations. Every
// state transition is written to the activation history and announced to the
// callback dispatcher strictly after the transaction committed.
package activation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vinovest/sqlx"
	"golang.org/x/crypto/bcrypt"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/metrics"
	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
	"codeberg.org/oliverandrich/go-mfa-server/internal/repository"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/callback"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/counter"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
)

// Config holds the tunables of the activation lifecycle.
type Config struct {
	// Validity bounds the window between Init and Commit.
	Validity time.Duration
	// MaxFailedAttempts is the default signature failure budget for new
	// activations.
	MaxFailedAttempts int64
	// CodeGenerationAttempts bounds the collision-retry loop for activation
	// code generation.
	CodeGenerationAttempts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Validity:               5 * time.Minute,
		MaxFailedAttempts:      5,
		CodeGenerationAttempts: 10,
	}
}

// Service drives the activation state machine.
type Service struct {
	repo       *repository.Repository
	crypto     *crypto.Provider
	dispatcher *callback.Dispatcher
	metrics    *metrics.Metrics
	cfg        Config

	// now is swapped out in tests.
	now func() time.Time
}

// NewService creates the activation service.
func NewService(repo *repository.Repository, provider *crypto.Provider, dispatcher *callback.Dispatcher, m *metrics.Metrics, cfg Config) *Service {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultConfig().Validity
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = DefaultConfig().MaxFailedAttempts
	}
	if cfg.CodeGenerationAttempts <= 0 {
		cfg.CodeGenerationAttempts = DefaultConfig().CodeGenerationAttempts
	}
	return &Service{
		repo:       repo,
		crypto:     provider,
		dispatcher: dispatcher,
		metrics:    m,
		cfg:        cfg,
		now:        time.Now,
	}
}

// InitOptions carries the optional parameters of Init.
type InitOptions struct {
	Name              string
	OtpValidation     models.OtpValidation
	Otp               string
	MaxFailedAttempts int64
	Validity          time.Duration
	Flags             []string
	ExternalID        *string
}

// Init creates a new activation in CREATED state and returns it including
// the plaintext activation code. The code is never retrievable again after
// the activation turns ACTIVE.
func (s *Service) Init(ctx context.Context, userID, applicationID string, opts InitOptions) (*models.Activation, error) {
	if userID == "" || applicationID == "" {
		return nil, errs.New(errs.CodeInvalidRequest)
	}
	if opts.OtpValidation != models.OtpNone && opts.Otp == "" {
		return nil, errs.New(errs.CodeInvalidRequest)
	}

	code, err := s.uniqueCode(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	serverPrivate, serverPublic, err := s.crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	activationID := uuid.NewString()
	storedPrivate, encryptionMode, err := s.crypto.EncryptServerPrivateKey(serverPrivate, activationID)
	if err != nil {
		return nil, err
	}

	var otpHash *string
	if opts.OtpValidation != models.OtpNone {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Otp), bcrypt.DefaultCost)
		if err != nil {
			return nil, errs.Wrap(errs.CodeCryptoProvider, err)
		}
		h := string(hash)
		otpHash = &h
	}

	maxFailed := opts.MaxFailedAttempts
	if maxFailed <= 0 {
		maxFailed = s.cfg.MaxFailedAttempts
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = s.cfg.Validity
	}

	now := s.now()
	a := &models.Activation{
		ActivationID:        activationID,
		ActivationCode:      code,
		ShortID:             ShortID(code),
		UserID:              userID,
		ApplicationID:       applicationID,
		Name:                opts.Name,
		Status:              models.ActivationCreated,
		OtpValidation:       opts.OtpValidation,
		OtpHash:             otpHash,
		ServerPublicKey:     serverPublic,
		ServerPrivateKey:    storedPrivate,
		ServerKeyEncryption: encryptionMode,
		MaxFailedAttempts:   maxFailed,
		ProtocolVersion:     "3.1",
		Flags:               dedupe(opts.Flags),
		ExternalID:          opts.ExternalID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(validity),
		StatusChangedAt:     now,
	}

	err = s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		if err := s.repo.CreateActivation(ctx, tx, a); err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, a, nil)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ActivationsCreated.Inc()
	s.notify(a)
	slog.Info("activation initialized", "activation_id", activationID, "user_id", userID, "application_id", applicationID)
	return a, nil
}

// Prepare performs the key-exchange step: the device presents the activation
// code and its public key, the server stores the key and moves the
// activation to PENDING_COMMIT.
func (s *Service) Prepare(ctx context.Context, applicationID, code, otp string, devicePublicKey []byte) (*models.Activation, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	if err := s.crypto.ValidatePublicKey(devicePublicKey); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidRequest, err)
	}

	activationID, err := s.repo.FindActivationIDByCode(ctx, applicationID, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.New(errs.CodeActivationNotFound)
		}
		return nil, err
	}

	var a *models.Activation
	var expired bool
	err = s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		a, err = s.repo.GetActivationTx(ctx, tx, activationID)
		if err != nil {
			return asServiceErr(err)
		}
		if expired, err = s.expireIfDue(ctx, tx, a); err != nil {
			return err
		}
		if expired {
			// Commit the expiry, the caller gets the error below.
			return nil
		}
		if a.Status != models.ActivationCreated {
			return errs.New(errs.CodeActivationInvalidState)
		}
		if a.OtpValidation == models.OtpOnKeyExchange {
			if err := checkOtp(a.OtpHash, otp); err != nil {
				return err
			}
		}

		a.DevicePublicKey = devicePublicKey
		s.transition(a, models.ActivationPendingCommit, nil)
		if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, a, nil)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.notify(a)
		return nil, errs.New(errs.CodeActivationExpired)
	}

	s.notify(a)
	return a, nil
}

// Commit finalizes provisioning: the counter is seeded and the activation
// turns ACTIVE.
func (s *Service) Commit(ctx context.Context, activationID, otp string) (*models.Activation, error) {
	var a *models.Activation
	var expired bool
	err := s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		var err error
		a, err = s.repo.GetActivationTx(ctx, tx, activationID)
		if err != nil {
			return asServiceErr(err)
		}
		if expired, err = s.expireIfDue(ctx, tx, a); err != nil {
			return err
		}
		if expired {
			// Commit the expiry, the caller gets the error below.
			return nil
		}
		if a.Status != models.ActivationPendingCommit {
			return errs.New(errs.CodeActivationInvalidState)
		}
		if a.OtpValidation == models.OtpOnCommit {
			if err := checkOtp(a.OtpHash, otp); err != nil {
				return err
			}
		}

		seed, err := counter.Seed()
		if err != nil {
			return err
		}
		a.CtrData = seed
		a.Counter = 0
		a.FailedAttempts = 0
		a.OtpHash = nil
		s.transition(a, models.ActivationActive, nil)
		if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, a, nil)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.notify(a)
		return nil, errs.New(errs.CodeActivationExpired)
	}

	s.metrics.ActivationsCommitted.Inc()
	s.notify(a)
	slog.Info("activation committed", "activation_id", activationID)
	return a, nil
}

// Block moves an ACTIVE activation to BLOCKED with the given reason. Blocking
// an already blocked activation is a no-op.
func (s *Service) Block(ctx context.Context, activationID, reason string) (*models.Activation, error) {
	if reason == "" {
		reason = models.BlockedReasonNotSpecified
	}
	var a *models.Activation
	var changed bool
	err := s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		var err error
		a, err = s.repo.GetActivationTx(ctx, tx, activationID)
		if err != nil {
			return asServiceErr(err)
		}
		switch a.Status {
		case models.ActivationBlocked:
			return nil
		case models.ActivationActive:
		default:
			return errs.New(errs.CodeActivationInvalidState)
		}

		changed = true
		s.transition(a, models.ActivationBlocked, &reason)
		if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, a, nil)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.metrics.ActivationsBlocked.WithLabelValues(reason).Inc()
		s.notify(a)
		slog.Info("activation blocked", "activation_id", activationID, "reason", reason)
	}
	return a, nil
}

// Unblock moves a BLOCKED activation back to ACTIVE and resets its failure
// budget.
func (s *Service) Unblock(ctx context.Context, activationID string) (*models.Activation, error) {
	var a *models.Activation
	err := s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		var err error
		a, err = s.repo.GetActivationTx(ctx, tx, activationID)
		if err != nil {
			return asServiceErr(err)
		}
		if a.Status != models.ActivationBlocked {
			return errs.New(errs.CodeActivationInvalidState)
		}

		a.FailedAttempts = 0
		s.transition(a, models.ActivationActive, nil)
		if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, a, nil)
	})
	if err != nil {
		return nil, err
	}

	s.notify(a)
	slog.Info("activation unblocked", "activation_id", activationID)
	return a, nil
}

// Remove moves the activation to REMOVED from any state. Removal is terminal
// and idempotent. With revokeRecoveryCodes set, recovery codes linked to the
// activation are revoked in the same transaction.
func (s *Service) Remove(ctx context.Context, activationID string, revokeRecoveryCodes bool) error {
	var a *models.Activation
	var changed bool
	err := s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		var err error
		a, err = s.repo.GetActivationTx(ctx, tx, activationID)
		if err != nil {
			return asServiceErr(err)
		}
		if a.Status == models.ActivationRemoved {
			return nil
		}

		changed = true
		s.transition(a, models.ActivationRemoved, nil)
		if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, a, nil); err != nil {
			return err
		}
		if revokeRecoveryCodes {
			return s.revokeLinkedRecoveryCodes(ctx, tx, activationID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.metrics.ActivationsRemoved.Inc()
		s.notify(a)
		slog.Info("activation removed", "activation_id", activationID)
	}
	return nil
}

// GetStatus returns the activation, applying lazy expiry: a provisioning
// activation past its validity window is removed on read.
func (s *Service) GetStatus(ctx context.Context, activationID string) (*models.Activation, error) {
	a, err := s.repo.GetActivation(ctx, activationID)
	if err != nil {
		return nil, asServiceErr(err)
	}
	if !s.dueForExpiry(a) {
		return a, nil
	}

	var expired bool
	err = s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		a, err = s.repo.GetActivationTx(ctx, tx, activationID)
		if err != nil {
			return asServiceErr(err)
		}
		expired, err = s.expireIfDue(ctx, tx, a)
		return err
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.notify(a)
	}
	return a, nil
}

// List returns the activations of a user, optionally scoped to one
// application.
func (s *Service) List(ctx context.Context, userID, applicationID string) ([]models.Activation, error) {
	if userID == "" {
		return nil, errs.New(errs.CodeInvalidRequest)
	}
	return s.repo.ListActivations(ctx, userID, applicationID)
}

// Lookup returns activations matching the given filters.
func (s *Service) Lookup(ctx context.Context, userIDs []string, applicationID string, status models.ActivationStatus, newerThan time.Time) ([]models.Activation, error) {
	return s.repo.LookupActivations(ctx, userIDs, applicationID, status, newerThan)
}

// AddFlags adds flags to the activation, ignoring duplicates.
func (s *Service) AddFlags(ctx context.Context, activationID string, flags []string) (models.StringList, error) {
	return s.mutateFlags(ctx, activationID, func(current models.StringList) models.StringList {
		merged := append(models.StringList{}, current...)
		for _, f := range flags {
			if !merged.Contains(f) {
				merged = append(merged, f)
			}
		}
		return merged
	})
}

// UpdateFlags replaces the activation's flags.
func (s *Service) UpdateFlags(ctx context.Context, activationID string, flags []string) (models.StringList, error) {
	return s.mutateFlags(ctx, activationID, func(models.StringList) models.StringList {
		return dedupe(flags)
	})
}

// RemoveFlags removes the given flags from the activation.
func (s *Service) RemoveFlags(ctx context.Context, activationID string, flags []string) (models.StringList, error) {
	drop := dedupe(flags)
	return s.mutateFlags(ctx, activationID, func(current models.StringList) models.StringList {
		kept := models.StringList{}
		for _, f := range current {
			if !drop.Contains(f) {
				kept = append(kept, f)
			}
		}
		return kept
	})
}

// ListFlags returns the activation's flags.
func (s *Service) ListFlags(ctx context.Context, activationID string) (models.StringList, error) {
	a, err := s.repo.GetActivation(ctx, activationID)
	if err != nil {
		return nil, asServiceErr(err)
	}
	return a.Flags, nil
}

func (s *Service) mutateFlags(ctx context.Context, activationID string, apply func(models.StringList) models.StringList) (models.StringList, error) {
	var result models.StringList
	err := s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		a, err := s.repo.GetActivationTx(ctx, tx, activationID)
		if err != nil {
			return asServiceErr(err)
		}
		if a.Status == models.ActivationRemoved {
			return errs.New(errs.CodeActivationInvalidState)
		}
		a.Flags = apply(a.Flags)
		result = a.Flags
		return s.repo.UpdateActivation(ctx, tx, a)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// uniqueCode generates an activation code that is unused within the
// application, giving up after the configured number of attempts.
func (s *Service) uniqueCode(ctx context.Context, applicationID string) (string, error) {
	for i := 0; i < s.cfg.CodeGenerationAttempts; i++ {
		code, err := GenerateCode()
		if err != nil {
			return "", err
		}
		exists, err := s.repo.ActivationCodeExists(ctx, applicationID, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errs.New(errs.CodeCodeGenerationExhausted)
}

// dueForExpiry reports whether lazy expiry applies: only provisioning states
// expire, ACTIVE and later states never do.
func (s *Service) dueForExpiry(a *models.Activation) bool {
	if a.Status != models.ActivationCreated && a.Status != models.ActivationPendingCommit {
		return false
	}
	return a.CodeExpired(s.now())
}

// expireIfDue removes an overdue provisioning activation inside the current
// transaction. Returns true when the activation was expired.
func (s *Service) expireIfDue(ctx context.Context, tx *sqlx.Tx, a *models.Activation) (bool, error) {
	if !s.dueForExpiry(a) {
		return false, nil
	}
	reason := "expired"
	s.transition(a, models.ActivationRemoved, nil)
	if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
		return false, err
	}
	if err := s.appendHistory(ctx, tx, a, &reason); err != nil {
		return false, err
	}
	return true, nil
}

// revokeLinkedRecoveryCodes revokes all recovery codes linked to the
// activation and invalidates their remaining PUKs.
func (s *Service) revokeLinkedRecoveryCodes(ctx context.Context, tx *sqlx.Tx, activationID string) error {
	codes, err := s.repo.ListRecoveryCodesByActivation(ctx, tx, activationID)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range codes {
		rc := &codes[i]
		if rc.Status == models.RecoveryCodeRevoked {
			continue
		}
		rc.Status = models.RecoveryCodeRevoked
		rc.LastChangedAt = &now
		if err := s.repo.UpdateRecoveryCode(ctx, tx, rc); err != nil {
			return err
		}
		puks, err := s.repo.ListPuks(ctx, tx, rc.ID)
		if err != nil {
			return err
		}
		for j := range puks {
			if puks[j].Status != models.RecoveryPukValid {
				continue
			}
			puks[j].Status = models.RecoveryPukInvalid
			puks[j].ChangedAt = &now
			if err := s.repo.UpdatePuk(ctx, tx, &puks[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) transition(a *models.Activation, to models.ActivationStatus, blockedReason *string) {
	a.Status = to
	a.BlockedReason = blockedReason
	a.StatusChangedAt = s.now()
}

func (s *Service) appendHistory(ctx context.Context, tx *sqlx.Tx, a *models.Activation, eventReason *string) error {
	return s.repo.AppendHistory(ctx, tx, &models.ActivationHistory{
		ActivationID:  a.ActivationID,
		Status:        a.Status,
		EventReason:   eventReason,
		BlockedReason: a.BlockedReason,
		CreatedAt:     s.now(),
	})
}

func (s *Service) notify(a *models.Activation) {
	if s.dispatcher == nil || a == nil {
		return
	}
	s.dispatcher.Notify(models.SnapshotOf(a, s.now()))
}

// checkOtp compares an OTP against its stored hash. A mismatch never says
// which part failed.
func checkOtp(hash *string, otp string) error {
	if hash == nil {
		return errs.New(errs.CodeInvalidOtp)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*hash), []byte(otp)); err != nil {
		return errs.New(errs.CodeInvalidOtp)
	}
	return nil
}

func asServiceErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return errs.New(errs.CodeActivationNotFound)
	}
	return err
}

func dedupe(flags []string) models.StringList {
	out := models.StringList{}
	for _, f := range flags {
		if f != "" && !out.Contains(f) {
			out = append(out, f)
		}
	}
	return out
}
