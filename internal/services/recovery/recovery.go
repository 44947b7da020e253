// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package recovery implements the recovery code state machine: printable
// fallback credentials with single-use PUKs that allow re-activation when
// the original device is gone.
package recovery

import (
	"context"
	"encoding/binary"
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
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/activation"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/callback"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
)

// Config holds the tunables of the recovery code machinery.
type Config struct {
	// MaxFailedAttempts is the PUK failure budget per recovery code.
	MaxFailedAttempts int64
	// MaxPukCount bounds the number of PUKs per recovery code.
	MaxPukCount int64
	// CodeGenerationAttempts bounds the collision-retry loop.
	CodeGenerationAttempts int
	// Activation configures the activations created through recovery.
	Activation activation.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts:      5,
		MaxPukCount:            100,
		CodeGenerationAttempts: 10,
		Activation:             activation.DefaultConfig(),
	}
}

// Service drives the recovery code state machine.
type Service struct {
	repo       *repository.Repository
	crypto     *crypto.Provider
	dispatcher *callback.Dispatcher
	metrics    *metrics.Metrics
	cfg        Config

	now func() time.Time
}

// NewService creates the recovery service.
func NewService(repo *repository.Repository, provider *crypto.Provider, dispatcher *callback.Dispatcher, m *metrics.Metrics, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if cfg.MaxPukCount <= 0 {
		cfg.MaxPukCount = def.MaxPukCount
	}
	if cfg.CodeGenerationAttempts <= 0 {
		cfg.CodeGenerationAttempts = def.CodeGenerationAttempts
	}
	if cfg.Activation.MaxFailedAttempts <= 0 {
		cfg.Activation = def.Activation
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

// Created is the one-time plaintext view of a new recovery code. PUK values
// are never retrievable again.
type Created struct {
	RecoveryCode *models.RecoveryCode `json:"recovery_code"`
	Code         string               `json:"code"`
	Puks         []string             `json:"puks"`
}

// Create generates a recovery code with pukCount single-use PUKs. The code
// and PUK values are returned once in plaintext; only bcrypt hashes of the
// PUKs are stored.
func (s *Service) Create(ctx context.Context, applicationID, userID string, pukCount int64) (*Created, error) {
	if applicationID == "" || userID == "" || pukCount < 1 || pukCount > s.cfg.MaxPukCount {
		return nil, errs.New(errs.CodeInvalidRequest)
	}

	code, err := s.uniqueCode(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rc := &models.RecoveryCode{
		ID:                uuid.NewString(),
		ApplicationID:     applicationID,
		UserID:            userID,
		Code:              code,
		Status:            models.RecoveryCodeCreated,
		MaxFailedAttempts: s.cfg.MaxFailedAttempts,
		CreatedAt:         now,
	}

	plaintext := make([]string, 0, pukCount)
	puks := make([]models.RecoveryPuk, 0, pukCount)
	for i := int64(1); i <= pukCount; i++ {
		puk, err := generatePuk()
		if err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(puk), bcrypt.DefaultCost)
		if err != nil {
			return nil, errs.Wrap(errs.CodeCryptoProvider, err)
		}
		plaintext = append(plaintext, puk)
		puks = append(puks, models.RecoveryPuk{
			RecoveryCodeID: rc.ID,
			PukIndex:       i,
			PukHash:        string(hash),
			Status:         models.RecoveryPukValid,
		})
	}

	err = s.repo.WithLock(ctx, rc.ID, func(tx *sqlx.Tx) error {
		return s.repo.CreateRecoveryCode(ctx, tx, rc, puks)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("recovery code created", "recovery_code_id", rc.ID, "user_id", userID, "puk_count", pukCount)
	return &Created{RecoveryCode: rc, Code: code, Puks: plaintext}, nil
}

// Confirm moves a recovery code from CREATED to ACTIVE once the user
// confirmed receipt. The transition is irreversible; confirming again is an
// error.
func (s *Service) Confirm(ctx context.Context, applicationID, codeValue string) (*models.RecoveryCode, error) {
	id, err := s.repo.FindRecoveryCodeID(ctx, applicationID, codeValue)
	if err != nil {
		return nil, asServiceErr(err)
	}

	var rc *models.RecoveryCode
	err = s.repo.WithLock(ctx, id, func(tx *sqlx.Tx) error {
		rc, err = s.repo.GetRecoveryCodeTx(ctx, tx, id)
		if err != nil {
			return asServiceErr(err)
		}
		if rc.Status != models.RecoveryCodeCreated {
			return errs.New(errs.CodeRecoveryCodeInvalid)
		}
		now := s.now()
		rc.Status = models.RecoveryCodeActive
		rc.LastChangedAt = &now
		return s.repo.UpdateRecoveryCode(ctx, tx, rc)
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// ActivateRequest is the input of ActivateWithCode.
type ActivateRequest struct {
	ApplicationID     string
	Code              string
	Puk               string
	DevicePublicKey   []byte
	Name              string
	MaxFailedAttempts int64
}

// ActivateWithCode consumes one valid PUK and creates a new activation for
// the code's user, already carrying the device key material (the combined
// init-and-prepare step). The PUK lookup-and-consume is atomic under the
// code's row lock, so a PUK can never be spent twice. On a PUK mismatch the
// code's failure budget shrinks and the error reports the next expected PUK
// ordinal.
func (s *Service) ActivateWithCode(ctx context.Context, req ActivateRequest) (*models.Activation, error) {
	if req.Code == "" || req.Puk == "" || req.ApplicationID == "" {
		return nil, errs.New(errs.CodeInvalidRequest)
	}
	if err := s.crypto.ValidatePublicKey(req.DevicePublicKey); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidRequest, err)
	}

	id, err := s.repo.FindRecoveryCodeID(ctx, req.ApplicationID, req.Code)
	if err != nil {
		return nil, asServiceErr(err)
	}

	var (
		created     *models.Activation
		removed     *models.Activation
		codeBlocked bool
		pukErr      *errs.Error
	)
	err = s.repo.WithLock(ctx, id, func(tx *sqlx.Tx) error {
		rc, err := s.repo.GetRecoveryCodeTx(ctx, tx, id)
		if err != nil {
			return asServiceErr(err)
		}
		if rc.Status != models.RecoveryCodeActive {
			return errs.New(errs.CodeRecoveryCodeInvalid)
		}

		puks, err := s.repo.ListPuks(ctx, tx, rc.ID)
		if err != nil {
			return err
		}
		matched, nextIndex := matchPuk(puks, req.Puk)
		if matched == nil {
			// The mismatch mutation must survive the failed call.
			codeBlocked, err = s.recordFailure(ctx, tx, rc, puks)
			if err != nil {
				return err
			}
			pukErr = errs.WithPukIndex(nextIndex)
			return nil
		}

		now := s.now()
		matched.Status = models.RecoveryPukUsed
		matched.ChangedAt = &now
		if err := s.repo.UpdatePuk(ctx, tx, matched); err != nil {
			return err
		}

		// A device replaced through recovery loses its old activation.
		if rc.ActivationID != nil {
			removed, err = s.removeActivation(ctx, tx, *rc.ActivationID)
			if err != nil {
				return err
			}
		}

		created, err = s.createActivation(ctx, tx, rc, req)
		if err != nil {
			return err
		}

		rc.ActivationID = &created.ActivationID
		rc.FailedAttempts = 0
		rc.LastChangedAt = &now
		return s.repo.UpdateRecoveryCode(ctx, tx, rc)
	})
	if err != nil {
		return nil, err
	}

	if codeBlocked {
		s.metrics.RecoveryCodesBlocked.Inc()
		slog.Info("recovery code blocked", "recovery_code_id", id)
	}
	if pukErr != nil {
		return nil, pukErr
	}

	if removed != nil {
		s.notify(removed)
	}
	s.metrics.RecoveryActivations.Inc()
	s.notify(created)
	slog.Info("activation created through recovery", "recovery_code_id", id, "activation_id", created.ActivationID)
	return created, nil
}

// Lookup returns the recovery codes of a user, optionally filtered by
// application and linked activation.
func (s *Service) Lookup(ctx context.Context, userID, applicationID, activationID string) ([]models.RecoveryCode, error) {
	if userID == "" {
		return nil, errs.New(errs.CodeInvalidRequest)
	}
	return s.repo.ListRecoveryCodes(ctx, userID, applicationID, activationID)
}

// Revoke moves the given recovery codes to REVOKED and invalidates their
// remaining PUKs. Revoking an already revoked code is a no-op.
func (s *Service) Revoke(ctx context.Context, ids []string) error {
	for _, id := range ids {
		err := s.repo.WithLock(ctx, id, func(tx *sqlx.Tx) error {
			rc, err := s.repo.GetRecoveryCodeTx(ctx, tx, id)
			if err != nil {
				return asServiceErr(err)
			}
			if rc.Status == models.RecoveryCodeRevoked {
				return nil
			}
			now := s.now()
			rc.Status = models.RecoveryCodeRevoked
			rc.LastChangedAt = &now
			if err := s.repo.UpdateRecoveryCode(ctx, tx, rc); err != nil {
				return err
			}
			return s.invalidatePuks(ctx, tx, rc.ID)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// recordFailure applies the PUK failure policy: every mismatch shrinks the
// code's budget, and a spent budget blocks the code and invalidates all
// remaining PUKs.
func (s *Service) recordFailure(ctx context.Context, tx *sqlx.Tx, rc *models.RecoveryCode, puks []models.RecoveryPuk) (bool, error) {
	now := s.now()
	rc.FailedAttempts++
	rc.LastChangedAt = &now
	blocked := rc.FailedAttempts >= rc.MaxFailedAttempts
	if blocked {
		rc.Status = models.RecoveryCodeBlocked
		for i := range puks {
			if puks[i].Status != models.RecoveryPukValid {
				continue
			}
			puks[i].Status = models.RecoveryPukInvalid
			puks[i].ChangedAt = &now
			if err := s.repo.UpdatePuk(ctx, tx, &puks[i]); err != nil {
				return false, err
			}
		}
	}
	return blocked, s.repo.UpdateRecoveryCode(ctx, tx, rc)
}

func (s *Service) invalidatePuks(ctx context.Context, tx *sqlx.Tx, recoveryCodeID string) error {
	puks, err := s.repo.ListPuks(ctx, tx, recoveryCodeID)
	if err != nil {
		return err
	}
	now := s.now()
	for i := range puks {
		if puks[i].Status != models.RecoveryPukValid {
			continue
		}
		puks[i].Status = models.RecoveryPukInvalid
		puks[i].ChangedAt = &now
		if err := s.repo.UpdatePuk(ctx, tx, &puks[i]); err != nil {
			return err
		}
	}
	return nil
}

// removeActivation moves the previously linked activation to REMOVED inside
// the current transaction. Already removed activations pass through.
func (s *Service) removeActivation(ctx context.Context, tx *sqlx.Tx, activationID string) (*models.Activation, error) {
	a, err := s.repo.GetActivationTx(ctx, tx, activationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if a.Status == models.ActivationRemoved {
		return nil, nil
	}
	a.Status = models.ActivationRemoved
	a.BlockedReason = nil
	a.StatusChangedAt = s.now()
	if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
		return nil, err
	}
	reason := "replaced_through_recovery"
	err = s.repo.AppendHistory(ctx, tx, &models.ActivationHistory{
		ActivationID: a.ActivationID,
		Status:       a.Status,
		EventReason:  &reason,
		CreatedAt:    s.now(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// createActivation builds the replacement activation in PENDING_COMMIT
// state, device key already attached.
func (s *Service) createActivation(ctx context.Context, tx *sqlx.Tx, rc *models.RecoveryCode, req ActivateRequest) (*models.Activation, error) {
	code, err := s.uniqueActivationCode(ctx, tx, rc.ApplicationID)
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

	maxFailed := req.MaxFailedAttempts
	if maxFailed <= 0 {
		maxFailed = s.cfg.Activation.MaxFailedAttempts
	}

	now := s.now()
	a := &models.Activation{
		ActivationID:        activationID,
		ActivationCode:      code,
		ShortID:             activation.ShortID(code),
		UserID:              rc.UserID,
		ApplicationID:       rc.ApplicationID,
		Name:                req.Name,
		Status:              models.ActivationPendingCommit,
		DevicePublicKey:     req.DevicePublicKey,
		ServerPublicKey:     serverPublic,
		ServerPrivateKey:    storedPrivate,
		ServerKeyEncryption: encryptionMode,
		MaxFailedAttempts:   maxFailed,
		ProtocolVersion:     "3.1",
		Flags:               models.StringList{},
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.Activation.Validity),
		StatusChangedAt:     now,
	}
	if err := s.repo.CreateActivation(ctx, tx, a); err != nil {
		return nil, err
	}
	err = s.repo.AppendHistory(ctx, tx, &models.ActivationHistory{
		ActivationID: a.ActivationID,
		Status:       a.Status,
		CreatedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) uniqueCode(ctx context.Context, applicationID string) (string, error) {
	for i := 0; i < s.cfg.CodeGenerationAttempts; i++ {
		code, err := activation.GenerateCode()
		if err != nil {
			return "", err
		}
		exists, err := s.repo.RecoveryCodeExists(ctx, applicationID, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errs.New(errs.CodeCodeGenerationExhausted)
}

// uniqueActivationCode runs inside the recovery code's locked unit of work,
// so the existence check must go through the open transaction. A non-tx read
// would not be serialized with the insert and blocks forever on a
// single-connection pool.
func (s *Service) uniqueActivationCode(ctx context.Context, tx *sqlx.Tx, applicationID string) (string, error) {
	for i := 0; i < s.cfg.CodeGenerationAttempts; i++ {
		code, err := activation.GenerateCode()
		if err != nil {
			return "", err
		}
		exists, err := s.repo.ActivationCodeExistsTx(ctx, tx, applicationID, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errs.New(errs.CodeCodeGenerationExhausted)
}

func (s *Service) notify(a *models.Activation) {
	if s.dispatcher == nil || a == nil {
		return
	}
	s.dispatcher.Notify(models.SnapshotOf(a, s.now()))
}

// matchPuk finds the first VALID PUK matching the input and the index of the
// next expected PUK (the lowest VALID ordinal) for mismatch reporting.
func matchPuk(puks []models.RecoveryPuk, input string) (*models.RecoveryPuk, int64) {
	var nextIndex int64
	var matched *models.RecoveryPuk
	for i := range puks {
		if puks[i].Status != models.RecoveryPukValid {
			continue
		}
		if nextIndex == 0 {
			nextIndex = puks[i].PukIndex
		}
		if matched == nil && bcrypt.CompareHashAndPassword([]byte(puks[i].PukHash), []byte(input)) == nil {
			matched = &puks[i]
		}
	}
	return matched, nextIndex
}

// generatePuk returns a 10-digit decimal PUK.
func generatePuk() (string, error) {
	b, err := crypto.RandomBytes(8)
	if err != nil {
		return "", err
	}
	v := binary.BigEndian.Uint64(b) % 10000000000
	return formatPuk(v), nil
}

func formatPuk(v uint64) string {
	digits := make([]byte, 10)
	for i := 9; i >= 0; i-- {
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits)
}

func asServiceErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return errs.New(errs.CodeRecoveryCodeNotFound)
	}
	return err
}
