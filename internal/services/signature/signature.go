// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package signature implements online and offline signature verification
// including the counter lookahead scan and the failure and blocking policy.
package signature

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/vinovest/sqlx"

	"codeberg.org/oliverandrich/go-mfa-server/internal/cache"
	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/metrics"
	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
	"codeberg.org/oliverandrich/go-mfa-server/internal/repository"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/callback"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/counter"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
)

// Config holds the tunables of signature verification.
type Config struct {
	// Lookahead is the number of chain positions the server tolerates the
	// device running ahead. A signature at stored+Lookahead is still
	// accepted, one at stored+Lookahead+1 is not.
	Lookahead int
	// MasterPrivateKey signs non-personalized offline payloads. Optional.
	MasterPrivateKey []byte
}

// Service verifies request signatures.
type Service struct {
	repo       *repository.Repository
	crypto     *crypto.Provider
	dispatcher *callback.Dispatcher
	metrics    *metrics.Metrics
	cfg        Config

	// keys caches the derived per-factor signature keys of an activation.
	// The key material is fixed once the device key is bound; entries go
	// stale when the activation's status changes.
	keys *cache.Provider[string, map[models.Factor][]byte]

	now func() time.Time
}

// NewService creates the signature service.
func NewService(repo *repository.Repository, provider *crypto.Provider, dispatcher *callback.Dispatcher, m *metrics.Metrics, cfg Config) *Service {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = counter.DefaultLookahead
	}
	return &Service{
		repo:       repo,
		crypto:     provider,
		dispatcher: dispatcher,
		metrics:    m,
		cfg:        cfg,
		keys:       cache.New[string, map[models.Factor][]byte](),
		now:        time.Now,
	}
}

// VerifyRequest is an online verification request. SignatureTypes may list
// several acceptable factor combinations; verification succeeds if any one
// matches.
type VerifyRequest struct {
	ActivationID      string
	ApplicationID     string
	ApplicationSecret string
	ProtocolVersion   string
	SignatureTypes    []string
	Signature         string
	Method            string
	URIID             string
	Nonce             []byte
	Body              []byte
}

// OfflineVerifyRequest is an offline verification request. Offline
// signatures always use the decimal encoding; biometry factors are rejected
// unless explicitly allowed.
type OfflineVerifyRequest struct {
	ActivationID   string
	URIID          string
	Nonce          []byte
	Body           []byte
	SignatureTypes []string
	Signature      string
	AllowBiometry  bool
}

// VerifyResult reports a successful verification.
type VerifyResult struct {
	ActivationID      string               `json:"activation_id"`
	UserID            string               `json:"user_id"`
	SignatureType     models.SignatureType `json:"signature_type"`
	CounterPosition   int64                `json:"counter_position"`
	RemainingAttempts int64                `json:"remaining_attempts"`
}

// verifyParams is the normalized input of the shared locked verification.
type verifyParams struct {
	types         []models.SignatureType
	signature     string
	data          []byte
	format        crypto.SignatureFormat
	hashCounter   bool
	version       string
	applicationID string
	touchLastUsed bool
}

// VerifyOnline verifies an online request signature. A mismatch mutates the
// failure budget and possibly blocks the activation even though the call
// returns an error; this is the intended behavior of the blocking policy,
// not a rollback bug.
func (s *Service) VerifyOnline(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	types, err := parseTypes(req.SignatureTypes)
	if err != nil {
		return nil, err
	}
	strat, err := strategyFor(req.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	if req.Signature == "" || req.Method == "" || req.ActivationID == "" {
		return nil, errs.New(errs.CodeInvalidRequest)
	}

	return s.verify(ctx, req.ActivationID, verifyParams{
		types:         types,
		signature:     req.Signature,
		data:          signedData(req.Method, req.URIID, req.Nonce, req.Body, req.ApplicationSecret),
		format:        strat.format,
		hashCounter:   strat.hashCounter,
		version:       req.ProtocolVersion,
		applicationID: req.ApplicationID,
		touchLastUsed: true,
	})
}

// VerifyOffline verifies a signature computed from an out-of-band payload.
// Offline verification shares the counter logic with online verification but
// never touches the last-used timestamp.
func (s *Service) VerifyOffline(ctx context.Context, req OfflineVerifyRequest) (*VerifyResult, error) {
	types, err := parseTypes(req.SignatureTypes)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		if t.HasBiometry() && !req.AllowBiometry {
			return nil, errs.New(errs.CodeInvalidRequest)
		}
		// Biometry never stands alone offline.
		if t == models.SignatureBiometry {
			return nil, errs.New(errs.CodeInvalidRequest)
		}
	}
	if req.Signature == "" || req.ActivationID == "" {
		return nil, errs.New(errs.CodeInvalidRequest)
	}

	return s.verify(ctx, req.ActivationID, verifyParams{
		types:       types,
		signature:   req.Signature,
		data:        signedData("POST", req.URIID, req.Nonce, req.Body, offlineAppSecret),
		format:      crypto.FormatDecimal,
		hashCounter: true,
		version:     "3.0",
	})
}

// verifyOutcome distinguishes the committed result of the locked attempt.
type verifyOutcome int

const (
	outcomeValid verifyOutcome = iota
	outcomeInvalid
	outcomeInvalidState
)

func (s *Service) verify(ctx context.Context, activationID string, p verifyParams) (*VerifyResult, error) {
	var (
		a       *models.Activation
		outcome verifyOutcome
		blocked bool
		result  *VerifyResult
	)

	err := s.repo.WithLock(ctx, activationID, func(tx *sqlx.Tx) error {
		var err error
		a, err = s.repo.GetActivationTx(ctx, tx, activationID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return errs.New(errs.CodeActivationNotFound)
			}
			return err
		}

		// Audit records freeze the pre-attempt counter and the status at
		// attempt time.
		audit := models.SignatureAudit{
			ActivationID:     a.ActivationID,
			Counter:          a.Counter,
			CtrData:          a.CtrData,
			SignatureType:    joinTypes(p.types),
			SignatureVersion: p.version,
			DataBase64:       base64.StdEncoding.EncodeToString(p.data),
			ActivationStatus: a.Status,
			CreatedAt:        s.now(),
		}

		if a.Status != models.ActivationActive {
			outcome = outcomeInvalidState
			audit.Note = models.AuditNoteInvalidState
			return s.repo.AppendSignatureAudit(ctx, tx, &audit)
		}

		// An activation that already spent its failure budget must not sit
		// in ACTIVE. Force the block and reject.
		if a.FailedAttempts >= a.MaxFailedAttempts {
			outcome = outcomeInvalidState
			blocked = true
			audit.Note = models.AuditNoteInvalidStateMismatch
			if err := s.block(ctx, tx, a); err != nil {
				return err
			}
			return s.repo.AppendSignatureAudit(ctx, tx, &audit)
		}

		if p.applicationID != "" && p.applicationID != a.ApplicationID {
			outcome = outcomeInvalid
			audit.Note = models.AuditNoteInvalidApplication
			blocked, err = s.recordFailure(ctx, tx, a, p.touchLastUsed)
			if err != nil {
				return err
			}
			return s.repo.AppendSignatureAudit(ctx, tx, &audit)
		}

		matchedType, offset, matchedCtr, err := s.scan(a, &p)
		if err != nil {
			return err
		}
		if matchedType == "" {
			outcome = outcomeInvalid
			audit.Note = models.AuditNoteSignatureMismatch
			blocked, err = s.recordFailure(ctx, tx, a, p.touchLastUsed)
			if err != nil {
				return err
			}
			return s.repo.AppendSignatureAudit(ctx, tx, &audit)
		}

		// Success: the stored counter advances to just past the matched
		// position and never moves again for a replay of this signature.
		a.Counter = a.Counter + int64(offset) + 1
		if p.hashCounter {
			a.CtrData = counter.Next(matchedCtr)
		}
		a.FailedAttempts = 0
		if p.touchLastUsed {
			now := s.now()
			a.LastUsedAt = &now
		}
		if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
			return err
		}
		audit.Note = models.AuditNoteSignatureOK
		audit.Valid = true
		if err := s.repo.AppendSignatureAudit(ctx, tx, &audit); err != nil {
			return err
		}

		outcome = outcomeValid
		result = &VerifyResult{
			ActivationID:      a.ActivationID,
			UserID:            a.UserID,
			SignatureType:     matchedType,
			CounterPosition:   a.Counter,
			RemainingAttempts: a.MaxFailedAttempts - a.FailedAttempts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if blocked {
		s.metrics.ActivationsBlocked.WithLabelValues(models.BlockedReasonMaxFailedAttempts).Inc()
		s.notify(a)
		slog.Info("activation blocked", "activation_id", activationID, "reason", models.BlockedReasonMaxFailedAttempts)
	}

	switch outcome {
	case outcomeValid:
		s.metrics.SignatureVerifications.WithLabelValues(metrics.ResultValid).Inc()
		return result, nil
	case outcomeInvalidState:
		s.metrics.SignatureVerifications.WithLabelValues(metrics.ResultInvalidState).Inc()
		return nil, errs.New(errs.CodeActivationNotActive)
	default:
		s.metrics.SignatureVerifications.WithLabelValues(metrics.ResultInvalid).Inc()
		return nil, errs.New(errs.CodeSignatureInvalid)
	}
}

// scan walks the counter lookahead window and tries every declared factor
// combination at every position. First forward match wins. Returns the empty
// type when nothing matched; the counter is left untouched in that case.
func (s *Service) scan(a *models.Activation, p *verifyParams) (models.SignatureType, int, []byte, error) {
	factorKeys, err := s.factorKeys(a)
	if err != nil {
		return "", 0, nil, err
	}

	keysByType := make(map[models.SignatureType][][]byte, len(p.types))
	for _, t := range p.types {
		factors := t.Factors()
		keys := make([][]byte, 0, len(factors))
		for _, f := range factors {
			keys = append(keys, factorKeys[f])
		}
		keysByType[t] = keys
	}

	ctr := a.CtrData
	for offset := 0; offset <= s.cfg.Lookahead; offset++ {
		ctrData := ctr
		if !p.hashCounter {
			ctrData = counter.NumericData(a.Counter + int64(offset))
		}
		for _, t := range p.types {
			ok, err := s.crypto.VerifySignature(p.data, ctrData, keysByType[t], p.format, p.signature)
			if err != nil {
				return "", 0, nil, err
			}
			if ok {
				return t, offset, ctrData, nil
			}
		}
		ctr = counter.Next(ctr)
	}
	return "", 0, nil, nil
}

// factorKeys returns the activation's derived signature keys for all three
// factors, cached per activation. A status change invalidates the entry,
// which covers re-binding a device key through recovery.
func (s *Service) factorKeys(a *models.Activation) (map[models.Factor][]byte, error) {
	return s.keys.GetOrLoad(a.ActivationID, a.StatusChangedAt, func() (map[models.Factor][]byte, error) {
		serverPrivate, err := s.crypto.DecryptServerPrivateKey(a.ServerPrivateKey, a.ServerKeyEncryption, a.ActivationID)
		if err != nil {
			return nil, err
		}
		masterSecret, err := s.crypto.MasterSecret(serverPrivate, a.DevicePublicKey)
		if err != nil {
			return nil, err
		}
		keys := make(map[models.Factor][]byte, 3)
		for _, f := range []models.Factor{models.FactorPossession, models.FactorKnowledge, models.FactorBiometry} {
			key, err := s.crypto.SignatureKey(masterSecret, f)
			if err != nil {
				return nil, err
			}
			keys[f] = key
		}
		return keys, nil
	})
}

// recordFailure applies the failure policy to an ACTIVE activation: the
// failure counter increments on every failed verification and the activation
// blocks when the budget is spent. Reports whether the block happened.
func (s *Service) recordFailure(ctx context.Context, tx *sqlx.Tx, a *models.Activation, touchLastUsed bool) (bool, error) {
	a.FailedAttempts++
	if touchLastUsed {
		now := s.now()
		a.LastUsedAt = &now
	}
	if a.FailedAttempts >= a.MaxFailedAttempts {
		return true, s.block(ctx, tx, a)
	}
	return false, s.repo.UpdateActivation(ctx, tx, a)
}

// block transitions the activation to BLOCKED with the max-failed-attempts
// reason inside the current transaction.
func (s *Service) block(ctx context.Context, tx *sqlx.Tx, a *models.Activation) error {
	reason := models.BlockedReasonMaxFailedAttempts
	a.Status = models.ActivationBlocked
	a.BlockedReason = &reason
	a.StatusChangedAt = s.now()
	if err := s.repo.UpdateActivation(ctx, tx, a); err != nil {
		return err
	}
	return s.repo.AppendHistory(ctx, tx, &models.ActivationHistory{
		ActivationID:  a.ActivationID,
		Status:        a.Status,
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

// OfflinePayload is a pre-generated out-of-band signable payload, intended
// for QR-code display.
type OfflinePayload struct {
	// Payload is {DATA}\n{NONCE}\n{KEY_INDICATOR}{ECDSA_SIGNATURE}. The key
	// indicator says which ECDSA key signed the payload: "1" for the
	// activation's server key, "0" for the master key pair.
	Payload string `json:"payload"`
	Nonce   string `json:"nonce"`
}

const (
	keyIndicatorPersonalized    = "1"
	keyIndicatorNonPersonalized = "0"

	offlineNonceSize = 16
)

// CreatePersonalizedOfflinePayload builds an offline payload signed with the
// activation's server private key.
func (s *Service) CreatePersonalizedOfflinePayload(ctx context.Context, activationID, data string) (*OfflinePayload, error) {
	a, err := s.repo.GetActivation(ctx, activationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.New(errs.CodeActivationNotFound)
		}
		return nil, err
	}
	if a.Status != models.ActivationActive {
		return nil, errs.New(errs.CodeActivationNotActive)
	}
	serverPrivate, err := s.crypto.DecryptServerPrivateKey(a.ServerPrivateKey, a.ServerKeyEncryption, a.ActivationID)
	if err != nil {
		return nil, err
	}
	return s.offlinePayload(data, serverPrivate, keyIndicatorPersonalized)
}

// CreateNonPersonalizedOfflinePayload builds an offline payload signed with
// the configured master key pair.
func (s *Service) CreateNonPersonalizedOfflinePayload(_ context.Context, data string) (*OfflinePayload, error) {
	if len(s.cfg.MasterPrivateKey) == 0 {
		return nil, errs.New(errs.CodeInvalidRequest)
	}
	return s.offlinePayload(data, s.cfg.MasterPrivateKey, keyIndicatorNonPersonalized)
}

func (s *Service) offlinePayload(data string, signingKey []byte, indicator string) (*OfflinePayload, error) {
	nonce, err := crypto.RandomBytes(offlineNonceSize)
	if err != nil {
		return nil, err
	}
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)

	signedPart := data + "\n" + nonceB64 + "\n" + indicator
	sig, err := s.crypto.SignECDSA(signingKey, []byte(signedPart))
	if err != nil {
		return nil, err
	}
	return &OfflinePayload{
		Payload: signedPart + base64.StdEncoding.EncodeToString(sig),
		Nonce:   nonceB64,
	}, nil
}

func parseTypes(values []string) ([]models.SignatureType, error) {
	if len(values) == 0 {
		return nil, errs.New(errs.CodeInvalidRequest)
	}
	types := make([]models.SignatureType, 0, len(values))
	for _, v := range values {
		t, err := models.ParseSignatureType(v)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInvalidRequest, err)
		}
		types = append(types, t)
	}
	return types, nil
}

func joinTypes(types []models.SignatureType) string {
	if len(types) == 1 {
		return string(types[0])
	}
	joined := ""
	for i, t := range types {
		if i > 0 {
			joined += ","
		}
		joined += string(t)
	}
	return joined
}
