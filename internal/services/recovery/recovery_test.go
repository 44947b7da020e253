// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package recovery

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/metrics"
	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
	"codeberg.org/oliverandrich/go-mfa-server/internal/repository"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/activation"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
	"codeberg.org/oliverandrich/go-mfa-server/internal/testutil"
)

const testAppID = "app-1"

func newTestService(t *testing.T, cfg Config) (*Service, *repository.Repository) {
	t.Helper()
	_, repo := testutil.NewTestDB(t)
	provider, err := crypto.NewProvider(nil)
	require.NoError(t, err)
	svc := NewService(repo, provider, nil, metrics.New(prometheus.NewRegistry()), cfg)
	return svc, repo
}

func devicePublicKey(t *testing.T) []byte {
	t.Helper()
	provider, err := crypto.NewProvider(nil)
	require.NoError(t, err)
	_, pub, err := provider.GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

func TestCreate(t *testing.T) {
	svc, repo := newTestService(t, Config{})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 3)
	require.NoError(t, err)

	assert.Equal(t, models.RecoveryCodeCreated, created.RecoveryCode.Status)
	assert.NoError(t, activation.ValidateCode(created.Code))
	require.Len(t, created.Puks, 3)
	for _, puk := range created.Puks {
		assert.Regexp(t, regexp.MustCompile(`^\d{10}$`), puk)
	}

	stored, err := repo.GetRecoveryCode(ctx, created.RecoveryCode.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryCodeCreated, stored.Status)
	assert.Equal(t, created.Code, stored.Code)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t, Config{MaxPukCount: 5})
	ctx := context.Background()

	_, err := svc.Create(ctx, "", "user-1", 1)
	assert.True(t, errs.Is(err, errs.CodeInvalidRequest))

	_, err = svc.Create(ctx, testAppID, "", 1)
	assert.True(t, errs.Is(err, errs.CodeInvalidRequest))

	_, err = svc.Create(ctx, testAppID, "user-1", 0)
	assert.True(t, errs.Is(err, errs.CodeInvalidRequest))

	_, err = svc.Create(ctx, testAppID, "user-1", 6)
	assert.True(t, errs.Is(err, errs.CodeInvalidRequest))
}

func TestConfirm(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 1)
	require.NoError(t, err)

	rc, err := svc.Confirm(ctx, testAppID, created.Code)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryCodeActive, rc.Status)
	assert.NotNil(t, rc.LastChangedAt)

	// Confirmation is irreversible; confirming again is an error.
	_, err = svc.Confirm(ctx, testAppID, created.Code)
	assert.True(t, errs.Is(err, errs.CodeRecoveryCodeInvalid))
}

func TestConfirm_Unknown(t *testing.T) {
	svc, _ := newTestService(t, Config{})

	_, err := svc.Confirm(context.Background(), testAppID, "AAAAA-AAAAA-AAAAA-AAAAA")
	assert.True(t, errs.Is(err, errs.CodeRecoveryCodeNotFound))
}

func TestActivateWithCode(t *testing.T) {
	svc, repo := newTestService(t, Config{})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 2)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, testAppID, created.Code)
	require.NoError(t, err)

	a, err := svc.ActivateWithCode(ctx, ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             created.Puks[0],
		DevicePublicKey: devicePublicKey(t),
		Name:            "Recovered Phone",
	})
	require.NoError(t, err)

	// Provisioning resumes at the key-exchange-done stage.
	assert.Equal(t, models.ActivationPendingCommit, a.Status)
	assert.Equal(t, "user-1", a.UserID)
	assert.Equal(t, testAppID, a.ApplicationID)
	assert.NotEmpty(t, a.DevicePublicKey)

	// The code is linked to the new activation with a fresh budget.
	rc, err := repo.GetRecoveryCode(ctx, created.RecoveryCode.ID)
	require.NoError(t, err)
	require.NotNil(t, rc.ActivationID)
	assert.Equal(t, a.ActivationID, *rc.ActivationID)
	assert.Equal(t, int64(0), rc.FailedAttempts)
}

func TestActivateWithCode_PukSingleUse(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 2)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, testAppID, created.Code)
	require.NoError(t, err)

	req := ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             created.Puks[0],
		DevicePublicKey: devicePublicKey(t),
	}
	_, err = svc.ActivateWithCode(ctx, req)
	require.NoError(t, err)

	// The spent PUK never matches again; the error names the next ordinal.
	_, err = svc.ActivateWithCode(ctx, req)
	var se *errs.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, errs.CodeRecoveryPukInvalid, se.Code)
	assert.Equal(t, int64(2), se.CurrentPukIndex)
}

func TestActivateWithCode_WrongPuk(t *testing.T) {
	svc, repo := newTestService(t, Config{})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 3)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, testAppID, created.Code)
	require.NoError(t, err)

	_, err = svc.ActivateWithCode(ctx, ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             "0000000000",
		DevicePublicKey: devicePublicKey(t),
	})
	var se *errs.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, errs.CodeRecoveryPukInvalid, se.Code)
	assert.Equal(t, int64(1), se.CurrentPukIndex)

	// The mismatch mutation survived the failed call.
	rc, err := repo.GetRecoveryCode(ctx, created.RecoveryCode.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rc.FailedAttempts)
}

func TestActivateWithCode_BlocksAtBudget(t *testing.T) {
	svc, repo := newTestService(t, Config{MaxFailedAttempts: 2})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 2)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, testAppID, created.Code)
	require.NoError(t, err)

	req := ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             "0000000000",
		DevicePublicKey: devicePublicKey(t),
	}
	for i := 0; i < 2; i++ {
		_, err = svc.ActivateWithCode(ctx, req)
		assert.True(t, errs.Is(err, errs.CodeRecoveryPukInvalid))
	}

	rc, err := repo.GetRecoveryCode(ctx, created.RecoveryCode.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryCodeBlocked, rc.Status)

	// Even the correct PUK is rejected once blocked.
	req.Puk = created.Puks[0]
	_, err = svc.ActivateWithCode(ctx, req)
	assert.True(t, errs.Is(err, errs.CodeRecoveryCodeInvalid))
}

func TestActivateWithCode_RequiresActiveCode(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 1)
	require.NoError(t, err)

	// CREATED, not yet confirmed.
	_, err = svc.ActivateWithCode(ctx, ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             created.Puks[0],
		DevicePublicKey: devicePublicKey(t),
	})
	assert.True(t, errs.Is(err, errs.CodeRecoveryCodeInvalid))
}

func TestActivateWithCode_ReplacesLinkedActivation(t *testing.T) {
	svc, repo := newTestService(t, Config{})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 2)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, testAppID, created.Code)
	require.NoError(t, err)

	first, err := svc.ActivateWithCode(ctx, ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             created.Puks[0],
		DevicePublicKey: devicePublicKey(t),
	})
	require.NoError(t, err)

	second, err := svc.ActivateWithCode(ctx, ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             created.Puks[1],
		DevicePublicKey: devicePublicKey(t),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ActivationID, second.ActivationID)

	// The replaced device lost its activation.
	old, err := repo.GetActivation(ctx, first.ActivationID)
	require.NoError(t, err)
	assert.Equal(t, models.ActivationRemoved, old.Status)
}

func TestActivateWithCode_ConcurrentSamePuk(t *testing.T) {
	// The budget is kept out of reach so every loser reports the spent PUK
	// instead of tripping the failed-attempts block mid-run.
	svc, _ := newTestService(t, Config{MaxFailedAttempts: 100})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 1)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, testAppID, created.Code)
	require.NoError(t, err)

	req := ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             created.Puks[0],
		DevicePublicKey: devicePublicKey(t),
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ActivateWithCode(ctx, req)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, pukErrors int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errs.Is(err, errs.CodeRecoveryPukInvalid):
			pukErrors++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one consumer may spend the PUK")
	assert.Equal(t, workers-1, pukErrors)
}

func TestActivateWithCode_Validation(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()
	pub := devicePublicKey(t)

	_, err := svc.ActivateWithCode(ctx, ActivateRequest{ApplicationID: testAppID, Puk: "1", DevicePublicKey: pub})
	assert.True(t, errs.Is(err, errs.CodeInvalidRequest))

	_, err = svc.ActivateWithCode(ctx, ActivateRequest{ApplicationID: testAppID, Code: "c", DevicePublicKey: pub})
	assert.True(t, errs.Is(err, errs.CodeInvalidRequest))

	_, err = svc.ActivateWithCode(ctx, ActivateRequest{ApplicationID: testAppID, Code: "c", Puk: "1", DevicePublicKey: []byte{1}})
	assert.True(t, errs.Is(err, errs.CodeInvalidRequest))
}

func TestRevoke(t *testing.T) {
	svc, repo := newTestService(t, Config{})
	ctx := context.Background()

	created, err := svc.Create(ctx, testAppID, "user-1", 2)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, testAppID, created.Code)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, []string{created.RecoveryCode.ID}))

	rc, err := repo.GetRecoveryCode(ctx, created.RecoveryCode.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryCodeRevoked, rc.Status)

	// Idempotent.
	require.NoError(t, svc.Revoke(ctx, []string{created.RecoveryCode.ID}))

	// Revocation is terminal.
	_, err = svc.ActivateWithCode(ctx, ActivateRequest{
		ApplicationID:   testAppID,
		Code:            created.Code,
		Puk:             created.Puks[0],
		DevicePublicKey: devicePublicKey(t),
	})
	assert.True(t, errs.Is(err, errs.CodeRecoveryCodeInvalid))
}

func TestRevoke_Unknown(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	err := svc.Revoke(context.Background(), []string{"missing"})
	assert.True(t, errs.Is(err, errs.CodeRecoveryCodeNotFound))
}

func TestLookup(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	ctx := context.Background()

	_, err := svc.Create(ctx, testAppID, "user-1", 1)
	require.NoError(t, err)
	_, err = svc.Create(ctx, "app-2", "user-1", 1)
	require.NoError(t, err)

	all, err := svc.Lookup(ctx, "user-1", "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	scoped, err := svc.Lookup(ctx, "user-1", "app-2", "")
	require.NoError(t, err)
	assert.Len(t, scoped, 1)

	_, err = svc.Lookup(ctx, "", "", "")
	assert.True(t, errs.Is(err, errs.CodeInvalidRequest))
}

func TestMatchPuk(t *testing.T) {
	hash := func(v string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(v), bcrypt.MinCost)
		require.NoError(t, err)
		return string(h)
	}
	puks := []models.RecoveryPuk{
		{PukIndex: 1, PukHash: hash("1111111111"), Status: models.RecoveryPukUsed},
		{PukIndex: 2, PukHash: hash("2222222222"), Status: models.RecoveryPukValid},
		{PukIndex: 3, PukHash: hash("3333333333"), Status: models.RecoveryPukValid},
	}

	matched, next := matchPuk(puks, "3333333333")
	require.NotNil(t, matched)
	assert.Equal(t, int64(3), matched.PukIndex)
	assert.Equal(t, int64(2), next)

	// A spent PUK never matches.
	matched, next = matchPuk(puks, "1111111111")
	assert.Nil(t, matched)
	assert.Equal(t, int64(2), next)

	matched, next = matchPuk(nil, "1111111111")
	assert.Nil(t, matched)
	assert.Equal(t, int64(0), next)
}

func TestGeneratePuk(t *testing.T) {
	for i := 0; i < 20; i++ {
		puk, err := generatePuk()
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^\d{10}$`), puk)
	}
}

func TestFormatPuk(t *testing.T) {
	assert.Equal(t, "0000000005", formatPuk(5))
	assert.Equal(t, "9999999999", formatPuk(9999999999))
	assert.Equal(t, "0000000000", formatPuk(0))
}
