// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vinovest/sqlx"

	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
	"codeberg.org/oliverandrich/go-mfa-server/internal/repository"
	"codeberg.org/oliverandrich/go-mfa-server/internal/testutil"
)

func newActivation(userID, applicationID string, status models.ActivationStatus, createdAt time.Time) *models.Activation {
	id := uuid.NewString()
	return &models.Activation{
		ActivationID:      id,
		ActivationCode:    "CODE-" + id[:18],
		ShortID:           id[:11],
		UserID:            userID,
		ApplicationID:     applicationID,
		Status:            status,
		ServerPublicKey:   []byte("server-public-key"),
		ServerPrivateKey:  []byte("server-private-key"),
		MaxFailedAttempts: 5,
		ProtocolVersion:   "3.1",
		Flags:             models.StringList{},
		CreatedAt:         createdAt,
		ExpiresAt:         createdAt.Add(5 * time.Minute),
		StatusChangedAt:   createdAt,
	}
}

func insertActivation(t *testing.T, repo *repository.Repository, a *models.Activation) {
	t.Helper()
	err := repo.WithLock(context.Background(), a.ActivationID, func(tx *sqlx.Tx) error {
		return repo.CreateActivation(context.Background(), tx, a)
	})
	require.NoError(t, err)
}

func TestWithLock_CommitsOnNil(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := newActivation("user-1", "app-1", models.ActivationCreated, time.Now())
	insertActivation(t, repo, a)

	got, err := repo.GetActivation(ctx, a.ActivationID)
	require.NoError(t, err)
	assert.Equal(t, a.ActivationID, got.ActivationID)
	assert.Equal(t, models.ActivationCreated, got.Status)
}

func TestWithLock_RollsBackOnError(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := newActivation("user-1", "app-1", models.ActivationCreated, time.Now())
	boom := errors.New("boom")
	err := repo.WithLock(ctx, a.ActivationID, func(tx *sqlx.Tx) error {
		if err := repo.CreateActivation(ctx, tx, a); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.GetActivation(ctx, a.ActivationID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestWithLock_SerializesPerKey(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := newActivation("user-1", "app-1", models.ActivationActive, time.Now())
	insertActivation(t, repo, a)

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithLock(ctx, a.ActivationID, func(tx *sqlx.Tx) error {
				cur, err := repo.GetActivationTx(ctx, tx, a.ActivationID)
				if err != nil {
					return err
				}
				cur.FailedAttempts++
				return repo.UpdateActivation(ctx, tx, cur)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.GetActivation(ctx, a.ActivationID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.FailedAttempts, "lost update under the row lock")
}

func TestGetActivation_NotFound(t *testing.T) {
	_, repo := testutil.NewTestDB(t)

	_, err := repo.GetActivation(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFindActivationIDByCode(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := newActivation("user-1", "app-1", models.ActivationCreated, time.Now())
	insertActivation(t, repo, a)

	id, err := repo.FindActivationIDByCode(ctx, "app-1", a.ActivationCode)
	require.NoError(t, err)
	assert.Equal(t, a.ActivationID, id)

	// The code is scoped to the application.
	_, err = repo.FindActivationIDByCode(ctx, "other-app", a.ActivationCode)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	exists, err := repo.ActivationCodeExists(ctx, "app-1", a.ActivationCode)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ActivationCodeExists(ctx, "app-1", "XXXXX-XXXXX-XXXXX-XXXXX")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestActivationCodeExistsTx(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := newActivation("user-1", "app-1", models.ActivationCreated, time.Now())
	err := repo.WithLock(ctx, a.ActivationID, func(tx *sqlx.Tx) error {
		// The check runs on the open transaction, so it observes the
		// uncommitted insert and never needs a second connection.
		exists, err := repo.ActivationCodeExistsTx(ctx, tx, "app-1", a.ActivationCode)
		if err != nil {
			return err
		}
		assert.False(t, exists)

		if err := repo.CreateActivation(ctx, tx, a); err != nil {
			return err
		}

		exists, err = repo.ActivationCodeExistsTx(ctx, tx, "app-1", a.ActivationCode)
		if err != nil {
			return err
		}
		assert.True(t, exists)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateActivation(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := newActivation("user-1", "app-1", models.ActivationActive, time.Now())
	insertActivation(t, repo, a)

	reason := models.BlockedReasonMaxFailedAttempts
	now := time.Now()
	err := repo.WithLock(ctx, a.ActivationID, func(tx *sqlx.Tx) error {
		cur, err := repo.GetActivationTx(ctx, tx, a.ActivationID)
		if err != nil {
			return err
		}
		cur.Status = models.ActivationBlocked
		cur.BlockedReason = &reason
		cur.Counter = 7
		cur.CtrData = []byte("0123456789abcdef")
		cur.Flags = models.StringList{"vip"}
		cur.LastUsedAt = &now
		return repo.UpdateActivation(ctx, tx, cur)
	})
	require.NoError(t, err)

	got, err := repo.GetActivation(ctx, a.ActivationID)
	require.NoError(t, err)
	assert.Equal(t, models.ActivationBlocked, got.Status)
	require.NotNil(t, got.BlockedReason)
	assert.Equal(t, reason, *got.BlockedReason)
	assert.Equal(t, int64(7), got.Counter)
	assert.Equal(t, []byte("0123456789abcdef"), got.CtrData)
	assert.Equal(t, models.StringList{"vip"}, got.Flags)
	assert.NotNil(t, got.LastUsedAt)
}

func TestListActivations(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	older := newActivation("user-1", "app-1", models.ActivationActive, base)
	newer := newActivation("user-1", "app-2", models.ActivationActive, base.Add(time.Minute))
	other := newActivation("user-2", "app-1", models.ActivationActive, base)
	insertActivation(t, repo, older)
	insertActivation(t, repo, newer)
	insertActivation(t, repo, other)

	all, err := repo.ListActivations(ctx, "user-1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer.ActivationID, all[0].ActivationID, "newest first")
	assert.Equal(t, older.ActivationID, all[1].ActivationID)

	scoped, err := repo.ListActivations(ctx, "user-1", "app-1")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, older.ActivationID, scoped[0].ActivationID)
}

func TestLookupActivations(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	a1 := newActivation("user-1", "app-1", models.ActivationActive, base)
	a2 := newActivation("user-2", "app-1", models.ActivationBlocked, base.Add(time.Hour))
	a3 := newActivation("user-3", "app-2", models.ActivationActive, base.Add(time.Hour))
	insertActivation(t, repo, a1)
	insertActivation(t, repo, a2)
	insertActivation(t, repo, a3)

	byUsers, err := repo.LookupActivations(ctx, []string{"user-1", "user-2"}, "", 0, time.Time{})
	require.NoError(t, err)
	assert.Len(t, byUsers, 2)

	byApp, err := repo.LookupActivations(ctx, nil, "app-2", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, byApp, 1)
	assert.Equal(t, a3.ActivationID, byApp[0].ActivationID)

	byStatus, err := repo.LookupActivations(ctx, nil, "", models.ActivationBlocked, time.Time{})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, a2.ActivationID, byStatus[0].ActivationID)

	recent, err := repo.LookupActivations(ctx, nil, "", 0, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestHistory(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := newActivation("user-1", "app-1", models.ActivationCreated, time.Now())
	insertActivation(t, repo, a)

	reason := "commit"
	err := repo.WithLock(ctx, a.ActivationID, func(tx *sqlx.Tx) error {
		if err := repo.AppendHistory(ctx, tx, &models.ActivationHistory{
			ActivationID: a.ActivationID,
			Status:       models.ActivationCreated,
			CreatedAt:    time.Now(),
		}); err != nil {
			return err
		}
		return repo.AppendHistory(ctx, tx, &models.ActivationHistory{
			ActivationID: a.ActivationID,
			Status:       models.ActivationActive,
			EventReason:  &reason,
			CreatedAt:    time.Now(),
		})
	})
	require.NoError(t, err)

	records, err := repo.ListHistory(ctx, a.ActivationID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.ActivationCreated, records[0].Status)
	assert.Equal(t, models.ActivationActive, records[1].Status)
	require.NotNil(t, records[1].EventReason)
	assert.Equal(t, reason, *records[1].EventReason)
}

func TestSignatureAudit(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	a := newActivation("user-1", "app-1", models.ActivationActive, time.Now())
	insertActivation(t, repo, a)

	base := time.Now().Add(-time.Hour)
	for i, ts := range []time.Time{base, base.Add(10 * time.Minute), base.Add(20 * time.Minute)} {
		rec := &models.SignatureAudit{
			ActivationID:     a.ActivationID,
			Counter:          int64(i),
			CtrData:          []byte("0123456789abcdef"),
			SignatureType:    "possession",
			SignatureVersion: "3.1",
			Valid:            i != 1,
			ActivationStatus: models.ActivationActive,
			Note:             models.AuditNoteSignatureOK,
			CreatedAt:        ts,
		}
		err := repo.WithLock(ctx, a.ActivationID, func(tx *sqlx.Tx) error {
			return repo.AppendSignatureAudit(ctx, tx, rec)
		})
		require.NoError(t, err)
	}

	all, err := repo.ListSignatureAudit(ctx, a.ActivationID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(0), all[0].Counter, "oldest first")

	from, err := repo.ListSignatureAudit(ctx, a.ActivationID, base.Add(5*time.Minute), time.Time{})
	require.NoError(t, err)
	assert.Len(t, from, 2)

	window, err := repo.ListSignatureAudit(ctx, a.ActivationID, base.Add(5*time.Minute), base.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, int64(1), window[0].Counter)
	assert.False(t, window[0].Valid)
}

func TestRecoveryCodes(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	rc := &models.RecoveryCode{
		ID:                uuid.NewString(),
		ApplicationID:     "app-1",
		UserID:            "user-1",
		Code:              "AAAAA-BBBBB-CCCCC-DDDDD",
		Status:            models.RecoveryCodeCreated,
		MaxFailedAttempts: 5,
		CreatedAt:         time.Now(),
	}
	puks := []models.RecoveryPuk{
		{RecoveryCodeID: rc.ID, PukIndex: 1, PukHash: "hash-1", Status: models.RecoveryPukValid},
		{RecoveryCodeID: rc.ID, PukIndex: 2, PukHash: "hash-2", Status: models.RecoveryPukValid},
	}
	err := repo.WithLock(ctx, rc.ID, func(tx *sqlx.Tx) error {
		return repo.CreateRecoveryCode(ctx, tx, rc, puks)
	})
	require.NoError(t, err)

	got, err := repo.GetRecoveryCode(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, rc.Code, got.Code)
	assert.Equal(t, models.RecoveryCodeCreated, got.Status)

	id, err := repo.FindRecoveryCodeID(ctx, "app-1", rc.Code)
	require.NoError(t, err)
	assert.Equal(t, rc.ID, id)

	_, err = repo.FindRecoveryCodeID(ctx, "other-app", rc.Code)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	exists, err := repo.RecoveryCodeExists(ctx, "app-1", rc.Code)
	require.NoError(t, err)
	assert.True(t, exists)

	err = repo.WithLock(ctx, rc.ID, func(tx *sqlx.Tx) error {
		listed, err := repo.ListPuks(ctx, tx, rc.ID)
		if err != nil {
			return err
		}
		require.Len(t, listed, 2)
		assert.Equal(t, int64(1), listed[0].PukIndex, "ordered by ordinal")
		assert.Equal(t, int64(2), listed[1].PukIndex)

		now := time.Now()
		listed[0].Status = models.RecoveryPukUsed
		listed[0].ChangedAt = &now
		return repo.UpdatePuk(ctx, tx, &listed[0])
	})
	require.NoError(t, err)

	err = repo.WithLock(ctx, rc.ID, func(tx *sqlx.Tx) error {
		listed, err := repo.ListPuks(ctx, tx, rc.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, models.RecoveryPukUsed, listed[0].Status)
		assert.Equal(t, models.RecoveryPukValid, listed[1].Status)
		return nil
	})
	require.NoError(t, err)
}

func TestRecoveryCodes_Listing(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()
	activationID := uuid.NewString()

	linked := &models.RecoveryCode{
		ID:                uuid.NewString(),
		ApplicationID:     "app-1",
		UserID:            "user-1",
		ActivationID:      &activationID,
		Code:              "AAAAA-AAAAA-AAAAA-AAAAA",
		Status:            models.RecoveryCodeActive,
		MaxFailedAttempts: 5,
		CreatedAt:         time.Now(),
	}
	unlinked := &models.RecoveryCode{
		ID:                uuid.NewString(),
		ApplicationID:     "app-2",
		UserID:            "user-1",
		Code:              "BBBBB-BBBBB-BBBBB-BBBBB",
		Status:            models.RecoveryCodeActive,
		MaxFailedAttempts: 5,
		CreatedAt:         time.Now(),
	}
	for _, rc := range []*models.RecoveryCode{linked, unlinked} {
		err := repo.WithLock(ctx, rc.ID, func(tx *sqlx.Tx) error {
			return repo.CreateRecoveryCode(ctx, tx, rc, nil)
		})
		require.NoError(t, err)
	}

	all, err := repo.ListRecoveryCodes(ctx, "user-1", "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byApp, err := repo.ListRecoveryCodes(ctx, "user-1", "app-2", "")
	require.NoError(t, err)
	require.Len(t, byApp, 1)
	assert.Equal(t, unlinked.ID, byApp[0].ID)

	byActivation, err := repo.ListRecoveryCodes(ctx, "user-1", "", activationID)
	require.NoError(t, err)
	require.Len(t, byActivation, 1)
	assert.Equal(t, linked.ID, byActivation[0].ID)

	err = repo.WithLock(ctx, linked.ID, func(tx *sqlx.Tx) error {
		linkedCodes, err := repo.ListRecoveryCodesByActivation(ctx, tx, activationID)
		if err != nil {
			return err
		}
		require.Len(t, linkedCodes, 1)
		assert.Equal(t, linked.ID, linkedCodes[0].ID)
		return nil
	})
	require.NoError(t, err)
}
