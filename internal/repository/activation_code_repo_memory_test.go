package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"codegate/activation/internal/model"
)

func intPtr(v int) *int { return &v }

func TestMemoryActivationCodeRepository_CRUD(t *testing.T) {
	repo := NewMemoryActivationCodeRepository()
	ctx := context.Background()

	code := &model.ActivationCode{Code: "MEMORY-CODE-1", IsActive: true, MaxUses: intPtr(2)}
	require.NoError(t, repo.Create(ctx, code))
	assert.NotEqual(t, uuid.Nil, code.ID)

	assert.ErrorIs(t, repo.Create(ctx, &model.ActivationCode{Code: "MEMORY-CODE-1"}), gorm.ErrDuplicatedKey)

	got, err := repo.GetByCode(ctx, "MEMORY-CODE-1")
	require.NoError(t, err)
	assert.Equal(t, code.ID, got.ID)

	// returned rows are copies
	*got.MaxUses = 99
	again, err := repo.GetByID(ctx, code.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *again.MaxUses)

	_, err = repo.GetByCode(ctx, "MISSING")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	toggled, err := repo.Toggle(ctx, code.ID)
	require.NoError(t, err)
	assert.False(t, toggled.IsActive)

	name := "Bob"
	updated, err := repo.Update(ctx, code.ID, CodePatch{CustomerName: &name, SetMaxUses: true})
	require.NoError(t, err)
	assert.Equal(t, "Bob", updated.CustomerName)
	assert.Nil(t, updated.MaxUses)

	require.NoError(t, repo.Delete(ctx, code.ID))
	assert.ErrorIs(t, repo.Delete(ctx, code.ID), gorm.ErrRecordNotFound)
	_, err = repo.Toggle(ctx, code.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestMemoryActivationCodeRepository_Consume(t *testing.T) {
	repo := NewMemoryActivationCodeRepository()
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)

	code := &model.ActivationCode{Code: "CONSUME-CODE", IsActive: true, MaxUses: intPtr(2), ExpiresAt: &expires}
	require.NoError(t, repo.Create(ctx, code))

	req := ConsumeRequest{
		CodeID:      code.ID,
		Now:         now,
		BindDevice:  true,
		Fingerprint: "dev-a",
		Log:         &model.UsageLog{Code: code.Code, Origin: "10.0.0.1", UsedAt: now},
	}

	got, err := repo.Consume(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.UsedCount)
	require.NotNil(t, got.DeviceFingerprint)
	assert.Equal(t, "dev-a", *got.DeviceFingerprint)
	assert.Equal(t, now, *got.LastUsedAt)

	other := req
	other.Fingerprint = "dev-b"
	got, err = repo.Consume(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.Consume(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.UsedCount)

	// cap reached
	got, err = repo.Consume(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, got)

	logs, err := repo.ListUsage(ctx, code.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	logs, err = repo.ListUsage(ctx, code.ID, 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	// usage history survives the delete, detached from the code
	require.NoError(t, repo.Delete(ctx, code.ID))
	logs, err = repo.ListUsage(ctx, code.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMemoryActivationCodeRepository_ConsumeRejectsExpired(t *testing.T) {
	repo := NewMemoryActivationCodeRepository()
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Second)

	code := &model.ActivationCode{Code: "EXPIRED-CODE", IsActive: true, ExpiresAt: &expired}
	require.NoError(t, repo.Create(ctx, code))

	got, err := repo.Consume(ctx, ConsumeRequest{CodeID: code.ID, Now: now})
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, repo.Deactivate(ctx, code.ID))
	stored, err := repo.GetByID(ctx, code.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestMemoryActivationCodeRepository_Stats(t *testing.T) {
	repo := NewMemoryActivationCodeRepository()
	ctx := context.Background()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	rows := []*model.ActivationCode{
		{Code: "STATS-ACTIVE", IsActive: true, UsedCount: 3},
		{Code: "STATS-DISABLED", IsActive: false},
		{Code: "STATS-EXPIRED", IsActive: true, ExpiresAt: &past},
		{Code: "STATS-EXHAUSTED", IsActive: true, MaxUses: intPtr(1), UsedCount: 1},
	}
	for _, r := range rows {
		require.NoError(t, repo.Create(ctx, r))
	}

	stats, err := repo.Stats(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, CodeStats{Total: 4, Active: 1, Disabled: 1, Expired: 1, Exhausted: 1, TotalUses: 4}, *stats)

	require.NoError(t, repo.RecordAttempt(ctx, &model.ValidationAttempt{CodePrefix: "STATS-AC", Outcome: "ok"}))
}
