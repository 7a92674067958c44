package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"codegate/activation/internal/model"
)

func setupPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("activation_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	return db
}

func TestPGActivationCodeRepository_Integration(t *testing.T) {
	if testing.Short() || os.Getenv("INTEGRATION") == "" {
		t.Skip("skipping integration test; set INTEGRATION=1 to run")
	}

	db := setupPostgres(t)
	repo := NewPGActivationCodeRepository(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("create and duplicate", func(t *testing.T) {
		code := &model.ActivationCode{Code: "INTEGRATION-01", IsActive: true, MaxUses: intPtr(1)}
		require.NoError(t, repo.Create(ctx, code))
		assert.NotEmpty(t, code.ID)

		err := repo.Create(ctx, &model.ActivationCode{Code: "INTEGRATION-01", IsActive: true})
		assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	})

	t.Run("concurrent consumers never pass the cap", func(t *testing.T) {
		const n = 4
		code := &model.ActivationCode{Code: "INTEGRATION-CAP", IsActive: true, MaxUses: intPtr(n)}
		require.NoError(t, repo.Create(ctx, code))

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < 2*n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := repo.Consume(ctx, ConsumeRequest{
					CodeID:      code.ID,
					Now:         now,
					BindDevice:  true,
					Fingerprint: "dev-a",
					Log:         &model.UsageLog{Code: code.Code, Origin: "10.0.0.1", UsedAt: now},
				})
				assert.NoError(t, err)
				if got != nil {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, n, applied)

		stored, err := repo.GetByID(ctx, code.ID)
		require.NoError(t, err)
		assert.Equal(t, n, stored.UsedCount)

		logs, err := repo.ListUsage(ctx, code.ID, 0)
		require.NoError(t, err)
		assert.Len(t, logs, n)
	})

	t.Run("device predicate", func(t *testing.T) {
		code := &model.ActivationCode{Code: "INTEGRATION-DEV", IsActive: true}
		require.NoError(t, repo.Create(ctx, code))

		req := ConsumeRequest{CodeID: code.ID, Now: now, BindDevice: true, Fingerprint: "dev-a"}
		got, err := repo.Consume(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NotNil(t, got.DeviceFingerprint)
		assert.Equal(t, "dev-a", *got.DeviceFingerprint)

		req.Fingerprint = "dev-b"
		got, err = repo.Consume(ctx, req)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("admin mutations", func(t *testing.T) {
		past := now.Add(-time.Hour)
		code := &model.ActivationCode{Code: "INTEGRATION-ADM", IsActive: true, ExpiresAt: &past}
		require.NoError(t, repo.Create(ctx, code))

		got, err := repo.Consume(ctx, ConsumeRequest{CodeID: code.ID, Now: now})
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, repo.Deactivate(ctx, code.ID))
		toggled, err := repo.Toggle(ctx, code.ID)
		require.NoError(t, err)
		assert.True(t, toggled.IsActive)

		updated, err := repo.Update(ctx, code.ID, CodePatch{SetExpiresAt: true, SetMaxUses: true, MaxUses: intPtr(9)})
		require.NoError(t, err)
		assert.Nil(t, updated.ExpiresAt)
		assert.Equal(t, 9, *updated.MaxUses)

		stats, err := repo.Stats(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.Total)

		require.NoError(t, repo.RecordAttempt(ctx, &model.ValidationAttempt{CodePrefix: "INTEGRAT", Outcome: "ok"}))
		require.NoError(t, repo.Delete(ctx, code.ID))
		_, err = repo.GetByID(ctx, code.ID)
		assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	})
}
