package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codegate/activation/internal/config"
	"codegate/activation/internal/model"
	"codegate/activation/internal/repository"
)

func newTestThrottle(store repository.AttemptStore) (*Throttle, *testClock) {
	th := NewThrottle(store, config.ThrottleConfig{
		MaxFailures: 5,
		Window:      time.Hour,
		Lockout:     15 * time.Minute,
	}, zap.NewNop())
	clock := newTestClock()
	th.now = clock.Now
	return th, clock
}

func TestThrottle_LocksAfterMaxFailures(t *testing.T) {
	th, clock := newTestThrottle(repository.NewMemoryAttemptStore())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, th.Check(ctx, "1.2.3.4"))
		assert.False(t, th.Fail(ctx, "1.2.3.4"), "failure %d", i)
	}
	require.NoError(t, th.Check(ctx, "1.2.3.4"))
	assert.True(t, th.Fail(ctx, "1.2.3.4"))

	err := th.Check(ctx, "1.2.3.4")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Equal(t, 900, locked.RetryAfterSeconds())

	// other origins are unaffected
	assert.NoError(t, th.Check(ctx, "5.6.7.8"))

	clock.Advance(10 * time.Minute)
	require.ErrorAs(t, th.Check(ctx, "1.2.3.4"), &locked)
	assert.Equal(t, 300, locked.RetryAfterSeconds())

	// lock expiry is lazy and the next failure starts a new window
	clock.Advance(5 * time.Minute)
	assert.NoError(t, th.Check(ctx, "1.2.3.4"))
	assert.False(t, th.Fail(ctx, "1.2.3.4"))
	assert.NoError(t, th.Check(ctx, "1.2.3.4"))
}

func TestThrottle_SuccessResets(t *testing.T) {
	store := repository.NewMemoryAttemptStore()
	th, _ := newTestThrottle(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		th.Fail(ctx, "1.2.3.4")
	}
	th.Succeed(ctx, "1.2.3.4")

	rec, err := store.Get(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.Nil(t, rec)

	for i := 0; i < 4; i++ {
		assert.False(t, th.Fail(ctx, "1.2.3.4"))
	}
	assert.NoError(t, th.Check(ctx, "1.2.3.4"))
}

func TestThrottle_WindowExpiryResetsCount(t *testing.T) {
	th, clock := newTestThrottle(repository.NewMemoryAttemptStore())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		th.Fail(ctx, "1.2.3.4")
	}
	clock.Advance(61 * time.Minute)

	for i := 0; i < 4; i++ {
		assert.False(t, th.Fail(ctx, "1.2.3.4"))
	}
	assert.True(t, th.Fail(ctx, "1.2.3.4"))
}

func TestThrottle_SharedRedisStoreCountsEveryFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// two instances behind a load balancer share one store
	store := repository.NewRedisAttemptStore(client)
	a, _ := newTestThrottle(store)
	b, _ := newTestThrottle(store)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		lockers atomic.Int32
	)
	for i := 0; i < 8; i++ {
		th := a
		if i%2 == 1 {
			th = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Fail(ctx, "198.51.100.7") {
				lockers.Add(1)
			}
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "198.51.100.7")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 8, rec.Failures)
	assert.Equal(t, int32(1), lockers.Load())

	var locked *LockedError
	assert.ErrorAs(t, a.Check(ctx, "198.51.100.7"), &locked)
	assert.ErrorAs(t, b.Check(ctx, "198.51.100.7"), &locked)
}

type brokenAttemptStore struct{}

func (brokenAttemptStore) Get(context.Context, string) (*model.AttemptRecord, error) {
	return nil, errors.New("redis: connection pool timeout")
}

func (brokenAttemptStore) Put(context.Context, string, *model.AttemptRecord, time.Duration) error {
	return errors.New("redis: connection pool timeout")
}

func (brokenAttemptStore) Delete(context.Context, string) error {
	return errors.New("redis: connection pool timeout")
}

func (brokenAttemptStore) Update(context.Context, string, repository.AttemptUpdateFunc) (*model.AttemptRecord, error) {
	return nil, errors.New("redis: connection pool timeout")
}

func TestThrottle_FailsOpenOnStoreErrors(t *testing.T) {
	th, _ := newTestThrottle(brokenAttemptStore{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.False(t, th.Fail(ctx, "1.2.3.4"))
	}
	assert.NoError(t, th.Check(ctx, "1.2.3.4"))
	th.Succeed(ctx, "1.2.3.4")
}
