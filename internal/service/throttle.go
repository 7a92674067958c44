package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codegate/activation/internal/config"
	"codegate/activation/internal/metrics"
	"codegate/activation/internal/model"
	"codegate/activation/internal/repository"
)

// Throttle counts failed validations per origin and locks an origin out once
// it reaches the configured threshold inside the rolling window.
//
// Clean -> Accumulating(n) -> Locked(until). Expiry of both the window and the
// lock is lazy: a stale record reads as Clean.
type Throttle struct {
	store       repository.AttemptStore
	maxFailures int
	window      time.Duration
	lockout     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewThrottle(store repository.AttemptStore, cfg config.ThrottleConfig, logger *zap.Logger) *Throttle {
	return &Throttle{
		store:       store,
		maxFailures: cfg.MaxFailures,
		window:      cfg.Window,
		lockout:     cfg.Lockout,
		logger:      logger,
		now:         time.Now,
	}
}

// Check returns a *LockedError while origin is locked. Store errors fail open.
func (t *Throttle) Check(ctx context.Context, origin string) error {
	rec, err := t.store.Get(ctx, origin)
	if err != nil {
		t.logger.Warn("throttle store read failed", zap.String("origin", origin), zap.Error(err))
		return nil
	}
	if rec == nil {
		return nil
	}
	now := t.now()
	if rec.LockedUntil != nil && now.Before(*rec.LockedUntil) {
		return &LockedError{RetryAfter: rec.LockedUntil.Sub(now)}
	}
	return nil
}

// Fail records one failed validation and reports whether it locked the origin.
// The increment is a single store Update, so instances sharing a Redis store
// never lose each other's failures.
func (t *Throttle) Fail(ctx context.Context, origin string) bool {
	now := t.now()

	var locked bool
	rec, err := t.store.Update(ctx, origin, func(current *model.AttemptRecord) (*model.AttemptRecord, time.Duration) {
		locked = false
		next := current
		if next == nil || t.stale(next, now) {
			next = &model.AttemptRecord{FirstAttempt: now}
		}

		next.Failures++
		ttl := next.FirstAttempt.Add(t.window).Sub(now)
		if next.Failures >= t.maxFailures && next.LockedUntil == nil {
			until := now.Add(t.lockout)
			next.LockedUntil = &until
			locked = true
		}
		if next.LockedUntil != nil {
			if left := next.LockedUntil.Sub(now); left > ttl {
				ttl = left
			}
		}
		return next, ttl
	})
	if err != nil {
		t.logger.Warn("throttle store update failed", zap.String("origin", origin), zap.Error(err))
		return false
	}
	if locked {
		metrics.LockoutsTotal.Inc()
		t.logger.Warn("origin locked out",
			zap.String("origin", origin),
			zap.Int("failures", rec.Failures),
			zap.Duration("lockout", t.lockout))
	}
	return locked
}

// Succeed clears the origin's record.
func (t *Throttle) Succeed(ctx context.Context, origin string) {
	if err := t.store.Delete(ctx, origin); err != nil {
		t.logger.Warn("throttle store delete failed", zap.String("origin", origin), zap.Error(err))
	}
}

// stale reports a record whose lock has passed or whose window has closed
// without a lock.
func (t *Throttle) stale(rec *model.AttemptRecord, now time.Time) bool {
	if rec.LockedUntil != nil {
		return !now.Before(*rec.LockedUntil)
	}
	return !now.Before(rec.FirstAttempt.Add(t.window))
}
