package repository

import (
	"context"
	"time"

	"codegate/activation/internal/model"
)

// AttemptStore holds per-origin throttle records.
// Implementations: Redis (shared across instances) or in-memory (single instance).
type AttemptStore interface {
	// Get returns nil, nil when the origin has no live record.
	Get(ctx context.Context, origin string) (*model.AttemptRecord, error)
	Put(ctx context.Context, origin string, rec *model.AttemptRecord, ttl time.Duration) error
	Delete(ctx context.Context, origin string) error
	// Update applies fn to the live record (nil when absent) and stores the
	// result atomically. fn may run more than once under contention.
	Update(ctx context.Context, origin string, fn AttemptUpdateFunc) (*model.AttemptRecord, error)
}

// AttemptUpdateFunc derives the next record and its TTL from the current one.
type AttemptUpdateFunc func(current *model.AttemptRecord) (next *model.AttemptRecord, ttl time.Duration)
