package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"codegate/activation/internal/model"
)

const (
	attemptKeyPrefix = "throttle:attempt:"

	// maxUpdateAttempts bounds optimistic retries of Update.
	maxUpdateAttempts = 16
)

// ErrAttemptContention is returned when Update keeps losing to concurrent writers.
var ErrAttemptContention = errors.New("attempt record update lost to concurrent writers")

type redisAttemptStore struct {
	client *redis.Client
}

func NewRedisAttemptStore(client *redis.Client) AttemptStore {
	return &redisAttemptStore{client: client}
}

func decodeAttempt(val []byte, err error) (*model.AttemptRecord, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec model.AttemptRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *redisAttemptStore) Get(ctx context.Context, origin string) (*model.AttemptRecord, error) {
	return decodeAttempt(s.client.Get(ctx, attemptKeyPrefix+origin).Bytes())
}

func (s *redisAttemptStore) Put(ctx context.Context, origin string, rec *model.AttemptRecord, ttl time.Duration) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, attemptKeyPrefix+origin, val, ttl).Err()
}

// Update runs fn under WATCH and writes the result in a MULTI block, retrying
// when another instance changed the key in between.
func (s *redisAttemptStore) Update(ctx context.Context, origin string, fn AttemptUpdateFunc) (*model.AttemptRecord, error) {
	key := attemptKeyPrefix + origin

	var next *model.AttemptRecord
	txf := func(tx *redis.Tx) error {
		current, err := decodeAttempt(tx.Get(ctx, key).Bytes())
		if err != nil {
			return err
		}
		rec, ttl := fn(current)
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, ttl)
			return nil
		})
		if err == nil {
			next = rec
		}
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, ErrAttemptContention
}

func (s *redisAttemptStore) Delete(ctx context.Context, origin string) error {
	return s.client.Del(ctx, attemptKeyPrefix+origin).Err()
}
