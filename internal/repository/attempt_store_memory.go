package repository

import (
	"context"
	"sync"
	"time"

	"codegate/activation/internal/model"
)

type memEntry struct {
	record    model.AttemptRecord
	expiresAt time.Time
	hasTTL    bool
}

func (e memEntry) isExpired(now time.Time) bool {
	return e.hasTTL && now.After(e.expiresAt)
}

// MemoryAttemptStore is the in-process AttemptStore. Expired entries are
// dropped lazily on read and in bulk by Purge.
type MemoryAttemptStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (s *MemoryAttemptStore) Get(_ context.Context, origin string) (*model.AttemptRecord, error) {
	s.mu.RLock()
	entry, ok := s.entries[origin]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if entry.isExpired(s.now()) {
		s.mu.Lock()
		delete(s.entries, origin)
		s.mu.Unlock()
		return nil, nil
	}
	rec := entry.record
	return &rec, nil
}

func (s *MemoryAttemptStore) Put(_ context.Context, origin string, rec *model.AttemptRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memEntry{record: *rec}
	if ttl > 0 {
		entry.hasTTL = true
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[origin] = entry
	return nil
}

func (s *MemoryAttemptStore) Update(_ context.Context, origin string, fn AttemptUpdateFunc) (*model.AttemptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var current *model.AttemptRecord
	if entry, ok := s.entries[origin]; ok && !entry.isExpired(now) {
		rec := entry.record
		current = &rec
	}

	next, ttl := fn(current)
	entry := memEntry{record: *next}
	if ttl > 0 {
		entry.hasTTL = true
		entry.expiresAt = now.Add(ttl)
	}
	s.entries[origin] = entry

	out := entry.record
	return &out, nil
}

func (s *MemoryAttemptStore) Delete(_ context.Context, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, origin)
	return nil
}

// Purge removes expired entries and returns how many were dropped.
func (s *MemoryAttemptStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for origin, e := range s.entries {
		if e.isExpired(now) {
			delete(s.entries, origin)
			n++
		}
	}
	return n
}

// Len reports the number of tracked origins, expired or not.
func (s *MemoryAttemptStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// RunPurge calls Purge every interval until ctx is done.
func (s *MemoryAttemptStore) RunPurge(ctx context.Context, interval time.Duration, onPurge func(int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Purge(); n > 0 && onPurge != nil {
				onPurge(n)
			}
		}
	}
}
