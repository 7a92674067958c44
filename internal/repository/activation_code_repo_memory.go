package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"codegate/activation/internal/model"
)

// memoryActivationCodeRepository keeps every row in process memory. A single
// mutex serializes writers, which gives Consume the same all-or-nothing
// semantics as the conditional UPDATE in PostgreSQL.
type memoryActivationCodeRepository struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*model.ActivationCode
	byCode   map[string]uuid.UUID
	usage    []model.UsageLog
	attempts []model.ValidationAttempt
}

func NewMemoryActivationCodeRepository() ActivationCodeRepository {
	return &memoryActivationCodeRepository{
		byID:   make(map[uuid.UUID]*model.ActivationCode),
		byCode: make(map[string]uuid.UUID),
	}
}

func cloneCode(c *model.ActivationCode) *model.ActivationCode {
	out := *c
	if c.MaxUses != nil {
		v := *c.MaxUses
		out.MaxUses = &v
	}
	if c.ExpiresAt != nil {
		v := *c.ExpiresAt
		out.ExpiresAt = &v
	}
	if c.LastUsedAt != nil {
		v := *c.LastUsedAt
		out.LastUsedAt = &v
	}
	if c.DeviceFingerprint != nil {
		v := *c.DeviceFingerprint
		out.DeviceFingerprint = &v
	}
	return &out
}

func (r *memoryActivationCodeRepository) Create(_ context.Context, code *model.ActivationCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byCode[code.Code]; exists {
		return gorm.ErrDuplicatedKey
	}
	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}
	now := time.Now()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = now
	}
	code.UpdatedAt = now
	r.byID[code.ID] = cloneCode(code)
	r.byCode[code.Code] = code.ID
	return nil
}

func (r *memoryActivationCodeRepository) GetByID(_ context.Context, id uuid.UUID) (*model.ActivationCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneCode(c), nil
}

func (r *memoryActivationCodeRepository) GetByCode(_ context.Context, code string) (*model.ActivationCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byCode[code]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return cloneCode(r.byID[id]), nil
}

func (r *memoryActivationCodeRepository) List(_ context.Context) ([]model.ActivationCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]model.ActivationCode, 0, len(r.byID))
	for _, c := range r.byID {
		codes = append(codes, *cloneCode(c))
	}
	sort.Slice(codes, func(i, j int) bool {
		return codes[i].CreatedAt.After(codes[j].CreatedAt)
	})
	return codes, nil
}

func (r *memoryActivationCodeRepository) Update(_ context.Context, id uuid.UUID, patch CodePatch) (*model.ActivationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if patch.Empty() {
		return cloneCode(c), nil
	}
	if patch.IsActive != nil {
		c.IsActive = *patch.IsActive
	}
	if patch.SetExpiresAt {
		c.ExpiresAt = patch.ExpiresAt
	}
	if patch.SetMaxUses {
		c.MaxUses = patch.MaxUses
	}
	if patch.CustomerName != nil {
		c.CustomerName = *patch.CustomerName
	}
	if patch.CustomerEmail != nil {
		c.CustomerEmail = *patch.CustomerEmail
	}
	c.UpdatedAt = time.Now()
	return cloneCode(c), nil
}

func (r *memoryActivationCodeRepository) Toggle(_ context.Context, id uuid.UUID) (*model.ActivationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c.IsActive = !c.IsActive
	c.UpdatedAt = time.Now()
	return cloneCode(c), nil
}

func (r *memoryActivationCodeRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	delete(r.byCode, c.Code)
	delete(r.byID, id)
	for i := range r.usage {
		if r.usage[i].CodeID != nil && *r.usage[i].CodeID == id {
			r.usage[i].CodeID = nil
		}
	}
	return nil
}

func (r *memoryActivationCodeRepository) Deactivate(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.byID[id]; ok {
		c.IsActive = false
	}
	return nil
}

func (r *memoryActivationCodeRepository) Consume(_ context.Context, req ConsumeRequest) (*model.ActivationCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[req.CodeID]
	if !ok || !c.IsActive || c.IsExhausted() {
		return nil, nil
	}
	if c.ExpiresAt != nil && c.ExpiresAt.Before(req.Now) {
		return nil, nil
	}
	if req.BindDevice && c.DeviceFingerprint != nil && *c.DeviceFingerprint != req.Fingerprint {
		return nil, nil
	}
	if req.BindDevice && c.DeviceFingerprint == nil && req.Fingerprint != "" {
		fp := req.Fingerprint
		c.DeviceFingerprint = &fp
	}

	c.UsedCount++
	usedAt := req.Now
	c.LastUsedAt = &usedAt
	c.UpdatedAt = time.Now()

	if req.Log != nil {
		entry := *req.Log
		entry.CodeID = &c.ID
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		r.usage = append(r.usage, entry)
	}
	return cloneCode(c), nil
}

func (r *memoryActivationCodeRepository) Stats(_ context.Context, now time.Time) (*CodeStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &CodeStats{}
	for _, c := range r.byID {
		stats.Total++
		stats.TotalUses += int64(c.UsedCount)
		switch c.Status(now) {
		case model.CodeStatusExpired:
			stats.Expired++
		case model.CodeStatusDisabled:
			stats.Disabled++
		case model.CodeStatusExhausted:
			stats.Exhausted++
		default:
			stats.Active++
		}
	}
	return stats, nil
}

func (r *memoryActivationCodeRepository) ListUsage(_ context.Context, codeID uuid.UUID, limit int) ([]model.UsageLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var logs []model.UsageLog
	for i := len(r.usage) - 1; i >= 0; i-- {
		if r.usage[i].CodeID == nil || *r.usage[i].CodeID != codeID {
			continue
		}
		logs = append(logs, r.usage[i])
		if limit > 0 && len(logs) == limit {
			break
		}
	}
	return logs, nil
}

func (r *memoryActivationCodeRepository) RecordAttempt(_ context.Context, attempt *model.ValidationAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	r.attempts = append(r.attempts, *attempt)
	return nil
}
