package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"codegate/activation/internal/model"
)

// ActivationCodeRepository persists activation codes, their usage log and the
// validation audit trail. Missing rows are reported as gorm.ErrRecordNotFound
// and code collisions as gorm.ErrDuplicatedKey by every implementation.
type ActivationCodeRepository interface {
	Create(ctx context.Context, code *model.ActivationCode) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.ActivationCode, error)
	GetByCode(ctx context.Context, code string) (*model.ActivationCode, error)
	List(ctx context.Context) ([]model.ActivationCode, error)
	Update(ctx context.Context, id uuid.UUID, patch CodePatch) (*model.ActivationCode, error)
	Toggle(ctx context.Context, id uuid.UUID) (*model.ActivationCode, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// Deactivate clears is_active; used when a code is found past its expiry.
	Deactivate(ctx context.Context, id uuid.UUID) error
	// Consume applies one use if, and only if, the row still satisfies every
	// consumption predicate at write time. It returns nil, nil when the row no
	// longer qualifies.
	Consume(ctx context.Context, req ConsumeRequest) (*model.ActivationCode, error)

	Stats(ctx context.Context, now time.Time) (*CodeStats, error)
	ListUsage(ctx context.Context, codeID uuid.UUID, limit int) ([]model.UsageLog, error)
	RecordAttempt(ctx context.Context, attempt *model.ValidationAttempt) error
}

// CodePatch carries administrative changes; nil fields are left untouched.
type CodePatch struct {
	IsActive      *bool
	SetExpiresAt  bool
	ExpiresAt     *time.Time
	SetMaxUses    bool
	MaxUses       *int
	CustomerName  *string
	CustomerEmail *string
}

func (p CodePatch) Empty() bool {
	return p.IsActive == nil && !p.SetExpiresAt && !p.SetMaxUses &&
		p.CustomerName == nil && p.CustomerEmail == nil
}

func (p CodePatch) columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if p.IsActive != nil {
		cols["is_active"] = *p.IsActive
	}
	if p.SetExpiresAt {
		cols["expires_at"] = p.ExpiresAt
	}
	if p.SetMaxUses {
		cols["max_uses"] = p.MaxUses
	}
	if p.CustomerName != nil {
		cols["customer_name"] = *p.CustomerName
	}
	if p.CustomerEmail != nil {
		cols["customer_email"] = *p.CustomerEmail
	}
	return cols
}

// ConsumeRequest describes one use of a code.
type ConsumeRequest struct {
	CodeID uuid.UUID
	Now    time.Time
	// BindDevice enables the set-once device binding predicate.
	BindDevice  bool
	Fingerprint string
	// Log is written in the same transaction; its failure does not undo the use.
	Log *model.UsageLog
	// OnLogError receives a swallowed usage log write error.
	OnLogError func(error)
}

type CodeStats struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Disabled  int64 `json:"disabled"`
	Expired   int64 `json:"expired"`
	Exhausted int64 `json:"exhausted"`
	TotalUses int64 `json:"total_uses"`
}
