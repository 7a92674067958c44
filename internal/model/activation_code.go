package model

import (
	"time"

	"github.com/google/uuid"
)

type CodeStatus string

// Column widths shared by validation and the schema tags below.
const (
	MaxCodeLength        = 64
	MaxFingerprintLength = 128
)

const (
	CodeStatusActive    CodeStatus = "active"
	CodeStatusDisabled  CodeStatus = "disabled"
	CodeStatusExpired   CodeStatus = "expired"
	CodeStatusExhausted CodeStatus = "exhausted"
)

// ActivationCode is one issued code. MaxUses nil means unlimited, ExpiresAt nil means no expiry.
type ActivationCode struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Code              string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	IsActive          bool       `gorm:"not null" json:"is_active"`
	MaxUses           *int       `json:"max_uses"`
	UsedCount         int        `gorm:"not null" json:"used_count"`
	ExpiresAt         *time.Time `gorm:"index" json:"expires_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	DeviceFingerprint *string    `gorm:"type:varchar(128)" json:"device_fingerprint,omitempty"`
	CustomerName      string     `gorm:"type:varchar(128)" json:"customer_name,omitempty"`
	CustomerEmail     string     `gorm:"type:varchar(255)" json:"customer_email,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (ActivationCode) TableName() string { return "activation_codes" }

// IsExpired reports whether now is past the expiry instant.
func (c *ActivationCode) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// IsExhausted reports whether a capped code has no uses left.
func (c *ActivationCode) IsExhausted() bool {
	return c.MaxUses != nil && c.UsedCount >= *c.MaxUses
}

// Status is derived from the stored fields on every call; it is never persisted.
func (c *ActivationCode) Status(now time.Time) CodeStatus {
	switch {
	case c.IsExpired(now):
		return CodeStatusExpired
	case !c.IsActive:
		return CodeStatusDisabled
	case c.IsExhausted():
		return CodeStatusExhausted
	default:
		return CodeStatusActive
	}
}

// RemainingUses is nil for unlimited codes.
func (c *ActivationCode) RemainingUses() *int {
	if c.MaxUses == nil {
		return nil
	}
	left := *c.MaxUses - c.UsedCount
	if left < 0 {
		left = 0
	}
	return &left
}

// RemainingDays counts started days until expiry; nil when the code never expires.
func (c *ActivationCode) RemainingDays(now time.Time) *int {
	if c.ExpiresAt == nil {
		return nil
	}
	left := c.ExpiresAt.Sub(now)
	if left <= 0 {
		zero := 0
		return &zero
	}
	days := int((left + 24*time.Hour - 1) / (24 * time.Hour))
	return &days
}
