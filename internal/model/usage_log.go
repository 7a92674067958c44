package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsageLog is the append-only record of one successful consumption. CodeID is
// cleared when an administrator deletes the code; Code keeps the value for audit.
type UsageLog struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CodeID            *uuid.UUID      `gorm:"type:uuid;index" json:"code_id,omitempty"`
	ActivationCode    *ActivationCode `gorm:"foreignKey:CodeID;constraint:OnDelete:SET NULL" json:"-"`
	Code              string          `gorm:"type:varchar(64);not null" json:"code"`
	Origin            string          `gorm:"type:varchar(64)" json:"origin"`
	DeviceFingerprint *string         `gorm:"type:varchar(128)" json:"device_fingerprint,omitempty"`
	UsedAt            time.Time       `gorm:"not null;index" json:"used_at"`
}

func (UsageLog) TableName() string { return "usage_logs" }

func (l *UsageLog) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// ValidationAttempt audits every validation outcome, successful or not.
type ValidationAttempt struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CodePrefix        string    `gorm:"type:varchar(16)" json:"code_prefix"`
	Origin            string    `gorm:"type:varchar(64);index" json:"origin"`
	DeviceFingerprint string    `gorm:"type:varchar(128)" json:"device_fingerprint,omitempty"`
	Outcome           string    `gorm:"type:varchar(32);not null" json:"outcome"`
	CreatedAt         time.Time `gorm:"index" json:"created_at"`
}

func (ValidationAttempt) TableName() string { return "validation_attempts" }

func (a *ValidationAttempt) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
