package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UsageOutcome string

const (
	OutcomeCharged  UsageOutcome = "CHARGED"
	OutcomeReleased UsageOutcome = "RELEASED"
	OutcomeRejected UsageOutcome = "REJECTED"
	OutcomeRecorded UsageOutcome = "RECORDED"
)

// UsageEvent is an append-only audit entry for one gate decision.
type UsageEvent struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string       `gorm:"type:varchar(255);index;not null" json:"-"`
	Action    string       `gorm:"type:varchar(64);not null" json:"action"`
	Outcome   UsageOutcome `gorm:"type:varchar(20);not null" json:"outcome"`
	UsedCount int          `json:"usedCount"`
	Detail    string       `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt time.Time    `gorm:"index;not null" json:"createdAt"`
}

func (UsageEvent) TableName() string {
	return "usage_events"
}

func (e *UsageEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}
