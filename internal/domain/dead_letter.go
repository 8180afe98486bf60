package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DeadLetterEntry quarantines a job that exhausted its retry budget.
// FailureHistory is the ordered list of AttemptError records accumulated
// across attempts. Permanent entries are excluded from bulk-retry sweeps
// but keep their history until retention cleanup purges them.
type DeadLetterEntry struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID          uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`
	ReportRunID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"report_run_id"`
	CompanyID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"company_id"`
	FailureHistory datatypes.JSON `gorm:"column:failure_history;type:jsonb" json:"failure_history"`
	Permanent      bool           `gorm:"column:permanent;not null;default:false;index" json:"permanent"`
	QuarantinedAt  time.Time      `gorm:"column:quarantined_at;not null;index" json:"quarantined_at"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (DeadLetterEntry) TableName() string { return "dead_letter_entry" }
