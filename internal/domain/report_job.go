package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Queue-level job statuses. Not user-visible; the owning ReportRun carries
// the caller-facing status.
// JobTypeReportGenerate is the only job type today; dispatch is still
// type-keyed so future job kinds slot in without schema changes.
const JobTypeReportGenerate = "report_generate"

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusDead      = "dead"
	JobStatusCanceled  = "canceled"
)

// ReportJob wraps a ReportRun with retry bookkeeping. A job stays "queued"
// between attempts (NextRunAt gates re-delivery), is "running" while a
// worker holds the lease, and ends "succeeded", "dead" (quarantined in the
// DLQ) or "canceled".
type ReportJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ReportRunID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"report_run_id"`
	CompanyID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"company_id"`
	Type        string         `gorm:"column:type;not null;index" json:"type"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	Priority    int            `gorm:"column:priority;not null;default:0;index" json:"priority"`
	NextRunAt   time.Time      `gorm:"column:next_run_at;not null;index" json:"next_run_at"`
	LastError   string         `gorm:"column:last_error" json:"last_error,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (ReportJob) TableName() string { return "report_job" }

// AttemptError is one entry of a job's failure history, carried into the
// DLQ when attempts are exhausted.
type AttemptError struct {
	Attempt    int       `json:"attempt"`
	Step       string    `json:"step,omitempty"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

func MarshalAttemptErrors(history []AttemptError) datatypes.JSON {
	if history == nil {
		history = []AttemptError{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}

func UnmarshalAttemptErrors(raw datatypes.JSON) []AttemptError {
	if len(raw) == 0 {
		return []AttemptError{}
	}
	var out []AttemptError
	if err := json.Unmarshal(raw, &out); err != nil {
		return []AttemptError{}
	}
	return out
}
