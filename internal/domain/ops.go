package domain

import (
	"time"

	"github.com/google/uuid"
)

// Alert kinds raised by the health reporter.
const (
	AlertKindQueueDepth  = "queue_depth"
	AlertKindDLQSize     = "dlq_size"
	AlertKindFailureRate = "failure_rate"
	AlertKindCircuitOpen = "circuit_open"
)

// OpsAlert is an operator alert raised by the health sampler. Acknowledging
// mutes it without changing the underlying condition.
type OpsAlert struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Kind           string     `gorm:"column:kind;not null;index" json:"kind"`
	Subject        string     `gorm:"column:subject;index" json:"subject,omitempty"`
	Message        string     `gorm:"column:message;not null" json:"message"`
	RaisedAt       time.Time  `gorm:"column:raised_at;not null;index" json:"raised_at"`
	AcknowledgedAt *time.Time `gorm:"column:acknowledged_at;index" json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null" json:"updated_at"`
}

func (OpsAlert) TableName() string { return "ops_alert" }

// MetricSample is one health snapshot appended by the sampler loop and
// served back by the historical-metrics endpoint.
type MetricSample struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	QueueDepth    int       `gorm:"column:queue_depth;not null" json:"queue_depth"`
	RunningJobs   int       `gorm:"column:running_jobs;not null" json:"running_jobs"`
	DLQSize       int       `gorm:"column:dlq_size;not null" json:"dlq_size"`
	FailedRuns    int       `gorm:"column:failed_runs;not null" json:"failed_runs"`
	CompletedRuns int       `gorm:"column:completed_runs;not null" json:"completed_runs"`
	OpenBreakers  int       `gorm:"column:open_breakers;not null" json:"open_breakers"`
	SampledAt     time.Time `gorm:"column:sampled_at;not null;index" json:"sampled_at"`
}

func (MetricSample) TableName() string { return "metric_sample" }
