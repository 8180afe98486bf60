package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Run statuses visible to report owners. Transitions are monotonic:
// QUEUED -> IN_PROGRESS -> {COMPLETED | FAILED}; terminal states never leave.
const (
	RunStatusQueued     = "QUEUED"
	RunStatusInProgress = "IN_PROGRESS"
	RunStatusCompleted  = "COMPLETED"
	RunStatusFailed     = "FAILED"
)

// Per-step states inside ReportRun.StepStatus.
const (
	StepStatePending = "PENDING"
	StepStateRunning = "RUNNING"
	StepStateDone    = "DONE"
	StepStateError   = "ERROR"
)

// ReportRun is one tracked attempt to produce a visibility report for a
// company for a given period. StepStatus is a JSON array ordered to match
// pipeline order.
type ReportRun struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CompanyID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"company_id"`
	Status     string         `gorm:"column:status;not null;index" json:"status"`
	PeriodKey  string         `gorm:"column:period_key;not null;index" json:"period_key"`
	Forced     bool           `gorm:"column:forced;not null;default:false" json:"forced"`
	StepStatus datatypes.JSON `gorm:"column:step_status;type:jsonb" json:"step_status"`
	CreatedAt  time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (ReportRun) TableName() string { return "report_run" }

// CanTransitionRun reports whether a run status change is allowed.
func CanTransitionRun(from, to string) bool {
	switch from {
	case RunStatusQueued:
		return to == RunStatusInProgress || to == RunStatusFailed
	case RunStatusInProgress:
		return to == RunStatusCompleted || to == RunStatusFailed
	default:
		// COMPLETED and FAILED are terminal.
		return false
	}
}

// StepStatus is one entry of the run's ordered step list.
type StepStatus struct {
	Name       string     `json:"name"`
	State      string     `json:"state"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewStepStatuses builds a pending step list in pipeline order.
func NewStepStatuses(names []string) []StepStatus {
	out := make([]StepStatus, 0, len(names))
	for _, n := range names {
		out = append(out, StepStatus{Name: n, State: StepStatePending})
	}
	return out
}

func MarshalStepStatuses(steps []StepStatus) datatypes.JSON {
	if steps == nil {
		steps = []StepStatus{}
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return datatypes.JSON([]byte(`[]`))
	}
	return datatypes.JSON(b)
}

func UnmarshalStepStatuses(raw datatypes.JSON) []StepStatus {
	if len(raw) == 0 || string(raw) == "null" {
		return []StepStatus{}
	}
	var out []StepStatus
	if err := json.Unmarshal(raw, &out); err != nil {
		return []StepStatus{}
	}
	return out
}

// SetStepState updates one named entry in place, preserving order.
// Unknown names are appended so a run never silently loses a step record.
func SetStepState(steps []StepStatus, name string, state string, at time.Time, stepErr string) []StepStatus {
	for i := range steps {
		if steps[i].Name != name {
			continue
		}
		steps[i].State = state
		switch state {
		case StepStateRunning:
			t := at
			steps[i].StartedAt = &t
			steps[i].FinishedAt = nil
			steps[i].Error = ""
		case StepStateDone:
			t := at
			steps[i].FinishedAt = &t
			steps[i].Error = ""
		case StepStateError:
			t := at
			steps[i].FinishedAt = &t
			steps[i].Error = stepErr
		case StepStatePending:
			steps[i].StartedAt = nil
			steps[i].FinishedAt = nil
			steps[i].Error = ""
		}
		return steps
	}
	s := StepStatus{Name: name, State: state}
	switch state {
	case StepStateRunning:
		t := at
		s.StartedAt = &t
	case StepStateDone, StepStateError:
		t := at
		s.FinishedAt = &t
		s.Error = stepErr
	}
	return append(steps, s)
}
