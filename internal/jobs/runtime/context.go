package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/brandlens/brandlens-backend/internal/breaker"
	"github.com/brandlens/brandlens-backend/internal/data/repos"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/observability"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/providers"
)

// Notifier is the progress side-channel. The concrete implementation fans
// events out over SSE and the Redis bus.
type Notifier interface {
	RunQueued(run *types.ReportRun)
	RunStarted(run *types.ReportRun, attempt int)
	RunRetrying(run *types.ReportRun, attempt int, nextRunAt time.Time)
	StepStarted(run *types.ReportRun, step string)
	StepFinished(run *types.ReportRun, step string, state string, errMsg string)
	RunCompleted(run *types.ReportRun)
	RunFailed(run *types.ReportRun, errMsg string)
}

// Context is the execution handle for a single claimed job attempt. It owns
// the sanctioned ways to record step progress and terminal success; the
// worker owns retry and dead-letter decisions. Pipelines never write to
// report_run or report_job directly.
type Context struct {
	Ctx       context.Context
	DB        *gorm.DB
	Job       *types.ReportJob
	Run       *types.ReportRun
	Jobs      repos.ReportJobRepo
	Runs      repos.ReportRunRepo
	Companies repos.CompanyRepo
	Notify    Notifier
	Providers []providers.Provider
	Breaker   breaker.Registry
	Metrics   *observability.Metrics
	Log       *logger.Logger

	payload   map[string]any
	stepStart map[string]time.Time
}

func NewContext(ctx context.Context, db *gorm.DB, job *types.ReportJob, run *types.ReportRun, deps Deps) *Context {
	c := &Context{
		Ctx:       ctx,
		DB:        db,
		Job:       job,
		Run:       run,
		Jobs:      deps.Jobs,
		Runs:      deps.Runs,
		Companies: deps.Companies,
		Notify:    deps.Notify,
		Providers: deps.Providers,
		Breaker:   deps.Breaker,
		Metrics:   deps.Metrics,
		Log:       deps.Log,
		stepStart: map[string]time.Time{},
	}
	_ = c.decodePayload()
	return c
}

// Deps carries the shared collaborators a worker hands to every attempt.
type Deps struct {
	Jobs      repos.ReportJobRepo
	Runs      repos.ReportRunRepo
	Companies repos.CompanyRepo
	Notify    Notifier
	Providers []providers.Provider
	Breaker   breaker.Registry
	Metrics   *observability.Metrics
	Log       *logger.Logger
}

func (c *Context) decodePayload() error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (c *Context) dbc() dbctx.Context {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return dbctx.Context{Ctx: ctx}
}

// BeginAttempt moves the run into IN_PROGRESS (first attempt) and resets
// every step to PENDING: a retried run restarts the whole pipeline, so
// stale step results never surface as current progress.
func (c *Context) BeginAttempt(stepNames []string) error {
	if c.Run == nil || c.Job == nil {
		return fmt.Errorf("attempt without run/job")
	}
	steps := types.NewStepStatuses(stepNames)
	raw := types.MarshalStepStatuses(steps)

	moved, err := c.Runs.Transition(c.dbc(), c.Run.ID,
		[]string{types.RunStatusQueued, types.RunStatusInProgress},
		types.RunStatusInProgress,
		map[string]interface{}{"step_status": raw})
	if err != nil {
		return err
	}
	if !moved {
		// Terminal run (canceled or concurrently finished): nothing to do.
		return fmt.Errorf("run %s not runnable", c.Run.ID)
	}
	c.Run.Status = types.RunStatusInProgress
	c.Run.StepStatus = raw

	if c.Notify != nil {
		c.Notify.RunStarted(c.Run, c.Job.Attempts)
	}
	return nil
}

// StartStep marks a step RUNNING and refreshes the job lease.
func (c *Context) StartStep(name string) error {
	now := time.Now().UTC()
	c.stepStart[name] = now
	if err := c.writeStepState(name, types.StepStateRunning, now, ""); err != nil {
		return err
	}
	if err := c.Jobs.Heartbeat(c.dbc(), c.Job.ID); err != nil {
		c.Log.Warn("heartbeat failed", "jobID", c.Job.ID, "error", err)
	}
	if c.Notify != nil {
		c.Notify.StepStarted(c.Run, name)
	}
	return nil
}

// FinishStep marks a step DONE or, when stepErr is non-nil, ERROR.
func (c *Context) FinishStep(name string, stepErr error) error {
	now := time.Now().UTC()
	state := types.StepStateDone
	msg := ""
	if stepErr != nil {
		state = types.StepStateError
		msg = stepErr.Error()
	}
	if err := c.writeStepState(name, state, now, msg); err != nil {
		return err
	}
	if c.Metrics != nil {
		if start, ok := c.stepStart[name]; ok {
			c.Metrics.ObserveStep(name, state, now.Sub(start))
		}
	}
	if c.Notify != nil {
		c.Notify.StepFinished(c.Run, name, state, msg)
	}
	return nil
}

func (c *Context) writeStepState(name, state string, at time.Time, stepErr string) error {
	steps := types.UnmarshalStepStatuses(c.Run.StepStatus)
	steps = types.SetStepState(steps, name, state, at, stepErr)
	raw := types.MarshalStepStatuses(steps)

	// Guarded on IN_PROGRESS so a concurrent cancel or terminal write wins.
	moved, err := c.Runs.Transition(c.dbc(), c.Run.ID,
		[]string{types.RunStatusInProgress},
		types.RunStatusInProgress,
		map[string]interface{}{"step_status": raw})
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("run %s no longer in progress", c.Run.ID)
	}
	c.Run.StepStatus = raw
	return nil
}

// Succeed records terminal success on both rows. Guarded so a canceled job
// is never resurrected.
func (c *Context) Succeed() error {
	ok, err := c.Jobs.UpdateFieldsUnlessStatus(c.dbc(), c.Job.ID,
		[]string{types.JobStatusCanceled},
		map[string]interface{}{
			"status":       types.JobStatusSucceeded,
			"last_error":   "",
			"locked_at":    nil,
			"heartbeat_at": nil,
		})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.Job.Status = types.JobStatusSucceeded

	moved, err := c.Runs.Transition(c.dbc(), c.Run.ID,
		[]string{types.RunStatusInProgress},
		types.RunStatusCompleted, nil)
	if err != nil {
		return err
	}
	if moved {
		c.Run.Status = types.RunStatusCompleted
		if c.Metrics != nil {
			c.Metrics.RunCompleted()
		}
		if c.Notify != nil {
			c.Notify.RunCompleted(c.Run)
		}
	}
	return nil
}

// RecordAttemptError appends to the job's failure history, which rides the
// payload into the DLQ if attempts run out.
func (c *Context) RecordAttemptError(step string, attemptErr error) {
	if attemptErr == nil {
		return
	}
	history := AttemptErrors(c.Job)
	history = append(history, types.AttemptError{
		Attempt:    c.Job.Attempts,
		Step:       step,
		Error:      attemptErr.Error(),
		OccurredAt: time.Now().UTC(),
	})
	payload := c.Payload()
	payload["attempt_errors"] = history
	raw, err := json.Marshal(payload)
	if err != nil {
		c.Log.Warn("marshal attempt history", "jobID", c.Job.ID, "error", err)
		return
	}
	c.Job.Payload = datatypes.JSON(raw)
	if err := c.Jobs.UpdateFields(c.dbc(), c.Job.ID, map[string]interface{}{"payload": c.Job.Payload}); err != nil {
		c.Log.Warn("persist attempt history", "jobID", c.Job.ID, "error", err)
	}
}

// StoreResult writes the pipeline's output summary onto the job payload so
// it survives alongside the run record.
func (c *Context) StoreResult(result any) error {
	payload := c.Payload()
	payload["result"] = result
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.Job.Payload = datatypes.JSON(raw)
	return c.Jobs.UpdateFields(c.dbc(), c.Job.ID, map[string]interface{}{"payload": c.Job.Payload})
}

// Canceled reports whether the job was canceled out from under the worker.
func (c *Context) Canceled() bool {
	job, err := c.Jobs.GetByID(c.dbc(), c.Job.ID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == types.JobStatusCanceled
}

// AttemptErrors decodes the failure history stored on a job payload.
func AttemptErrors(job *types.ReportJob) []types.AttemptError {
	if job == nil || len(job.Payload) == 0 {
		return nil
	}
	var envelope struct {
		AttemptErrors []types.AttemptError `json:"attempt_errors"`
	}
	if err := json.Unmarshal(job.Payload, &envelope); err != nil {
		return nil
	}
	return envelope.AttemptErrors
}
