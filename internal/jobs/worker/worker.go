package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/brandlens/brandlens-backend/internal/data/repos"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/jobs/runtime"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	errdefs "github.com/brandlens/brandlens-backend/internal/pkg/errors"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/platform/envutil"
)

type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	StaleLease        time.Duration
	HeartbeatInterval time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Concurrency:       envutil.Int("WORKER_CONCURRENCY", 4),
		PollInterval:      envutil.DurationSeconds("WORKER_POLL_INTERVAL_SECONDS", time.Second),
		BackoffBase:       envutil.DurationSeconds("WORKER_BACKOFF_BASE_SECONDS", 30*time.Second),
		BackoffCap:        envutil.DurationSeconds("WORKER_BACKOFF_CAP_SECONDS", 15*time.Minute),
		StaleLease:        envutil.DurationSeconds("WORKER_STALE_LEASE_SECONDS", 10*time.Minute),
		HeartbeatInterval: envutil.DurationSeconds("WORKER_HEARTBEAT_SECONDS", 15*time.Second),
	}
}

// Backoff is the retry delay before attempt n+1, after n attempts have
// failed: base doubled per prior attempt, capped.
func Backoff(base, cap time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

type Worker struct {
	cfg      Config
	db       *gorm.DB
	log      *logger.Logger
	deps     runtime.Deps
	dlq      repos.DeadLetterRepo
	registry *runtime.Registry
}

func New(cfg Config, db *gorm.DB, deps runtime.Deps, dlqRepo repos.DeadLetterRepo, registry *runtime.Registry) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Worker{
		cfg:      cfg,
		db:       db,
		log:      deps.Log.With("component", "JobWorker"),
		deps:     deps,
		dlq:      dlqRepo,
		registry: registry,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("starting job worker pool", "concurrency", w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			for {
				claimed, err := w.Tick(ctx)
				if err != nil {
					w.log.Warn("claim failed", "worker_id", workerID, "error", err)
					break
				}
				if !claimed {
					break
				}
				// Drain the queue before going back to sleep.
			}
		}
	}
}

// Tick claims and fully processes at most one job. Returns whether a job
// was claimed.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := w.deps.Jobs.ClaimNextRunnable(dbc, w.cfg.StaleLease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.Execute(ctx, job)
	return true, nil
}

// Execute runs one claimed attempt end to end, including the retry /
// dead-letter decision.
func (w *Worker) Execute(ctx context.Context, job *types.ReportJob) {
	dbc := dbctx.Context{Ctx: ctx}
	run, err := w.deps.Runs.GetByID(dbc, job.ReportRunID)
	if err != nil || run == nil {
		w.log.Error("claimed job without run", "jobID", job.ID, "runID", job.ReportRunID, "error", err)
		w.failAttempt(ctx, job, run, fmt.Errorf("report run %s missing", job.ReportRunID))
		return
	}

	handler, ok := w.registry.Get(job.Type)
	if !ok {
		w.failAttempt(ctx, job, run, fmt.Errorf("no handler registered for job_type=%s", job.Type))
		return
	}

	stopHeartbeat := w.startHeartbeat(ctx, job)
	runErr := w.runHandler(ctx, handler, job, run)
	stopHeartbeat()

	switch {
	case runErr == nil:
		if w.deps.Metrics != nil {
			w.deps.Metrics.JobAttempt("succeeded")
		}
	case errors.Is(runErr, errdefs.ErrCanceled):
		// Cancel already wrote the terminal states; just release the lease.
		_ = w.deps.Jobs.UpdateFields(dbc, job.ID, map[string]interface{}{
			"locked_at":    nil,
			"heartbeat_at": nil,
		})
	case errors.Is(runErr, errdefs.ErrCompanyDeleted):
		w.abandonForDeletedCompany(ctx, job, run)
	default:
		w.failAttempt(ctx, job, run, runErr)
	}
}

func (w *Worker) runHandler(ctx context.Context, handler runtime.Handler, job *types.ReportJob, run *types.ReportRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic", "jobID", job.ID, "job_type", job.Type, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	jc := runtime.NewContext(ctx, w.db, job, run, w.deps)
	return handler.Run(jc)
}

// startHeartbeat keeps the lease fresh while the handler runs so a slow
// pipeline is not reclaimed as a crashed one.
func (w *Worker) startHeartbeat(ctx context.Context, job *types.ReportJob) func() {
	if w.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.deps.Jobs.Heartbeat(dbctx.Context{Ctx: ctx}, job.ID); err != nil {
					w.log.Warn("heartbeat failed", "jobID", job.ID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// failAttempt reschedules with backoff while attempts remain, otherwise
// quarantines the job in the dead letter queue and fails the run.
func (w *Worker) failAttempt(ctx context.Context, job *types.ReportJob, run *types.ReportRun, attemptErr error) {
	dbc := dbctx.Context{Ctx: ctx}
	jc := runtime.NewContext(ctx, w.db, job, run, w.deps)
	jc.RecordAttemptError("", attemptErr)

	if job.Attempts < job.MaxAttempts {
		delay := Backoff(w.cfg.BackoffBase, w.cfg.BackoffCap, job.Attempts)
		nextRunAt := time.Now().UTC().Add(delay)
		ok, err := w.deps.Jobs.Reschedule(dbc, job.ID, nextRunAt, attemptErr.Error())
		if err != nil {
			w.log.Error("reschedule failed", "jobID", job.ID, "error", err)
			return
		}
		if !ok {
			// Canceled (or otherwise no longer running) between failure
			// and reschedule; leave it be.
			return
		}
		if w.deps.Metrics != nil {
			w.deps.Metrics.JobAttempt("retried")
		}
		if w.deps.Notify != nil && run != nil {
			w.deps.Notify.RunRetrying(run, job.Attempts, nextRunAt)
		}
		w.log.Warn("job attempt failed, rescheduled",
			"jobID", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts,
			"next_run_at", nextRunAt, "error", attemptErr)
		return
	}

	w.quarantine(ctx, job, run, attemptErr)
}

func (w *Worker) quarantine(ctx context.Context, job *types.ReportJob, run *types.ReportRun, attemptErr error) {
	dbc := dbctx.Context{Ctx: ctx}
	ok, err := w.deps.Jobs.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{types.JobStatusCanceled},
		map[string]interface{}{
			"status":       types.JobStatusDead,
			"last_error":   attemptErr.Error(),
			"locked_at":    nil,
			"heartbeat_at": nil,
		})
	if err != nil {
		w.log.Error("mark dead failed", "jobID", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	job.Status = types.JobStatusDead

	history := types.MarshalAttemptErrors(runtime.AttemptErrors(job))
	now := time.Now().UTC()
	if _, err := w.dlq.Create(dbc, &types.DeadLetterEntry{
		JobID:          job.ID,
		ReportRunID:    job.ReportRunID,
		CompanyID:      job.CompanyID,
		FailureHistory: history,
		QuarantinedAt:  now,
	}); err != nil {
		w.log.Error("dead letter insert failed", "jobID", job.ID, "error", err)
	}

	if run != nil {
		if _, err := w.deps.Runs.Transition(dbc, run.ID,
			[]string{types.RunStatusQueued, types.RunStatusInProgress},
			types.RunStatusFailed, nil); err != nil {
			w.log.Error("run fail transition failed", "runID", run.ID, "error", err)
		} else {
			run.Status = types.RunStatusFailed
		}
	}

	if w.deps.Metrics != nil {
		w.deps.Metrics.JobAttempt("dead")
		w.deps.Metrics.RunFailed()
	}
	if w.deps.Notify != nil && run != nil {
		w.deps.Notify.RunFailed(run, attemptErr.Error())
	}
	w.log.Error("job exhausted attempts, quarantined",
		"jobID", job.ID, "attempts", job.Attempts, "error", attemptErr)
}

// abandonForDeletedCompany terminates without retry: the subject of the
// report no longer exists, so retrying can never help.
func (w *Worker) abandonForDeletedCompany(ctx context.Context, job *types.ReportJob, run *types.ReportRun) {
	dbc := dbctx.Context{Ctx: ctx}
	_, err := w.deps.Jobs.UpdateFieldsUnlessStatus(dbc, job.ID,
		[]string{types.JobStatusCanceled},
		map[string]interface{}{
			"status":       types.JobStatusCanceled,
			"last_error":   errdefs.ErrCompanyDeleted.Error(),
			"locked_at":    nil,
			"heartbeat_at": nil,
		})
	if err != nil {
		w.log.Error("cancel for deleted company failed", "jobID", job.ID, "error", err)
	}
	job.Status = types.JobStatusCanceled

	if run != nil {
		if _, err := w.deps.Runs.Transition(dbc, run.ID,
			[]string{types.RunStatusQueued, types.RunStatusInProgress},
			types.RunStatusFailed, nil); err == nil {
			run.Status = types.RunStatusFailed
		}
		if w.deps.Metrics != nil {
			w.deps.Metrics.RunFailed()
		}
		if w.deps.Notify != nil {
			w.deps.Notify.RunFailed(run, errdefs.ErrCompanyDeleted.Error())
		}
	}
	w.log.Warn("job abandoned, company deleted", "jobID", job.ID, "companyID", job.CompanyID)
}
