package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/brandlens/brandlens-backend/internal/data/repos"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/jobs/runtime"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	errdefs "github.com/brandlens/brandlens-backend/internal/pkg/errors"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/platform/envutil"
)

// PeriodKey is the UTC day bucket a run occupies for idempotency.
func PeriodKey(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// ReportRequestResult is the caller-facing outcome of RequestReport. IsNew
// distinguishes "run created" from "existing run returned".
type ReportRequestResult struct {
	Run   *types.ReportRun
	IsNew bool
}

// ReportStatus is the full progress view for one run.
type ReportStatus struct {
	Run      *types.ReportRun
	Steps    []types.StepStatus
	Attempts int
	MaxAtt   int
	JobState string
	History  []types.AttemptError
}

type ReportService interface {
	// RequestReport creates one run per company per period. A concurrent or
	// repeat request for the same period returns the existing run instead of
	// a duplicate; force bypasses the dedupe and always creates a run.
	RequestReport(ctx context.Context, companyID uuid.UUID, force bool) (*ReportRequestResult, error)
	GetStatus(ctx context.Context, runID uuid.UUID) (*ReportStatus, error)
	ListForCompany(ctx context.Context, companyID uuid.UUID, limit, offset int) ([]*types.ReportRun, error)
	// Cancel stops a queued or in-flight run. Terminal runs are left alone
	// and reported via the bool.
	Cancel(ctx context.Context, runID uuid.UUID) (bool, error)
}

type reportService struct {
	db        *gorm.DB
	log       *logger.Logger
	companies repos.CompanyRepo
	runs      repos.ReportRunRepo
	jobs      repos.ReportJobRepo
	notify    runtime.Notifier

	maxAttempts int
}

func NewReportService(
	db *gorm.DB,
	baseLog *logger.Logger,
	companies repos.CompanyRepo,
	runs repos.ReportRunRepo,
	jobs repos.ReportJobRepo,
	notify runtime.Notifier,
) ReportService {
	return &reportService{
		db:          db,
		log:         baseLog.With("service", "ReportService"),
		companies:   companies,
		runs:        runs,
		jobs:        jobs,
		notify:      notify,
		maxAttempts: envutil.Int("JOB_MAX_ATTEMPTS", 3),
	}
}

func (s *reportService) RequestReport(ctx context.Context, companyID uuid.UUID, force bool) (*ReportRequestResult, error) {
	if companyID == uuid.Nil {
		return nil, errdefs.ErrInvalidArgument
	}
	dbc := dbctx.Context{Ctx: ctx}
	exists, err := s.companies.Exists(dbc, companyID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errdefs.ErrNotFound
	}

	periodKey := PeriodKey(time.Now())
	liveStatuses := []string{types.RunStatusQueued, types.RunStatusInProgress, types.RunStatusCompleted}

	if !force {
		existing, err := s.runs.FindForPeriod(dbc, companyID, periodKey, liveStatuses)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &ReportRequestResult{Run: existing, IsNew: false}, nil
		}
	}

	run, err := s.createRunAndJob(ctx, companyID, periodKey, force)
	if err == nil {
		if s.notify != nil {
			s.notify.RunQueued(run)
		}
		return &ReportRequestResult{Run: run, IsNew: true}, nil
	}

	// Two non-forced writers can race past FindForPeriod; the partial unique
	// index on (company_id, period_key) decides the winner and the loser
	// surfaces here as a unique violation. Fall back to the winner's run.
	if !force && isUniqueViolation(err) {
		existing, lookupErr := s.runs.FindForPeriod(dbc, companyID, periodKey, liveStatuses)
		if lookupErr == nil && existing != nil {
			return &ReportRequestResult{Run: existing, IsNew: false}, nil
		}
	}
	return nil, err
}

func (s *reportService) createRunAndJob(ctx context.Context, companyID uuid.UUID, periodKey string, force bool) (*types.ReportRun, error) {
	now := time.Now().UTC()
	run := &types.ReportRun{
		ID:         uuid.New(),
		CompanyID:  companyID,
		Status:     types.RunStatusQueued,
		PeriodKey:  periodKey,
		Forced:     force,
		StepStatus: datatypes.JSON([]byte("[]")),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job := &types.ReportJob{
		ID:          uuid.New(),
		ReportRunID: run.ID,
		CompanyID:   companyID,
		Type:        types.JobTypeReportGenerate,
		Status:      types.JobStatusQueued,
		MaxAttempts: s.maxAttempts,
		NextRunAt:   now,
		Payload:     datatypes.JSON([]byte(`{"report_run_id":"` + run.ID.String() + `"}`)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.inTx(ctx, func(txc dbctx.Context) error {
		if _, err := s.runs.Create(txc, run); err != nil {
			return err
		}
		if _, err := s.jobs.Create(txc, []*types.ReportJob{job}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("report run queued", "runID", run.ID, "companyID", companyID, "period_key", periodKey, "forced", force)
	return run, nil
}

func (s *reportService) inTx(ctx context.Context, fn func(txc dbctx.Context) error) error {
	if s.db == nil {
		return fn(dbctx.Context{Ctx: ctx})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}

func (s *reportService) GetStatus(ctx context.Context, runID uuid.UUID) (*ReportStatus, error) {
	dbc := dbctx.Context{Ctx: ctx}
	run, err := s.runs.GetByID(dbc, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errdefs.ErrNotFound
	}

	status := &ReportStatus{
		Run:   run,
		Steps: types.UnmarshalStepStatuses(run.StepStatus),
	}
	job, err := s.jobs.GetByRunID(dbc, runID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		status.Attempts = job.Attempts
		status.MaxAtt = job.MaxAttempts
		status.JobState = job.Status
		status.History = runtime.AttemptErrors(job)
	}
	return status, nil
}

func (s *reportService) ListForCompany(ctx context.Context, companyID uuid.UUID, limit, offset int) ([]*types.ReportRun, error) {
	if companyID == uuid.Nil {
		return nil, errdefs.ErrInvalidArgument
	}
	return s.runs.ListByCompany(dbctx.Context{Ctx: ctx}, companyID, limit, offset)
}

func (s *reportService) Cancel(ctx context.Context, runID uuid.UUID) (bool, error) {
	dbc := dbctx.Context{Ctx: ctx}
	run, err := s.runs.GetByID(dbc, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, errdefs.ErrNotFound
	}

	moved, err := s.runs.Transition(dbc, runID,
		[]string{types.RunStatusQueued, types.RunStatusInProgress},
		types.RunStatusFailed, nil)
	if err != nil {
		return false, err
	}
	if !moved {
		return false, nil
	}
	run.Status = types.RunStatusFailed

	job, err := s.jobs.GetByRunID(dbc, runID)
	if err == nil && job != nil {
		if _, err := s.jobs.UpdateFieldsUnlessStatus(dbc, job.ID,
			[]string{types.JobStatusSucceeded, types.JobStatusDead},
			map[string]interface{}{
				"status":     types.JobStatusCanceled,
				"last_error": "canceled by request",
			}); err != nil {
			s.log.Warn("cancel job update failed", "jobID", job.ID, "error", err)
		}
	}

	if s.notify != nil {
		s.notify.RunFailed(run, "canceled by request")
	}
	s.log.Info("report run canceled", "runID", runID)
	return true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// sqlite (dev fallback) reports constraint violations as plain errors.
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
