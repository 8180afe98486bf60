package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/brandlens/brandlens-backend/internal/breaker"
	"github.com/brandlens/brandlens-backend/internal/data/repos"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	errdefs "github.com/brandlens/brandlens-backend/internal/pkg/errors"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

// BulkRetryReport itemizes a bulk re-admission: per-job failures never
// abort the rest of the batch.
type BulkRetryReport struct {
	Requeued []uuid.UUID          `json:"requeued"`
	Failed   map[uuid.UUID]string `json:"failed,omitempty"`
}

type RecoveryService interface {
	// RetryJob re-admits a dead job to the live queue and removes its DLQ
	// entry, atomically. resetAttempts grants a fresh attempt budget.
	RetryJob(ctx context.Context, jobID uuid.UUID, resetAttempts bool) error
	// BulkRetryJobs re-admits many jobs; preserveAttempts keeps historical
	// attempt counts instead of resetting them.
	BulkRetryJobs(ctx context.Context, jobIDs []uuid.UUID, preserveAttempts bool) (*BulkRetryReport, error)
	// BulkRetryByFilter sweeps every non-permanent DLQ entry matching the
	// filter through the same per-item retry path.
	BulkRetryByFilter(ctx context.Context, filter repos.DLQListFilter, preserveAttempts bool) (*BulkRetryReport, error)
	MarkJobsAsPermanent(ctx context.Context, jobIDs []uuid.UUID) (int64, error)
	CleanupDeadLetterQueue(ctx context.Context, olderThan time.Duration) (int64, error)
	ListDeadLetters(ctx context.Context, filter repos.DLQListFilter) ([]*types.DeadLetterEntry, error)
	ForceCircuitRecovery(ctx context.Context, providerKey string) (bool, error)
}

type recoveryService struct {
	db      *gorm.DB
	log     *logger.Logger
	jobs    repos.ReportJobRepo
	runs    repos.ReportRunRepo
	dlq     repos.DeadLetterRepo
	breaker breaker.Registry
}

func NewRecoveryService(
	db *gorm.DB,
	baseLog *logger.Logger,
	jobs repos.ReportJobRepo,
	runs repos.ReportRunRepo,
	dlqRepo repos.DeadLetterRepo,
	breakerReg breaker.Registry,
) RecoveryService {
	return &recoveryService{
		db:      db,
		log:     baseLog.With("service", "RecoveryService"),
		jobs:    jobs,
		runs:    runs,
		dlq:     dlqRepo,
		breaker: breakerReg,
	}
}

func (s *recoveryService) inTx(ctx context.Context, fn func(txc dbctx.Context) error) error {
	if s.db == nil {
		return fn(dbctx.Context{Ctx: ctx})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}

func (s *recoveryService) RetryJob(ctx context.Context, jobID uuid.UUID, resetAttempts bool) error {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errdefs.ErrNotFound
	}
	if job.Status != types.JobStatusDead {
		return fmt.Errorf("job %s is %s, only dead jobs can be retried: %w", jobID, job.Status, errdefs.ErrInvalidArgument)
	}

	entry, err := s.dlq.GetByJobID(dbc, jobID)
	if err != nil {
		return err
	}
	if entry != nil && entry.Permanent {
		return fmt.Errorf("job %s is marked permanent: %w", jobID, errdefs.ErrInvalidArgument)
	}

	// Run resurrection, job re-admission and DLQ removal are one unit: a
	// half-applied retry would leave a live job pointing at a FAILED run
	// and a stale DLQ row colliding with the next quarantine.
	err = s.inTx(ctx, func(txc dbctx.Context) error {
		// The run left FAILED when the job died; bringing it back re-enters
		// the period's unique slot, which another run may have taken since.
		moved, err := s.runs.Transition(txc, job.ReportRunID,
			[]string{types.RunStatusFailed},
			types.RunStatusQueued,
			map[string]interface{}{"step_status": types.MarshalStepStatuses(nil)})
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("period slot for run %s is occupied by a newer run: %w", job.ReportRunID, errdefs.ErrConflict)
			}
			return err
		}
		if !moved {
			return fmt.Errorf("run %s is no longer FAILED: %w", job.ReportRunID, errdefs.ErrConflict)
		}

		ok, err := s.jobs.Readmit(txc, jobID, resetAttempts)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s was not re-admitted", jobID)
		}

		_, err = s.dlq.DeleteByJobID(txc, jobID)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info("dead job re-admitted", "jobID", jobID, "reset_attempts", resetAttempts)
	return nil
}

func (s *recoveryService) BulkRetryJobs(ctx context.Context, jobIDs []uuid.UUID, preserveAttempts bool) (*BulkRetryReport, error) {
	report := &BulkRetryReport{Failed: map[uuid.UUID]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range jobIDs {
		id := id
		g.Go(func() error {
			err := s.RetryJob(gctx, id, !preserveAttempts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err.Error()
			} else {
				report.Requeued = append(report.Requeued, id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.log.Info("bulk retry finished", "requeued", len(report.Requeued), "failed", len(report.Failed))
	return report, nil
}

func (s *recoveryService) BulkRetryByFilter(ctx context.Context, filter repos.DLQListFilter, preserveAttempts bool) (*BulkRetryReport, error) {
	// Permanent entries are never swept back into the queue, whatever the
	// caller asked for.
	nonPermanent := false
	filter.Permanent = &nonPermanent

	entries, err := s.dlq.List(dbctx.Context{Ctx: ctx}, filter)
	if err != nil {
		return nil, err
	}
	jobIDs := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		jobIDs = append(jobIDs, entry.JobID)
	}
	return s.BulkRetryJobs(ctx, jobIDs, preserveAttempts)
}

func (s *recoveryService) MarkJobsAsPermanent(ctx context.Context, jobIDs []uuid.UUID) (int64, error) {
	n, err := s.dlq.MarkPermanent(dbctx.Context{Ctx: ctx}, jobIDs)
	if err != nil {
		return 0, err
	}
	s.log.Info("dead letters marked permanent", "requested", len(jobIDs), "updated", n)
	return n, nil
}

func (s *recoveryService) CleanupDeadLetterQueue(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errdefs.ErrInvalidArgument
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	n, err := s.dlq.PurgeOlderThan(dbctx.Context{Ctx: ctx}, cutoff)
	if err != nil {
		return 0, err
	}
	s.log.Info("dead letter queue purged", "cutoff", cutoff, "removed", n)
	return n, nil
}

func (s *recoveryService) ListDeadLetters(ctx context.Context, filter repos.DLQListFilter) ([]*types.DeadLetterEntry, error) {
	return s.dlq.List(dbctx.Context{Ctx: ctx}, filter)
}

func (s *recoveryService) ForceCircuitRecovery(ctx context.Context, providerKey string) (bool, error) {
	if providerKey == "" {
		return false, errdefs.ErrInvalidArgument
	}
	ok := s.breaker.ForceRecovery(providerKey)
	if !ok {
		return false, nil
	}
	s.log.Info("circuit force-recovered", "provider", providerKey)
	return true, nil
}
