package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

type ReportJobRepo interface {
	Create(dbc dbctx.Context, jobs []*types.ReportJob) ([]*types.ReportJob, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ReportJob, error)
	GetByRunID(dbc dbctx.Context, runID uuid.UUID) (*types.ReportJob, error)
	// ClaimNextRunnable leases exactly one deliverable job: queued with
	// next_run_at due, or running with an expired heartbeat (crashed worker).
	// The claim bumps attempts, so lease-expiry redelivery counts as a retry.
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.ReportJob, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	// Reschedule returns a running job to the queue with a backoff delay.
	Reschedule(dbc dbctx.Context, id uuid.UUID, nextRunAt time.Time, lastError string) (bool, error)
	// Readmit moves a dead job back to the live queue. resetAttempts zeroes
	// the attempt counter; otherwise the historical count is preserved.
	Readmit(dbc dbctx.Context, id uuid.UUID, resetAttempts bool) (bool, error)
	CountByStatus(dbc dbctx.Context) (map[string]int64, error)
	CountQueuedDue(dbc dbctx.Context, at time.Time) (int64, error)
}

type reportJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReportJobRepo(db *gorm.DB, baseLog *logger.Logger) ReportJobRepo {
	return &reportJobRepo{
		db:  db,
		log: baseLog.With("repo", "ReportJobRepo"),
	}
}

func (r *reportJobRepo) Create(dbc dbctx.Context, jobs []*types.ReportJob) ([]*types.ReportJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*types.ReportJob{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *reportJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ReportJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.ReportJob
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *reportJobRepo) GetByRunID(dbc dbctx.Context, runID uuid.UUID) (*types.ReportJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if runID == uuid.Nil {
		return nil, nil
	}
	var job types.ReportJob
	err := transaction.WithContext(dbc.Ctx).
		Where("report_run_id = ?", runID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *reportJobRepo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.ReportJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.ReportJob
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job types.ReportJob
		q := txx.Model(&types.ReportJob{})
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		q = q.Where(`
        (
          (status = ? AND next_run_at <= ?)
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, types.JobStatusQueued, now, types.JobStatusRunning, staleCutoff).
			Order("priority DESC").
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.ReportJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       types.JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = types.JobStatusRunning
		job.Attempts = job.Attempts + 1
		job.LockedAt = &now
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *reportJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.ReportJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *reportJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.ReportJob{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *reportJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(dbc.Ctx).
		Model(&types.ReportJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *reportJobRepo) Reschedule(dbc dbctx.Context, id uuid.UUID, nextRunAt time.Time, lastError string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.ReportJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"status":        types.JobStatusQueued,
			"next_run_at":   nextRunAt,
			"last_error":    lastError,
			"last_error_at": now,
			"locked_at":     nil,
			"heartbeat_at":  nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *reportJobRepo) Readmit(dbc dbctx.Context, id uuid.UUID, resetAttempts bool) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":       types.JobStatusQueued,
		"next_run_at":  now,
		"locked_at":    nil,
		"heartbeat_at": nil,
		"updated_at":   now,
	}
	if resetAttempts {
		updates["attempts"] = 0
		updates["last_error"] = ""
		updates["last_error_at"] = nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.ReportJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusDead).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *reportJobRepo) CountByStatus(dbc dbctx.Context) (map[string]int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.ReportJob{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (r *reportJobRepo) CountQueuedDue(dbc dbctx.Context, at time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.ReportJob{}).
		Where("status = ? AND next_run_at <= ?", types.JobStatusQueued, at).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
