package reports

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

type ReportRunRepo interface {
	Create(dbc dbctx.Context, run *types.ReportRun) (*types.ReportRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ReportRun, error)
	// FindForPeriod returns the non-forced run occupying the period slot, if any.
	FindForPeriod(dbc dbctx.Context, companyID uuid.UUID, periodKey string, statuses []string) (*types.ReportRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// Transition moves status from one of fromStatuses to toStatus atomically.
	// Returns false when the row was not in an eligible status, which keeps
	// terminal states sticky under concurrent writers.
	Transition(dbc dbctx.Context, id uuid.UUID, fromStatuses []string, toStatus string, updates map[string]interface{}) (bool, error)
	ListByStatuses(dbc dbctx.Context, statuses []string, limit, offset int) ([]*types.ReportRun, error)
	ListByCompany(dbc dbctx.Context, companyID uuid.UUID, limit, offset int) ([]*types.ReportRun, error)
	CountByStatusSince(dbc dbctx.Context, status string, since time.Time) (int64, error)
}

type reportRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReportRunRepo(db *gorm.DB, baseLog *logger.Logger) ReportRunRepo {
	return &reportRunRepo{
		db:  db,
		log: baseLog.With("repo", "ReportRunRepo"),
	}
}

func (r *reportRunRepo) Create(dbc dbctx.Context, run *types.ReportRun) (*types.ReportRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if run == nil {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *reportRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ReportRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var run types.ReportRun
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *reportRunRepo) FindForPeriod(dbc dbctx.Context, companyID uuid.UUID, periodKey string, statuses []string) (*types.ReportRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if companyID == uuid.Nil || periodKey == "" {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("company_id = ? AND period_key = ? AND forced = ?", companyID, periodKey, false)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var run types.ReportRun
	err := q.Order("created_at DESC").Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *reportRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.ReportRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *reportRunRepo) Transition(dbc dbctx.Context, id uuid.UUID, fromStatuses []string, toStatus string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || toStatus == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = toStatus
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.ReportRun{}).
		Where("id = ?", id)
	if len(fromStatuses) == 1 {
		q = q.Where("status = ?", fromStatuses[0])
	} else if len(fromStatuses) > 1 {
		q = q.Where("status IN ?", fromStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *reportRunRepo) ListByStatuses(dbc dbctx.Context, statuses []string, limit, offset int) ([]*types.ReportRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.ReportRun{})
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var out []*types.ReportRun
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *reportRunRepo) ListByCompany(dbc dbctx.Context, companyID uuid.UUID, limit, offset int) ([]*types.ReportRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if companyID == uuid.Nil {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.ReportRun{}).
		Where("company_id = ?", companyID)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var out []*types.ReportRun
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *reportRunRepo) CountByStatusSince(dbc dbctx.Context, status string, since time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	q := transaction.WithContext(dbc.Ctx).
		Model(&types.ReportRun{}).
		Where("status = ?", status)
	if !since.IsZero() {
		q = q.Where("updated_at >= ?", since)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
