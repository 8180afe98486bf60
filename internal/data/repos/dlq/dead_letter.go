package dlq

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

// ListFilter narrows DLQ inspection. Zero values mean "no filter".
type ListFilter struct {
	CompanyID uuid.UUID
	Permanent *bool
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

type DeadLetterRepo interface {
	Create(dbc dbctx.Context, entry *types.DeadLetterEntry) (*types.DeadLetterEntry, error)
	GetByJobID(dbc dbctx.Context, jobID uuid.UUID) (*types.DeadLetterEntry, error)
	List(dbc dbctx.Context, filter ListFilter) ([]*types.DeadLetterEntry, error)
	// DeleteByJobID removes an entry after a successful re-admission.
	DeleteByJobID(dbc dbctx.Context, jobID uuid.UUID) (bool, error)
	MarkPermanent(dbc dbctx.Context, jobIDs []uuid.UUID) (int64, error)
	// PurgeOlderThan removes expired entries; permanent ones are retained.
	PurgeOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error)
	Count(dbc dbctx.Context, permanent *bool) (int64, error)
}

type deadLetterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeadLetterRepo(db *gorm.DB, baseLog *logger.Logger) DeadLetterRepo {
	return &deadLetterRepo{
		db:  db,
		log: baseLog.With("repo", "DeadLetterRepo"),
	}
}

func (r *deadLetterRepo) Create(dbc dbctx.Context, entry *types.DeadLetterEntry) (*types.DeadLetterEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if entry == nil {
		return nil, nil
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	now := time.Now().UTC()
	if entry.QuarantinedAt.IsZero() {
		entry.QuarantinedAt = now
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	if err := transaction.WithContext(dbc.Ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *deadLetterRepo) GetByJobID(dbc dbctx.Context, jobID uuid.UUID) (*types.DeadLetterEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, nil
	}
	var entry types.DeadLetterEntry
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *deadLetterRepo) List(dbc dbctx.Context, filter ListFilter) ([]*types.DeadLetterEntry, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.DeadLetterEntry{})
	if filter.CompanyID != uuid.Nil {
		q = q.Where("company_id = ?", filter.CompanyID)
	}
	if filter.Permanent != nil {
		q = q.Where("permanent = ?", *filter.Permanent)
	}
	if !filter.Since.IsZero() {
		q = q.Where("quarantined_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("quarantined_at < ?", filter.Until)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q = q.Limit(limit)
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var out []*types.DeadLetterEntry
	if err := q.Order("quarantined_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *deadLetterRepo) DeleteByJobID(dbc dbctx.Context, jobID uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return false, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Delete(&types.DeadLetterEntry{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *deadLetterRepo) MarkPermanent(dbc dbctx.Context, jobIDs []uuid.UUID) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobIDs) == 0 {
		return 0, nil
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.DeadLetterEntry{}).
		Where("job_id IN ?", jobIDs).
		Updates(map[string]interface{}{
			"permanent":  true,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *deadLetterRepo) PurgeOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if cutoff.IsZero() {
		return 0, nil
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("quarantined_at < ? AND permanent = ?", cutoff, false).
		Delete(&types.DeadLetterEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *deadLetterRepo) Count(dbc dbctx.Context, permanent *bool) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.DeadLetterEntry{})
	if permanent != nil {
		q = q.Where("permanent = ?", *permanent)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
