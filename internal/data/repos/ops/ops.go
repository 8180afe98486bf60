package ops

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

type OpsRepo interface {
	CreateAlert(dbc dbctx.Context, alert *types.OpsAlert) (*types.OpsAlert, error)
	// FindOpenAlert returns the unacknowledged alert for (kind, subject), if
	// any; the sampler uses it to avoid raising duplicates every tick.
	FindOpenAlert(dbc dbctx.Context, kind, subject string) (*types.OpsAlert, error)
	ListAlerts(dbc dbctx.Context, unackedOnly bool, limit int) ([]*types.OpsAlert, error)
	AcknowledgeAlert(dbc dbctx.Context, id uuid.UUID) (bool, error)

	CreateSample(dbc dbctx.Context, sample *types.MetricSample) error
	ListSamples(dbc dbctx.Context, since, until time.Time, limit int) ([]*types.MetricSample, error)
}

type opsRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOpsRepo(db *gorm.DB, baseLog *logger.Logger) OpsRepo {
	return &opsRepo{
		db:  db,
		log: baseLog.With("repo", "OpsRepo"),
	}
}

func (r *opsRepo) CreateAlert(dbc dbctx.Context, alert *types.OpsAlert) (*types.OpsAlert, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if alert == nil {
		return nil, nil
	}
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	now := time.Now().UTC()
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = now
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = now
	if err := transaction.WithContext(dbc.Ctx).Create(alert).Error; err != nil {
		return nil, err
	}
	return alert, nil
}

func (r *opsRepo) FindOpenAlert(dbc dbctx.Context, kind, subject string) (*types.OpsAlert, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if kind == "" {
		return nil, nil
	}
	var alert types.OpsAlert
	err := transaction.WithContext(dbc.Ctx).
		Where("kind = ? AND subject = ? AND acknowledged_at IS NULL", kind, subject).
		Order("raised_at DESC").
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (r *opsRepo) ListAlerts(dbc dbctx.Context, unackedOnly bool, limit int) ([]*types.OpsAlert, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.OpsAlert{})
	if unackedOnly {
		q = q.Where("acknowledged_at IS NULL")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.OpsAlert
	if err := q.Order("raised_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *opsRepo) AcknowledgeAlert(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.OpsAlert{}).
		Where("id = ? AND acknowledged_at IS NULL", id).
		Updates(map[string]interface{}{
			"acknowledged_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *opsRepo) CreateSample(dbc dbctx.Context, sample *types.MetricSample) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if sample == nil {
		return nil
	}
	if sample.ID == uuid.Nil {
		sample.ID = uuid.New()
	}
	if sample.SampledAt.IsZero() {
		sample.SampledAt = time.Now().UTC()
	}
	return transaction.WithContext(dbc.Ctx).Create(sample).Error
}

func (r *opsRepo) ListSamples(dbc dbctx.Context, since, until time.Time, limit int) ([]*types.MetricSample, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Model(&types.MetricSample{})
	if !since.IsZero() {
		q = q.Where("sampled_at >= ?", since)
	}
	if !until.IsZero() {
		q = q.Where("sampled_at < ?", until)
	}
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	var out []*types.MetricSample
	if err := q.Order("sampled_at ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
