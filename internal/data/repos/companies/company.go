package companies

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

type CompanyRepo interface {
	Create(dbc dbctx.Context, company *types.Company) (*types.Company, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Company, error)
	// Exists reports whether the company is present and not soft-deleted.
	// The pipeline consults this at step boundaries to honor deletion.
	Exists(dbc dbctx.Context, id uuid.UUID) (bool, error)
	SoftDelete(dbc dbctx.Context, id uuid.UUID) error
}

type companyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCompanyRepo(db *gorm.DB, baseLog *logger.Logger) CompanyRepo {
	return &companyRepo{
		db:  db,
		log: baseLog.With("repo", "CompanyRepo"),
	}
}

func (r *companyRepo) Create(dbc dbctx.Context, company *types.Company) (*types.Company, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if company == nil {
		return nil, nil
	}
	if company.ID == uuid.Nil {
		company.ID = uuid.New()
	}
	now := time.Now().UTC()
	if company.CreatedAt.IsZero() {
		company.CreatedAt = now
	}
	company.UpdatedAt = now
	if err := transaction.WithContext(dbc.Ctx).Create(company).Error; err != nil {
		return nil, err
	}
	return company, nil
}

func (r *companyRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Company, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var company types.Company
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&company).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &company, nil
}

func (r *companyRepo) Exists(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.Company{}).
		Where("id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *companyRepo) SoftDelete(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.Company{}).Error
}
