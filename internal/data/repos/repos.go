package repos

import (
	"gorm.io/gorm"

	"github.com/brandlens/brandlens-backend/internal/data/repos/companies"
	"github.com/brandlens/brandlens-backend/internal/data/repos/dlq"
	"github.com/brandlens/brandlens-backend/internal/data/repos/jobs"
	"github.com/brandlens/brandlens-backend/internal/data/repos/ops"
	"github.com/brandlens/brandlens-backend/internal/data/repos/reports"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

type CompanyRepo = companies.CompanyRepo
type ReportRunRepo = reports.ReportRunRepo
type ReportJobRepo = jobs.ReportJobRepo
type DeadLetterRepo = dlq.DeadLetterRepo
type DLQListFilter = dlq.ListFilter
type OpsRepo = ops.OpsRepo

func NewCompanyRepo(db *gorm.DB, baseLog *logger.Logger) CompanyRepo {
	return companies.NewCompanyRepo(db, baseLog)
}
func NewReportRunRepo(db *gorm.DB, baseLog *logger.Logger) ReportRunRepo {
	return reports.NewReportRunRepo(db, baseLog)
}
func NewReportJobRepo(db *gorm.DB, baseLog *logger.Logger) ReportJobRepo {
	return jobs.NewReportJobRepo(db, baseLog)
}
func NewDeadLetterRepo(db *gorm.DB, baseLog *logger.Logger) DeadLetterRepo {
	return dlq.NewDeadLetterRepo(db, baseLog)
}
func NewOpsRepo(db *gorm.DB, baseLog *logger.Logger) OpsRepo {
	return ops.NewOpsRepo(db, baseLog)
}
