package app

import (
	"gorm.io/gorm"

	"github.com/brandlens/brandlens-backend/internal/data/repos"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

type Repos struct {
	Companies repos.CompanyRepo
	Runs      repos.ReportRunRepo
	Jobs      repos.ReportJobRepo
	DLQ       repos.DeadLetterRepo
	Ops       repos.OpsRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Companies: repos.NewCompanyRepo(db, log),
		Runs:      repos.NewReportRunRepo(db, log),
		Jobs:      repos.NewReportJobRepo(db, log),
		DLQ:       repos.NewDeadLetterRepo(db, log),
		Ops:       repos.NewOpsRepo(db, log),
	}
}
