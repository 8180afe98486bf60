package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
	"github.com/brandlens/brandlens-backend/internal/platform/envutil"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New connects to Postgres, or to a local sqlite file when DB_DRIVER=sqlite
// is set (single-process development only; sqlite has no SKIP LOCKED, so the
// claim query degrades to plain row selection there).
func New(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	driver := envutil.String("DB_DRIVER", "postgres")
	var dial gorm.Dialector
	switch driver {
	case "sqlite":
		path := envutil.String("SQLITE_PATH", "brandlens.db")
		dial = sqlite.Open(path)
	default:
		host := envutil.String("POSTGRES_HOST", "localhost")
		port := envutil.String("POSTGRES_PORT", "5432")
		user := envutil.String("POSTGRES_USER", "postgres")
		password := envutil.String("POSTGRES_PASSWORD", "")
		name := envutil.String("POSTGRES_NAME", "brandlens")
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
		dial = postgres.Open(dsn)
	}

	serviceLog.Info("Connecting to database", "driver", driver)
	db, err := gorm.Open(dial, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		serviceLog.Error("Failed to connect to database", "error", err)
		return nil, fmt.Errorf("connect database: %w", err)
	}

	return &Service{db: db, log: serviceLog}, nil
}

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	err := s.db.AutoMigrate(
		&types.Company{},
		&types.ReportRun{},
		&types.ReportJob{},
		&types.DeadLetterEntry{},
		&types.OpsAlert{},
		&types.MetricSample{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}

	// The idempotency guard's compare-and-swap. A non-forced run occupies the
	// (company_id, period_key) slot while QUEUED/IN_PROGRESS/COMPLETED; a
	// FAILED run leaves the slot so the period can be retried.
	if err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uq_report_run_company_period
		ON report_run (company_id, period_key)
		WHERE forced = false AND status <> 'FAILED'
	`).Error; err != nil {
		return fmt.Errorf("create uq_report_run_company_period: %w", err)
	}

	if s.db.Dialector.Name() == "postgres" {
		if err := s.db.Exec(`
			DO $$ BEGIN
				ALTER TABLE "report_run"
				ADD CONSTRAINT "fk_report_run_company_id"
				FOREIGN KEY ("company_id") REFERENCES "company"("id")
				ON DELETE CASCADE;
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("add fk_report_run_company_id: %w", err)
		}
		if err := s.db.Exec(`
			DO $$ BEGIN
				ALTER TABLE "report_job"
				ADD CONSTRAINT "fk_report_job_report_run_id"
				FOREIGN KEY ("report_run_id") REFERENCES "report_run"("id")
				ON DELETE CASCADE;
			EXCEPTION WHEN duplicate_object THEN NULL;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("add fk_report_job_report_run_id: %w", err)
		}
	}
	return nil
}

func (s *Service) DB() *gorm.DB {
	return s.db
}
