package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/brandlens/brandlens-backend/internal/domain"
)

func SeedCompany(tb testing.TB, ctx context.Context, tx *gorm.DB, name string) *types.Company {
	tb.Helper()
	now := time.Now().UTC()
	c := &types.Company{
		ID:        uuid.New(),
		Name:      name,
		Domain:    name + ".example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed company: %v", err)
	}
	return c
}

func SeedReportRun(tb testing.TB, ctx context.Context, tx *gorm.DB, companyID uuid.UUID, periodKey, status string, forced bool) *types.ReportRun {
	tb.Helper()
	now := time.Now().UTC()
	run := &types.ReportRun{
		ID:         uuid.New(),
		CompanyID:  companyID,
		Status:     status,
		PeriodKey:  periodKey,
		Forced:     forced,
		StepStatus: types.MarshalStepStatuses(nil),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(run).Error; err != nil {
		tb.Fatalf("seed report run: %v", err)
	}
	return run
}

func SeedReportJob(tb testing.TB, ctx context.Context, tx *gorm.DB, run *types.ReportRun, status string, maxAttempts int) *types.ReportJob {
	tb.Helper()
	now := time.Now().UTC()
	job := &types.ReportJob{
		ID:          uuid.New(),
		ReportRunID: run.ID,
		CompanyID:   run.CompanyID,
		Type:        types.JobTypeReportGenerate,
		Status:      status,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		Payload:     datatypes.JSON([]byte("{}")),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(job).Error; err != nil {
		tb.Fatalf("seed report job: %v", err)
	}
	return job
}

func SeedDeadLetter(tb testing.TB, ctx context.Context, tx *gorm.DB, job *types.ReportJob, permanent bool, quarantinedAt time.Time) *types.DeadLetterEntry {
	tb.Helper()
	now := time.Now().UTC()
	entry := &types.DeadLetterEntry{
		ID:             uuid.New(),
		JobID:          job.ID,
		ReportRunID:    job.ReportRunID,
		CompanyID:      job.CompanyID,
		FailureHistory: datatypes.JSON([]byte("[]")),
		Permanent:      permanent,
		QuarantinedAt:  quarantinedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		tb.Fatalf("seed dead letter: %v", err)
	}
	return entry
}
