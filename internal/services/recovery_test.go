package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/brandlens/brandlens-backend/internal/breaker"
	"github.com/brandlens/brandlens-backend/internal/data/repos"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	errdefs "github.com/brandlens/brandlens-backend/internal/pkg/errors"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

func newRecoveryHarness(t *testing.T) (*svcHarness, *memDLQ, RecoveryService) {
	t.Helper()
	h := newSvcHarness(t)
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	dlqRepo := newMemDLQ()
	reg := breaker.NewRegistry(breaker.DefaultConfig(), log)
	svc := NewRecoveryService(nil, log, h.jobs, h.runs, dlqRepo, reg)
	return h, dlqRepo, svc
}

func TestRetryJobRequeuesDead(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	job := seedDeadJob(h, dlqRepo)

	if err := svc.RetryJob(context.Background(), job.ID, true); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if job.Status != types.JobStatusQueued || job.Attempts != 0 {
		t.Fatalf("job not requeued with fresh budget: %+v", job)
	}
	if h.runs.runs[job.ReportRunID].Status != types.RunStatusQueued {
		t.Fatalf("run should be live again, got %s", h.runs.runs[job.ReportRunID].Status)
	}
	if len(dlqRepo.entries) != 0 {
		t.Fatalf("dead letter entry should be removed")
	}
}

func TestRetryJobRejectsNonDead(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	job := seedDeadJob(h, dlqRepo)
	job.Status = types.JobStatusSucceeded

	if err := svc.RetryJob(context.Background(), job.ID, true); err == nil {
		t.Fatalf("expected error for non-dead job")
	}
	if err := svc.RetryJob(context.Background(), uuid.New(), true); err != errdefs.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryJobRejectsPermanent(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	job := seedDeadJob(h, dlqRepo)
	dlqRepo.entries[job.ID].Permanent = true

	if err := svc.RetryJob(context.Background(), job.ID, true); err == nil {
		t.Fatalf("permanent dead letters must not be retried")
	}
	if job.Status != types.JobStatusDead {
		t.Fatalf("job must stay dead, got %s", job.Status)
	}
}

func TestRetryJobSlotConflict(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	job := seedDeadJob(h, dlqRepo)
	failed := h.runs.runs[job.ReportRunID]
	failed.Forced = false

	// A newer run took the period slot while the job sat in quarantine.
	usurperID := uuid.New()
	h.runs.runs[usurperID] = &types.ReportRun{
		ID: usurperID, CompanyID: h.companyID,
		Status: types.RunStatusQueued, PeriodKey: failed.PeriodKey,
	}

	err := svc.RetryJob(context.Background(), job.ID, true)
	if !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if job.Status != types.JobStatusDead {
		t.Fatalf("job must stay dead on slot conflict, got %s", job.Status)
	}
	if failed.Status != types.RunStatusFailed {
		t.Fatalf("run must stay FAILED on slot conflict, got %s", failed.Status)
	}
	if _, ok := dlqRepo.entries[job.ID]; !ok {
		t.Fatalf("dead letter entry must be retained on slot conflict")
	}
}

func TestRetryJobConflictWhenRunAlreadyLive(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	job := seedDeadJob(h, dlqRepo)
	h.runs.runs[job.ReportRunID].Status = types.RunStatusQueued

	err := svc.RetryJob(context.Background(), job.ID, true)
	if !errors.Is(err, errdefs.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if job.Status != types.JobStatusDead {
		t.Fatalf("job must stay dead, got %s", job.Status)
	}
}

func TestBulkRetryJobsPartialFailure(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	good := seedDeadJob(h, dlqRepo)
	bad := seedDeadJob(h, dlqRepo)
	bad.Status = types.JobStatusSucceeded // not retryable

	report, err := svc.BulkRetryJobs(context.Background(), []uuid.UUID{good.ID, bad.ID, uuid.New()}, false)
	if err != nil {
		t.Fatalf("BulkRetryJobs: %v", err)
	}
	if len(report.Requeued) != 1 || report.Requeued[0] != good.ID {
		t.Fatalf("requeued: %v", report.Requeued)
	}
	if len(report.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %v", report.Failed)
	}
	if good.Status != types.JobStatusQueued {
		t.Fatalf("good job should be queued, got %s", good.Status)
	}
}

func TestBulkRetryPreservesAttempts(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	job := seedDeadJob(h, dlqRepo)

	if _, err := svc.BulkRetryJobs(context.Background(), []uuid.UUID{job.ID}, true); err != nil {
		t.Fatalf("BulkRetryJobs: %v", err)
	}
	if job.Status != types.JobStatusQueued || job.Attempts != 3 {
		t.Fatalf("expected preserved attempt count, got %+v", job)
	}
}

func TestBulkRetryByFilterSkipsPermanent(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	retryable := seedDeadJob(h, dlqRepo)
	permanent := seedDeadJob(h, dlqRepo)
	dlqRepo.entries[permanent.ID].Permanent = true

	report, err := svc.BulkRetryByFilter(context.Background(), repos.DLQListFilter{}, false)
	if err != nil {
		t.Fatalf("BulkRetryByFilter: %v", err)
	}
	if len(report.Requeued) != 1 || report.Requeued[0] != retryable.ID {
		t.Fatalf("requeued: %v", report.Requeued)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("unexpected failures: %v", report.Failed)
	}
	if permanent.Status != types.JobStatusDead {
		t.Fatalf("permanent job must stay dead, got %s", permanent.Status)
	}
	if _, ok := dlqRepo.entries[permanent.ID]; !ok {
		t.Fatalf("permanent dead letter must be retained")
	}
}

func TestBulkRetryByFilterHonorsCompanyFilter(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	mine := seedDeadJob(h, dlqRepo)

	otherCompany := uuid.New()
	otherRun := uuid.New()
	h.runs.runs[otherRun] = &types.ReportRun{
		ID: otherRun, CompanyID: otherCompany,
		Status: types.RunStatusFailed, PeriodKey: "2026-08-01", Forced: true,
	}
	other := &types.ReportJob{
		ID: uuid.New(), ReportRunID: otherRun, CompanyID: otherCompany,
		Type: types.JobTypeReportGenerate, Status: types.JobStatusDead,
		Attempts: 3, MaxAttempts: 3,
		Payload: datatypes.JSON([]byte("{}")),
	}
	h.jobs.jobs[other.ID] = other
	dlqRepo.entries[other.ID] = &types.DeadLetterEntry{
		ID: uuid.New(), JobID: other.ID, ReportRunID: otherRun, CompanyID: otherCompany,
		FailureHistory: datatypes.JSON([]byte("[]")),
		QuarantinedAt:  time.Now().UTC().Add(-time.Hour),
	}

	report, err := svc.BulkRetryByFilter(context.Background(), repos.DLQListFilter{CompanyID: h.companyID}, false)
	if err != nil {
		t.Fatalf("BulkRetryByFilter: %v", err)
	}
	if len(report.Requeued) != 1 || report.Requeued[0] != mine.ID {
		t.Fatalf("requeued: %v", report.Requeued)
	}
	if other.Status != types.JobStatusDead {
		t.Fatalf("filtered-out job must stay dead, got %s", other.Status)
	}
}

func TestMarkJobsAsPermanentAndCleanup(t *testing.T) {
	h, dlqRepo, svc := newRecoveryHarness(t)
	old := seedDeadJob(h, dlqRepo)
	kept := seedDeadJob(h, dlqRepo)

	n, err := svc.MarkJobsAsPermanent(context.Background(), []uuid.UUID{kept.ID})
	if err != nil || n != 1 {
		t.Fatalf("MarkJobsAsPermanent: n=%d err=%v", n, err)
	}

	// Purge removes old non-permanent entries only.
	n, err = svc.CleanupDeadLetterQueue(context.Background(), 30*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("Cleanup: n=%d err=%v", n, err)
	}
	if _, ok := dlqRepo.entries[old.ID]; ok {
		t.Fatalf("old entry should be purged")
	}
	if _, ok := dlqRepo.entries[kept.ID]; !ok {
		t.Fatalf("permanent entry must survive purge")
	}

	if _, err := svc.CleanupDeadLetterQueue(context.Background(), 0); err != errdefs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for zero retention, got %v", err)
	}
}

func TestForceCircuitRecovery(t *testing.T) {
	_, _, svc := newRecoveryHarness(t)
	ok, err := svc.ForceCircuitRecovery(context.Background(), "openai")
	if err != nil || ok {
		t.Fatalf("unknown circuit: ok=%v err=%v", ok, err)
	}
	if _, err := svc.ForceCircuitRecovery(context.Background(), ""); err != errdefs.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
