package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/brandlens/brandlens-backend/internal/data/repos"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
	errdefs "github.com/brandlens/brandlens-backend/internal/pkg/errors"
	"github.com/brandlens/brandlens-backend/internal/pkg/logger"
)

// ---- fakes ----

type memRuns struct {
	runs map[uuid.UUID]*types.ReportRun
	// blindOnce makes the next FindForPeriod miss, simulating the window
	// between a concurrent writer's lookup and insert.
	blindOnce bool
}

func newMemRuns() *memRuns { return &memRuns{runs: map[uuid.UUID]*types.ReportRun{}} }

func (m *memRuns) Create(dbc dbctx.Context, run *types.ReportRun) (*types.ReportRun, error) {
	if !run.Forced {
		for _, r := range m.runs {
			if r.CompanyID == run.CompanyID && r.PeriodKey == run.PeriodKey && !r.Forced && r.Status != types.RunStatusFailed {
				return nil, fmt.Errorf("ERROR: duplicate key value violates unique constraint \"uq_report_run_company_period\"")
			}
		}
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memRuns) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ReportRun, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return r, nil
}

func (m *memRuns) FindForPeriod(dbc dbctx.Context, companyID uuid.UUID, periodKey string, statuses []string) (*types.ReportRun, error) {
	if m.blindOnce {
		m.blindOnce = false
		return nil, nil
	}
	allowed := map[string]bool{}
	for _, s := range statuses {
		allowed[s] = true
	}
	for _, r := range m.runs {
		if r.CompanyID == companyID && r.PeriodKey == periodKey && !r.Forced && allowed[r.Status] {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memRuns) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (m *memRuns) Transition(dbc dbctx.Context, id uuid.UUID, fromStatuses []string, toStatus string, updates map[string]interface{}) (bool, error) {
	r, ok := m.runs[id]
	if !ok {
		return false, nil
	}
	for _, s := range fromStatuses {
		if r.Status != s {
			continue
		}
		// Leaving FAILED re-enters the per-period unique slot.
		if !r.Forced && toStatus != types.RunStatusFailed {
			for _, other := range m.runs {
				if other.ID != r.ID && other.CompanyID == r.CompanyID && other.PeriodKey == r.PeriodKey &&
					!other.Forced && other.Status != types.RunStatusFailed {
					return false, fmt.Errorf("ERROR: duplicate key value violates unique constraint \"uq_report_run_company_period\"")
				}
			}
		}
		r.Status = toStatus
		return true, nil
	}
	return false, nil
}

func (m *memRuns) ListByStatuses(dbc dbctx.Context, statuses []string, limit, offset int) ([]*types.ReportRun, error) {
	allowed := map[string]bool{}
	for _, s := range statuses {
		allowed[s] = true
	}
	var out []*types.ReportRun
	for _, r := range m.runs {
		if allowed[r.Status] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) ListByCompany(dbc dbctx.Context, companyID uuid.UUID, limit, offset int) ([]*types.ReportRun, error) {
	var out []*types.ReportRun
	for _, r := range m.runs {
		if r.CompanyID == companyID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) CountByStatusSince(dbc dbctx.Context, status string, since time.Time) (int64, error) {
	var n int64
	for _, r := range m.runs {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

type memJobs struct {
	jobs map[uuid.UUID]*types.ReportJob
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[uuid.UUID]*types.ReportJob{}} }

func (m *memJobs) Create(dbc dbctx.Context, jobs []*types.ReportJob) ([]*types.ReportJob, error) {
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return jobs, nil
}

func (m *memJobs) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ReportJob, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return j, nil
}

func (m *memJobs) GetByRunID(dbc dbctx.Context, runID uuid.UUID) (*types.ReportJob, error) {
	for _, j := range m.jobs {
		if j.ReportRunID == runID {
			return j, nil
		}
	}
	return nil, nil
}

func (m *memJobs) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.ReportJob, error) {
	return nil, nil
}

func (m *memJobs) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (m *memJobs) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, s := range disallowed {
		if j.Status == s {
			return false, nil
		}
	}
	if v, ok := updates["status"]; ok {
		j.Status = v.(string)
	}
	if v, ok := updates["last_error"]; ok {
		j.LastError = v.(string)
	}
	return true, nil
}

func (m *memJobs) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (m *memJobs) Reschedule(dbc dbctx.Context, id uuid.UUID, nextRunAt time.Time, lastError string) (bool, error) {
	return false, nil
}

func (m *memJobs) Readmit(dbc dbctx.Context, id uuid.UUID, resetAttempts bool) (bool, error) {
	j, ok := m.jobs[id]
	if !ok || j.Status != types.JobStatusDead {
		return false, nil
	}
	j.Status = types.JobStatusQueued
	j.NextRunAt = time.Now().UTC()
	if resetAttempts {
		j.Attempts = 0
		j.LastError = ""
	}
	return true, nil
}

func (m *memJobs) CountByStatus(dbc dbctx.Context) (map[string]int64, error) {
	out := map[string]int64{}
	for _, j := range m.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (m *memJobs) CountQueuedDue(dbc dbctx.Context, at time.Time) (int64, error) {
	return 0, nil
}

type memCompanies struct {
	existing map[uuid.UUID]*types.Company
}

func (m *memCompanies) Create(dbc dbctx.Context, c *types.Company) (*types.Company, error) {
	m.existing[c.ID] = c
	return c, nil
}

func (m *memCompanies) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Company, error) {
	return m.existing[id], nil
}

func (m *memCompanies) Exists(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	_, ok := m.existing[id]
	return ok, nil
}

func (m *memCompanies) SoftDelete(dbc dbctx.Context, id uuid.UUID) error {
	delete(m.existing, id)
	return nil
}

type memDLQ struct {
	entries map[uuid.UUID]*types.DeadLetterEntry
}

func newMemDLQ() *memDLQ { return &memDLQ{entries: map[uuid.UUID]*types.DeadLetterEntry{}} }

func (m *memDLQ) Create(dbc dbctx.Context, entry *types.DeadLetterEntry) (*types.DeadLetterEntry, error) {
	m.entries[entry.JobID] = entry
	return entry, nil
}

func (m *memDLQ) GetByJobID(dbc dbctx.Context, jobID uuid.UUID) (*types.DeadLetterEntry, error) {
	return m.entries[jobID], nil
}

func (m *memDLQ) List(dbc dbctx.Context, filter repos.DLQListFilter) ([]*types.DeadLetterEntry, error) {
	var out []*types.DeadLetterEntry
	for _, e := range m.entries {
		if filter.CompanyID != uuid.Nil && e.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Permanent != nil && e.Permanent != *filter.Permanent {
			continue
		}
		if !filter.Since.IsZero() && e.QuarantinedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.QuarantinedAt.After(filter.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memDLQ) DeleteByJobID(dbc dbctx.Context, jobID uuid.UUID) (bool, error) {
	if _, ok := m.entries[jobID]; !ok {
		return false, nil
	}
	delete(m.entries, jobID)
	return true, nil
}

func (m *memDLQ) MarkPermanent(dbc dbctx.Context, jobIDs []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range jobIDs {
		if e, ok := m.entries[id]; ok && !e.Permanent {
			e.Permanent = true
			n++
		}
	}
	return n, nil
}

func (m *memDLQ) PurgeOlderThan(dbc dbctx.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, e := range m.entries {
		if e.QuarantinedAt.Before(cutoff) && !e.Permanent {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *memDLQ) Count(dbc dbctx.Context, permanent *bool) (int64, error) {
	return int64(len(m.entries)), nil
}

// recNotifier records run lifecycle events by name.
type recNotifier struct {
	events []string
}

func (n *recNotifier) RunQueued(run *types.ReportRun) {
	n.events = append(n.events, "queued")
}

func (n *recNotifier) RunStarted(run *types.ReportRun, attempt int) {
	n.events = append(n.events, "started")
}

func (n *recNotifier) RunRetrying(run *types.ReportRun, attempt int, nextRunAt time.Time) {
	n.events = append(n.events, "retrying")
}

func (n *recNotifier) StepStarted(run *types.ReportRun, step string) {
	n.events = append(n.events, "step_started")
}

func (n *recNotifier) StepFinished(run *types.ReportRun, step string, state string, errMsg string) {
	n.events = append(n.events, "step_finished")
}

func (n *recNotifier) RunCompleted(run *types.ReportRun) {
	n.events = append(n.events, "completed")
}

func (n *recNotifier) RunFailed(run *types.ReportRun, errMsg string) {
	n.events = append(n.events, "failed")
}

func (n *recNotifier) count(event string) int {
	c := 0
	for _, e := range n.events {
		if e == event {
			c++
		}
	}
	return c
}

// ---- harness ----

type svcHarness struct {
	svc       ReportService
	runs      *memRuns
	jobs      *memJobs
	companies *memCompanies
	notify    *recNotifier
	companyID uuid.UUID
}

func newSvcHarness(t *testing.T) *svcHarness {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	companyID := uuid.New()
	h := &svcHarness{
		runs:      newMemRuns(),
		jobs:      newMemJobs(),
		companies: &memCompanies{existing: map[uuid.UUID]*types.Company{companyID: {ID: companyID, Name: "acme"}}},
		notify:    &recNotifier{},
		companyID: companyID,
	}
	h.svc = NewReportService(nil, log, h.companies, h.runs, h.jobs, h.notify)
	return h
}

// ---- tests ----

func TestRequestReportPublishesQueuedEvent(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	if _, err := h.svc.RequestReport(ctx, h.companyID, false); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if got := h.notify.count("queued"); got != 1 {
		t.Fatalf("expected 1 queued event, got %d", got)
	}

	// The idempotent hit returns the existing run and stays silent.
	if _, err := h.svc.RequestReport(ctx, h.companyID, false); err != nil {
		t.Fatalf("second request: %v", err)
	}
	if got := h.notify.count("queued"); got != 1 {
		t.Fatalf("idempotent hit must not re-announce, got %d queued events", got)
	}
}

func TestRequestReportIdempotent(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	first, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if !first.IsNew || first.Run.Status != types.RunStatusQueued {
		t.Fatalf("first request: %+v", first)
	}
	job, _ := h.jobs.GetByRunID(dbctx.Context{Ctx: ctx}, first.Run.ID)
	if job == nil || job.Status != types.JobStatusQueued || job.Type != types.JobTypeReportGenerate {
		t.Fatalf("expected queued job, got %+v", job)
	}

	second, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.IsNew || second.Run.ID != first.Run.ID {
		t.Fatalf("second request should return the existing run: %+v", second)
	}
	if len(h.runs.runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(h.runs.runs))
	}
}

func TestRequestReportForceBypassesDedupe(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	first, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	forced, err := h.svc.RequestReport(ctx, h.companyID, true)
	if err != nil {
		t.Fatalf("forced: %v", err)
	}
	if !forced.IsNew || forced.Run.ID == first.Run.ID || !forced.Run.Forced {
		t.Fatalf("forced request should create a fresh run: %+v", forced)
	}

	// A later plain request still dedupes against the non-forced run.
	third, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if third.IsNew || third.Run.ID != first.Run.ID {
		t.Fatalf("forced runs must not occupy the period slot: %+v", third)
	}
}

func TestRequestReportConcurrentLoserGetsWinner(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	winner, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("winner: %v", err)
	}

	// The loser's dedupe lookup raced before the winner's insert; its own
	// insert then hits the unique index and it must return the winner's run.
	h.runs.blindOnce = true
	loser, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("loser: %v", err)
	}
	if loser.IsNew || loser.Run.ID != winner.Run.ID {
		t.Fatalf("loser should observe the winner's run: %+v", loser)
	}
	if len(h.runs.runs) != 1 {
		t.Fatalf("race must not leave a duplicate run, got %d", len(h.runs.runs))
	}
}

func TestRequestReportFailedRunFreesSlot(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	first, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	h.runs.runs[first.Run.ID].Status = types.RunStatusFailed

	retry, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !retry.IsNew || retry.Run.ID == first.Run.ID {
		t.Fatalf("a failed run must not block a new request: %+v", retry)
	}
}

func TestRequestReportUnknownCompany(t *testing.T) {
	h := newSvcHarness(t)
	if _, err := h.svc.RequestReport(context.Background(), uuid.New(), false); err != errdefs.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	res, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	ok, err := h.svc.Cancel(ctx, res.Run.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if h.runs.runs[res.Run.ID].Status != types.RunStatusFailed {
		t.Fatalf("canceled run should be FAILED, got %s", h.runs.runs[res.Run.ID].Status)
	}
	job, _ := h.jobs.GetByRunID(dbctx.Context{Ctx: ctx}, res.Run.ID)
	if job.Status != types.JobStatusCanceled {
		t.Fatalf("canceled job expected, got %s", job.Status)
	}

	// Second cancel is a no-op on a terminal run.
	ok, err = h.svc.Cancel(ctx, res.Run.ID)
	if err != nil || ok {
		t.Fatalf("second cancel: ok=%v err=%v", ok, err)
	}
}

func TestGetStatus(t *testing.T) {
	h := newSvcHarness(t)
	ctx := context.Background()

	res, err := h.svc.RequestReport(ctx, h.companyID, false)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	status, err := h.svc.GetStatus(ctx, res.Run.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Run.ID != res.Run.ID || status.JobState != types.JobStatusQueued || status.MaxAtt != 3 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if _, err := h.svc.GetStatus(ctx, uuid.New()); err != errdefs.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown run, got %v", err)
	}
}

func seedDeadJob(h *svcHarness, dlqRepo *memDLQ) *types.ReportJob {
	runID := uuid.New()
	h.runs.runs[runID] = &types.ReportRun{
		ID: runID, CompanyID: h.companyID,
		Status: types.RunStatusFailed, PeriodKey: "2026-08-01", Forced: true,
	}
	job := &types.ReportJob{
		ID: uuid.New(), ReportRunID: runID, CompanyID: h.companyID,
		Type: types.JobTypeReportGenerate, Status: types.JobStatusDead,
		Attempts: 3, MaxAttempts: 3,
		Payload: datatypes.JSON([]byte("{}")),
	}
	h.jobs.jobs[job.ID] = job
	dlqRepo.entries[job.ID] = &types.DeadLetterEntry{
		ID: uuid.New(), JobID: job.ID, ReportRunID: runID, CompanyID: h.companyID,
		FailureHistory: datatypes.JSON([]byte("[]")),
		QuarantinedAt:  time.Now().UTC().Add(-time.Hour),
	}
	return job
}
