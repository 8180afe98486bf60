package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brandlens/brandlens-backend/internal/data/repos/testutil"
	types "github.com/brandlens/brandlens-backend/internal/domain"
	"github.com/brandlens/brandlens-backend/internal/pkg/dbctx"
)

func TestDeadLetterRepoListFilters(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewDeadLetterRepo(db, testutil.Logger(t))

	now := time.Now().UTC()

	companyA := testutil.SeedCompany(t, ctx, tx, "acme")
	runA := testutil.SeedReportRun(t, ctx, tx, companyA.ID, "2026-08-29", types.RunStatusFailed, false)
	jobA := testutil.SeedReportJob(t, ctx, tx, runA, types.JobStatusDead, 3)
	testutil.SeedDeadLetter(t, ctx, tx, jobA, false, now.Add(-2*time.Hour))

	companyB := testutil.SeedCompany(t, ctx, tx, "globex")
	runB := testutil.SeedReportRun(t, ctx, tx, companyB.ID, "2026-08-29", types.RunStatusFailed, false)
	jobB := testutil.SeedReportJob(t, ctx, tx, runB, types.JobStatusDead, 3)
	testutil.SeedDeadLetter(t, ctx, tx, jobB, true, now.Add(-30*time.Minute))

	all, err := repo.List(dbc, ListFilter{})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all entries = %d, want 2", len(all))
	}

	byCompany, err := repo.List(dbc, ListFilter{CompanyID: companyA.ID})
	if err != nil {
		t.Fatalf("List by company: %v", err)
	}
	if len(byCompany) != 1 || byCompany[0].JobID != jobA.ID {
		t.Fatalf("company filter returned %d entries", len(byCompany))
	}

	perm := true
	permanentOnly, err := repo.List(dbc, ListFilter{Permanent: &perm})
	if err != nil {
		t.Fatalf("List permanent: %v", err)
	}
	if len(permanentOnly) != 1 || permanentOnly[0].JobID != jobB.ID {
		t.Fatalf("permanent filter returned %d entries", len(permanentOnly))
	}

	recent, err := repo.List(dbc, ListFilter{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("List since: %v", err)
	}
	if len(recent) != 1 || recent[0].JobID != jobB.ID {
		t.Fatalf("since filter returned %d entries", len(recent))
	}

	limited, err := repo.List(dbc, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored, got %d entries", len(limited))
	}
}

func TestDeadLetterRepoPurgeRetainsPermanent(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx, Tx: tx}
	repo := NewDeadLetterRepo(db, testutil.Logger(t))

	now := time.Now().UTC()

	companyA := testutil.SeedCompany(t, ctx, tx, "acme")
	runOld := testutil.SeedReportRun(t, ctx, tx, companyA.ID, "2026-08-27", types.RunStatusFailed, false)
	jobOld := testutil.SeedReportJob(t, ctx, tx, runOld, types.JobStatusDead, 3)
	testutil.SeedDeadLetter(t, ctx, tx, jobOld, false, now.Add(-72*time.Hour))

	runKept := testutil.SeedReportRun(t, ctx, tx, companyA.ID, "2026-08-28", types.RunStatusFailed, false)
	jobKept := testutil.SeedReportJob(t, ctx, tx, runKept, types.JobStatusDead, 3)
	testutil.SeedDeadLetter(t, ctx, tx, jobKept, false, now.Add(-time.Hour))

	runPerm := testutil.SeedReportRun(t, ctx, tx, companyA.ID, "2026-08-29", types.RunStatusFailed, false)
	jobPerm := testutil.SeedReportJob(t, ctx, tx, runPerm, types.JobStatusDead, 3)
	testutil.SeedDeadLetter(t, ctx, tx, jobPerm, false, now.Add(-96*time.Hour))

	if n, err := repo.MarkPermanent(dbc, []uuid.UUID{jobPerm.ID}); err != nil || n != 1 {
		t.Fatalf("MarkPermanent: n=%d err=%v", n, err)
	}

	purged, err := repo.PurgeOlderThan(dbc, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	remaining, err := repo.List(dbc, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d, want 2", len(remaining))
	}
	for _, e := range remaining {
		if e.JobID == jobOld.ID {
			t.Fatal("expired non-permanent entry survived purge")
		}
	}

	if ok, err := repo.DeleteByJobID(dbc, jobKept.ID); err != nil || !ok {
		t.Fatalf("DeleteByJobID: ok=%v err=%v", ok, err)
	}

	n, err := repo.Count(dbc, nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 (the permanent entry)", n)
	}
}
