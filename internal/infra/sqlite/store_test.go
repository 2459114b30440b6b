package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testReport(caseID, runID string, at time.Time) *domain.CaseReport {
	return &domain.CaseReport{
		CaseID:      caseID,
		RunID:       runID,
		GeneratedAt: at,
		Trace: domain.TraceResult{
			Records: []domain.FlowRecord{
				{HopDepth: 0, CorePerson: "A", RelatedPerson: "B", Timestamp: at, Amount: decimal.NewFromInt(80000),
					Direction: domain.DirectionExpense, AmountTier: "5万-10万", Platform: domain.PlatformBank,
					FlowKind: domain.FlowDirect, Narrative: "A expense 80,000.00 to B"},
				{HopDepth: 1, CorePerson: "A", RelatedPerson: "C", ParentPerson: "B", Timestamp: at.Add(time.Hour),
					Amount: decimal.RequireFromString("60000.50"), Direction: domain.DirectionExpense, AmountTier: "5万-10万",
					Platform: domain.PlatformWechat, FlowKind: domain.FlowIndirect, Narrative: "via B: B expense 60,000.50 to C"},
			},
		},
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestPublishAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	if err := s.PublishReport(ctx, testReport("case-1", "run-1", at)); err != nil {
		t.Fatalf("PublishReport() failed: %v", err)
	}

	got, err := s.LoadReport(ctx, "case-1")
	if err != nil {
		t.Fatalf("LoadReport() failed: %v", err)
	}
	if got.RunID != "run-1" || len(got.Trace.Records) != 2 {
		t.Errorf("unexpected report %+v", got)
	}

	recs, err := s.CounterpartyRecords(ctx, "case-1", "C")
	if err != nil {
		t.Fatalf("CounterpartyRecords() failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if !recs[0].Amount.Equal(decimal.RequireFromString("60000.50")) {
		t.Errorf("expected 60000.50, got %s", recs[0].Amount)
	}
	if recs[0].ParentPerson != "B" || recs[0].FlowKind != domain.FlowIndirect {
		t.Errorf("unexpected record %+v", recs[0])
	}
}

func TestPublish_ReplacesPreviousRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	if err := s.PublishReport(ctx, testReport("case-1", "run-1", at)); err != nil {
		t.Fatal(err)
	}
	second := testReport("case-1", "run-2", at)
	second.Trace.Records = second.Trace.Records[:1]
	if err := s.PublishReport(ctx, second); err != nil {
		t.Fatal(err)
	}

	cases, err := s.ListCases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 1 || cases[0].RunID != "run-2" || cases[0].FlowRecords != 1 {
		t.Errorf("expected the second run only, got %+v", cases)
	}
	recs, err := s.CounterpartyRecords(ctx, "case-1", "C")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("expected stale records removed, got %d", len(recs))
	}
}

func TestListCases_MostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new"} {
		if err := s.PublishReport(ctx, testReport(id, "run", at.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}
	cases, err := s.ListCases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 2 || cases[0].CaseID != "new" {
		t.Errorf("expected new first, got %+v", cases)
	}
	if !cases[0].GeneratedAt.Equal(at.Add(time.Hour)) {
		t.Errorf("expected generated_at round trip, got %s", cases[0].GeneratedAt)
	}
}

func TestDeleteCase_Cascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PublishReport(ctx, testReport("case-1", "run-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCase(ctx, "case-1"); err != nil {
		t.Fatalf("DeleteCase() failed: %v", err)
	}

	var nf *domain.ErrNotFound
	if _, err := s.LoadReport(ctx, "case-1"); !errors.As(err, &nf) {
		t.Errorf("expected not found, got %v", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM flow_records`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected flow records to cascade, got %d", n)
	}
}
