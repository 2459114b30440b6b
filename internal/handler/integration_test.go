package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/handler"
	"github.com/boddenberg/fundflow-forensics/internal/infra/cache"
	"github.com/boddenberg/fundflow-forensics/internal/infra/client"
	"github.com/boddenberg/fundflow-forensics/internal/infra/ledger"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/infra/resilience"
	"github.com/boddenberg/fundflow-forensics/internal/infra/supabase"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

// --- Mocks ---

// postgrest records the tables written by the report sink.
type postgrest struct {
	mu    sync.Mutex
	calls []string
}

func (p *postgrest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	p.mu.Lock()
	p.calls = append(p.calls, r.Method+" "+r.URL.Path)
	p.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (p *postgrest) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func ledgerSourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/cases/case-int/exports" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body := map[string]any{
			"case_id": "case-int",
			"batches": []ledger.RawBatch{
				{
					Platform:   domain.PlatformBank,
					SourceFile: "bank.csv",
					Records: []map[string]string{
						{"本方姓名": "A", "交易金额": "5000", "借贷标识": "贷", "交易摘要": "ATM cash deposit", "交易日期": "2024-03-01 09:00:00"},
						{"本方姓名": "A", "对方姓名": "B", "交易金额": "-80000", "借贷标识": "借", "交易摘要": "转账", "交易日期": "2024-03-05 10:00:00"},
					},
				},
				{
					Platform:   domain.PlatformWechat,
					SourceFile: "wechat.csv",
					Records: []map[string]string{
						{"本方姓名": "B", "对方姓名": "C", "交易金额": "60000", "借贷标识": "支出", "交易说明": "转账", "交易日期": "2024-03-06 10:00:00"},
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func integrationRouter(t *testing.T, ledgerURL, supabaseURL string) http.Handler {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	cfg := resilience.Config{MaxRetries: 0, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 4}
	httpClient := &http.Client{Timeout: 5 * time.Second}
	p := rules.Static(rules.Defaults())
	reports := cache.New[*domain.CaseReport](time.Minute)
	t.Cleanup(reports.Stop)

	source := client.NewLedgerClient(httpClient, ledgerURL, "token", resilience.NewCircuitBreaker("ledger-int", logger), cfg, logger)
	sink := supabase.NewClient(httpClient, supabaseURL, "anon", "service", resilience.NewCircuitBreaker("supabase-int", logger), cfg, logger)

	svc := service.NewAnalysisService(
		ledger.NewNormalizer(p, time.UTC, logger),
		service.NewClassifier(p, service.DefaultShardOptions(), metrics, logger),
		service.NewTagger(p, service.DefaultShardOptions(), metrics, logger),
		service.NewFlowTracer(p, service.DefaultTraceOptions(), metrics, logger),
		p, source, sink, reports, metrics, logger,
	)
	return handler.NewRouter(svc, handler.Options{MaxConcurrency: 4}, metrics, logger)
}

// --- Tests ---

// TestIntegration_FetchPublishClose fetches a case from the ledger source,
// publishes it to PostgREST and closes it again.
func TestIntegration_FetchPublishClose(t *testing.T) {
	src := ledgerSourceServer(t)
	rest := &postgrest{}
	restSrv := httptest.NewServer(rest)
	defer restSrv.Close()

	router := integrationRouter(t, src.URL, restSrv.URL)

	rec := do(t, router, http.MethodPost, "/v1/cases/case-int/fetch", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}

	var report domain.CaseReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if report.CaseID != "case-int" {
		t.Errorf("expected case-int, got %q", report.CaseID)
	}
	if len(report.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(report.Batches))
	}
	if report.Batches[0].Transactions[0].CashLabel != domain.LabelDeposit {
		t.Errorf("expected deposit, got %s", report.Batches[0].Transactions[0].CashLabel)
	}

	var indirect bool
	for _, r := range report.Trace.Records {
		if r.FlowKind == domain.FlowIndirect && r.RelatedPerson == "C" {
			indirect = true
		}
	}
	if !indirect {
		t.Error("expected the A -> B -> C flow across bank and wechat")
	}

	calls := rest.Calls()
	if len(calls) < 2 || calls[0] != "POST /rest/v1/case_reports" {
		t.Errorf("expected the report upsert first, got %v", calls)
	}

	rec = do(t, router, http.MethodGet, "/v1/cases/case-int/report", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cached report, got %d", rec.Code)
	}

	rec = do(t, router, http.MethodDelete, "/v1/cases/case-int", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, router, http.MethodGet, "/v1/cases/case-int/report", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after close, got %d", rec.Code)
	}
}

// TestIntegration_CaseNotFound maps a 404 from the ledger source.
func TestIntegration_CaseNotFound(t *testing.T) {
	src := ledgerSourceServer(t)
	rest := &postgrest{}
	restSrv := httptest.NewServer(rest)
	defer restSrv.Close()

	router := integrationRouter(t, src.URL, restSrv.URL)

	rec := do(t, router, http.MethodPost, "/v1/cases/nonexistent/fetch", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if len(rest.Calls()) != 0 {
		t.Errorf("expected nothing published, got %v", rest.Calls())
	}
}

// TestIntegration_SinkDown keeps the analysis when publishing fails.
func TestIntegration_SinkDown(t *testing.T) {
	src := ledgerSourceServer(t)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	router := integrationRouter(t, src.URL, down.URL)

	rec := do(t, router, http.MethodPost, "/v1/cases/case-int/fetch", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite the sink failing, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodGet, "/v1/cases/case-int/report", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected cached report, got %d", rec.Code)
	}
}

// TestIntegration_SlowLedgerSource maps a fetch that outlives its deadline.
func TestIntegration_SlowLedgerSource(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()
	rest := &postgrest{}
	restSrv := httptest.NewServer(rest)
	defer restSrv.Close()

	router := integrationRouter(t, slow.URL, restSrv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/cases/case-int/fetch", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d. Body: %s", rec.Code, rec.Body.String())
	}
	if len(rest.Calls()) != 0 {
		t.Errorf("expected nothing published, got %v", rest.Calls())
	}
}
