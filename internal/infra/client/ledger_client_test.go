package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/client"
	"github.com/boddenberg/fundflow-forensics/internal/infra/resilience"
)

func newLedgerClient(t *testing.T, handler http.HandlerFunc) *client.LedgerClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := zap.NewNop()
	cfg := resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond}
	return client.NewLedgerClient(srv.Client(), srv.URL, "secret", resilience.NewCircuitBreaker("ledger-source", logger), cfg, logger)
}

func TestFetchCase_Success(t *testing.T) {
	c := newLedgerClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/cases/case-7/exports" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"case_id": "case-7",
			"batches": []map[string]any{{
				"platform":    "bank",
				"source_file": "a.csv",
				"records":     []map[string]string{{"交易金额": "100"}},
			}},
		})
	})

	batches, err := c.FetchCase(context.Background(), "case-7")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(batches) != 1 || batches[0].Platform != domain.PlatformBank || len(batches[0].Records) != 1 {
		t.Errorf("unexpected batches %+v", batches)
	}
}

func TestFetchCase_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newLedgerClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.FetchCase(context.Background(), "missing")
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Fatalf("expected not found, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestFetchCase_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newLedgerClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"case_id":"c","batches":[]}`))
	})

	batches, err := c.FetchCase(context.Background(), "c")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(batches) != 0 || calls.Load() != 3 {
		t.Errorf("expected 3 calls and no batches, got %d / %d", calls.Load(), len(batches))
	}
}

func TestFetchCase_ExhaustedRetriesWrapExternalError(t *testing.T) {
	c := newLedgerClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.FetchCase(context.Background(), "c")
	var extErr *domain.ErrExternalService
	if !errors.As(err, &extErr) || extErr.Service != "ledger-source" {
		t.Errorf("expected ledger-source external error, got %v", err)
	}
}

func TestFetchCase_DeadlineMapsToTimeout(t *testing.T) {
	c := newLedgerClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.FetchCase(ctx, "case-slow")
	var timeout *domain.ErrTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("expected ErrTimeout, got %T: %v", err, err)
	}
}
