// Package supabase provides a client for Supabase (PostgREST).
// It stores analyzed case reports and can serve uploaded ledger exports.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/ledger"
	"github.com/boddenberg/fundflow-forensics/internal/infra/resilience"
)

var tracer = otel.Tracer("supabase")

// Client wraps HTTP calls to Supabase PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	logger         *zap.Logger
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		logger:         logger,
	}
}

// execute runs fn under the breaker and the retry policy and maps failures
// onto the domain error types.
func (c *Client) execute(ctx context.Context, service string, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
	if err == nil {
		return nil
	}
	var nf *domain.ErrNotFound
	if errors.As(err, &nf) {
		return nf
	}
	if resilience.IsOpen(err) {
		return &domain.ErrCircuitOpen{Service: service}
	}
	if resilience.IsTimeout(err) {
		return &domain.ErrTimeout{Operation: service}
	}
	return &domain.ErrExternalService{Service: service, Err: err}
}

// --- Ledger exports (implements port.LedgerSource) ---

// ledgerExportRow maps the ledger_exports table.
type ledgerExportRow struct {
	CaseID     string              `json:"case_id"`
	Platform   domain.Platform     `json:"platform"`
	SourceFile string              `json:"source_file"`
	Columns    *domain.ColumnMap   `json:"columns"`
	Header     []string            `json:"header"`
	Records    []map[string]string `json:"records"`
}

// FetchCase loads every export uploaded for caseID, oldest first.
func (c *Client) FetchCase(ctx context.Context, caseID string) ([]ledger.RawBatch, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FetchCase")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", caseID))

	var batches []ledger.RawBatch

	err := c.execute(ctx, "supabase/ledger_exports", func() error {
		path := fmt.Sprintf("ledger_exports?case_id=eq.%s&order=uploaded_at.asc", url.QueryEscape(caseID))
		body, err := c.doGet(ctx, path)
		if err != nil {
			return err
		}
		if body == nil || string(body) == "[]" {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "case", ID: caseID})
		}

		var rows []ledgerExportRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return resilience.Permanent(fmt.Errorf("failed to decode ledger exports: %w", err))
		}

		batches = make([]ledger.RawBatch, 0, len(rows))
		for _, r := range rows {
			batches = append(batches, ledger.RawBatch{
				Platform:   r.Platform,
				SourceFile: r.SourceFile,
				Columns:    r.Columns,
				Header:     r.Header,
				Records:    r.Records,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("batches", len(batches)))
	return batches, nil
}
