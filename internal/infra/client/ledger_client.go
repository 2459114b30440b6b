// Package client holds HTTP clients for the external collaborators the
// forensics service reads from.
package client

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

var tracer = otel.Tracer("client")

// caseExports is the ledger source's payload for one case.
type caseExports struct {
	CaseID  string            `json:"case_id"`
	Batches []ledger.RawBatch `json:"batches"`
}

// LedgerClient fetches a case's raw platform exports from the evidence
// store (implements port.LedgerSource).
type LedgerClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewLedgerClient creates a new LedgerClient. token may be empty.
func NewLedgerClient(httpClient *http.Client, baseURL, token string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *LedgerClient {
	return &LedgerClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

// FetchCase fetches every export attached to caseID with retry, circuit
// breaker, and tracing. An unknown case is reported as domain.ErrNotFound
// and is not retried.
func (c *LedgerClient) FetchCase(ctx context.Context, caseID string) ([]ledger.RawBatch, error) {
	ctx, span := tracer.Start(ctx, "LedgerClient.FetchCase")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", caseID))

	var payload caseExports

	result, err := c.cb.Execute(func() (any, error) {
		innerErr := resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			endpoint := fmt.Sprintf("%s/v1/cases/%s/exports", c.baseURL, url.PathEscape(caseID))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return resilience.Permanent(err)
			}
			req.Header.Set("Accept", "application/json")
			if c.token != "" {
				req.Header.Set("Authorization", "Bearer "+c.token)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusNotFound {
				return resilience.Permanent(&domain.ErrNotFound{Resource: "case", ID: caseID})
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("ledger source returned status %d", resp.StatusCode)
			}

			payload = caseExports{}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return resilience.Permanent(fmt.Errorf("decode case exports: %w", err))
			}
			return nil
		})
		if innerErr != nil {
			return nil, innerErr
		}
		return payload.Batches, nil
	})

	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return nil, nf
		}
		if resilience.IsOpen(err) {
			return nil, &domain.ErrCircuitOpen{Service: "ledger-source"}
		}
		if resilience.IsTimeout(err) {
			c.logger.Warn("ledger source fetch timed out", zap.String("case_id", caseID), zap.Error(err))
			return nil, &domain.ErrTimeout{Operation: "ledger-source fetch " + caseID}
		}
		c.logger.Warn("ledger source fetch failed",
			zap.String("case_id", caseID),
			zap.Error(err),
		)
		return nil, &domain.ErrExternalService{Service: "ledger-source", Err: err}
	}

	batches := result.([]ledger.RawBatch)
	span.SetAttributes(attribute.Int("batches", len(batches)))
	return batches, nil
}
