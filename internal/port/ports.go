// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the service layer
// from the data-loading and reporting collaborators.
package port

import (
	"context"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/ledger"
)

// LedgerSource delivers a case's raw per-platform exports.
type LedgerSource interface {
	FetchCase(ctx context.Context, caseID string) ([]ledger.RawBatch, error)
}

// ReportSink receives finished case reports and forgets closed cases.
type ReportSink interface {
	PublishReport(ctx context.Context, report *domain.CaseReport) error
	DeleteCase(ctx context.Context, caseID string) error
}

// ReportLoader is implemented by sinks that can read a published report back.
type ReportLoader interface {
	LoadReport(ctx context.Context, caseID string) (*domain.CaseReport, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	Keys() []string
}
