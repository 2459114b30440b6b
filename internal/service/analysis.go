package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/ledger"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/port"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
)

var tracer = otel.Tracer("service/analysis")

// Stage selects how far the pipeline runs.
type Stage int

const (
	StageClassify Stage = iota + 1
	StageTag
	StageTrace
)

// AnalysisService orchestrates normalization, classification, tagging and
// tracing of one case, and keeps the finished report until the case closes.
type AnalysisService struct {
	normalizer *ledger.Normalizer
	classifier *Classifier
	tagger     *Tagger
	flows      *FlowTracer
	rules      *rules.Provider
	source     port.LedgerSource
	sink       port.ReportSink
	cache      port.Cache[*domain.CaseReport]
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewAnalysisService creates the service with all dependencies injected.
// source and sink may be nil when no collaborator is configured.
func NewAnalysisService(
	normalizer *ledger.Normalizer,
	classifier *Classifier,
	tagger *Tagger,
	flows *FlowTracer,
	provider *rules.Provider,
	source port.LedgerSource,
	sink port.ReportSink,
	cache port.Cache[*domain.CaseReport],
	metrics *observability.Metrics,
	logger *zap.Logger,
) *AnalysisService {
	return &AnalysisService{
		normalizer: normalizer,
		classifier: classifier,
		tagger:     tagger,
		flows:      flows,
		rules:      provider,
		source:     source,
		sink:       sink,
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
	}
}

// Rules returns the rule tables in effect.
func (s *AnalysisService) Rules() *rules.Tables {
	return s.rules.Current()
}

// ReloadRules re-reads the rule file now. A failed reload keeps the tables
// in effect.
func (s *AnalysisService) ReloadRules() error {
	return s.rules.Reload()
}

// RulesStatus reports the rule file and its reload counters.
func (s *AnalysisService) RulesStatus() (path string, reloads, failures int64) {
	reloads, failures = s.rules.Reloads()
	return s.rules.Path(), reloads, failures
}

// Run executes the pipeline up to stage without caching or publishing.
// Data problems never fail the call; they are reported in Warnings.
func (s *AnalysisService) Run(ctx context.Context, caseID string, raws []ledger.RawBatch, stage Stage) (*domain.CaseReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "AnalysisService.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("case.id", caseID),
		attribute.Int("stage", int(stage)),
		attribute.Int("batches", len(raws)),
	)

	for i, raw := range raws {
		if !raw.Platform.Valid() {
			return nil, &domain.ErrValidation{
				Field:   fmt.Sprintf("batches[%d].platform", i),
				Message: fmt.Sprintf("unsupported platform %q", raw.Platform),
			}
		}
	}

	report := &domain.CaseReport{
		CaseID:      caseID,
		RunID:       uuid.NewString(),
		Batches:     []*domain.Batch{},
		Trace:       domain.TraceResult{Records: []domain.FlowRecord{}, Summary: Summarize(nil)},
		GeneratedAt: time.Now().UTC(),
	}
	report.Warnings = append(report.Warnings, s.rules.Current().Warnings()...)

	// --- Step 1: normalize and merge per platform ---
	normalized := make([]*domain.Batch, 0, len(raws))
	for _, raw := range raws {
		b, warnings := s.normalizer.Normalize(raw)
		s.metrics.AddSoftFailures("coerced_cell", len(warnings))
		report.Warnings = append(report.Warnings, warnings...)
		if !b.Empty() {
			normalized = append(normalized, b)
		}
	}
	if len(normalized) == 0 {
		s.logger.Info("structurally empty input, nothing to analyze", zap.String("case_id", caseID))
		return report, nil
	}
	merged := ledger.Merge(normalized...)

	// --- Step 2: classify and tag; platforms are independent ---
	done := make([]*domain.Batch, len(merged))
	g, gCtx := errgroup.WithContext(ctx)
	for i, b := range merged {
		g.Go(func() error {
			out := s.classifier.Classify(gCtx, b)
			if stage >= StageTag {
				out = s.tagger.Tag(gCtx, out)
			}
			done[i] = out
			return nil
		})
	}
	_ = g.Wait()

	report.Batches = done
	for _, b := range done {
		report.Classification = append(report.Classification, s.classifier.Stats(b))
	}
	if stage >= StageTag {
		report.KeyStats = s.tagger.Statistics(done...)
	}

	// --- Step 3: trace across all platforms ---
	if stage >= StageTrace {
		report.Trace = s.flows.Trace(ctx, done...)
		if report.Trace.Truncated {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("tracing truncated (%s): partial flow records", report.Trace.TruncatedReason))
		}
	}
	return report, nil
}

// Analyze runs the full pipeline for a case, publishes the report to the
// sink when one is configured and caches it until the case is closed.
func (s *AnalysisService) Analyze(ctx context.Context, caseID string, raws []ledger.RawBatch) (*domain.CaseReport, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil, &domain.ErrValidation{Field: "caseId", Message: "must not be blank"}
	}

	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("analyze", time.Since(start))
	}()

	report, err := s.Run(ctx, caseID, raws, StageTrace)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, report)
	s.cache.Set(caseID, report)

	s.logger.Info("case analyzed",
		zap.String("case_id", caseID),
		zap.String("run_id", report.RunID),
		zap.Int("rows", report.Rows()),
		zap.Int("flow_records", len(report.Trace.Records)),
		zap.Int("warnings", len(report.Warnings)),
		zap.Duration("duration", time.Since(start)),
	)
	return report, nil
}

// AnalyzeFromSource fetches the case's exports from the ledger source and
// analyzes them.
func (s *AnalysisService) AnalyzeFromSource(ctx context.Context, caseID string) (*domain.CaseReport, error) {
	ctx, span := tracer.Start(ctx, "AnalysisService.AnalyzeFromSource")
	defer span.End()

	if s.source == nil {
		return nil, &domain.ErrValidation{Field: "source", Message: "no ledger source configured"}
	}
	raws, err := s.source.FetchCase(ctx, caseID)
	if err != nil {
		s.metrics.IncrExternalError("ledger-source")
		s.logger.Error("failed to fetch case ledgers",
			zap.String("case_id", caseID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("ledger fetch: %w", err)
	}
	return s.Analyze(ctx, caseID, raws)
}

// publish hands the report to the sink. Sink failures are soft: the report
// is still cached and returned, with a warning attached.
func (s *AnalysisService) publish(ctx context.Context, report *domain.CaseReport) {
	if s.sink == nil {
		return
	}
	if err := s.sink.PublishReport(ctx, report); err != nil {
		s.metrics.IncrExternalError("report-sink")
		s.metrics.AddSoftFailures("sink", 1)
		s.logger.Warn("report publish failed",
			zap.String("case_id", report.CaseID),
			zap.Error(err),
		)
		report.Warnings = append(report.Warnings, "report sink: "+err.Error())
	}
}

// Report returns the cached report of an analyzed case, falling back to the
// sink when it can load reports.
func (s *AnalysisService) Report(ctx context.Context, caseID string) (*domain.CaseReport, error) {
	ctx, span := tracer.Start(ctx, "AnalysisService.Report")
	defer span.End()

	if r, ok := s.cache.Get(caseID); ok {
		s.metrics.IncrCacheHit()
		return r, nil
	}
	s.metrics.IncrCacheMiss()

	loader, ok := s.sink.(port.ReportLoader)
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "case", ID: caseID}
	}
	r, err := loader.LoadReport(ctx, caseID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(caseID, r)
	return r, nil
}

// Cases lists the cases with a cached report.
func (s *AnalysisService) Cases() []string {
	return s.cache.Keys()
}

// Close discards a case's data as a whole.
func (s *AnalysisService) Close(ctx context.Context, caseID string) error {
	ctx, span := tracer.Start(ctx, "AnalysisService.Close")
	defer span.End()

	if _, err := s.Report(ctx, caseID); err != nil {
		return err
	}
	s.cache.Delete(caseID)

	if s.sink != nil {
		if err := s.sink.DeleteCase(ctx, caseID); err != nil {
			s.metrics.IncrExternalError("report-sink")
			s.logger.Warn("report sink delete failed",
				zap.String("case_id", caseID),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("case closed", zap.String("case_id", caseID))
	return nil
}
