package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

// ============================================================
// Response shapes
// ============================================================

type classifyResponse struct {
	RunID          string                       `json:"run_id"`
	Batches        []*domain.Batch              `json:"batches"`
	Classification []domain.ClassificationStats `json:"classification"`
	Warnings       []string                     `json:"warnings,omitempty"`
}

type tagResponse struct {
	RunID    string                  `json:"run_id"`
	Batches  []*domain.Batch         `json:"batches"`
	KeyStats []domain.PersonKeyStats `json:"key_stats"`
	Warnings []string                `json:"warnings,omitempty"`
}

type traceResponse struct {
	RunID    string             `json:"run_id"`
	Trace    domain.TraceResult `json:"trace"`
	Warnings []string           `json:"warnings,omitempty"`
}

type rulesResponse struct {
	Path     string     `json:"path,omitempty"`
	Reloads  int64      `json:"reloads"`
	Failures int64      `json:"failures"`
	Warnings []string   `json:"warnings,omitempty"`
	Rules    rules.File `json:"rules"`
}

type casesResponse struct {
	Cases []string `json:"cases"`
}

// ============================================================
// 1. Stateless pipeline stages
// POST /v1/classify, /v1/tag, /v1/trace
// ============================================================

func classifyHandler(svc *service.AnalysisService, maxBody int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, ok := runStage(w, r, svc, service.StageClassify, maxBody, logger)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, classifyResponse{
			RunID:          report.RunID,
			Batches:        report.Batches,
			Classification: report.Classification,
			Warnings:       report.Warnings,
		})
	}
}

func tagHandler(svc *service.AnalysisService, maxBody int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, ok := runStage(w, r, svc, service.StageTag, maxBody, logger)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, tagResponse{
			RunID:    report.RunID,
			Batches:  report.Batches,
			KeyStats: report.KeyStats,
			Warnings: report.Warnings,
		})
	}
}

func traceHandler(svc *service.AnalysisService, maxBody int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, ok := runStage(w, r, svc, service.StageTrace, maxBody, logger)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, traceResponse{
			RunID:    report.RunID,
			Trace:    report.Trace,
			Warnings: report.Warnings,
		})
	}
}

// runStage decodes the exports and runs the pipeline up to stage. On
// failure the error response is already written.
func runStage(w http.ResponseWriter, r *http.Request, svc *service.AnalysisService, stage service.Stage, maxBody int64, logger *zap.Logger) (*domain.CaseReport, bool) {
	ctx, span := tracer.Start(r.Context(), "POST "+r.URL.Path)
	defer span.End()

	raws, err := decodeBatches(w, r, maxBody)
	if err != nil {
		handleServiceError(w, err, logger)
		return nil, false
	}
	span.SetAttributes(attribute.Int("batches", len(raws)))

	report, err := svc.Run(ctx, "", raws, stage)
	if err != nil {
		handleServiceError(w, err, logger)
		return nil, false
	}
	return report, true
}

// ============================================================
// 2. Cases
// ============================================================

func listCasesHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cases := svc.Cases()
		if claims := InvestigatorFromContext(r.Context()); claims != nil {
			granted := cases[:0:0]
			for _, id := range cases {
				if claims.CanAccess(id) {
					granted = append(granted, id)
				}
			}
			cases = granted
		}
		writeJSON(w, http.StatusOK, casesResponse{Cases: cases})
	}
}

// POST /v1/cases/{caseId}/analyze
func analyzeCaseHandler(svc *service.AnalysisService, maxBody int64, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/cases/{caseId}/analyze")
		defer span.End()

		caseID := chi.URLParam(r, "caseId")
		span.SetAttributes(attribute.String("case.id", caseID))

		raws, err := decodeBatches(w, r, maxBody)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		report, err := svc.Analyze(ctx, caseID, raws)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// POST /v1/cases/{caseId}/fetch
func fetchCaseHandler(svc *service.AnalysisService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/cases/{caseId}/fetch")
		defer span.End()

		caseID := chi.URLParam(r, "caseId")
		span.SetAttributes(attribute.String("case.id", caseID))

		report, err := svc.AnalyzeFromSource(ctx, caseID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// GET /v1/cases/{caseId}/report
func getReportHandler(svc *service.AnalysisService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.Report(r.Context(), chi.URLParam(r, "caseId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// DELETE /v1/cases/{caseId}
func closeCaseHandler(svc *service.AnalysisService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "caseId")
		if err := svc.Close(r.Context(), caseID); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "case closed", ID: caseID})
	}
}

// ============================================================
// 3. Rules
// ============================================================

func getRulesHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := svc.Rules()
		path, reloads, failures := svc.RulesStatus()
		writeJSON(w, http.StatusOK, rulesResponse{
			Path:     path,
			Reloads:  reloads,
			Failures: failures,
			Warnings: t.Warnings(),
			Rules:    t.Source(),
		})
	}
}

func reloadRulesHandler(svc *service.AnalysisService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.ReloadRules(); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		getRulesHandler(svc)(w, r)
	}
}
