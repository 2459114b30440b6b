package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/infra/resilience"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

var tracer = otel.Tracer("handler")

// Options tunes the router. Zero values are usable.
type Options struct {
	// Tokens enables bearer auth on /v1 when non-nil.
	Tokens *service.TokenService
	// MaxConcurrency bounds concurrent analysis requests.
	MaxConcurrency int
	// MaxBodyBytes caps request bodies carrying exports.
	MaxBodyBytes int64
	// AllowedOrigins enables CORS for browser clients when non-empty.
	AllowedOrigins []string
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc *service.AnalysisService, opts Options, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc))
	r.Get("/readyz", readyzHandler())
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	if svc == nil {
		return r
	}

	bulkhead := resilience.NewBulkhead(opts.MaxConcurrency)

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		if opts.Tokens != nil {
			r.Use(JWTAuthMiddleware(opts.Tokens, logger))
		}

		// =============================================
		// 1. Stateless pipeline stages
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(BulkheadMiddleware(bulkhead, logger))
			r.Post("/classify", classifyHandler(svc, opts.MaxBodyBytes, logger))
			r.Post("/tag", tagHandler(svc, opts.MaxBodyBytes, logger))
			r.Post("/trace", traceHandler(svc, opts.MaxBodyBytes, logger))
		})

		// =============================================
		// 2. Cases
		// =============================================
		r.Get("/cases", listCasesHandler(svc))
		r.Route("/cases/{caseId}", func(r chi.Router) {
			r.Use(requireCaseAccess(logger))
			r.With(BulkheadMiddleware(bulkhead, logger)).Post("/analyze", analyzeCaseHandler(svc, opts.MaxBodyBytes, logger))
			r.With(BulkheadMiddleware(bulkhead, logger)).Post("/fetch", fetchCaseHandler(svc, logger))
			r.Get("/report", getReportHandler(svc, logger))
			r.Delete("/", closeCaseHandler(svc, logger))
		})

		// =============================================
		// 3. Rules & metrics
		// =============================================
		r.Get("/rules", getRulesHandler(svc))
		r.Post("/rules/reload", reloadRulesHandler(svc, logger))
		r.Get("/metrics/summary", metricsSummaryHandler(metrics))
	})

	return r
}

// ============================================================
// Probes
// ============================================================

func healthzHandler(svc *service.AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)
		services := []domain.ServiceHealth{
			{Name: "fundflow-api", Status: "healthy", LastChecked: now},
		}

		if svc != nil {
			path, _, failures := svc.RulesStatus()
			rules := domain.ServiceHealth{Name: "rules", Status: "healthy", Detail: path, LastChecked: now}
			if path == "" {
				rules.Detail = "built-in defaults"
			}
			if failures > 0 {
				rules.Status = "degraded"
			}
			services = append(services, rules)
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func metricsSummaryHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
