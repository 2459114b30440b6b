package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/config"
	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/handler"
	"github.com/boddenberg/fundflow-forensics/internal/infra/cache"
	"github.com/boddenberg/fundflow-forensics/internal/infra/client"
	"github.com/boddenberg/fundflow-forensics/internal/infra/ledger"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/infra/resilience"
	"github.com/boddenberg/fundflow-forensics/internal/infra/sqlite"
	"github.com/boddenberg/fundflow-forensics/internal/infra/supabase"
	"github.com/boddenberg/fundflow-forensics/internal/port"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("rules_file", cfg.RulesFile),
		zap.String("ledger_source", cfg.LedgerSource),
		zap.String("report_sink", cfg.Sink()),
		zap.Bool("auth", cfg.JWTSecret != ""),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("trace_timeout", cfg.TraceTimeout),
		zap.Int64("trace_max_branches", cfg.TraceMaxBranches),
		zap.Int("trace_max_records", cfg.TraceMaxRecords),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "fundflow-forensics")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()
	metrics.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// --- Rule tables ---
	provider, err := rules.NewProvider(cfg.RulesFile, logger)
	if err != nil {
		logger.Fatal("failed to load rule tables", zap.Error(err))
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.RulesWatch && provider.Path() != "" {
		go func() {
			if err := provider.Watch(ctx); err != nil {
				logger.Error("rule tables watcher stopped", zap.Error(err))
			}
		}()
	}

	// --- Cache ---
	reports := cache.New[*domain.CaseReport](cfg.CacheTTL,
		cache.WithMaxEntries(cfg.CacheMaxCases),
		cache.WithOnEvict(func(caseID string) {
			logger.Info("case report evicted from cache", zap.String("case_id", caseID))
		}),
	)
	defer reports.Stop()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Collaborators ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var supabaseClient *supabase.Client
	if cfg.SupabaseEnabled() {
		logger.Info("Supabase configured", zap.String("supabase_url", cfg.SupabaseURL))
		supabaseClient = supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase", logger),
			resilienceCfg,
			logger,
		)
	}

	var source port.LedgerSource
	switch cfg.LedgerSource {
	case config.LedgerSourceHTTP:
		logger.Info("using HTTP ledger source", zap.String("url", cfg.LedgerAPIURL))
		source = client.NewLedgerClient(httpClient, cfg.LedgerAPIURL, cfg.LedgerAPIToken,
			resilience.NewCircuitBreaker("ledger-source", logger), resilienceCfg, logger)
	case config.LedgerSourceSupabase:
		if supabaseClient == nil {
			logger.Fatal("LEDGER_SOURCE=supabase requires SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
		source = supabaseClient
	case config.LedgerSourceNone:
		logger.Warn("no ledger source configured, /fetch unavailable")
	default:
		logger.Fatal("unknown LEDGER_SOURCE", zap.String("ledger_source", cfg.LedgerSource))
	}

	var sink port.ReportSink
	switch cfg.Sink() {
	case config.ReportSinkSupabase:
		if supabaseClient == nil {
			logger.Fatal("REPORT_SINK=supabase requires SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		}
		sink = supabaseClient
	case config.ReportSinkSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			logger.Fatal("failed to open case store", zap.String("path", cfg.SQLitePath), zap.Error(err))
		}
		defer store.Close()
		logger.Info("using SQLite for case reports", zap.String("path", cfg.SQLitePath))
		sink = store
	case config.ReportSinkNone:
		logger.Warn("no report sink configured, reports live in the cache only")
	default:
		logger.Fatal("unknown REPORT_SINK", zap.String("report_sink", cfg.ReportSink))
	}

	// --- Services ---
	shards := service.ShardOptions{Workers: cfg.ClassifyWorkers, Size: cfg.ClassifyShardSize}
	traceOpts := service.TraceOptions{
		Workers:     cfg.TraceWorkers,
		Timeout:     cfg.TraceTimeout,
		MaxBranches: cfg.TraceMaxBranches,
		MaxRecords:  cfg.TraceMaxRecords,
	}
	analysisSvc := service.NewAnalysisService(
		ledger.NewNormalizer(provider, cfg.Location(), logger),
		service.NewClassifier(provider, shards, metrics, logger),
		service.NewTagger(provider, shards, metrics, logger),
		service.NewFlowTracer(provider, traceOpts, metrics, logger),
		provider,
		source,
		sink,
		reports,
		metrics,
		logger,
	)

	opts := handler.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.JWTSecret != "" {
		tokens, err := service.NewTokenService(cfg.JWTSecret)
		if err != nil {
			logger.Fatal("invalid JWT secret", zap.Error(err))
		}
		opts.Tokens = tokens
	} else {
		logger.Warn("JWT_SECRET not set, /v1 routes are unauthenticated")
	}

	// --- Router ---
	router := handler.NewRouter(analysisSvc, opts, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.TraceTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
