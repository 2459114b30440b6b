package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger source kinds.
const (
	LedgerSourceNone     = ""
	LedgerSourceHTTP     = "http"
	LedgerSourceSupabase = "supabase"
)

// Report sink kinds.
const (
	ReportSinkNone     = "none"
	ReportSinkSupabase = "supabase"
	ReportSinkSQLite   = "sqlite"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port           int
	LogLevel       string
	MaxBodyBytes   int64
	AllowedOrigins []string

	// Rule tables
	RulesFile  string // empty uses the built-in defaults
	RulesWatch bool
	Timezone   string // location for export timestamps without an offset

	// External services
	LedgerSource   string // "", "http" or "supabase"
	LedgerAPIURL   string
	LedgerAPIToken string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Report cache
	CacheTTL      time.Duration
	CacheMaxCases int

	// Observability
	OTLPEndpoint string

	// Supabase report sink
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string
	UseSupabase        bool

	// Report sink: "supabase", "sqlite" or "none"; empty picks Supabase
	// when it is configured
	ReportSink string
	SQLitePath string

	// JWT / Auth; an empty secret leaves /v1 open
	JWTSecret string

	// Classification / tagging
	ClassifyWorkers   int
	ClassifyShardSize int

	// Tracing budgets
	TraceWorkers     int
	TraceTimeout     time.Duration
	TraceMaxBranches int64
	TraceMaxRecords  int
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:           getEnvInt("PORT", 8080),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		MaxBodyBytes:   int64(getEnvInt("MAX_BODY_BYTES", 64<<20)),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		RulesFile:  getEnv("RULES_FILE", ""),
		RulesWatch: getEnvBool("RULES_WATCH", true),
		Timezone:   getEnv("LEDGER_TIMEZONE", "Asia/Shanghai"),

		LedgerSource:   strings.ToLower(getEnv("LEDGER_SOURCE", LedgerSourceNone)),
		LedgerAPIURL:   getEnv("LEDGER_API_URL", "http://localhost:8082"),
		LedgerAPIToken: getEnv("LEDGER_API_TOKEN", ""),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 8),

		CacheTTL:      getEnvDuration("CACHE_TTL", 24*time.Hour),
		CacheMaxCases: getEnvInt("CACHE_MAX_CASES", 64),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		UseSupabase:        getEnvBool("USE_SUPABASE", true),

		ReportSink: strings.ToLower(getEnv("REPORT_SINK", "")),
		SQLitePath: getEnv("SQLITE_PATH", "fundflow.db"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		ClassifyWorkers:   getEnvInt("CLASSIFY_WORKERS", 4),
		ClassifyShardSize: getEnvInt("CLASSIFY_SHARD_SIZE", 5000),

		TraceWorkers:     getEnvInt("TRACE_WORKERS", 4),
		TraceTimeout:     getEnvDuration("TRACE_TIMEOUT", 30*time.Second),
		TraceMaxBranches: int64(getEnvInt("TRACE_MAX_BRANCHES", 100000)),
		TraceMaxRecords:  getEnvInt("TRACE_MAX_RECORDS", 50000),
	}
}

// SupabaseEnabled reports whether the report sink should be wired.
func (c *Config) SupabaseEnabled() bool {
	return c.UseSupabase && c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

// Sink resolves ReportSink, defaulting to Supabase when it is enabled.
func (c *Config) Sink() string {
	if c.ReportSink != "" {
		return c.ReportSink
	}
	if c.SupabaseEnabled() {
		return ReportSinkSupabase
	}
	return ReportSinkNone
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
