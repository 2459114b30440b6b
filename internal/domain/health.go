package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /readyz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual collaborator.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
	LastChecked string `json:"lastChecked"`
}

// MetricsSummary is returned by GET /v1/metrics/summary.
type MetricsSummary struct {
	RowsClassified   map[string]float64 `json:"rowsClassified"`
	Tags             map[string]float64 `json:"tags"`
	FlowRecords      map[string]float64 `json:"flowRecords"`
	TraceTruncations map[string]float64 `json:"traceTruncations"`
	SoftFailures     map[string]float64 `json:"softFailures"`
	ExternalErrors   map[string]float64 `json:"externalErrors"`
	CacheHitRate     float64            `json:"cacheHitRate"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
