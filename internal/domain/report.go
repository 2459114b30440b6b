package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Classification
// ============================================================

// ClassificationStats summarizes a classified batch. Confidence figures are
// computed over cash rows only.
type ClassificationStats struct {
	Platform          Platform          `json:"platform"`
	Total             int               `json:"total"`
	Counts            map[CashLabel]int `json:"counts"`
	AverageConfidence float64           `json:"average_confidence"`
	HighConfidence    int               `json:"high_confidence"`
	MediumConfidence  int               `json:"medium_confidence"`
	LowConfidence     int               `json:"low_confidence"`
}

// ============================================================
// Tagging
// ============================================================

// BandStats aggregates one large-amount band for one direction.
type BandStats struct {
	Band   string          `json:"band"`
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// PersonKeyStats is the per-holder rollup of tagged rows.
type PersonKeyStats struct {
	Person string `json:"person"`

	WorkIncomeCount  int             `json:"work_income_count"`
	WorkIncomeAmount decimal.Decimal `json:"work_income_amount"`
	WorkUnits        []string        `json:"work_units,omitempty"`

	AssetIncomeCount  int                        `json:"asset_income_count"`
	AssetIncomeAmount decimal.Decimal            `json:"asset_income_amount"`
	AssetBySubtype    map[string]decimal.Decimal `json:"asset_by_subtype,omitempty"`

	LargeIncomeCount   int             `json:"large_income_count"`
	LargeIncomeAmount  decimal.Decimal `json:"large_income_amount"`
	LargeIncomeBands   []BandStats     `json:"large_income_bands,omitempty"`
	LargeExpenseCount  int             `json:"large_expense_count"`
	LargeExpenseAmount decimal.Decimal `json:"large_expense_amount"`
	LargeExpenseBands  []BandStats     `json:"large_expense_bands,omitempty"`
}

// ============================================================
// Tracing
// ============================================================

// TraceSummary is the distribution rollup of one tracing run.
type TraceSummary struct {
	TotalRecords int               `json:"total_records"`
	People       int               `json:"people"`
	MaxDepth     int               `json:"max_depth"`
	ByTier       map[string]int    `json:"by_tier"`
	ByPlatform   map[Platform]int  `json:"by_platform"`
	ByKind       map[FlowKind]int  `json:"by_kind"`
	ByDirection  map[Direction]int `json:"by_direction"`
}

// TraceResult is the output of one tracing run. Truncated is set when the
// run hit its deadline, branch budget or record cap; the records emitted so
// far are still returned.
type TraceResult struct {
	Records         []FlowRecord `json:"records"`
	Summary         TraceSummary `json:"summary"`
	Seeds           int          `json:"seeds"`
	Truncated       bool         `json:"truncated"`
	TruncatedReason string       `json:"truncated_reason,omitempty"`
}

// ============================================================
// Case report
// ============================================================

// CaseReport bundles everything produced for one case.
type CaseReport struct {
	CaseID         string                `json:"case_id"`
	RunID          string                `json:"run_id"`
	Batches        []*Batch              `json:"batches"`
	Classification []ClassificationStats `json:"classification"`
	KeyStats       []PersonKeyStats      `json:"key_stats"`
	Trace          TraceResult           `json:"trace"`
	Warnings       []string              `json:"warnings,omitempty"`
	GeneratedAt    time.Time             `json:"generated_at"`
}

// Rows returns the total number of rows across batches.
func (r *CaseReport) Rows() int {
	n := 0
	for _, b := range r.Batches {
		n += b.Len()
	}
	return n
}
