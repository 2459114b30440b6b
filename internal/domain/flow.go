package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FlowKind distinguishes seed edges, followed edges and monthly rollups.
type FlowKind string

const (
	FlowDirect         FlowKind = "direct"
	FlowIndirect       FlowKind = "indirect"
	FlowMonthlySummary FlowKind = "monthly_summary"
)

// FlowRecord is one edge or rollup emitted by a tracing run.
//
// A record at depth d > 0 names the depth d-1 record's RelatedPerson in
// ParentPerson. Via lists the intermediaries from the seed's counterparty down
// to ParentPerson.
type FlowRecord struct {
	HopDepth      int             `json:"hop_depth"`
	CorePerson    string          `json:"core_person"`
	RelatedPerson string          `json:"related_person"`
	ParentPerson  string          `json:"parent_person,omitempty"`
	Via           []string        `json:"via,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Month         string          `json:"month,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     Direction       `json:"direction"`
	AmountTier    string          `json:"amount_tier"`
	Platform      Platform        `json:"platform,omitempty"`
	FlowKind      FlowKind        `json:"flow_kind"`
	Narrative     string          `json:"narrative"`
	SourceFile    string          `json:"source_file,omitempty"`
}

// IsSeed reports whether the record is a depth-0 edge.
func (r *FlowRecord) IsSeed() bool {
	return r.FlowKind != FlowMonthlySummary && r.HopDepth == 0
}
