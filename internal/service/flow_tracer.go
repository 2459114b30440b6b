package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
)

// Truncation reasons reported in TraceResult and metrics.
const (
	TruncatedDeadline     = "deadline"
	TruncatedBranchBudget = "branch_budget"
	TruncatedRecordCap    = "record_cap"
)

// TraceOptions bounds a tracing run. Zero values disable the matching limit.
type TraceOptions struct {
	Workers     int
	Timeout     time.Duration
	MaxBranches int64
	MaxRecords  int
}

// DefaultTraceOptions returns the limits used when none are configured.
func DefaultTraceOptions() TraceOptions {
	return TraceOptions{
		Workers:     4,
		Timeout:     30 * time.Second,
		MaxBranches: 100_000,
		MaxRecords:  50_000,
	}
}

// FlowTracer follows large money movements across people and platforms.
type FlowTracer struct {
	rules   *rules.Provider
	opts    TraceOptions
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewFlowTracer creates the tracer with all dependencies injected.
func NewFlowTracer(provider *rules.Provider, opts TraceOptions, metrics *observability.Metrics, logger *zap.Logger) *FlowTracer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &FlowTracer{
		rules:   provider,
		opts:    opts,
		metrics: metrics,
		logger:  logger,
	}
}

// ============================================================
// Index
// ============================================================

// largeTx is a row at or above the lowest large-amount band.
type largeTx struct {
	tx     *domain.Transaction
	holder string
	other  string
	flow   domain.Direction
	tier   string
	month  string
}

// flowIndex holds large rows per ledger holder, sorted by time.
type flowIndex map[string][]*largeTx

// within returns the holder's large rows with from <= timestamp <= to.
func (ix flowIndex) within(holder string, from, to time.Time) []*largeTx {
	list := ix[holder]
	i := sort.Search(len(list), func(i int) bool { return !list[i].tx.Timestamp.Before(from) })
	j := i
	for j < len(list) && !list[j].tx.Timestamp.After(to) {
		j++
	}
	return list[i:j]
}

type groupKey struct {
	month  string
	person string
}

// ============================================================
// Budget
// ============================================================

// budget is shared by all seeds of one run. The first exhausted limit wins.
type budget struct {
	ctx         context.Context
	maxBranches int64
	branches    atomic.Int64

	mu     sync.Mutex
	reason string
}

func (b *budget) stop(reason string) {
	b.mu.Lock()
	if b.reason == "" {
		b.reason = reason
	}
	b.mu.Unlock()
}

func (b *budget) stopped() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// take claims one branch expansion and reports whether the run may go on.
func (b *budget) take() bool {
	if b.ctx.Err() != nil {
		b.stop(TruncatedDeadline)
		return false
	}
	if b.maxBranches > 0 && b.branches.Add(1) > b.maxBranches {
		b.stop(TruncatedBranchBudget)
		return false
	}
	return true
}

// ============================================================
// Trace
// ============================================================

// Trace reconstructs flow chains from the large rows of all batches. Budget
// exhaustion is not an error: the records emitted so far are returned with
// Truncated set.
func (ft *FlowTracer) Trace(ctx context.Context, batches ...*domain.Batch) domain.TraceResult {
	ctx, span := tracer.Start(ctx, "FlowTracer.Trace")
	defer span.End()

	start := time.Now()
	defer func() {
		ft.metrics.RecordDuration("trace", time.Since(start))
	}()

	result := domain.TraceResult{Records: []domain.FlowRecord{}}
	t := ft.rules.Current()
	minLarge, ok := t.MinLargeAmount()
	if !ok {
		ft.logger.Warn("no large amount bands configured, tracing skipped")
		result.Summary = Summarize(nil)
		return result
	}

	larges, skipped := collectLarge(t, minLarge, batches)
	if skipped > 0 {
		ft.metrics.AddSoftFailures("missing_timestamp", skipped)
		ft.logger.Warn("large rows without timestamp or holder excluded from tracing",
			zap.Int("rows", skipped),
		)
	}
	if len(larges) == 0 {
		result.Summary = Summarize(nil)
		return result
	}

	ix := make(flowIndex)
	groups := make(map[groupKey][]*largeTx)
	for _, l := range larges {
		ix[l.holder] = append(ix[l.holder], l)
		k := groupKey{month: l.month, person: l.holder}
		groups[k] = append(groups[k], l)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].month != keys[j].month {
			return keys[i].month < keys[j].month
		}
		return keys[i].person < keys[j].person
	})

	// Seeds in output order: group by group, by time within a group.
	var seeds []*largeTx
	for _, k := range keys {
		for _, l := range groups[k] {
			if domain.IsResolvableName(l.other) {
				seeds = append(seeds, l)
			}
		}
	}
	span.SetAttributes(
		attribute.Int("large_rows", len(larges)),
		attribute.Int("seeds", len(seeds)),
	)

	runCtx := ctx
	if ft.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, ft.opts.Timeout)
		defer cancel()
	}
	bud := &budget{ctx: runCtx, maxBranches: ft.opts.MaxBranches}

	perSeed := make([][]domain.FlowRecord, len(seeds))
	g := new(errgroup.Group)
	g.SetLimit(ft.opts.Workers)
	for i, s := range seeds {
		g.Go(func() error {
			perSeed[i] = ft.traceSeed(t, ix, s, bud)
			return nil
		})
	}
	_ = g.Wait()

	bySeed := make(map[*largeTx][]domain.FlowRecord, len(seeds))
	for i, s := range seeds {
		bySeed[s] = perSeed[i]
	}
	for _, k := range keys {
		result.Records = append(result.Records, monthlySummary(t, k, groups[k]))
		for _, l := range groups[k] {
			result.Records = append(result.Records, bySeed[l]...)
		}
	}
	if limit := ft.opts.MaxRecords; limit > 0 && len(result.Records) > limit {
		result.Records = result.Records[:limit]
		bud.stop(TruncatedRecordCap)
	}

	result.Seeds = len(seeds)
	if reason := bud.stopped(); reason != "" {
		result.Truncated = true
		result.TruncatedReason = reason
		ft.metrics.IncrTruncation(reason)
		ft.logger.Warn("tracing truncated",
			zap.String("reason", reason),
			zap.Int("records", len(result.Records)),
			zap.Int64("branches", bud.branches.Load()),
		)
	}
	result.Summary = Summarize(result.Records)
	for kind, n := range result.Summary.ByKind {
		ft.metrics.AddFlowRecords(kind, n)
	}
	return result
}

// collectLarge returns the large rows with a known direction, sorted by
// holder and time, and the number of large rows that cannot be placed.
func collectLarge(t *rules.Tables, minLarge decimal.Decimal, batches []*domain.Batch) ([]*largeTx, int) {
	var out []*largeTx
	skipped := 0
	for _, b := range batches {
		if b == nil {
			continue
		}
		for i := range b.Transactions {
			tx := &b.Transactions[i]
			if tx.AbsAmount().LessThan(minLarge) {
				continue
			}
			tier, ok := t.TierFor(tx.Amount)
			if !ok {
				continue
			}
			flow := tx.Flow()
			if flow == domain.DirectionUnknown {
				continue
			}
			holder := strings.TrimSpace(tx.PayerName)
			if !tx.HasTimestamp() || domain.IsBlankName(holder) {
				skipped++
				continue
			}
			out = append(out, &largeTx{
				tx:     tx,
				holder: holder,
				other:  strings.TrimSpace(tx.PayeeName),
				flow:   flow,
				tier:   tier,
				month:  tx.Timestamp.Format("2006-01"),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].holder != out[j].holder {
			return out[i].holder < out[j].holder
		}
		return out[i].tx.Timestamp.Before(out[j].tx.Timestamp)
	})
	return out, skipped
}

// hop is one queued subject: a person reached through an expense edge.
type hop struct {
	subject string
	center  time.Time
	depth   int
	path    []string // holder first, subject last
}

func onPath(path []string, name string) bool {
	for _, p := range path {
		if p == name {
			return true
		}
	}
	return false
}

// traceSeed emits the seed's direct record and, for expense seeds, follows
// the counterparty breadth-first. Each queued hop carries its own path so
// sibling branches never share visited people.
func (ft *FlowTracer) traceSeed(t *rules.Tables, ix flowIndex, seed *largeTx, bud *budget) []domain.FlowRecord {
	if bud.ctx.Err() != nil {
		bud.stop(TruncatedDeadline)
		return nil
	}
	recs := []domain.FlowRecord{directRecord(seed)}
	if seed.flow != domain.DirectionExpense || t.MaxDepth < 1 {
		return recs
	}

	queue := []hop{{
		subject: seed.other,
		center:  seed.tx.Timestamp,
		depth:   1,
		path:    []string{seed.holder, seed.other},
	}}
	for len(queue) > 0 {
		if !bud.take() {
			return recs
		}
		h := queue[0]
		queue = queue[1:]

		for _, rel := range ix.within(h.subject, h.center.Add(-t.Window), h.center.Add(t.Window)) {
			if !domain.IsResolvableName(rel.other) {
				continue
			}
			visited := onPath(h.path, rel.other)
			if visited && rel.other != h.subject {
				continue
			}
			if ft.opts.MaxRecords > 0 && len(recs) >= ft.opts.MaxRecords {
				bud.stop(TruncatedRecordCap)
				return recs
			}
			recs = append(recs, indirectRecord(seed, h, rel))

			if rel.flow == domain.DirectionExpense && h.depth < t.MaxDepth && !visited {
				path := make([]string, len(h.path), len(h.path)+1)
				copy(path, h.path)
				queue = append(queue, hop{
					subject: rel.other,
					center:  rel.tx.Timestamp,
					depth:   h.depth + 1,
					path:    append(path, rel.other),
				})
			}
		}
	}
	return recs
}

func edgeNarrative(l *largeTx) string {
	if l.flow == domain.DirectionIncome {
		return fmt.Sprintf("%s income %s from %s", l.holder, FormatAmount(l.tx.AbsAmount()), l.other)
	}
	return fmt.Sprintf("%s expense %s to %s", l.holder, FormatAmount(l.tx.AbsAmount()), l.other)
}

func directRecord(seed *largeTx) domain.FlowRecord {
	return domain.FlowRecord{
		HopDepth:      0,
		CorePerson:    seed.holder,
		RelatedPerson: seed.other,
		Timestamp:     seed.tx.Timestamp,
		Month:         seed.month,
		Amount:        seed.tx.AbsAmount(),
		Direction:     seed.flow,
		AmountTier:    seed.tier,
		Platform:      seed.tx.Platform,
		FlowKind:      domain.FlowDirect,
		Narrative:     edgeNarrative(seed),
		SourceFile:    seed.tx.SourceFile,
	}
}

func indirectRecord(seed *largeTx, h hop, rel *largeTx) domain.FlowRecord {
	via := make([]string, len(h.path)-1)
	copy(via, h.path[1:])
	return domain.FlowRecord{
		HopDepth:      h.depth,
		CorePerson:    seed.holder,
		RelatedPerson: rel.other,
		ParentPerson:  h.subject,
		Via:           via,
		Timestamp:     rel.tx.Timestamp,
		Month:         rel.month,
		Amount:        rel.tx.AbsAmount(),
		Direction:     rel.flow,
		AmountTier:    rel.tier,
		Platform:      rel.tx.Platform,
		FlowKind:      domain.FlowIndirect,
		Narrative:     fmt.Sprintf("via %s: %s", strings.Join(via, " -> "), edgeNarrative(rel)),
		SourceFile:    rel.tx.SourceFile,
	}
}

// ============================================================
// Monthly summaries
// ============================================================

// channels in narrative order.
var channels = []string{"cash", "bank", "wechat", "alipay", "other"}

type channelTotal struct {
	total   decimal.Decimal
	names   []string
	amounts map[string]decimal.Decimal
}

type flowSide struct {
	total    decimal.Decimal
	channels map[string]*channelTotal
}

func (s *flowSide) add(l *largeTx) {
	abs := l.tx.AbsAmount()
	s.total = s.total.Add(abs)
	if s.channels == nil {
		s.channels = make(map[string]*channelTotal)
	}
	ch := channelOf(l)
	c, ok := s.channels[ch]
	if !ok {
		c = &channelTotal{amounts: make(map[string]decimal.Decimal)}
		s.channels[ch] = c
	}
	c.total = c.total.Add(abs)
	if ch == "cash" {
		return
	}
	name := l.other
	if !domain.IsResolvableName(name) {
		name = "unknown"
	}
	if _, seen := c.amounts[name]; !seen {
		c.names = append(c.names, name)
	}
	c.amounts[name] = c.amounts[name].Add(abs)
}

func (s *flowSide) describe(label string) string {
	parts := []string{"total " + FormatAmount(s.total)}
	for _, ch := range channels {
		c, ok := s.channels[ch]
		if !ok {
			continue
		}
		if len(c.names) == 0 {
			parts = append(parts, ch+" "+FormatAmount(c.total))
			continue
		}
		detail := make([]string, 0, len(c.names))
		for _, n := range c.names {
			detail = append(detail, n+" "+FormatAmount(c.amounts[n]))
		}
		parts = append(parts, fmt.Sprintf("%s %s (%s)", ch, FormatAmount(c.total), strings.Join(detail, ", ")))
	}
	return label + ": " + strings.Join(parts, "; ")
}

func channelOf(l *largeTx) string {
	tx := l.tx
	if tx.CashLabel.IsCash() || strings.Contains(tx.Summary, "现金") || strings.Contains(tx.Remark, "现金") {
		return "cash"
	}
	if !domain.IsResolvableName(l.other) {
		return "other"
	}
	switch tx.Platform {
	case domain.PlatformBank, domain.PlatformWechat, domain.PlatformAlipay:
		return string(tx.Platform)
	}
	return "other"
}

// monthlySummary aggregates one person's large rows of one month. Amount is
// the net inflow; rows without a resolvable counterparty are included.
func monthlySummary(t *rules.Tables, k groupKey, rows []*largeTx) domain.FlowRecord {
	var in, out flowSide
	for _, l := range rows {
		if l.flow == domain.DirectionIncome {
			in.add(l)
		} else {
			out.add(l)
		}
	}
	net := in.total.Sub(out.total)

	var parts []string
	if in.total.IsPositive() {
		parts = append(parts, in.describe("sources"))
	}
	if out.total.IsPositive() {
		parts = append(parts, out.describe("destinations"))
	}
	switch {
	case net.IsPositive():
		parts = append(parts, "net inflow "+FormatAmount(net))
	case net.IsNegative():
		parts = append(parts, "net outflow "+FormatAmount(net.Neg()))
	default:
		parts = append(parts, "balanced")
	}

	ts := rows[0].tx.Timestamp
	tier, _ := t.TierFor(decimal.Max(in.total, out.total))

	return domain.FlowRecord{
		HopDepth:   0,
		CorePerson: k.person,
		Timestamp:  time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, ts.Location()),
		Month:      k.month,
		Amount:     net,
		Direction:  domain.DirectionSummary,
		AmountTier: tier,
		FlowKind:   domain.FlowMonthlySummary,
		Narrative:  fmt.Sprintf("%s %s large flows: %s", k.person, k.month, strings.Join(parts, "; ")),
	}
}

// FormatAmount renders an amount with thousands separators and two decimals.
func FormatAmount(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	var b strings.Builder
	for i := 0; i < len(intPart); i++ {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(intPart[i])
	}
	b.WriteString(frac)
	if d.IsNegative() {
		return "-" + b.String()
	}
	return b.String()
}

// ============================================================
// Summary
// ============================================================

// Summarize computes the distribution rollup of a record sequence.
func Summarize(records []domain.FlowRecord) domain.TraceSummary {
	s := domain.TraceSummary{
		TotalRecords: len(records),
		ByTier:       make(map[string]int),
		ByPlatform:   make(map[domain.Platform]int),
		ByKind:       make(map[domain.FlowKind]int),
		ByDirection:  make(map[domain.Direction]int),
	}
	people := make(map[string]bool)
	for i := range records {
		r := &records[i]
		if r.CorePerson != "" {
			people[r.CorePerson] = true
		}
		if r.RelatedPerson != "" {
			people[r.RelatedPerson] = true
		}
		if r.HopDepth > s.MaxDepth {
			s.MaxDepth = r.HopDepth
		}
		if r.AmountTier != "" {
			s.ByTier[r.AmountTier]++
		}
		if r.Platform != "" {
			s.ByPlatform[r.Platform]++
		}
		s.ByKind[r.FlowKind]++
		s.ByDirection[r.Direction]++
	}
	s.People = len(people)
	return s
}
