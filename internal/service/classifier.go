package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
)

// Classifier labels bank-ledger rows as cash deposits, cash withdrawals or
// transfers and derives the income/expense split of every row.
type Classifier struct {
	rules   *rules.Provider
	shards  ShardOptions
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewClassifier creates the classifier with all dependencies injected.
func NewClassifier(provider *rules.Provider, shards ShardOptions, metrics *observability.Metrics, logger *zap.Logger) *Classifier {
	return &Classifier{
		rules:   provider,
		shards:  shards,
		metrics: metrics,
		logger:  logger,
	}
}

// ============================================================
// Tier pipeline
// ============================================================

// row is the per-row input shared by every tier.
type row struct {
	text      string // normalized summary, remark and type
	dir       domain.Direction
	abs       decimal.Decimal
	candidate bool // no counterparty: prerequisite for any cash label
}

// verdict is the value folded through the tiers.
type verdict struct {
	label      domain.CashLabel
	confidence float64
	reason     string
	relabeled  bool
}

// tier is one step of the pipeline. It returns v unchanged unless it applies.
type tier func(t *rules.Tables, r row, v verdict) verdict

// tiers run in fixed priority order. A tier only acts on rows still labeled
// transfer, so a later tier can never override an earlier one.
var tiers = []tier{
	highPriorityTier,
	mediumPriorityTier,
	atmTier,
	fuzzyTier,
	amountAdjustment,
}

// open reports whether a cash tier may still relabel the row.
func open(r row, v verdict) bool {
	return v.label == domain.LabelTransfer && r.candidate && r.dir != domain.DirectionUnknown
}

func cashLabelFor(r row) domain.CashLabel {
	if r.dir == domain.DirectionIncome {
		return domain.LabelDeposit
	}
	return domain.LabelWithdrawal
}

func excluded(t *rules.Tables, r row) bool {
	set := t.WithdrawExclude
	if r.dir == domain.DirectionIncome {
		set = t.DepositExclude
	}
	_, ok := set.MatchNormalized(r.text)
	return ok
}

func relabel(r row, confidence float64, reason string) verdict {
	return verdict{label: cashLabelFor(r), confidence: confidence, reason: reason, relabeled: true}
}

func highPriorityTier(t *rules.Tables, r row, v verdict) verdict {
	if !open(r, v) || excluded(t, r) {
		return v
	}
	set := t.HighWithdraw
	if r.dir == domain.DirectionIncome {
		set = t.HighDeposit
	}
	if kw, ok := set.MatchNormalized(r.text); ok {
		return relabel(r, t.HighConfidence, "high-priority keyword: "+kw)
	}
	return v
}

func mediumPriorityTier(t *rules.Tables, r row, v verdict) verdict {
	if !open(r, v) || excluded(t, r) {
		return v
	}
	set := t.Withdraw
	if r.dir == domain.DirectionIncome {
		set = t.Deposit
	}
	if kw, ok := set.MatchNormalized(r.text); ok {
		return relabel(r, t.MediumConfidence, "medium-priority keyword: "+kw)
	}
	return v
}

func atmTier(t *rules.Tables, r row, v verdict) verdict {
	if !open(r, v) || excluded(t, r) {
		return v
	}
	if _, ok := t.ATM.MatchNormalized(r.text); ok {
		return relabel(r, t.MediumConfidence, "ATM sub-tier")
	}
	return v
}

func fuzzyTier(t *rules.Tables, r row, v verdict) verdict {
	if !t.FuzzyEnabled || !open(r, v) || excluded(t, r) || !r.abs.IsPositive() {
		return v
	}
	if _, ok := t.FuzzyCash.MatchNormalized(r.text); !ok {
		return v
	}
	if !cashLikeAmount(t, r.abs) {
		return v
	}
	return relabel(r, t.LowConfidence, "low-priority context analysis")
}

// cashLikeAmount reports whether abs is a common cash amount or a multiple
// of a configured round modulus.
func cashLikeAmount(t *rules.Tables, abs decimal.Decimal) bool {
	for _, a := range t.CommonAmounts {
		if abs.Equal(a) {
			return true
		}
	}
	for _, m := range t.RoundModuli {
		if abs.Mod(m).IsZero() {
			return true
		}
	}
	return false
}

// amountAdjustment lowers the confidence of unusually large or small cash
// rows. It never relabels and only touches rows relabeled in this pass, so
// classifying twice does not compound the factor.
func amountAdjustment(t *rules.Tables, r row, v verdict) verdict {
	if !t.AmountAnalysis || !v.relabeled {
		return v
	}
	switch {
	case r.abs.GreaterThan(t.LargeThreshold):
		v.confidence *= t.LargeFactor
		v.reason += " (large amount confidence adjusted)"
	case r.abs.LessThan(t.SmallThreshold):
		v.confidence *= t.SmallFactor
		v.reason += " (small amount confidence adjusted)"
	}
	return v
}

// ============================================================
// Classify
// ============================================================

// Classify returns a classified copy of batch. Missing columns and malformed
// cells degrade to warnings; the call never fails on data.
func (c *Classifier) Classify(ctx context.Context, batch *domain.Batch) *domain.Batch {
	ctx, span := tracer.Start(ctx, "Classifier.Classify")
	defer span.End()

	if batch.Empty() {
		return batch.Clone()
	}
	span.SetAttributes(
		attribute.String("platform", string(batch.Platform)),
		attribute.Int("rows", batch.Len()),
	)

	start := time.Now()
	defer func() {
		c.metrics.RecordDuration("classify", time.Since(start))
	}()

	t := c.rules.Current()
	out := batch.Clone()

	cash := out.Platform == domain.PlatformBank
	if cash {
		for _, f := range []domain.Field{domain.FieldAmount, domain.FieldDirection} {
			if out.Has(f) {
				continue
			}
			cash = false
			c.metrics.AddSoftFailures("missing_column", 1)
			c.logger.Warn("required column missing, cash tiers skipped",
				zap.String("platform", string(out.Platform)),
				zap.String("source_file", out.SourceFile),
				zap.String("field", string(f)),
			)
		}
	}
	forEachShard(ctx, out.Len(), c.shards, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			classifyRow(t, &out.Transactions[i], out.Columns, cash)
		}
	})

	counts := make(map[domain.CashLabel]int, 3)
	for i := range out.Transactions {
		counts[out.Transactions[i].CashLabel]++
	}
	for label, n := range counts {
		c.metrics.AddClassified(out.Platform, label, n)
	}
	c.logger.Debug("batch classified",
		zap.String("platform", string(out.Platform)),
		zap.String("source_file", out.SourceFile),
		zap.Int("rows", out.Len()),
		zap.Int("deposits", counts[domain.LabelDeposit]),
		zap.Int("withdrawals", counts[domain.LabelWithdrawal]),
	)
	return out
}

func classifyRow(t *rules.Tables, tx *domain.Transaction, cols domain.ColumnMap, cash bool) {
	if tx.CashLabel == "" {
		tx.CashLabel = domain.LabelTransfer
	}
	r := row{
		dir: flagDirection(tx.DirectionFlag, cols),
		abs: tx.AbsAmount(),
	}

	if cash {
		r.text = rules.JoinFields(tx.Summary, tx.Remark, tx.TypeLabel)
		r.candidate = domain.IsBlankName(tx.PayeeName)

		v := verdict{label: tx.CashLabel, confidence: tx.Confidence, reason: tx.Reason}
		for _, step := range tiers {
			v = step(t, r, v)
		}
		tx.CashLabel, tx.Confidence, tx.Reason = v.label, v.confidence, v.reason
	}

	deriveAmounts(tx, r)
}

// flagDirection maps a platform direction flag to a direction.
func flagDirection(flag string, cols domain.ColumnMap) domain.Direction {
	switch {
	case flag == "":
		return domain.DirectionUnknown
	case flag == cols.IncomeFlag:
		return domain.DirectionIncome
	case flag == cols.ExpenseFlag:
		return domain.DirectionExpense
	}
	return domain.DirectionUnknown
}

// deriveAmounts splits |amount| into income or expense. Cash labels fix the
// side; transfers follow the direction flag, falling back to the sign.
func deriveAmounts(tx *domain.Transaction, r row) {
	tx.IncomeAmount, tx.ExpenseAmount = decimal.Zero, decimal.Zero
	if r.abs.IsZero() {
		return
	}

	dir := r.dir
	switch tx.CashLabel {
	case domain.LabelDeposit:
		dir = domain.DirectionIncome
	case domain.LabelWithdrawal:
		dir = domain.DirectionExpense
	default:
		if dir == domain.DirectionUnknown {
			dir = domain.DirectionExpense
			if tx.Amount.IsPositive() {
				dir = domain.DirectionIncome
			}
		}
	}

	if dir == domain.DirectionIncome {
		tx.IncomeAmount = r.abs
	} else {
		tx.ExpenseAmount = r.abs
	}
}

// ============================================================
// Statistics
// ============================================================

// Stats summarizes a classified batch. Confidence bands cover cash rows:
// high >= 0.8, medium in [0.6, 0.8), low < 0.6.
func (c *Classifier) Stats(batch *domain.Batch) domain.ClassificationStats {
	s := domain.ClassificationStats{
		Counts: map[domain.CashLabel]int{
			domain.LabelTransfer:   0,
			domain.LabelDeposit:    0,
			domain.LabelWithdrawal: 0,
		},
	}
	if batch == nil {
		return s
	}
	s.Platform = batch.Platform
	s.Total = batch.Len()

	var sum float64
	cashRows := 0
	for i := range batch.Transactions {
		tx := &batch.Transactions[i]
		label := tx.CashLabel
		if label == "" {
			label = domain.LabelTransfer
		}
		s.Counts[label]++
		if !label.IsCash() {
			continue
		}
		cashRows++
		sum += tx.Confidence
		switch {
		case tx.Confidence >= 0.8:
			s.HighConfidence++
		case tx.Confidence >= 0.6:
			s.MediumConfidence++
		default:
			s.LowConfidence++
		}
	}
	if cashRows > 0 {
		s.AverageConfidence = sum / float64(cashRows)
	}
	return s
}
