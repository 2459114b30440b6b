package service

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
)

// maxWorkUnits caps the distinct payers listed per person in key statistics.
const maxWorkUnits = 3

// Tagger sets independent attribute tags on classified rows.
type Tagger struct {
	rules   *rules.Provider
	shards  ShardOptions
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewTagger creates the tagger with all dependencies injected.
func NewTagger(provider *rules.Provider, shards ShardOptions, metrics *observability.Metrics, logger *zap.Logger) *Tagger {
	return &Tagger{
		rules:   provider,
		shards:  shards,
		metrics: metrics,
		logger:  logger,
	}
}

// Tag returns a tagged copy of batch. Tags are recomputed from scratch on
// every call, so tagging twice yields the same result.
func (tg *Tagger) Tag(ctx context.Context, batch *domain.Batch) *domain.Batch {
	ctx, span := tracer.Start(ctx, "Tagger.Tag")
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
		tg.metrics.RecordDuration("tag", time.Since(start))
	}()

	t := tg.rules.Current()
	out := batch.Clone()

	forEachShard(ctx, out.Len(), tg.shards, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			tx := &out.Transactions[i]
			tx.Tags = tagRow(t, tx)
		}
	})

	counts := make(map[string]int)
	for i := range out.Transactions {
		for _, name := range out.Transactions[i].Tags.Names() {
			counts[name]++
		}
	}
	for name, n := range counts {
		tg.metrics.AddTag(name, n)
	}
	tg.logger.Debug("batch tagged",
		zap.String("platform", string(out.Platform)),
		zap.Int("rows", out.Len()),
		zap.Any("tags", counts),
	)
	return out
}

func tagRow(t *rules.Tables, tx *domain.Transaction) domain.Tags {
	var tags domain.Tags

	flow := tx.Flow()
	if flow == domain.DirectionIncome {
		text := rules.JoinFields(tx.Summary, tx.Remark, tx.TypeLabel, tx.PayeeName)
		has := func(set rules.KeywordSet) bool {
			_, ok := set.MatchNormalized(text)
			return ok
		}
		tags.WorkIncome = has(t.Work)
		tags.PropertyIncome = has(t.Property)
		tags.RentalIncome = has(t.Rental)
		tags.VehicleIncome = has(t.Vehicle)
		tags.SecuritiesIncome = has(t.Securities)
	}

	if tier, ok := t.TierFor(tx.Amount); ok {
		switch flow {
		case domain.DirectionIncome:
			tags.LargeIncome = true
			tags.LargeTier = tier
		case domain.DirectionExpense:
			tags.LargeExpense = true
			tags.LargeTier = tier
		}
	}
	return tags
}

// ============================================================
// Key-transaction statistics
// ============================================================

// Statistics rolls tagged rows up per ledger holder, sorted by name.
func (tg *Tagger) Statistics(batches ...*domain.Batch) []domain.PersonKeyStats {
	t := tg.rules.Current()

	byPerson := make(map[string]*domain.PersonKeyStats)
	units := make(map[string]map[string]bool)
	get := func(name string) *domain.PersonKeyStats {
		s, ok := byPerson[name]
		if !ok {
			s = &domain.PersonKeyStats{Person: name}
			byPerson[name] = s
			units[name] = make(map[string]bool)
		}
		return s
	}

	for _, b := range batches {
		if b == nil {
			continue
		}
		for i := range b.Transactions {
			tx := &b.Transactions[i]
			tags := tx.Tags
			if !tags.WorkIncome && !tags.AssetIncome() && !tags.Large() {
				continue
			}
			person := tx.PayerName
			if domain.IsBlankName(person) {
				person = "unknown"
			}
			s := get(person)
			abs := tx.AbsAmount()

			if tags.WorkIncome {
				s.WorkIncomeCount++
				s.WorkIncomeAmount = s.WorkIncomeAmount.Add(abs)
				if domain.IsResolvableName(tx.PayeeName) && len(s.WorkUnits) < maxWorkUnits && !units[person][tx.PayeeName] {
					units[person][tx.PayeeName] = true
					s.WorkUnits = append(s.WorkUnits, tx.PayeeName)
				}
			}
			if tags.AssetIncome() {
				s.AssetIncomeCount++
				s.AssetIncomeAmount = s.AssetIncomeAmount.Add(abs)
				if s.AssetBySubtype == nil {
					s.AssetBySubtype = make(map[string]decimal.Decimal)
				}
				for _, sub := range assetSubtypes(tags) {
					s.AssetBySubtype[sub] = s.AssetBySubtype[sub].Add(abs)
				}
			}
			if tags.LargeIncome {
				s.LargeIncomeCount++
				s.LargeIncomeAmount = s.LargeIncomeAmount.Add(abs)
				s.LargeIncomeBands = addBand(s.LargeIncomeBands, tags.LargeTier, abs)
			}
			if tags.LargeExpense {
				s.LargeExpenseCount++
				s.LargeExpenseAmount = s.LargeExpenseAmount.Add(abs)
				s.LargeExpenseBands = addBand(s.LargeExpenseBands, tags.LargeTier, abs)
			}
		}
	}

	out := make([]domain.PersonKeyStats, 0, len(byPerson))
	for _, s := range byPerson {
		sortBands(s.LargeIncomeBands, t.Bands)
		sortBands(s.LargeExpenseBands, t.Bands)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Person < out[j].Person })
	return out
}

func assetSubtypes(tags domain.Tags) []string {
	var out []string
	if tags.PropertyIncome {
		out = append(out, "property")
	}
	if tags.RentalIncome {
		out = append(out, "rental")
	}
	if tags.VehicleIncome {
		out = append(out, "vehicle")
	}
	if tags.SecuritiesIncome {
		out = append(out, "securities")
	}
	return out
}

func addBand(bands []domain.BandStats, name string, abs decimal.Decimal) []domain.BandStats {
	for i := range bands {
		if bands[i].Band == name {
			bands[i].Count++
			bands[i].Amount = bands[i].Amount.Add(abs)
			return bands
		}
	}
	return append(bands, domain.BandStats{Band: name, Count: 1, Amount: abs})
}

// sortBands orders band stats the way the bands are configured.
func sortBands(stats []domain.BandStats, bands []rules.Band) {
	rank := make(map[string]int, len(bands))
	for i, b := range bands {
		rank[b.Name] = i
	}
	sort.SliceStable(stats, func(i, j int) bool {
		ri, okI := rank[stats[i].Band]
		rj, okJ := rank[stats[j].Band]
		if okI != okJ {
			return okI
		}
		return ri < rj
	})
}
