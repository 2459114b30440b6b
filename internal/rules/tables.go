// Package rules holds the Rule Tables consumed by the classifier, tagger and
// tracer: keyword lists per tier, confidence values, amount thresholds and
// tracing limits. A Tables value is immutable once built and safe to share
// across goroutines.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// File shape
// ============================================================

// File is the YAML shape of the rule tables. Absent keys keep their default;
// an explicitly empty list disables the rule that uses it.
type File struct {
	Cash            CashFile            `yaml:"cash" json:"cash"`
	KeyTransactions KeyTransactionsFile `yaml:"key_transactions" json:"key_transactions"`
	Tracing         TracingFile         `yaml:"tracing" json:"tracing"`
	BankPrefixes    map[string]string   `yaml:"bank_card_prefixes" json:"bank_card_prefixes"`
}

// CashFile configures the cash classifier tiers.
type CashFile struct {
	HighPriorityDeposit  []string `yaml:"high_priority_deposit_keywords" json:"high_priority_deposit_keywords"`
	HighPriorityWithdraw []string `yaml:"high_priority_withdraw_keywords" json:"high_priority_withdraw_keywords"`
	Deposit              []string `yaml:"deposit_keywords" json:"deposit_keywords"`
	Withdraw             []string `yaml:"withdraw_keywords" json:"withdraw_keywords"`
	DepositExclude       []string `yaml:"deposit_exclude_keywords" json:"deposit_exclude_keywords"`
	WithdrawExclude      []string `yaml:"withdraw_exclude_keywords" json:"withdraw_exclude_keywords"`
	ATMToken             string   `yaml:"atm_token" json:"atm_token"`
	FuzzyTokens          []string `yaml:"fuzzy_tokens" json:"fuzzy_tokens"`

	HighConfidence   float64 `yaml:"high_priority_confidence" json:"high_priority_confidence"`
	MediumConfidence float64 `yaml:"medium_priority_confidence" json:"medium_priority_confidence"`
	LowConfidence    float64 `yaml:"low_priority_confidence" json:"low_priority_confidence"`

	EnableFuzzy         bool      `yaml:"enable_fuzzy_matching" json:"enable_fuzzy_matching"`
	CommonCashAmounts   []float64 `yaml:"common_cash_amounts" json:"common_cash_amounts"`
	RoundAmountModuli   []float64 `yaml:"round_amount_modulos" json:"round_amount_modulos"`
	EnableAmountAnalyze bool      `yaml:"enable_amount_analysis" json:"enable_amount_analysis"`
	LargeThreshold      float64   `yaml:"large_amount_threshold" json:"large_amount_threshold"`
	SmallThreshold      float64   `yaml:"small_amount_threshold" json:"small_amount_threshold"`
	LargeFactor         float64   `yaml:"large_amount_factor" json:"large_amount_factor"`
	SmallFactor         float64   `yaml:"small_amount_factor" json:"small_amount_factor"`
}

// KeyTransactionsFile configures the attribute tagger.
type KeyTransactionsFile struct {
	WorkIncome []string   `yaml:"work_income" json:"work_income"`
	Property   []string   `yaml:"property" json:"property"`
	Rental     []string   `yaml:"rental" json:"rental"`
	Vehicle    []string   `yaml:"vehicle" json:"vehicle"`
	Securities []string   `yaml:"securities" json:"securities"`
	LargeBands []BandFile `yaml:"large_amount_thresholds" json:"large_amount_thresholds"`
}

// BandFile is one large-amount band. A zero Max means unbounded.
type BandFile struct {
	Name string  `yaml:"name" json:"name"`
	Min  float64 `yaml:"min" json:"min"`
	Max  float64 `yaml:"max" json:"max"`
}

// TracingFile configures the fund-flow tracer.
type TracingFile struct {
	WindowDays int `yaml:"tracking_window_days" json:"tracking_window_days"`
	MaxDepth   int `yaml:"max_tracking_depth" json:"max_tracking_depth"`
}

// ============================================================
// Compiled tables
// ============================================================

// Band is a compiled large-amount band covering [Min, Max).
type Band struct {
	Name string
	Min  decimal.Decimal
	Max  decimal.Decimal // zero means unbounded
}

// Contains reports whether the absolute amount falls inside the band.
func (b Band) Contains(abs decimal.Decimal) bool {
	if abs.LessThan(b.Min) {
		return false
	}
	return b.Max.IsZero() || abs.LessThan(b.Max)
}

// Tables is the compiled, read-only rule set.
type Tables struct {
	HighDeposit     KeywordSet
	HighWithdraw    KeywordSet
	Deposit         KeywordSet
	Withdraw        KeywordSet
	DepositExclude  KeywordSet
	WithdrawExclude KeywordSet
	ATM             KeywordSet
	FuzzyCash       KeywordSet

	HighConfidence   float64
	MediumConfidence float64
	LowConfidence    float64

	FuzzyEnabled  bool
	CommonAmounts []decimal.Decimal
	RoundModuli   []decimal.Decimal

	AmountAnalysis bool
	LargeThreshold decimal.Decimal
	SmallThreshold decimal.Decimal
	LargeFactor    float64
	SmallFactor    float64

	Work       KeywordSet
	Property   KeywordSet
	Rental     KeywordSet
	Vehicle    KeywordSet
	Securities KeywordSet
	Bands      []Band

	Window   time.Duration
	MaxDepth int

	prefixes []bankPrefix
	source   File
	warnings []string
}

type bankPrefix struct {
	prefix string
	bank   string
}

// Compile validates a File and builds Tables from it. Structural problems
// (bad confidence ranges, negative limits, overlapping bands) are errors;
// empty keyword lists are not and show up in Warnings.
func Compile(f File) (*Tables, error) {
	c := f.Cash
	for name, v := range map[string]float64{
		"high_priority_confidence":   c.HighConfidence,
		"medium_priority_confidence": c.MediumConfidence,
		"low_priority_confidence":    c.LowConfidence,
		"large_amount_factor":        c.LargeFactor,
		"small_amount_factor":        c.SmallFactor,
	} {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("cash.%s must be within [0,1], got %v", name, v)
		}
	}
	if f.Tracing.WindowDays < 0 {
		return nil, fmt.Errorf("tracing.tracking_window_days must not be negative")
	}
	if f.Tracing.MaxDepth < 0 {
		return nil, fmt.Errorf("tracing.max_tracking_depth must not be negative")
	}

	t := &Tables{
		HighDeposit:     NewKeywordSet(c.HighPriorityDeposit...),
		HighWithdraw:    NewKeywordSet(c.HighPriorityWithdraw...),
		Deposit:         NewKeywordSet(c.Deposit...),
		Withdraw:        NewKeywordSet(c.Withdraw...),
		DepositExclude:  NewKeywordSet(c.DepositExclude...),
		WithdrawExclude: NewKeywordSet(c.WithdrawExclude...),
		ATM:             NewKeywordSet(c.ATMToken),
		FuzzyCash:       NewKeywordSet(c.FuzzyTokens...),

		HighConfidence:   c.HighConfidence,
		MediumConfidence: c.MediumConfidence,
		LowConfidence:    c.LowConfidence,

		FuzzyEnabled:   c.EnableFuzzy,
		AmountAnalysis: c.EnableAmountAnalyze,
		LargeThreshold: decimal.NewFromFloat(c.LargeThreshold),
		SmallThreshold: decimal.NewFromFloat(c.SmallThreshold),
		LargeFactor:    c.LargeFactor,
		SmallFactor:    c.SmallFactor,

		Work:       NewKeywordSet(f.KeyTransactions.WorkIncome...),
		Property:   NewKeywordSet(f.KeyTransactions.Property...),
		Rental:     NewKeywordSet(f.KeyTransactions.Rental...),
		Vehicle:    NewKeywordSet(f.KeyTransactions.Vehicle...),
		Securities: NewKeywordSet(f.KeyTransactions.Securities...),

		Window:   time.Duration(f.Tracing.WindowDays) * 24 * time.Hour,
		MaxDepth: f.Tracing.MaxDepth,
		source:   f,
	}

	for _, a := range c.CommonCashAmounts {
		t.CommonAmounts = append(t.CommonAmounts, decimal.NewFromFloat(a))
	}
	for _, m := range c.RoundAmountModuli {
		if m <= 0 {
			return nil, fmt.Errorf("cash.round_amount_modulos must be positive, got %v", m)
		}
		t.RoundModuli = append(t.RoundModuli, decimal.NewFromFloat(m))
	}

	bands, err := compileBands(f.KeyTransactions.LargeBands)
	if err != nil {
		return nil, err
	}
	t.Bands = bands

	for p, bank := range f.BankPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			t.prefixes = append(t.prefixes, bankPrefix{prefix: p, bank: bank})
		}
	}
	// Longest prefix first so "6217002" wins over "621700".
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i].prefix) != len(t.prefixes[j].prefix) {
			return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
		}
		return t.prefixes[i].prefix < t.prefixes[j].prefix
	})

	t.warnings = t.validate()
	return t, nil
}

func compileBands(in []BandFile) ([]Band, error) {
	bands := make([]Band, 0, len(in))
	for i, b := range in {
		if b.Min < 0 || (b.Max != 0 && b.Max <= b.Min) {
			return nil, fmt.Errorf("key_transactions.large_amount_thresholds[%d]: invalid range [%v, %v)", i, b.Min, b.Max)
		}
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("level%d", i+1)
		}
		bands = append(bands, Band{Name: name, Min: decimal.NewFromFloat(b.Min), Max: decimal.NewFromFloat(b.Max)})
	}
	sort.SliceStable(bands, func(i, j int) bool { return bands[i].Min.LessThan(bands[j].Min) })
	for i := 1; i < len(bands); i++ {
		prev := bands[i-1]
		if prev.Max.IsZero() || prev.Max.GreaterThan(bands[i].Min) {
			return nil, fmt.Errorf("large amount bands %q and %q overlap", prev.Name, bands[i].Name)
		}
		// Every amount from the lowest minimum up must fall in some band.
		if prev.Max.LessThan(bands[i].Min) {
			return nil, fmt.Errorf("large amount bands %q and %q leave a gap [%s, %s)", prev.Name, bands[i].Name, prev.Max, bands[i].Min)
		}
	}
	return bands, nil
}

// validate reports rules disabled by empty configuration.
func (t *Tables) validate() []string {
	var w []string
	empty := func(set KeywordSet, msg string) {
		if set.Empty() {
			w = append(w, msg)
		}
	}
	empty(t.HighDeposit, "cash.high_priority_deposit_keywords is empty: high-priority deposit tier disabled")
	empty(t.HighWithdraw, "cash.high_priority_withdraw_keywords is empty: high-priority withdrawal tier disabled")
	empty(t.Deposit, "cash.deposit_keywords is empty: medium-priority deposit keyword tier disabled")
	empty(t.Withdraw, "cash.withdraw_keywords is empty: medium-priority withdrawal keyword tier disabled")
	empty(t.DepositExclude, "cash.deposit_exclude_keywords is empty: deposit transfer filtering disabled")
	empty(t.WithdrawExclude, "cash.withdraw_exclude_keywords is empty: withdrawal transfer filtering disabled")
	empty(t.ATM, "cash.atm_token is empty: ATM sub-tier disabled")
	if t.FuzzyEnabled {
		empty(t.FuzzyCash, "cash.fuzzy_tokens is empty: fuzzy tier disabled")
		if len(t.CommonAmounts) == 0 && len(t.RoundModuli) == 0 {
			w = append(w, "cash.common_cash_amounts and cash.round_amount_modulos are empty: fuzzy tier disabled")
		}
	}
	empty(t.Work, "key_transactions.work_income is empty: work income tag disabled")
	empty(t.Property, "key_transactions.property is empty: property income tag disabled")
	empty(t.Rental, "key_transactions.rental is empty: rental income tag disabled")
	empty(t.Vehicle, "key_transactions.vehicle is empty: vehicle income tag disabled")
	empty(t.Securities, "key_transactions.securities is empty: securities income tag disabled")
	if len(t.Bands) == 0 {
		w = append(w, "key_transactions.large_amount_thresholds is empty: large-amount tags and tracing disabled")
	}
	return w
}

// Warnings lists the rules disabled by empty configuration.
func (t *Tables) Warnings() []string {
	out := make([]string, len(t.warnings))
	copy(out, t.warnings)
	return out
}

// Source returns the file shape the tables were compiled from.
func (t *Tables) Source() File {
	return t.source
}

// MinLargeAmount returns the lowest band minimum, or false when no bands
// are configured.
func (t *Tables) MinLargeAmount() (decimal.Decimal, bool) {
	if len(t.Bands) == 0 {
		return decimal.Zero, false
	}
	return t.Bands[0].Min, true
}

// TierFor returns the name of the band containing |amount|.
func (t *Tables) TierFor(amount decimal.Decimal) (string, bool) {
	abs := amount.Abs()
	for _, b := range t.Bands {
		if b.Contains(abs) {
			return b.Name, true
		}
	}
	return "", false
}

// BankForAccount resolves a bank name from a card number prefix.
func (t *Tables) BankForAccount(account string) (string, bool) {
	account = strings.TrimSpace(account)
	if account == "" {
		return "", false
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(account, p.prefix) {
			return p.bank, true
		}
	}
	return "", false
}
