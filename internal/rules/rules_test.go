package rules_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ATM Cash Deposit", "atm cash deposit"},
		{"ＡＴＭ存现", "atm存现"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := rules.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeywordSet_MatchIsLiteral(t *testing.T) {
	set := rules.NewKeywordSet("a.c", "ATM")

	if _, ok := set.Match("abc"); ok {
		t.Error("keywords must not be treated as patterns")
	}
	kw, ok := set.Match("cash at ａｔｍ")
	if !ok || kw != "ATM" {
		t.Errorf("expected ATM match, got %q %v", kw, ok)
	}
}

func TestKeywordSet_DropsBlankAndDuplicates(t *testing.T) {
	set := rules.NewKeywordSet("", "  ", "Rent", "rent", "RENT")
	if set.Len() != 1 {
		t.Fatalf("expected 1 keyword, got %d (%v)", set.Len(), set.Words())
	}
	if set.Words()[0] != "Rent" {
		t.Errorf("expected first spelling kept, got %q", set.Words()[0])
	}
}

func TestJoinFields_NoCrossFieldMatch(t *testing.T) {
	set := rules.NewKeywordSet("cash deposit")
	text := rules.JoinFields("ATM cash", "deposit")
	if _, ok := set.MatchNormalized(text); ok {
		t.Error("keyword matched across field boundary")
	}
}

func TestDefaults(t *testing.T) {
	tbl := rules.Defaults()

	if tbl.HighConfidence != 0.95 || tbl.MediumConfidence != 0.8 || tbl.LowConfidence != 0.6 {
		t.Errorf("unexpected confidences: %v %v %v", tbl.HighConfidence, tbl.MediumConfidence, tbl.LowConfidence)
	}
	if tbl.Window != 30*24*time.Hour {
		t.Errorf("expected 30 day window, got %v", tbl.Window)
	}
	if tbl.MaxDepth != 3 {
		t.Errorf("expected max depth 3, got %d", tbl.MaxDepth)
	}
	if len(tbl.Warnings()) != 0 {
		t.Errorf("defaults should not warn, got %v", tbl.Warnings())
	}
	lowest, ok := tbl.MinLargeAmount()
	if !ok || !lowest.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected min large amount 50000, got %v %v", lowest, ok)
	}
}

func TestTierFor(t *testing.T) {
	tbl := rules.Defaults()
	tests := []struct {
		amount int64
		want   string
		ok     bool
	}{
		{49999, "", false},
		{50000, "5万-10万", true},
		{-80000, "5万-10万", true},
		{100000, "10万-50万", true},
		{999999, "50万-100万", true},
		{25000000, "100万及以上", true},
	}
	for _, tt := range tests {
		got, ok := tbl.TierFor(decimal.NewFromInt(tt.amount))
		if got != tt.want || ok != tt.ok {
			t.Errorf("TierFor(%d) = %q %v, want %q %v", tt.amount, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBankForAccount_LongestPrefixWins(t *testing.T) {
	tbl := rules.Defaults()

	bank, ok := tbl.BankForAccount("6217002000012345678")
	if !ok || bank != "建设银行" {
		t.Errorf("expected 建设银行, got %q %v", bank, ok)
	}
	if _, ok := tbl.BankForAccount("9999"); ok {
		t.Error("expected no bank for unknown prefix")
	}
}

func TestParse_MergesOverDefaults(t *testing.T) {
	tbl, err := rules.Parse([]byte(`
cash:
  medium_priority_confidence: 0.7
  deposit_keywords: []
tracing:
  tracking_window_days: 10
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tbl.MediumConfidence != 0.7 {
		t.Errorf("expected override 0.7, got %v", tbl.MediumConfidence)
	}
	if tbl.HighConfidence != 0.95 {
		t.Errorf("expected default high confidence kept, got %v", tbl.HighConfidence)
	}
	if !tbl.Deposit.Empty() {
		t.Error("explicit empty list should disable deposit keywords")
	}
	if tbl.Withdraw.Empty() {
		t.Error("absent list should keep defaults")
	}
	if tbl.Window != 10*24*time.Hour {
		t.Errorf("expected 10 day window, got %v", tbl.Window)
	}

	found := false
	for _, w := range tbl.Warnings() {
		if strings.Contains(w, "deposit_keywords") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected warning for empty deposit keywords, got %v", tbl.Warnings())
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"confidence out of range": "cash:\n  high_priority_confidence: 1.5\n",
		"unknown key":             "cash:\n  bogus: 1\n",
		"overlapping bands": `
key_transactions:
  large_amount_thresholds:
    - {name: a, min: 100, max: 500}
    - {name: b, min: 400, max: 900}
`,
		"gapped bands": `
key_transactions:
  large_amount_thresholds:
    - {name: a, min: 100, max: 500}
    - {name: b, min: 600, max: 900}
`,
		"zero modulus": "cash:\n  round_amount_modulos: [0]\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := rules.Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := rules.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var ruleErr *domain.ErrRuleFile
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected ErrRuleFile, got %v", err)
	}
}

func TestProvider_ReloadKeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("tracing:\n  max_tracking_depth: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := rules.NewProvider(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Current().MaxDepth != 2 {
		t.Fatalf("expected depth 2, got %d", p.Current().MaxDepth)
	}

	if err := os.WriteFile(path, []byte("tracing: [not, a, map]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if p.Current().MaxDepth != 2 {
		t.Error("failed reload must keep previous tables")
	}

	if err := os.WriteFile(path, []byte("tracing:\n  max_tracking_depth: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Current().MaxDepth != 5 {
		t.Errorf("expected depth 5 after reload, got %d", p.Current().MaxDepth)
	}
	ok, failed := p.Reloads()
	if ok != 1 || failed != 1 {
		t.Errorf("expected 1 ok / 1 failed reload, got %d / %d", ok, failed)
	}
}

func TestMarshal_RoundTripsThroughParse(t *testing.T) {
	out, err := rules.Marshal(rules.Defaults())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl, err := rules.Parse(out)
	if err != nil {
		t.Fatalf("marshaled defaults do not parse: %v", err)
	}
	if tbl.Deposit.Len() != rules.Defaults().Deposit.Len() {
		t.Error("deposit keywords changed across marshal")
	}
}

func TestParse_ContiguousBandsCoverEveryLargeAmount(t *testing.T) {
	tbl, err := rules.Parse([]byte(`
key_transactions:
  large_amount_thresholds:
    - {name: high, min: 500}
    - {name: low, min: 100, max: 500}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lowest, ok := tbl.MinLargeAmount()
	if !ok || !lowest.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected min large amount 100, got %v %v", lowest, ok)
	}
	for _, amount := range []int64{100, 499, 500, 10000} {
		if _, ok := tbl.TierFor(decimal.NewFromInt(amount)); !ok {
			t.Errorf("expected a band for %d", amount)
		}
	}
}
