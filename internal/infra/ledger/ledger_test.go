package ledger_test

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/ledger"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
)

func newNormalizer() *ledger.Normalizer {
	return ledger.NewNormalizer(rules.Static(rules.Defaults()), time.UTC, zap.NewNop())
}

func TestNormalize_DefaultBankColumns(t *testing.T) {
	raw := ledger.RawBatch{
		Platform:   domain.PlatformBank,
		SourceFile: "zhang_bank.csv",
		Records: []map[string]string{
			{
				"本方姓名": "张三", "对方姓名": "", "交易金额": "5,000.00", "借贷标识": "贷",
				"交易摘要": "ATM存现", "交易日期": "2024-03-05 10:00:00", "账户余额": "12000",
				"本方账号": "6222020000000001",
			},
		},
	}

	b, warnings := newNormalizer().Normalize(raw)
	if b.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", b.Len())
	}
	tx := b.Transactions[0]
	if !tx.Amount.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected amount 5000, got %s", tx.Amount)
	}
	if tx.DirectionFlag != "贷" {
		t.Errorf("expected direction 贷, got %q", tx.DirectionFlag)
	}
	if tx.CashLabel != domain.LabelTransfer {
		t.Errorf("expected default label transfer, got %q", tx.CashLabel)
	}
	if tx.BankName != "工商银行" {
		t.Errorf("expected bank derived from card prefix, got %q", tx.BankName)
	}
	if !tx.BalanceAfter.Valid {
		t.Error("expected balance to be parsed")
	}
	if tx.ID == "" {
		t.Error("expected fingerprint id")
	}
	if !b.Has(domain.FieldAmount) || !b.Has(domain.FieldPayee) {
		t.Error("expected amount and payee fields present")
	}
	// remark and type columns are absent in this export
	for _, w := range warnings {
		if strings.Contains(w, "row") {
			t.Errorf("unexpected cell warning: %s", w)
		}
	}
}

func TestNormalize_CoercesMalformedCells(t *testing.T) {
	raw := ledger.RawBatch{
		Platform:   domain.PlatformWechat,
		SourceFile: "wx.csv",
		Records: []map[string]string{
			{"本方姓名": "A", "对方姓名": "B", "交易金额": "abc", "借贷标识": "支出", "交易日期": "yesterday"},
		},
	}

	b, warnings := newNormalizer().Normalize(raw)
	tx := b.Transactions[0]
	if !tx.Amount.IsZero() {
		t.Errorf("expected malformed amount coerced to zero, got %s", tx.Amount)
	}
	if tx.HasTimestamp() {
		t.Error("expected malformed timestamp coerced to unknown")
	}
	if len(warnings) < 2 {
		t.Errorf("expected warnings for amount and timestamp, got %v", warnings)
	}
}

func TestNormalize_FoldsDebitCredit(t *testing.T) {
	raw := ledger.RawBatch{
		Platform:   domain.PlatformBank,
		SourceFile: "split.csv",
		Header:     []string{"本方姓名", "对方姓名", "借方发生额", "贷方发生额", "交易日期"},
		Records: []map[string]string{
			{"本方姓名": "A", "借方发生额": "300", "贷方发生额": "0", "交易日期": "2024-01-02"},
			{"本方姓名": "A", "借方发生额": "0", "贷方发生额": "800", "交易日期": "2024-01-03"},
			{"本方姓名": "A", "借方发生额": "", "贷方发生额": "", "交易日期": "2024-01-04"},
		},
	}

	b, _ := newNormalizer().Normalize(raw)
	if !b.Has(domain.FieldAmount) || !b.Has(domain.FieldDirection) {
		t.Fatal("expected folded amount and direction fields")
	}
	tests := []struct {
		amount int64
		flag   string
	}{
		{-300, "借"},
		{800, "贷"},
		{0, ""},
	}
	for i, tt := range tests {
		tx := b.Transactions[i]
		if !tx.Amount.Equal(decimal.NewFromInt(tt.amount)) || tx.DirectionFlag != tt.flag {
			t.Errorf("row %d: got %s %q, want %d %q", i, tx.Amount, tx.DirectionFlag, tt.amount, tt.flag)
		}
	}
}

func TestNormalize_MissingColumnsWarn(t *testing.T) {
	raw := ledger.RawBatch{
		Platform: domain.PlatformBank,
		Records:  []map[string]string{{"交易摘要": "x"}},
	}
	b, warnings := newNormalizer().Normalize(raw)
	if b.Has(domain.FieldAmount) {
		t.Error("amount should be reported missing")
	}
	if len(warnings) == 0 {
		t.Error("expected missing-column warnings")
	}
}

func TestReadCSV(t *testing.T) {
	in := "\ufeff本方姓名,对方姓名,交易金额\n张三,李四,100\n王五\n"
	raw, err := ledger.ReadCSV(strings.NewReader(in), domain.PlatformAlipay, "a.csv", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw.Header[0] != "本方姓名" {
		t.Errorf("expected BOM stripped, got %q", raw.Header[0])
	}
	if len(raw.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(raw.Records))
	}
	if raw.Records[0]["对方姓名"] != "李四" {
		t.Errorf("unexpected record: %v", raw.Records[0])
	}
	if _, ok := raw.Records[1]["交易金额"]; ok {
		t.Error("short row should leave missing cells absent")
	}
}

func TestReadCSV_Empty(t *testing.T) {
	raw, err := ledger.ReadCSV(strings.NewReader(""), domain.PlatformBank, "empty.csv", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raw.Records) != 0 {
		t.Error("expected no records")
	}
}

func TestMerge_DedupesAcrossFilesOnly(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	row := domain.Transaction{Platform: domain.PlatformBank, PayerName: "A", Amount: decimal.NewFromInt(10), Timestamp: ts}

	a1, a2 := row, row
	a1.SourceFile, a2.SourceFile = "f1", "f1"
	b1 := row
	b1.SourceFile = "f2"
	later := row
	later.SourceFile = "f2"
	later.Timestamp = ts.Add(time.Hour)
	early := row
	early.SourceFile = "f2"
	early.Amount = decimal.NewFromInt(20)
	early.Timestamp = ts.Add(-time.Hour)

	merged := ledger.Merge(
		&domain.Batch{Platform: domain.PlatformBank, SourceFile: "f1", Transactions: []domain.Transaction{a1, a2}},
		&domain.Batch{Platform: domain.PlatformBank, SourceFile: "f2", Transactions: []domain.Transaction{b1, later, early}},
		&domain.Batch{Platform: domain.PlatformWechat, SourceFile: "w", Transactions: []domain.Transaction{{Platform: domain.PlatformWechat}}},
	)

	if len(merged) != 2 {
		t.Fatalf("expected 2 platform batches, got %d", len(merged))
	}
	bank := merged[0]
	if bank.Platform != domain.PlatformBank {
		t.Fatalf("expected bank first, got %s", bank.Platform)
	}
	// a1, a2 (same-file repeat kept), later, early; b1 dropped
	if bank.Len() != 4 {
		t.Fatalf("expected 4 rows after dedupe, got %d", bank.Len())
	}
	if !bank.Transactions[0].Amount.Equal(decimal.NewFromInt(20)) {
		t.Error("expected rows sorted by timestamp")
	}
	if bank.SourceFile != "f1;f2" {
		t.Errorf("expected joined source files, got %q", bank.SourceFile)
	}
}

func TestMerge_RecodesDirectionFlags(t *testing.T) {
	custom := domain.DefaultColumnMap(domain.PlatformBank)
	custom.IncomeFlag, custom.ExpenseFlag = "收", "付"
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	a := &domain.Batch{
		Platform:   domain.PlatformBank,
		SourceFile: "a.csv",
		Columns:    domain.DefaultColumnMap(domain.PlatformBank),
		Transactions: []domain.Transaction{
			{Platform: domain.PlatformBank, SourceFile: "a.csv", PayerName: "A", Amount: decimal.NewFromInt(100), DirectionFlag: "贷", Timestamp: ts},
		},
	}
	b := &domain.Batch{
		Platform:   domain.PlatformBank,
		SourceFile: "b.csv",
		Columns:    custom,
		Transactions: []domain.Transaction{
			{Platform: domain.PlatformBank, SourceFile: "b.csv", PayerName: "A", Amount: decimal.NewFromInt(80000), DirectionFlag: "付", Timestamp: ts.Add(time.Hour), ID: "stale"},
			{Platform: domain.PlatformBank, SourceFile: "b.csv", PayerName: "A", Amount: decimal.NewFromInt(300), DirectionFlag: "收", Timestamp: ts.Add(2 * time.Hour)},
			{Platform: domain.PlatformBank, SourceFile: "b.csv", PayerName: "A", Amount: decimal.NewFromInt(5), DirectionFlag: "冲正", Timestamp: ts.Add(3 * time.Hour)},
		},
	}

	merged := ledger.Merge(a, b)
	if len(merged) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(merged))
	}
	bank := merged[0]
	if bank.Columns.IncomeFlag != "贷" || bank.Columns.ExpenseFlag != "借" {
		t.Fatalf("expected the first batch's flags, got %q/%q", bank.Columns.IncomeFlag, bank.Columns.ExpenseFlag)
	}

	want := []string{"贷", "借", "贷", "冲正"}
	for i, tx := range bank.Transactions {
		if tx.DirectionFlag != want[i] {
			t.Errorf("row %d: expected flag %q, got %q", i, want[i], tx.DirectionFlag)
		}
	}
	if id := bank.Transactions[1].ID; id == "stale" || id == "" {
		t.Errorf("expected a fingerprint recomputed after recoding, got %q", id)
	}
}
