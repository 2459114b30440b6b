// Package domain defines the core entities of the fund-flow forensics service.
// These models are independent of loaders, sinks and transports and are the
// canonical structures exchanged with the reporting collaborator.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Enumerations
// ============================================================

// Platform identifies the ledger a transaction was exported from.
type Platform string

const (
	PlatformBank   Platform = "bank"
	PlatformWechat Platform = "wechat"
	PlatformAlipay Platform = "alipay"
)

// Platforms lists the supported platforms in reporting order.
var Platforms = []Platform{PlatformBank, PlatformWechat, PlatformAlipay}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformBank, PlatformWechat, PlatformAlipay:
		return true
	}
	return false
}

// CashLabel is the classifier's verdict for a bank-ledger row.
type CashLabel string

const (
	LabelTransfer   CashLabel = "transfer"
	LabelDeposit    CashLabel = "deposit"
	LabelWithdrawal CashLabel = "withdrawal"
)

// IsCash reports whether the label denotes a cash operation.
func (l CashLabel) IsCash() bool {
	return l == LabelDeposit || l == LabelWithdrawal
}

// Direction is the money direction of a row or flow record.
type Direction string

const (
	DirectionIncome  Direction = "income"
	DirectionExpense Direction = "expense"
	DirectionSummary Direction = "summary"
	DirectionUnknown Direction = ""
)

// ============================================================
// Column mapping
// ============================================================

// Field is a logical ledger column understood by the analysis components.
type Field string

const (
	FieldPayer        Field = "payer_name"
	FieldPayee        Field = "payee_name"
	FieldAmount       Field = "amount"
	FieldDirection    Field = "direction_flag"
	FieldSummary      Field = "summary"
	FieldRemark       Field = "remark"
	FieldType         Field = "type_label"
	FieldTimestamp    Field = "timestamp"
	FieldBalance      Field = "balance_after"
	FieldDebitAmount  Field = "debit_amount"
	FieldCreditAmount Field = "credit_amount"
	FieldBankName     Field = "bank_name"
	FieldAccount      Field = "account"
)

// ColumnMap maps logical fields to the source file's column names and
// carries the platform-specific direction flag values.
type ColumnMap struct {
	Columns     map[Field]string `json:"columns" yaml:"columns"`
	IncomeFlag  string           `json:"income_flag" yaml:"income_flag"`
	ExpenseFlag string           `json:"expense_flag" yaml:"expense_flag"`
}

// Column returns the source column for a field, or "" when unmapped.
func (m ColumnMap) Column(f Field) string {
	if m.Columns == nil {
		return ""
	}
	return m.Columns[f]
}

// DefaultColumnMap returns the column names used by the standard exports.
func DefaultColumnMap(p Platform) ColumnMap {
	cols := map[Field]string{
		FieldPayer:     "本方姓名",
		FieldPayee:     "对方姓名",
		FieldAmount:    "交易金额",
		FieldDirection: "借贷标识",
		FieldTimestamp: "交易日期",
		FieldBalance:   "账户余额",
	}
	switch p {
	case PlatformBank:
		cols[FieldSummary] = "交易摘要"
		cols[FieldRemark] = "交易备注"
		cols[FieldType] = "交易类型"
		cols[FieldDebitAmount] = "借方发生额"
		cols[FieldCreditAmount] = "贷方发生额"
		cols[FieldBankName] = "银行类型"
		cols[FieldAccount] = "本方账号"
		return ColumnMap{Columns: cols, IncomeFlag: "贷", ExpenseFlag: "借"}
	default:
		cols[FieldSummary] = "交易说明"
		cols[FieldRemark] = "备注"
		cols[FieldType] = "交易类型"
		return ColumnMap{Columns: cols, IncomeFlag: "收入", ExpenseFlag: "支出"}
	}
}

// ============================================================
// Transaction
// ============================================================

// Transaction is one normalized ledger row.
//
// PayerName is the ledger holder (the own side of the row) and PayeeName the
// counterparty. A blank PayeeName marks a non-peer operation, which is the
// prerequisite for any cash label.
type Transaction struct {
	ID            string              `json:"id,omitempty"`
	Platform      Platform            `json:"platform"`
	SourceFile    string              `json:"source_file"`
	Timestamp     time.Time           `json:"timestamp"`
	PayerName     string              `json:"payer_name"`
	PayeeName     string              `json:"payee_name"`
	Amount        decimal.Decimal     `json:"amount"`
	DirectionFlag string              `json:"direction_flag"`
	Summary       string              `json:"summary"`
	Remark        string              `json:"remark"`
	TypeLabel     string              `json:"type_label"`
	BalanceAfter  decimal.NullDecimal `json:"balance_after"`
	BankName      string              `json:"bank_name,omitempty"`
	Account       string              `json:"account,omitempty"`

	// Derived by the classifier.
	CashLabel     CashLabel       `json:"cash_label"`
	Confidence    float64         `json:"confidence"`
	Reason        string          `json:"reason"`
	IncomeAmount  decimal.Decimal `json:"income_amount"`
	ExpenseAmount decimal.Decimal `json:"expense_amount"`

	// Derived by the tagger.
	Tags Tags `json:"tags"`
}

// HasTimestamp reports whether the row carries a usable timestamp.
func (t *Transaction) HasTimestamp() bool {
	return !t.Timestamp.IsZero()
}

// AbsAmount returns |Amount|.
func (t *Transaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// Flow returns the row's money direction. Derived income/expense amounts win;
// the sign of Amount is the fallback for rows not yet classified.
func (t *Transaction) Flow() Direction {
	switch {
	case t.IncomeAmount.IsPositive():
		return DirectionIncome
	case t.ExpenseAmount.IsPositive():
		return DirectionExpense
	case t.Amount.IsPositive():
		return DirectionIncome
	case t.Amount.IsNegative():
		return DirectionExpense
	}
	return DirectionUnknown
}

// Text returns the row's free-text matching inputs joined by spaces.
func (t *Transaction) Text() string {
	return strings.Join([]string{t.Summary, t.Remark, t.TypeLabel}, " ")
}

// PrimaryCategory derives the row's display category from its tags.
func (t *Transaction) PrimaryCategory() Category {
	return PrimaryCategory(t.Tags)
}

// MarshalJSON adds the derived primary category on the way out.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type plain Transaction
	return json.Marshal(struct {
		plain
		PrimaryCategory *Category `json:"primary_category,omitempty"`
	}{
		plain:           plain(t),
		PrimaryCategory: categoryOrNil(PrimaryCategory(t.Tags)),
	})
}

func categoryOrNil(c Category) *Category {
	if c.IsZero() {
		return nil
	}
	return &c
}

// blankNames are placeholder values exports use for a missing counterparty.
var blankNames = map[string]bool{
	"":     true,
	`\n`:   true,
	"nan":  true,
	"null": true,
	"none": true,
	"<na>": true,
	"nat":  true,
	"-":    true,
	"--":   true,
}

// unknownNames are counterparty placeholders that are present but not resolvable.
var unknownNames = map[string]bool{
	"未知":      true,
	"unknown": true,
	"n/a":     true,
}

// IsBlankName reports whether a payee value denotes "no counterparty".
func IsBlankName(name string) bool {
	return blankNames[strings.ToLower(strings.TrimSpace(name))]
}

// IsResolvableName reports whether a counterparty can be followed by the tracer.
func IsResolvableName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return !blankNames[n] && !unknownNames[n]
}

// ============================================================
// Batch
// ============================================================

// Batch is one platform's tabular export after normalization.
type Batch struct {
	Platform     Platform       `json:"platform"`
	SourceFile   string         `json:"source_file"`
	Columns      ColumnMap      `json:"columns"`
	Fields       map[Field]bool `json:"fields"`
	Transactions []Transaction  `json:"transactions"`
}

// Has reports whether the source supplied the logical field.
func (b *Batch) Has(f Field) bool {
	return b != nil && b.Fields[f]
}

// Len returns the number of rows.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Transactions)
}

// Empty reports whether the batch is structurally empty.
func (b *Batch) Empty() bool {
	return b.Len() == 0
}

// Clone returns a deep-enough copy: rows are copied, fields and columns shared
// read-only.
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	out := *b
	out.Transactions = make([]Transaction, len(b.Transactions))
	copy(out.Transactions, b.Transactions)
	return &out
}
