// Package ledger turns column-mapped raw exports into typed batches.
// Malformed cells are coerced (unknown time, zero amount) and reported as
// warnings; nothing here fails on data.
package ledger

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
)

// RawBatch is one platform export as delivered by the data-loading
// collaborator: string cells keyed by source column name.
type RawBatch struct {
	Platform   domain.Platform     `json:"platform"`
	SourceFile string              `json:"source_file"`
	Columns    *domain.ColumnMap   `json:"columns,omitempty"`
	Header     []string            `json:"header,omitempty"`
	Records    []map[string]string `json:"records"`
}

// maxRowWarnings caps per-row warnings per batch; the rest are counted.
const maxRowWarnings = 50

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02",
	"2006/01/02",
	"20060102150405",
	"20060102",
	"2006年01月02日 15:04:05",
	"2006年01月02日",
}

var amountNoise = regexp.MustCompile(`[,\s¥￥$元]`)

// Normalizer converts raw batches using the current rule tables for
// derived columns such as the bank name.
type Normalizer struct {
	rules  *rules.Provider
	loc    *time.Location
	logger *zap.Logger
}

// NewNormalizer creates a Normalizer. Timestamps without a zone are read in loc.
func NewNormalizer(provider *rules.Provider, loc *time.Location, logger *zap.Logger) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{rules: provider, loc: loc, logger: logger}
}

// Normalize maps a raw batch to a typed batch. The returned warnings describe
// every coerced cell and missing column.
func (n *Normalizer) Normalize(raw RawBatch) (*domain.Batch, []string) {
	var cols domain.ColumnMap
	if raw.Columns != nil {
		cols = *raw.Columns
	} else {
		cols = domain.DefaultColumnMap(raw.Platform)
	}

	present := presentColumns(raw)
	fields := make(map[domain.Field]bool)
	for f, col := range cols.Columns {
		if col != "" && present[col] {
			fields[f] = true
		}
	}

	b := &domain.Batch{
		Platform:     raw.Platform,
		SourceFile:   raw.SourceFile,
		Columns:      cols,
		Fields:       fields,
		Transactions: make([]domain.Transaction, 0, len(raw.Records)),
	}

	var warnings []string
	suppressed := 0
	warn := func(row int, field domain.Field, value, msg string) {
		if len(warnings) >= maxRowWarnings {
			suppressed++
			return
		}
		w := fmt.Sprintf("%s row %d: %s %q %s", raw.SourceFile, row+1, field, value, msg)
		warnings = append(warnings, w)
		n.logger.Warn("ledger cell coerced",
			zap.String("platform", string(raw.Platform)),
			zap.String("source_file", raw.SourceFile),
			zap.Int("row", row+1),
			zap.String("field", string(field)),
			zap.String("raw", value),
		)
	}

	fold := !fields[domain.FieldAmount] && fields[domain.FieldDebitAmount] && fields[domain.FieldCreditAmount]
	if fold {
		fields[domain.FieldAmount] = true
		fields[domain.FieldDirection] = true
		n.logger.Info("folding debit/credit columns into amount and direction",
			zap.String("source_file", raw.SourceFile),
		)
	}

	tables := n.rules.Current()
	for i, rec := range raw.Records {
		get := func(f domain.Field) string {
			return strings.TrimSpace(rec[cols.Column(f)])
		}

		tx := domain.Transaction{
			Platform:      raw.Platform,
			SourceFile:    raw.SourceFile,
			PayerName:     get(domain.FieldPayer),
			PayeeName:     get(domain.FieldPayee),
			DirectionFlag: get(domain.FieldDirection),
			Summary:       get(domain.FieldSummary),
			Remark:        get(domain.FieldRemark),
			TypeLabel:     get(domain.FieldType),
			BankName:      get(domain.FieldBankName),
			Account:       get(domain.FieldAccount),
			CashLabel:     domain.LabelTransfer,
		}

		if fold {
			debit, okD := parseAmount(get(domain.FieldDebitAmount))
			credit, okC := parseAmount(get(domain.FieldCreditAmount))
			if !okD {
				warn(i, domain.FieldDebitAmount, get(domain.FieldDebitAmount), "is not a number, treated as 0")
			}
			if !okC {
				warn(i, domain.FieldCreditAmount, get(domain.FieldCreditAmount), "is not a number, treated as 0")
			}
			switch {
			case !debit.IsZero():
				tx.Amount = debit.Abs().Neg()
				tx.DirectionFlag = cols.ExpenseFlag
			case !credit.IsZero():
				tx.Amount = credit.Abs()
				tx.DirectionFlag = cols.IncomeFlag
			default:
				tx.DirectionFlag = ""
			}
		} else if fields[domain.FieldAmount] {
			v := get(domain.FieldAmount)
			amt, ok := parseAmount(v)
			if !ok {
				warn(i, domain.FieldAmount, v, "is not a number, treated as 0")
			}
			tx.Amount = amt
		}

		if v := get(domain.FieldTimestamp); v != "" {
			ts, ok := parseTime(v, n.loc)
			if !ok {
				warn(i, domain.FieldTimestamp, v, "is not a timestamp, treated as unknown")
			}
			tx.Timestamp = ts
		}

		if v := get(domain.FieldBalance); v != "" {
			bal, ok := parseAmount(v)
			if ok {
				tx.BalanceAfter = decimal.NewNullDecimal(bal)
			} else {
				warn(i, domain.FieldBalance, v, "is not a number, ignored")
			}
		}

		if tx.BankName == "" && raw.Platform == domain.PlatformBank {
			if bank, ok := tables.BankForAccount(tx.Account); ok {
				tx.BankName = bank
			}
		}

		tx.ID = Fingerprint(&tx)
		b.Transactions = append(b.Transactions, tx)
	}

	for _, f := range []domain.Field{domain.FieldAmount, domain.FieldDirection, domain.FieldPayee, domain.FieldTimestamp} {
		if !fields[f] && len(raw.Records) > 0 {
			msg := fmt.Sprintf("%s: column for %s (%q) not found", raw.SourceFile, f, cols.Column(f))
			warnings = append(warnings, msg)
			n.logger.Warn("ledger column missing",
				zap.String("platform", string(raw.Platform)),
				zap.String("source_file", raw.SourceFile),
				zap.String("field", string(f)),
			)
		}
	}
	if suppressed > 0 {
		warnings = append(warnings, fmt.Sprintf("%s: %d further coerced cells not listed", raw.SourceFile, suppressed))
	}
	return b, warnings
}

func presentColumns(raw RawBatch) map[string]bool {
	present := make(map[string]bool)
	for _, h := range raw.Header {
		present[h] = true
	}
	if len(raw.Header) == 0 {
		for _, rec := range raw.Records {
			for k := range rec {
				present[k] = true
			}
		}
	}
	return present
}

// parseAmount reads a money cell. Blank cells are zero without complaint.
func parseAmount(s string) (decimal.Decimal, bool) {
	s = amountNoise.ReplaceAllString(s, "")
	if s == "" || s == "-" || s == "--" {
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parseTime(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
