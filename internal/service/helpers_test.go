package service_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/observability"
	"github.com/boddenberg/fundflow-forensics/internal/rules"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

var allFields = map[domain.Field]bool{
	domain.FieldPayer:     true,
	domain.FieldPayee:     true,
	domain.FieldAmount:    true,
	domain.FieldDirection: true,
	domain.FieldSummary:   true,
	domain.FieldRemark:    true,
	domain.FieldType:      true,
	domain.FieldTimestamp: true,
}

func newBatch(p domain.Platform, rows ...domain.Transaction) *domain.Batch {
	fields := make(map[domain.Field]bool, len(allFields))
	for f := range allFields {
		fields[f] = true
	}
	for i := range rows {
		rows[i].Platform = p
		if rows[i].CashLabel == "" {
			rows[i].CashLabel = domain.LabelTransfer
		}
	}
	return &domain.Batch{
		Platform:     p,
		SourceFile:   string(p) + ".csv",
		Columns:      domain.DefaultColumnMap(p),
		Fields:       fields,
		Transactions: rows,
	}
}

// bankRow builds a bank row; a positive amount is credited (贷), a negative
// one debited (借).
func bankRow(summary, payee string, amount int64) domain.Transaction {
	flag := "贷"
	if amount < 0 {
		flag = "借"
	}
	return domain.Transaction{
		PayerName:     "张三",
		PayeeName:     payee,
		Amount:        decimal.NewFromInt(amount),
		DirectionFlag: flag,
		Summary:       summary,
	}
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 10, 0, 0, 0, time.UTC)
}

// edge builds a row in holder's ledger paying amount to counterparty.
func edge(holder, counterparty string, amount int64, ts time.Time) domain.Transaction {
	return domain.Transaction{
		PayerName: holder,
		PayeeName: counterparty,
		Amount:    decimal.NewFromInt(amount),
		Timestamp: ts,
	}
}

func mustParse(t *testing.T, yaml string) *rules.Provider {
	t.Helper()
	tables, err := rules.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	return rules.Static(tables)
}

func defaultRules() *rules.Provider {
	return rules.Static(rules.Defaults())
}

func newClassifier(p *rules.Provider) *service.Classifier {
	return service.NewClassifier(p, service.ShardOptions{}, observability.NewMetrics(), zap.NewNop())
}

func newTagger(p *rules.Provider) *service.Tagger {
	return service.NewTagger(p, service.ShardOptions{}, observability.NewMetrics(), zap.NewNop())
}

func newFlowTracer(p *rules.Provider, opts service.TraceOptions) *service.FlowTracer {
	return service.NewFlowTracer(p, opts, observability.NewMetrics(), zap.NewNop())
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
