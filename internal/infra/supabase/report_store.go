package supabase

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
)

// flowRecordChunk bounds the rows sent per insert request.
const flowRecordChunk = 500

// ============================================================
// Case reports (implements port.ReportSink)
// ============================================================

type caseReportRow struct {
	CaseID         string                       `json:"case_id"`
	RunID          string                       `json:"run_id"`
	Rows           int                          `json:"rows"`
	FlowRecords    int                          `json:"flow_records"`
	Truncated      bool                         `json:"truncated"`
	Classification []domain.ClassificationStats `json:"classification"`
	KeyStats       []domain.PersonKeyStats      `json:"key_stats"`
	Summary        domain.TraceSummary          `json:"summary"`
	Warnings       []string                     `json:"warnings"`
	GeneratedAt    time.Time                    `json:"generated_at"`
}

type flowRecordRow struct {
	CaseID string `json:"case_id"`
	RunID  string `json:"run_id"`
	Seq    int    `json:"seq"`
	domain.FlowRecord
}

// PublishReport upserts the case summary row and replaces the case's flow
// records with the ones from this run.
func (c *Client) PublishReport(ctx context.Context, report *domain.CaseReport) error {
	ctx, span := tracer.Start(ctx, "Supabase.PublishReport")
	defer span.End()
	span.SetAttributes(
		attribute.String("case.id", report.CaseID),
		attribute.Int("flow_records", len(report.Trace.Records)),
	)

	summary := caseReportRow{
		CaseID:         report.CaseID,
		RunID:          report.RunID,
		Rows:           report.Rows(),
		FlowRecords:    len(report.Trace.Records),
		Truncated:      report.Trace.Truncated,
		Classification: report.Classification,
		KeyStats:       report.KeyStats,
		Summary:        report.Trace.Summary,
		Warnings:       report.Warnings,
		GeneratedAt:    report.GeneratedAt,
	}
	err := c.execute(ctx, "supabase/case_reports", func() error {
		return c.doPost(ctx, "case_reports?on_conflict=case_id", summary, "resolution=merge-duplicates,return=minimal")
	})
	if err != nil {
		return err
	}

	caseFilter := "flow_records?case_id=eq." + url.QueryEscape(report.CaseID)
	if err := c.execute(ctx, "supabase/flow_records", func() error {
		return c.doDelete(ctx, caseFilter)
	}); err != nil {
		return err
	}

	records := report.Trace.Records
	for lo := 0; lo < len(records); lo += flowRecordChunk {
		hi := min(lo+flowRecordChunk, len(records))
		rows := make([]flowRecordRow, 0, hi-lo)
		for i := lo; i < hi; i++ {
			rows = append(rows, flowRecordRow{CaseID: report.CaseID, RunID: report.RunID, Seq: i, FlowRecord: records[i]})
		}
		if err := c.execute(ctx, "supabase/flow_records", func() error {
			return c.doPost(ctx, "flow_records", rows, "return=minimal")
		}); err != nil {
			return fmt.Errorf("flow records %d-%d: %w", lo, hi, err)
		}
	}

	c.logger.Info("case report published",
		zap.String("case_id", report.CaseID),
		zap.String("run_id", report.RunID),
		zap.Int("flow_records", len(records)),
	)
	return nil
}

// DeleteCase removes the case's flow records and summary row.
func (c *Client) DeleteCase(ctx context.Context, caseID string) error {
	ctx, span := tracer.Start(ctx, "Supabase.DeleteCase")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", caseID))

	filter := "?case_id=eq." + url.QueryEscape(caseID)
	for _, table := range []string{"flow_records", "case_reports"} {
		if err := c.execute(ctx, "supabase/"+table, func() error {
			return c.doDelete(ctx, table+filter)
		}); err != nil {
			return err
		}
	}
	return nil
}
