// Package sqlite keeps case reports in a local SQLite file: a report sink for
// investigators working offline or a single-node API without Supabase.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

var tracer = otel.Tracer("sqlite")

// Store persists case reports and their flow records.
type Store struct {
	db *sql.DB
}

// CaseSummary is one stored case as listed by ListCases.
type CaseSummary struct {
	CaseID      string    `json:"case_id"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Rows        int       `json:"rows"`
	FlowRecords int       `json:"flow_records"`
	Truncated   bool      `json:"truncated"`
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ============================================================
// ReportSink
// ============================================================

// PublishReport replaces the stored report and flow records of the case in
// one transaction.
func (s *Store) PublishReport(ctx context.Context, report *domain.CaseReport) error {
	ctx, span := tracer.Start(ctx, "Store.PublishReport")
	defer span.End()
	span.SetAttributes(
		attribute.String("case.id", report.CaseID),
		attribute.Int("flow_records", len(report.Trace.Records)),
	)

	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO case_reports (case_id, run_id, generated_at, row_count, record_count, truncated, report)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			run_id = excluded.run_id,
			generated_at = excluded.generated_at,
			row_count = excluded.row_count,
			record_count = excluded.record_count,
			truncated = excluded.truncated,
			report = excluded.report
	`,
		report.CaseID,
		report.RunID,
		report.GeneratedAt.UTC().Format(time.RFC3339Nano),
		report.Rows(),
		len(report.Trace.Records),
		report.Trace.Truncated,
		blob,
	); err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM flow_records WHERE case_id = ?`, report.CaseID); err != nil {
		return fmt.Errorf("clear flow records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO flow_records
		(case_id, seq, hop_depth, core_person, related_person, parent_person, ts, amount, direction, amount_tier, platform, flow_kind, narrative)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare flow records: %w", err)
	}
	defer stmt.Close()

	for i, r := range report.Trace.Records {
		ts := ""
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp.Format(time.RFC3339)
		}
		if _, err := stmt.ExecContext(ctx,
			report.CaseID, i, r.HopDepth, r.CorePerson, r.RelatedPerson, r.ParentPerson,
			ts, r.Amount.String(), string(r.Direction), r.AmountTier, string(r.Platform),
			string(r.FlowKind), r.Narrative,
		); err != nil {
			return fmt.Errorf("insert flow record %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

// DeleteCase removes the case's report; flow records cascade.
func (s *Store) DeleteCase(ctx context.Context, caseID string) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteCase")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM case_reports WHERE case_id = ?`, caseID); err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	return nil
}

// ============================================================
// Reads
// ============================================================

// LoadReport returns the stored report of a case.
func (s *Store) LoadReport(ctx context.Context, caseID string) (*domain.CaseReport, error) {
	ctx, span := tracer.Start(ctx, "Store.LoadReport")
	defer span.End()

	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT report FROM case_reports WHERE case_id = ?`, caseID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "case", ID: caseID}
	}
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}

	var report domain.CaseReport
	if err := json.Unmarshal(blob, &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", caseID, err)
	}
	return &report, nil
}

// ListCases lists stored cases, most recent first.
func (s *Store) ListCases(ctx context.Context) ([]CaseSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, run_id, generated_at, row_count, record_count, truncated
		FROM case_reports
		ORDER BY generated_at DESC, case_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []CaseSummary
	for rows.Next() {
		var (
			c  CaseSummary
			at string
		)
		if err := rows.Scan(&c.CaseID, &c.RunID, &at, &c.Rows, &c.FlowRecords, &c.Truncated); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		c.GeneratedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CounterpartyRecords returns the case's flow records that reach person, in
// emission order.
func (s *Store) CounterpartyRecords(ctx context.Context, caseID, person string) ([]domain.FlowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hop_depth, core_person, related_person, parent_person, ts, amount, direction, amount_tier, platform, flow_kind, narrative
		FROM flow_records
		WHERE case_id = ? AND related_person = ?
		ORDER BY seq
	`, caseID, person)
	if err != nil {
		return nil, fmt.Errorf("query flow records: %w", err)
	}
	defer rows.Close()

	var out []domain.FlowRecord
	for rows.Next() {
		var (
			r         domain.FlowRecord
			ts        string
			amount    string
			direction string
			platform  string
			kind      string
		)
		if err := rows.Scan(&r.HopDepth, &r.CorePerson, &r.RelatedPerson, &r.ParentPerson,
			&ts, &amount, &direction, &r.AmountTier, &platform, &kind, &r.Narrative); err != nil {
			return nil, fmt.Errorf("scan flow record: %w", err)
		}
		if ts != "" {
			r.Timestamp, _ = time.Parse(time.RFC3339, ts)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("flow record amount %q: %w", amount, err)
		}
		r.Direction = domain.Direction(direction)
		r.Platform = domain.Platform(platform)
		r.FlowKind = domain.FlowKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}
