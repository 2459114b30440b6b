package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/sqlite"
	"github.com/boddenberg/fundflow-forensics/internal/port"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

// traceFlags are the tracing budget flags of trace and analyze.
type traceFlags struct {
	timeout     time.Duration
	maxBranches int64
	maxRecords  int
}

func (f *traceFlags) bind(cmd *cobra.Command) {
	def := service.DefaultTraceOptions()
	cmd.Flags().DurationVar(&f.timeout, "timeout", def.Timeout, "tracing deadline")
	cmd.Flags().Int64Var(&f.maxBranches, "max-branches", def.MaxBranches, "tracing branch budget")
	cmd.Flags().IntVar(&f.maxRecords, "max-records", def.MaxRecords, "flow record cap")
}

func (f *traceFlags) options() service.TraceOptions {
	opts := service.DefaultTraceOptions()
	if f != nil {
		opts.Timeout = f.timeout
		opts.MaxBranches = f.maxBranches
		opts.MaxRecords = f.maxRecords
	}
	return opts
}

// runPipeline loads the inputs and runs the pipeline up to stage.
func runPipeline(cmd *cobra.Command, opts *RootOptions, in InputOptions, tf *traceFlags, caseID string, stage service.Stage, sink port.ReportSink) (*domain.CaseReport, *OutputFormatter, error) {
	formatter := formatterFor(cmd, opts)

	logger := newLogger(cmd, opts.Verbose)
	defer logger.Sync()

	raws, err := LoadInputs(in)
	if err != nil {
		return nil, formatter, formatter.Error(ExitCommandError, ErrCodeInput, "cannot read input", err)
	}
	formatter.VerboseLog("Loaded %d batch(es) from %d file(s)", len(raws), len(in.Inputs))

	svc, _, stop, err := newService(opts, tf.options(), sink, logger)
	if err != nil {
		return nil, formatter, formatter.Error(ExitCommandError, ErrCodeRules, "cannot load rule tables", err)
	}
	defer stop()

	var report *domain.CaseReport
	if caseID != "" {
		report, err = svc.Analyze(cmd.Context(), caseID, raws)
	} else {
		report, err = svc.Run(cmd.Context(), "", raws, stage)
	}
	if err != nil {
		return nil, formatter, formatter.Error(ExitCommandError, ErrCodeAnalysis, "analysis failed", err)
	}
	return report, formatter, nil
}

// ============================================================
// classify
// ============================================================

// NewClassifyCommand creates the classify command.
func NewClassifyCommand(rootOpts *RootOptions) *cobra.Command {
	var in InputOptions
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Label cash deposits and withdrawals",
		Long: `Classify every row of the given exports as transfer, cash deposit or cash
withdrawal, with a confidence and the rule that decided it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, f, err := runPipeline(cmd, rootOpts, in, nil, "", service.StageClassify, nil)
			if err != nil {
				return err
			}
			data := map[string]any{"batches": report.Batches, "classification": report.Classification}
			return f.Success(data, report.Warnings, func(w io.Writer) {
				renderClassification(w, report)
			})
		},
	}
	in.bind(cmd)
	return cmd
}

func renderClassification(w io.Writer, report *domain.CaseReport) {
	for i, b := range report.Batches {
		st := report.Classification[i]
		fmt.Fprintf(w, "%s (%s): %d rows, transfer %d, deposit %d, withdrawal %d",
			b.Platform, b.SourceFile, st.Total,
			st.Counts[domain.LabelTransfer], st.Counts[domain.LabelDeposit], st.Counts[domain.LabelWithdrawal])
		if st.HighConfidence+st.MediumConfidence+st.LowConfidence > 0 {
			fmt.Fprintf(w, ", avg confidence %.2f (high %d, medium %d, low %d)",
				st.AverageConfidence, st.HighConfidence, st.MediumConfidence, st.LowConfidence)
		}
		fmt.Fprintln(w)

		for _, tx := range b.Transactions {
			if tx.CashLabel == domain.LabelTransfer {
				continue
			}
			fmt.Fprintf(w, "  %s  %-10s %.2f  %14s  %s [%s]\n",
				formatTime(tx.Timestamp), tx.CashLabel, tx.Confidence,
				service.FormatAmount(tx.Amount), tx.PayerName, tx.Reason)
		}
	}
}

// ============================================================
// tag
// ============================================================

// NewTagCommand creates the tag command.
func NewTagCommand(rootOpts *RootOptions) *cobra.Command {
	var in InputOptions
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Tag work, asset and large-amount transactions",
		Long: `Classify and tag the given exports, then summarize key transactions per
ledger holder: work income, asset income by kind and large amounts per band.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, f, err := runPipeline(cmd, rootOpts, in, nil, "", service.StageTag, nil)
			if err != nil {
				return err
			}
			data := map[string]any{"batches": report.Batches, "key_stats": report.KeyStats}
			return f.Success(data, report.Warnings, func(w io.Writer) {
				renderKeyStats(w, report.KeyStats)
			})
		},
	}
	in.bind(cmd)
	return cmd
}

func renderKeyStats(w io.Writer, stats []domain.PersonKeyStats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "no key transactions")
		return
	}
	for _, s := range stats {
		fmt.Fprintln(w, s.Person)
		if s.WorkIncomeCount > 0 {
			fmt.Fprintf(w, "  work income: %d rows, %s", s.WorkIncomeCount, service.FormatAmount(s.WorkIncomeAmount))
			if len(s.WorkUnits) > 0 {
				fmt.Fprintf(w, " (%s)", strings.Join(s.WorkUnits, ", "))
			}
			fmt.Fprintln(w)
		}
		if s.AssetIncomeCount > 0 {
			kinds := make([]string, 0, len(s.AssetBySubtype))
			for k := range s.AssetBySubtype {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			parts := make([]string, 0, len(kinds))
			for _, k := range kinds {
				parts = append(parts, k+" "+service.FormatAmount(s.AssetBySubtype[k]))
			}
			fmt.Fprintf(w, "  asset income: %d rows, %s (%s)\n",
				s.AssetIncomeCount, service.FormatAmount(s.AssetIncomeAmount), strings.Join(parts, "; "))
		}
		renderBands(w, "large income", s.LargeIncomeCount, s.LargeIncomeBands)
		renderBands(w, "large expense", s.LargeExpenseCount, s.LargeExpenseBands)
	}
}

func renderBands(w io.Writer, label string, count int, bands []domain.BandStats) {
	if count == 0 {
		return
	}
	parts := make([]string, 0, len(bands))
	for _, b := range bands {
		parts = append(parts, fmt.Sprintf("%s x%d %s", b.Band, b.Count, service.FormatAmount(b.Amount)))
	}
	fmt.Fprintf(w, "  %s: %d rows (%s)\n", label, count, strings.Join(parts, "; "))
}

// ============================================================
// trace
// ============================================================

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	var in InputOptions
	var tf traceFlags
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace large fund flows across people and platforms",
		Long: `Follow large-amount transactions from person to person within the
configured time window and depth, across every given export, and print
monthly source/destination summaries.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, f, err := runPipeline(cmd, rootOpts, in, &tf, "", service.StageTrace, nil)
			if err != nil {
				return err
			}
			return f.Success(report.Trace, report.Warnings, func(w io.Writer) {
				renderTrace(w, report.Trace)
			})
		},
	}
	in.bind(cmd)
	tf.bind(cmd)
	return cmd
}

func renderTrace(w io.Writer, trace domain.TraceResult) {
	for _, r := range trace.Records {
		if r.FlowKind == domain.FlowMonthlySummary {
			fmt.Fprintf(w, "[%s] %s\n", r.AmountTier, r.Narrative)
			continue
		}
		fmt.Fprintf(w, "%s%s  %s  %s\n", strings.Repeat("  ", r.HopDepth+1), formatTime(r.Timestamp), r.Platform, r.Narrative)
	}
	s := trace.Summary
	fmt.Fprintf(w, "%d records, %d people, max depth %d\n", s.TotalRecords, s.People, s.MaxDepth)
	if trace.Truncated {
		fmt.Fprintf(w, "truncated: %s\n", trace.TruncatedReason)
	}
}

// ============================================================
// analyze
// ============================================================

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	var in InputOptions
	var tf traceFlags
	var caseID, out, db string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the full pipeline and write a case report",
		Long: `Normalize, merge, classify, tag and trace every given export as one
case. The full report is written as JSON with --out and kept in a local
SQLite case store with --db.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sink port.ReportSink
			if db != "" {
				store, err := sqlite.Open(db)
				if err != nil {
					return formatterFor(cmd, rootOpts).Error(ExitCommandError, ErrCodeGeneric, "cannot open case store", err)
				}
				defer store.Close()
				sink = store
			}

			report, f, err := runPipeline(cmd, rootOpts, in, &tf, caseID, service.StageTrace, sink)
			if err != nil {
				return err
			}
			if out != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return f.Error(ExitCommandError, ErrCodeGeneric, "cannot encode report", err)
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return f.Error(ExitCommandError, ErrCodeGeneric, "cannot write report", err)
				}
				f.VerboseLog("Report written to %s", out)
			}
			return f.Success(report, report.Warnings, func(w io.Writer) {
				renderReport(w, report)
			})
		},
	}
	in.bind(cmd)
	tf.bind(cmd)
	cmd.Flags().StringVar(&caseID, "case", "local", "case identifier")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the full JSON report to this file")
	cmd.Flags().StringVar(&db, "db", "", "also store the report in this SQLite case store")
	return cmd
}

func renderReport(w io.Writer, report *domain.CaseReport) {
	fmt.Fprintf(w, "case %s, run %s: %d rows in %d batch(es)\n\n", report.CaseID, report.RunID, report.Rows(), len(report.Batches))
	renderClassification(w, report)
	fmt.Fprintln(w)
	renderKeyStats(w, report.KeyStats)
	fmt.Fprintln(w)
	renderTrace(w, report.Trace)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "----------------"
	}
	return t.Format("2006-01-02 15:04")
}
