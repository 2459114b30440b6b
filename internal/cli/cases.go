package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/boddenberg/fundflow-forensics/internal/domain"
	"github.com/boddenberg/fundflow-forensics/internal/infra/sqlite"
	"github.com/boddenberg/fundflow-forensics/internal/service"
)

// NewCasesCommand creates the cases command group over a local case store.
func NewCasesCommand(rootOpts *RootOptions) *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Browse case reports kept by analyze --db",
	}
	cmd.PersistentFlags().StringVar(&db, "db", "fundflow.db", "SQLite case store")

	cmd.AddCommand(newCasesListCommand(rootOpts, &db))
	cmd.AddCommand(newCasesShowCommand(rootOpts, &db))
	cmd.AddCommand(newCasesDeleteCommand(rootOpts, &db))
	return cmd
}

func openStore(cmd *cobra.Command, f *OutputFormatter, db string) (*sqlite.Store, error) {
	store, err := sqlite.Open(db)
	if err != nil {
		return nil, f.Error(ExitCommandError, ErrCodeGeneric, "cannot open case store", err)
	}
	f.VerboseLog("Opened case store %s", db)
	return store, nil
}

func newCasesListCommand(rootOpts *RootOptions, db *string) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List stored cases, most recent first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(cmd, rootOpts)
			store, err := openStore(cmd, f, *db)
			if err != nil {
				return err
			}
			defer store.Close()

			cases, err := store.ListCases(cmd.Context())
			if err != nil {
				return f.Error(ExitCommandError, ErrCodeGeneric, "cannot list cases", err)
			}
			return f.Success(cases, nil, func(w io.Writer) {
				if len(cases) == 0 {
					fmt.Fprintln(w, "no stored cases")
					return
				}
				for _, c := range cases {
					line := fmt.Sprintf("%-20s %s  %6d rows  %6d flow records  run %s",
						c.CaseID, c.GeneratedAt.Format("2006-01-02 15:04"), c.Rows, c.FlowRecords, c.RunID)
					if c.Truncated {
						line += "  (truncated)"
					}
					fmt.Fprintln(w, line)
				}
			})
		},
	}
}

func newCasesShowCommand(rootOpts *RootOptions, db *string) *cobra.Command {
	var person string
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Print a stored case report",
		Long: `Print a stored case report. With --person, print only the flow records
that reach that person.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(cmd, rootOpts)
			store, err := openStore(cmd, f, *db)
			if err != nil {
				return err
			}
			defer store.Close()

			if person != "" {
				recs, err := store.CounterpartyRecords(cmd.Context(), args[0], person)
				if err != nil {
					return f.Error(ExitCommandError, ErrCodeGeneric, "cannot read flow records", err)
				}
				return f.Success(recs, nil, func(w io.Writer) {
					for _, r := range recs {
						fmt.Fprintf(w, "depth %d  %s  %s  %s  %s\n",
							r.HopDepth, formatTime(r.Timestamp), r.Platform, service.FormatAmount(r.Amount), r.Narrative)
					}
					fmt.Fprintf(w, "%d record(s) reach %s\n", len(recs), person)
				})
			}

			report, err := store.LoadReport(cmd.Context(), args[0])
			var nf *domain.ErrNotFound
			if errors.As(err, &nf) {
				return f.Error(ExitFailure, ErrCodeNotFound, "case not found", err)
			}
			if err != nil {
				return f.Error(ExitCommandError, ErrCodeGeneric, "cannot load report", err)
			}
			return f.Success(report, report.Warnings, func(w io.Writer) {
				renderReport(w, report)
			})
		},
	}
	cmd.Flags().StringVar(&person, "person", "", "only flow records reaching this person")
	return cmd
}

func newCasesDeleteCommand(rootOpts *RootOptions, db *string) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <case-id>",
		Short:         "Discard a stored case",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(cmd, rootOpts)
			store, err := openStore(cmd, f, *db)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteCase(cmd.Context(), args[0]); err != nil {
				return f.Error(ExitCommandError, ErrCodeGeneric, "cannot delete case", err)
			}
			return f.Success(map[string]string{"deleted": args[0]}, nil, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %s\n", args[0])
			})
		},
	}
}
