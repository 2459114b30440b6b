package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/boddenberg/fundflow-forensics/internal/rules"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rule tables",
	}
	cmd.AddCommand(newRulesShowCommand(rootOpts))
	cmd.AddCommand(newRulesCheckCommand(rootOpts))
	return cmd
}

func newRulesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the effective rule tables as YAML",
		Long:          "Print the rule tables in effect: the --rules file merged over the built-in defaults.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(cmd, rootOpts)
			t, err := rules.Load(rootOpts.Rules)
			if err != nil {
				return f.Error(ExitFailure, ErrCodeRules, "invalid rule tables", err)
			}
			data, err := rules.Marshal(t)
			if err != nil {
				return f.Error(ExitCommandError, ErrCodeGeneric, "cannot encode rule tables", err)
			}
			return f.Success(t.Source(), t.Warnings(), func(w io.Writer) {
				_, _ = w.Write(data)
			})
		},
	}
}

func newRulesCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a rule tables file",
		Long: `Parse and compile a rule tables file. Exits 1 when the file is invalid;
rules disabled by empty keyword lists are reported as warnings.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(cmd, rootOpts)
			t, err := rules.Load(args[0])
			if err != nil {
				return f.Error(ExitFailure, ErrCodeRules, "invalid rule tables", err)
			}
			warnings := t.Warnings()
			data := map[string]any{"path": args[0], "valid": true}
			return f.Success(data, warnings, func(w io.Writer) {
				fmt.Fprintf(w, "%s: ok (%d warning(s))\n", args[0], len(warnings))
			})
		},
	}
}

func formatterFor(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
