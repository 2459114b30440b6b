// Package cli implements the fundflow investigator command line: offline
// classification, tagging and fund-flow tracing of exported ledgers.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Rules    string // rule tables YAML; empty uses the built-in defaults
	Timezone string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fundflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fundflow",
		Short: "fundflow - financial forensics over bank, WeChat and Alipay exports",
		Long: `Classify cash operations, tag key transactions and trace large fund
flows across the bank, WeChat and Alipay ledgers of a case.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Rules, "rules", "", "rule tables YAML (defaults when empty)")
	cmd.PersistentFlags().StringVar(&opts.Timezone, "tz", "Asia/Shanghai", "timezone of export timestamps without an offset")

	// Add subcommands
	cmd.AddCommand(NewClassifyCommand(opts))
	cmd.AddCommand(NewTagCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewAnalyzeCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewCasesCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}
