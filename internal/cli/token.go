package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/boddenberg/fundflow-forensics/internal/service"
)

type tokenResult struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Cases     []string  `json:"cases,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command, which issues investigator
// tokens for the HTTP API.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
		cases   []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an investigator token for the API",
		Long: `Sign an HS256 investigator token with the API's JWT secret. Repeat --case
to scope the token to specific cases; without --case it grants every case.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(cmd, rootOpts)
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return f.Error(ExitCommandError, ErrCodeInput, "no signing secret", errors.New("pass --secret or set JWT_SECRET"))
			}

			tokens, err := service.NewTokenService(secret)
			if err != nil {
				return f.Error(ExitCommandError, ErrCodeInput, "invalid secret", err)
			}
			signed, err := tokens.Issue(subject, ttl, cases...)
			if err != nil {
				return f.Error(ExitCommandError, ErrCodeGeneric, "cannot sign token", err)
			}

			res := tokenResult{Token: signed, Subject: subject, Cases: cases, ExpiresAt: time.Now().Add(ttl).UTC()}
			return f.Success(res, nil, func(w io.Writer) {
				fmt.Fprintln(w, signed)
			})
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (defaults to $JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "", "investigator identifier")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().StringArrayVar(&cases, "case", nil, "case the token may access; repeatable")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
