package main

import (
	"errors"
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/boddenberg/fundflow-forensics/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
