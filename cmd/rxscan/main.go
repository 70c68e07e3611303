// Package main provides the rxscan command line tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is injected at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rxscan",
		Short:         "Analyse prescription text against a product catalog",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newAnalyzeCmd())
	return cmd
}
