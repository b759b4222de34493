// Package main is the entry point for the fhirbridge command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCommand(version, commit).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(version, commit string) *cobra.Command {
	root := &cobra.Command{
		Use:   "fhirbridge",
		Short: "Rule based FHIR to DHIS2 tracker transformation engine",
		Long: `fhirbridge transforms FHIR resources into DHIS2 tracker resources and back
using configured rules and scripts, and translates FHIR search parameters into
tracker queries.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand(version, commit))
	root.AddCommand(newValidateCommand())
	root.AddCommand(newTranslateCommand())
	root.AddCommand(newExportCommand(version, commit))
	root.AddCommand(newTransformCommand())

	return root
}
