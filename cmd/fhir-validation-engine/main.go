// Command fhir-validation-engine is the operator-facing entry point for
// the validation engine: one-shot resource validation, bulk server
// walks, settings management, and queue inspection.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "fhir-validation-engine",
		Short: "Validate FHIR resources and orchestrate bulk validation runs",
		Long: `fhir-validation-engine validates FHIR resources against the six
validation aspects (structural, profile, terminology, reference,
business-rule, metadata), and drives bulk validation walks, settings
management, and queue inspection for a validation server.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "sqlite database path (defaults to ./fhir-validation-engine.db)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "optional shared Redis tier for the terminology cache (host:port)")

	root.AddCommand(newValidateCmd(&cfg))
	root.AddCommand(newBulkCmd(&cfg))
	root.AddCommand(newSettingsCmd(&cfg))
	root.AddCommand(newQueueCmd())

	return root
}

// parseFHIRVersion validates a --fhir-version flag value.
func parseFHIRVersion(raw string) (fv.FHIRVersion, error) {
	version := fv.FHIRVersion(strings.ToUpper(raw))
	if !version.IsValid() {
		return "", fmt.Errorf("unsupported FHIR version %q (want R4, R4B, or R5)", raw)
	}
	return version, nil
}
