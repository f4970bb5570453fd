package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	fv "github.com/medvertical/fhir-validation-engine"
	"github.com/medvertical/fhir-validation-engine/config"
	"github.com/medvertical/fhir-validation-engine/engine"
)

var errValidationFailed = errors.New("one or more resources failed validation")

type resourceOutput struct {
	Resource string        `json:"resource"`
	Valid    bool          `json:"valid"`
	Errors   int           `json:"errors"`
	Warnings int           `json:"warnings"`
	Info     int           `json:"info"`
	Issues   []issueOutput `json:"issues,omitempty"`
	Duration string        `json:"duration"`
}

type issueOutput struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Aspect      string   `json:"aspect,omitempty"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func newValidateCmd(cfg *config.Config) *cobra.Command {
	var (
		fhirVersion string
		output      string
		strict      bool
		terminology bool
		references  bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate one or more FHIR resources",
		Long: `validate runs the configured aspects over one or more FHIR
resources read from files, or from stdin when the argument is "-".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseFHIRVersion(fhirVersion)
			if err != nil {
				return err
			}
			if output != "text" && output != "json" {
				return fmt.Errorf("unsupported output format %q (want text or json)", output)
			}

			v, err := engine.New(cmd.Context(), version,
				fv.WithStrictMode(strict),
				fv.WithTerminology(terminology),
				fv.WithReferences(references),
			)
			if err != nil {
				return fmt.Errorf("build validator: %w", err)
			}
			defer v.Close()

			// No settings.Service is wired for a one-shot validate run,
			// so the terminology router always falls back to its
			// built-in default servers.
			termCache, err := wireServices(v, version, cfg.RedisAddr, nil)
			if err != nil {
				return fmt.Errorf("wire validator services: %w", err)
			}
			defer termCache.Close() //nolint:errcheck

			var outputs []resourceOutput
			hasErrors := false

			for _, path := range args {
				out, fileHasErrors, err := validateFile(cmd.Context(), v, path)
				if err != nil {
					return err
				}
				outputs = append(outputs, out)
				if fileHasErrors {
					hasErrors = true
				}
				if output == "text" && !quiet {
					printTextResult(cmd.OutOrStdout(), out)
				}
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(outputs); err != nil {
					return fmt.Errorf("encode output: %w", err)
				}
			}

			if hasErrors {
				return errValidationFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&fhirVersion, "fhir-version", "r", string(fv.R4), "FHIR version (R4, R4B, R5)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json)")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	cmd.Flags().BoolVar(&terminology, "terminology", false, "enable terminology validation")
	cmd.Flags().BoolVar(&references, "references", false, "enable reference validation")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress the per-resource text output")

	return cmd
}

func validateFile(ctx context.Context, v *engine.Validator, path string) (resourceOutput, bool, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return resourceOutput{}, false, fmt.Errorf("read %s: %w", path, err)
	}

	start := time.Now()
	result, err := v.Validate(ctx, data)
	if err != nil {
		return resourceOutput{}, false, fmt.Errorf("validate %s: %w", path, err)
	}
	duration := time.Since(start)

	out := resourceOutput{
		Resource: path,
		Valid:    !result.HasErrors(),
		Errors:   result.ErrorCount(),
		Warnings: result.WarningCount(),
		Info:     informationCount(result),
		Duration: duration.Round(time.Microsecond).String(),
	}
	for _, iss := range result.Issues {
		out.Issues = append(out.Issues, issueOutput{
			Severity:    string(iss.Severity),
			Code:        string(iss.Code),
			Aspect:      string(iss.Aspect),
			Diagnostics: iss.Diagnostics,
			Expression:  iss.Expression,
		})
	}
	return out, result.HasErrors(), nil
}

func informationCount(result *fv.Result) int {
	count := 0
	for _, iss := range result.Issues {
		if iss.Severity == fv.SeverityInformation {
			count++
		}
	}
	return count
}

func printTextResult(w io.Writer, out resourceOutput) {
	status := "VALID"
	if !out.Valid {
		status = "INVALID"
	}

	fmt.Fprintf(w, "== %s ==\n", out.Resource)
	fmt.Fprintf(w, "Status: %s\n", status)
	fmt.Fprintf(w, "Errors: %d, Warnings: %d, Info: %d (%s)\n", out.Errors, out.Warnings, out.Info, out.Duration)

	if len(out.Issues) > 0 {
		fmt.Fprintln(w, "\nIssues:")
		for _, iss := range out.Issues {
			location := ""
			if len(iss.Expression) > 0 {
				location = fmt.Sprintf(" @ %s", iss.Expression[0])
			}
			fmt.Fprintf(w, "  [%s] %s: %s%s\n", iss.Severity, iss.Aspect, iss.Diagnostics, location)
		}
	}
	fmt.Fprintln(w)
}
