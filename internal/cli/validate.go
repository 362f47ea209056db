package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codetango/codetango/internal/plan"
)

// ValidationResult holds plan validation results.
type ValidationResult struct {
	Valid  bool                   `json:"valid"`
	Errors []plan.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan.yaml>",
		Short: "Validate a run plan without launching anything",
		Long: `Validate a YAML run plan against the plan schema.

Checks syntax, field types, and semantic rules (at least two programs,
unique names, non-empty commands) without launching any program.

Examples:
  codetango validate plan.yaml
  codetango validate plan.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, planPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	// An unreadable plan is a command error, not a validation verdict.
	if _, err := os.Stat(planPath); err != nil {
		msg := fmt.Sprintf("cannot read plan file: %v", err)
		_ = formatter.Error(ErrCodePlan, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	formatter.VerboseLog("Validating plan: %s", planPath)

	violations := plan.Validate(planPath)
	if len(violations) > 0 {
		return outputValidationErrors(formatter, violations)
	}

	return outputValidateSuccess(formatter)
}

// outputValidateSuccess outputs a successful validation result.
func outputValidateSuccess(formatter *OutputFormatter) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}

	fmt.Fprintln(formatter.Writer, "✓ Plan valid")
	return nil
}

// outputValidationErrors outputs the collected schema violations.
func outputValidationErrors(formatter *OutputFormatter, errs []plan.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:  false,
				Errors: errs,
			},
			Error: &CLIError{
				Code:    ErrCodePlan,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (the plan is the thing under test)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		if err.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Field, err.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s\n\n", err.Message)
		}
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
