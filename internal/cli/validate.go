package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/automata/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool              `json:"valid"`
	Descriptors []DescriptorInfo  `json:"descriptors,omitempty"`
	Errors      []ValidationError `json:"errors,omitempty"`
}

// DescriptorInfo summarizes one compiled descriptor.
type DescriptorInfo struct {
	Name       string   `json:"name"`
	EventTypes []string `json:"eventTypes"`
}

// ValidationError is one compile failure with its source position.
type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <descriptors>",
		Short: "Compile CUE descriptors without touching a store",
		Long: `Compile automata descriptors from a CUE file or directory and report the
first problem found: missing fields, an empty event list, a transition
that does not compile or a non-concrete initial state.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(path); err != nil {
		_ = formatter.Error(ErrCodeInput, fmt.Sprintf("descriptors not found: %s", path), nil)
		return WrapExitError(ExitCommandError, "descriptors not found", err)
	}

	descs, err := compiler.Load(path)
	if err != nil {
		return outputValidationErrors(formatter, []ValidationError{toValidationError(err)})
	}

	infos := make([]DescriptorInfo, len(descs))
	for i, d := range descs {
		formatter.VerboseLog("Compiled descriptor: %s", d.Name)
		infos[i] = DescriptorInfo{Name: d.Name, EventTypes: d.EventTypes()}
	}
	return outputValidateSuccess(formatter, infos)
}

func toValidationError(err error) ValidationError {
	var cErr *compiler.CompileError
	if !errors.As(err, &cErr) {
		return ValidationError{Message: err.Error()}
	}
	ve := ValidationError{Field: cErr.Field, Message: cErr.Message}
	if cErr.Pos.IsValid() {
		ve.File = cErr.Pos.Filename()
		ve.Line = cErr.Pos.Line()
	}
	return ve
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, infos []DescriptorInfo) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Descriptors: infos})
	}

	fmt.Fprintf(formatter.Writer, "✓ %d descriptor(s) valid\n", len(infos))
	for _, d := range infos {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", d.Name, strings.Join(d.EventTypes, ", "))
	}
	return nil
}

// outputValidationErrors outputs validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    ErrCodeCompile,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d\n", err.File, err.Line)
		}
		if err.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Field, err.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s\n\n", err.Message)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
