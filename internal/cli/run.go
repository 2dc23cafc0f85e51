package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/fedq/internal/harness"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Trace bool // print canonical trace lines instead of the summary
}

// RunReport is the JSON payload of the run command.
type RunReport struct {
	Name   string               `json:"name"`
	Pass   bool                 `json:"pass"`
	Trace  []harness.TraceEvent `json:"trace"`
	Errors []string             `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Run one scenario against a fresh engine",
		Long: `Run a YAML scenario against a fresh in-process engine and print its trace.

The scenario deploys units, submits commands, drains and cancels requests
and withdraws units. Steps run in order against a manual clock, so the
trace is identical on every run.

Examples:
  fedq run ./scenarios/result_cache_hit.yaml
  fedq run ./scenarios/withdraw_clears_unit.yaml --trace
  fedq run ./scenarios/withdraw_clears_unit.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the canonical trace (golden file format)")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, err)
	}
	f.VerboseLog("Running scenario %s: %s", scenario.Name, scenario.Description)

	ctx, stop := signalContext(cmd)
	defer stop()

	result, err := harness.Run(ctx, scenario, harness.WithLogger(scenarioLogger(opts.RootOptions, f.GetErrWriter())))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeScenario, err)
	}

	if f.json() {
		report := RunReport{Name: scenario.Name, Pass: result.Pass, Trace: result.Trace, Errors: result.Errors}
		resp := CLIResponse{Status: "ok", Data: report}
		if !result.Pass {
			resp.Status = "error"
			resp.Error = &CLIError{Code: ErrCodeTestFailed, Message: fmt.Sprintf("scenario %s failed", scenario.Name)}
		}
		if err := f.encode(resp); err != nil {
			return err
		}
	} else if err := writeRunText(f.Writer, opts.Trace, scenario, result); err != nil {
		return err
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", scenario.Name))
	}
	return nil
}

func writeRunText(w io.Writer, canonical bool, scenario *harness.Scenario, result *harness.Result) error {
	if canonical {
		data, err := harness.FormatTrace(result.Trace)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	for _, event := range result.Trace {
		fmt.Fprintf(w, "[%d] %s %s", event.Seq, event.Op, event.Target())
		if event.Outcome != "" {
			fmt.Fprintf(w, " (%s)", event.Outcome)
		}
		if event.Op == harness.OpDrain {
			fmt.Fprintf(w, " rows=%d cached=%t", event.Rows, event.Cached)
		}
		fmt.Fprintln(w)
	}
	if result.Pass {
		fmt.Fprintf(w, "✓ %s\n", scenario.Name)
		return nil
	}
	fmt.Fprintf(w, "✗ %s\n", scenario.Name)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
	return nil
}

// scenarioLogger returns a debug logger on w when verbose and a discarding
// logger otherwise.
func scenarioLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	if !opts.Verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// signalContext derives a context from the command's that is cancelled on
// SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
