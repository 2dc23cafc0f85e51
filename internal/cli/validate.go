package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/fedq/internal/config"
)

// ValidationResult is the JSON payload of the validate command.
type ValidationResult struct {
	Valid  bool           `json:"valid"`
	Path   string         `json:"path"`
	Config *config.Config `json:"config,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration file",
		Long: `Validate an engine configuration file without starting the engine.

The file is merged over the defaults together with FEDQ_* environment
variables, then checked against the configuration schema and the
cross-field rules (buffer limits, cluster node id).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if _, err := os.Stat(path); err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, err)
	}

	withPath := *opts
	withPath.ConfigPath = path
	cfg, err := withPath.loadConfig()
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeInvalidConfig, err)
	}
	f.VerboseLog("Loaded %s", path)

	if f.json() {
		return f.Success(ValidationResult{Valid: true, Path: path, Config: cfg})
	}

	w := f.Writer
	fmt.Fprintf(w, "✓ %s is valid\n", path)
	fmt.Fprintf(w, "  scheduler: %d workers, %d active plans, %s time slice\n",
		cfg.Scheduler.Workers(), cfg.Scheduler.MaxActivePlans, cfg.Scheduler.TimeSlice())
	fmt.Fprintf(w, "  buffer: %d reserved bytes, secondary storage %t (%s)\n",
		cfg.Buffer.MaxReservedBytes, cfg.Buffer.UseSecondaryStorage, cfg.Buffer.SpillBackend)
	fmt.Fprintf(w, "  result cache %q: active %t\n", cfg.ResultCache.Name, cfg.ResultCache.Active())
	fmt.Fprintf(w, "  plan cache %q: active %t\n", cfg.PlanCache.Name, cfg.PlanCache.Active())
	return nil
}
