package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/fedq/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// configFlags binds command line flags to configuration keys.
	configFlags map[string]*pflag.Flag

	// Environ overrides os.Environ when loading configuration (for testing).
	Environ []string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fedq CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{configFlags: make(map[string]*pflag.Flag)}

	cmd := &cobra.Command{
		Use:   "fedq",
		Short: "fedq - federated query runtime",
		Long: `Run and inspect the federated query runtime core: tiered buffers,
scoped result and plan caches and the cooperative request scheduler.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "configuration file (yaml, json or toml)")
	flags.String("log-level", "info", "log level (debug|info|warn|error)")
	opts.bind("log.level", flags.Lookup("log-level"))

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))

	return cmd
}

// bind maps a flag onto a configuration key. Only explicitly set flags
// override the file and environment.
func (o *RootOptions) bind(key string, f *pflag.Flag) {
	if o.configFlags == nil {
		o.configFlags = make(map[string]*pflag.Flag)
	}
	o.configFlags[key] = f
}

// loadConfig loads configuration from --config, FEDQ_* variables and bound
// flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	return config.Load(config.LoadOptions{
		Path:    o.ConfigPath,
		Flags:   o.configFlags,
		Environ: o.Environ,
	})
}

// logger returns the process logger. Verbose forces debug level. Logs
// always go to w (stderr) so JSON output stays parseable.
func (o *RootOptions) logger(cfg *config.Config, w io.Writer) *slog.Logger {
	lc := cfg.Log
	if o.Verbose {
		lc.Level = "debug"
	}
	return lc.NewLogger(w)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
