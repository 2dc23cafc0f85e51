package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix is the environment variable prefix for overrides.
// FEDQ_SCHEDULER_MAXTHREADS=8 sets scheduler.maxThreads.
const EnvPrefix = "FEDQ_"

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Path is an optional YAML/JSON/TOML file. Empty means defaults only.
	Path string

	// Flags maps configuration keys (e.g. "scheduler.maxThreads") to command
	// line flags. A flag only overrides when it was explicitly set.
	Flags map[string]*pflag.Flag

	// Overrides sets configuration keys directly, above the file and below
	// the environment. Scenario files use it.
	Overrides map[string]any

	// Environ overrides os.Environ (for testing).
	Environ []string
}

// Load builds a Config from defaults, an optional file, overrides, FEDQ_*
// environment variables and bound flags, in increasing order of precedence. The result
// is validated against the embedded schema and cross-field rules.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", opts.Path, err)
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		// FEDQ_BUFFER_MAXRESERVEDBYTES -> buffer.maxreservedbytes
		propKey := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, EnvPrefix), "_", "."))
		v.Set(propKey, value)
	}

	// Env values are applied with Set, which outranks BindPFlag, so explicit
	// flags are applied the same way and after env.
	for key, flag := range opts.Flags {
		if flag == nil || !flag.Changed {
			continue
		}
		v.Set(key, flag.Value.String())
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ValidateSchema(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every leaf of d as a viper default so that partial
// files and env overrides merge over a complete configuration.
func setDefaults(v *viper.Viper, d *Config) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if child, ok := val.(map[string]any); ok {
				walk(key, child)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}

// ValidateSchema unifies cfg with the embedded CUE schema.
func ValidateSchema(cfg *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	val := ctx.Encode(cfg)
	if err := val.Err(); err != nil {
		return fmt.Errorf("config encode: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
