package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, ValidateSchema(cfg))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultResultCacheName, cfg.ResultCache.Name)
	assert.Equal(t, DefaultPlanCacheName, cfg.PlanCache.Name)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load(LoadOptions{Environ: []string{}})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fedq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  maxActivePlans: 2
  timeSliceMillis: 50
buffer:
  maxReservedBytes: 33554432
  spillBackend: sqlite
resultCache:
  maxStalenessSeconds: 0
`), 0o644))

	cfg, err := Load(LoadOptions{Path: path, Environ: []string{}})
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduler.MaxActivePlans)
	assert.Equal(t, 50, cfg.Scheduler.TimeSliceMillis)
	assert.Equal(t, int64(32*mib), cfg.Buffer.MaxReservedBytes)
	assert.Equal(t, "sqlite", cfg.Buffer.SpillBackend)
	assert.False(t, cfg.ResultCache.Active(), "zero staleness disables caching")

	// untouched keys keep defaults
	assert.Equal(t, 64, cfg.Scheduler.MaxThreads)
	assert.Equal(t, DefaultResultCacheName, cfg.ResultCache.Name)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fedq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  maxThreads: 4\n"), 0o644))

	cfg, err := Load(LoadOptions{
		Path:    path,
		Environ: []string{"FEDQ_SCHEDULER_MAXTHREADS=8", "OTHER_VAR=1", "FEDQ_LOG_LEVEL=debug"},
	})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.MaxThreads)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestLoad_OverridesBetweenFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fedq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  maxThreads: 4\n  maxActivePlans: 2\n"), 0o644))

	cfg, err := Load(LoadOptions{
		Path: path,
		Overrides: map[string]any{
			"scheduler.maxThreads":       6,
			"scheduler.maxActivePlans":   5,
			"buffer.useSecondaryStorage": false,
		},
		Environ: []string{"FEDQ_SCHEDULER_MAXACTIVEPLANS=3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Scheduler.MaxThreads)
	assert.Equal(t, 3, cfg.Scheduler.MaxActivePlans, "env outranks overrides")
	assert.False(t, cfg.Buffer.UseSecondaryStorage)
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("max-active-plans", 20, "")
	fs.Int("time-slice", 2000, "")
	require.NoError(t, fs.Parse([]string{"--max-active-plans=3"}))

	cfg, err := Load(LoadOptions{
		Environ: []string{"FEDQ_SCHEDULER_MAXACTIVEPLANS=7", "FEDQ_SCHEDULER_TIMESLICEMILLIS=100"},
		Flags: map[string]*pflag.Flag{
			"scheduler.maxActivePlans":  fs.Lookup("max-active-plans"),
			"scheduler.timeSliceMillis": fs.Lookup("time-slice"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.MaxActivePlans)
	assert.Equal(t, 100, cfg.Scheduler.TimeSliceMillis, "unset flags do not override env")
}

func TestLoad_SchemaRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
	}{
		{"negative active plans", "FEDQ_SCHEDULER_MAXACTIVEPLANS=-1"},
		{"unknown backend", "FEDQ_BUFFER_SPILLBACKEND=tape"},
		{"unknown log format", "FEDQ_LOG_FORMAT=xml"},
		{"max source rows below -1", "FEDQ_SCHEDULER_MAXSOURCEROWS=-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(LoadOptions{Environ: []string{tt.env}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestValidate_CrossField(t *testing.T) {
	cfg := Default()
	cfg.Buffer.MaxProcessingBytes = cfg.Buffer.MaxReservedBytes + 1
	assert.ErrorContains(t, cfg.Validate(), "maxProcessingBytes")

	cfg = Default()
	cfg.Buffer.FixedMemoryBytes = cfg.Buffer.MaxReservedBytes * 2
	assert.ErrorContains(t, cfg.Validate(), "fixedMemoryBytes")

	cfg = Default()
	cfg.Cluster.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "nodeId")
}

func TestDurations(t *testing.T) {
	s := Default().Scheduler
	assert.Equal(t, "2s", s.TimeSlice().String())
	assert.Equal(t, "10m0s", s.QueryThreshold().String())
	assert.Zero(t, s.QueryTimeout())

	s.MaxThreads = 0
	assert.Positive(t, s.Workers())
}
