package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the full runtime configuration. Field tags use the option names
// recognized in configuration files and FEDQ_* environment overrides.
type Config struct {
	Scheduler   SchedulerConfig `json:"scheduler" yaml:"scheduler" mapstructure:"scheduler"`
	Buffer      BufferConfig    `json:"buffer" yaml:"buffer" mapstructure:"buffer"`
	ResultCache CacheConfig     `json:"resultCache" yaml:"resultCache" mapstructure:"resultCache"`
	PlanCache   CacheConfig     `json:"planCache" yaml:"planCache" mapstructure:"planCache"`
	Cluster     ClusterConfig   `json:"cluster" yaml:"cluster" mapstructure:"cluster"`
	Log         LogConfig       `json:"log" yaml:"log" mapstructure:"log"`
}

// SchedulerConfig bounds work item concurrency and execution time.
type SchedulerConfig struct {
	MaxThreads                   int   `json:"maxThreads" yaml:"maxThreads" mapstructure:"maxThreads"`                                     // Worker pool size
	MaxActivePlans               int   `json:"maxActivePlans" yaml:"maxActivePlans" mapstructure:"maxActivePlans"`                         // Max concurrently running work items
	UserRequestSourceConcurrency int   `json:"userRequestSourceConcurrency" yaml:"userRequestSourceConcurrency" mapstructure:"userRequestSourceConcurrency"` // Per-request outbound source calls
	TimeSliceMillis              int   `json:"timeSliceMillis" yaml:"timeSliceMillis" mapstructure:"timeSliceMillis"`                       // Cooperative slice length
	MaxRowsFetchSize             int   `json:"maxRowsFetchSize" yaml:"maxRowsFetchSize" mapstructure:"maxRowsFetchSize"`                   // Rows a source call may buffer ahead of its plan
	QueryThresholdSeconds        int   `json:"queryThresholdSeconds" yaml:"queryThresholdSeconds" mapstructure:"queryThresholdSeconds"`    // Long-running detection (0 = off)
	MaxSourceRows                int64 `json:"maxSourceRows" yaml:"maxSourceRows" mapstructure:"maxSourceRows"`                            // Per source call row cap (-1 = unlimited)
	ExceptionOnMaxSourceRows     bool  `json:"exceptionOnMaxSourceRows" yaml:"exceptionOnMaxSourceRows" mapstructure:"exceptionOnMaxSourceRows"`
	QueryTimeoutMillis           int64 `json:"queryTimeoutMillis" yaml:"queryTimeoutMillis" mapstructure:"queryTimeoutMillis"` // Hard timeout (0 = none)
	QueueDepth                   int   `json:"queueDepth" yaml:"queueDepth" mapstructure:"queueDepth"`                         // Admission queue bound (0 = unbounded)
}

// BufferConfig configures the tiered buffer manager.
type BufferConfig struct {
	UseSecondaryStorage      bool   `json:"useSecondaryStorage" yaml:"useSecondaryStorage" mapstructure:"useSecondaryStorage"`
	ProcessorBatchSize       int    `json:"processorBatchSize" yaml:"processorBatchSize" mapstructure:"processorBatchSize"`                   // Max rows per batch
	MaxProcessingBytes       int64  `json:"maxProcessingBytes" yaml:"maxProcessingBytes" mapstructure:"maxProcessingBytes"`                   // Max single reservation
	MaxReservedBytes         int64  `json:"maxReservedBytes" yaml:"maxReservedBytes" mapstructure:"maxReservedBytes"`                         // Total reservable space
	MaxObjectSize            int64  `json:"maxObjectSize" yaml:"maxObjectSize" mapstructure:"maxObjectSize"`                                  // Max encoded batch size
	MaxSecondaryStorageBytes int64  `json:"maxSecondaryStorageBytes" yaml:"maxSecondaryStorageBytes" mapstructure:"maxSecondaryStorageBytes"` // Spill ceiling
	MaxOpenFiles             int    `json:"maxOpenFiles" yaml:"maxOpenFiles" mapstructure:"maxOpenFiles"`
	MaxFileSize              int64  `json:"maxFileSize" yaml:"maxFileSize" mapstructure:"maxFileSize"`          // Spill segment roll size
	FixedMemoryBytes         int64  `json:"fixedMemoryBytes" yaml:"fixedMemoryBytes" mapstructure:"fixedMemoryBytes"` // In-memory batch budget
	EncryptSpilledData       bool   `json:"encryptSpilledData" yaml:"encryptSpilledData" mapstructure:"encryptSpilledData"`
	CompressSpilledData      bool   `json:"compressSpilledData" yaml:"compressSpilledData" mapstructure:"compressSpilledData"`
	InlineSmallObjects       bool   `json:"inlineSmallObjects" yaml:"inlineSmallObjects" mapstructure:"inlineSmallObjects"`
	SpillBackend             string `json:"spillBackend" yaml:"spillBackend" mapstructure:"spillBackend"` // "file" | "sqlite"
	SpillDirectory           string `json:"spillDirectory" yaml:"spillDirectory" mapstructure:"spillDirectory"`
}

// CacheConfig configures one scoped cache instance.
type CacheConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Name                string `json:"name" yaml:"name" mapstructure:"name"`
	MaxStalenessSeconds int    `json:"maxStalenessSeconds" yaml:"maxStalenessSeconds" mapstructure:"maxStalenessSeconds"` // 0 disables caching
	MaxEntries          int    `json:"maxEntries" yaml:"maxEntries" mapstructure:"maxEntries"`
}

// ClusterConfig enables metadata replication across peer nodes.
type ClusterConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	NodeID  string `json:"nodeId" yaml:"nodeId" mapstructure:"nodeId"`
}

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format" mapstructure:"format"` // text | json
}

// Cache names used when none is configured.
const (
	DefaultResultCacheName = "resultset"
	DefaultPlanCacheName   = "preparedplan"
)

const (
	kib = int64(1024)
	mib = 1024 * kib
	gib = 1024 * mib
)

// Default returns a configuration suitable for a single node.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxThreads:                   64,
			MaxActivePlans:               20,
			UserRequestSourceConcurrency: 4,
			TimeSliceMillis:              2000,
			MaxRowsFetchSize:             20480,
			QueryThresholdSeconds:        600,
			MaxSourceRows:                -1,
			ExceptionOnMaxSourceRows:     true,
			QueryTimeoutMillis:           0,
			QueueDepth:                   0,
		},
		Buffer: BufferConfig{
			UseSecondaryStorage:      true,
			ProcessorBatchSize:       256,
			MaxProcessingBytes:       8 * mib,
			MaxReservedBytes:         256 * mib,
			MaxObjectSize:            8 * mib,
			MaxSecondaryStorageBytes: 50 * gib,
			MaxOpenFiles:             64,
			MaxFileSize:              2 * gib,
			FixedMemoryBytes:         64 * mib,
			EncryptSpilledData:       false,
			CompressSpilledData:      true,
			InlineSmallObjects:       true,
			SpillBackend:             "file",
			SpillDirectory:           filepath.Join(os.TempDir(), "fedq-buffer"),
		},
		ResultCache: CacheConfig{
			Enabled:             true,
			Name:                DefaultResultCacheName,
			MaxStalenessSeconds: 60,
			MaxEntries:          1024,
		},
		PlanCache: CacheConfig{
			Enabled:             true,
			Name:                DefaultPlanCacheName,
			MaxStalenessSeconds: 8 * 60 * 60,
			MaxEntries:          512,
		},
		Cluster: ClusterConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// TimeSlice returns the cooperative time-slice length.
func (c SchedulerConfig) TimeSlice() time.Duration {
	return time.Duration(c.TimeSliceMillis) * time.Millisecond
}

// QueryThreshold returns the long-running detection threshold (0 = off).
func (c SchedulerConfig) QueryThreshold() time.Duration {
	return time.Duration(c.QueryThresholdSeconds) * time.Second
}

// QueryTimeout returns the hard query timeout (0 = none).
func (c SchedulerConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMillis) * time.Millisecond
}

// Workers returns the worker pool size, defaulting to the CPU count.
func (c SchedulerConfig) Workers() int {
	if c.MaxThreads <= 0 {
		return runtime.NumCPU()
	}
	return c.MaxThreads
}

// MaxStaleness returns the staleness window (0 = caching disabled).
func (c CacheConfig) MaxStaleness() time.Duration {
	return time.Duration(c.MaxStalenessSeconds) * time.Second
}

// Active reports whether the cache stores anything at all.
func (c CacheConfig) Active() bool {
	return c.Enabled && c.MaxStalenessSeconds > 0
}

// Validate checks cross-field invariants the schema cannot express.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.MaxActivePlans <= 0 {
		return fmt.Errorf("scheduler.maxActivePlans must be positive, got %d", s.MaxActivePlans)
	}
	if s.UserRequestSourceConcurrency <= 0 {
		return fmt.Errorf("scheduler.userRequestSourceConcurrency must be positive, got %d", s.UserRequestSourceConcurrency)
	}
	if s.TimeSliceMillis <= 0 {
		return fmt.Errorf("scheduler.timeSliceMillis must be positive, got %d", s.TimeSliceMillis)
	}

	b := c.Buffer
	if b.ProcessorBatchSize <= 0 {
		return fmt.Errorf("buffer.processorBatchSize must be positive, got %d", b.ProcessorBatchSize)
	}
	if b.MaxProcessingBytes > b.MaxReservedBytes {
		return fmt.Errorf("buffer.maxProcessingBytes (%d) exceeds buffer.maxReservedBytes (%d)", b.MaxProcessingBytes, b.MaxReservedBytes)
	}
	if b.FixedMemoryBytes > b.MaxReservedBytes {
		return fmt.Errorf("buffer.fixedMemoryBytes (%d) exceeds buffer.maxReservedBytes (%d)", b.FixedMemoryBytes, b.MaxReservedBytes)
	}
	if b.MaxObjectSize > b.MaxReservedBytes {
		return fmt.Errorf("buffer.maxObjectSize (%d) exceeds buffer.maxReservedBytes (%d)", b.MaxObjectSize, b.MaxReservedBytes)
	}
	if b.UseSecondaryStorage && b.SpillDirectory == "" {
		return fmt.Errorf("buffer.spillDirectory is required when useSecondaryStorage is set")
	}

	if c.Cluster.Enabled && c.Cluster.NodeID == "" {
		return fmt.Errorf("cluster.nodeId is required when cluster is enabled")
	}
	return nil
}
