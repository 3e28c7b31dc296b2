package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexusseis/store"
	"github.com/INLOpen/nexusseis/zeroahead"
	"gopkg.in/yaml.v3"
)

// StorageConfig holds the file layout and allocation settings.
type StorageConfig struct {
	DataDir             string `yaml:"data_dir"`
	ReplicaDir          string `yaml:"replica_dir"` // empty disables the in-process replica
	InitialIndexBlocks  int64  `yaml:"initial_index_blocks"`
	InitialExtendBlocks int64  `yaml:"initial_extend_blocks"`
	MaxExtendBlocks     int64  `yaml:"max_extend_blocks"`
	ExtendDoubleWindow  string `yaml:"extend_double_window"`
	ZeroAheadMargin     int64  `yaml:"zero_ahead_margin_blocks"`
	ZeroCycle           string `yaml:"zero_cycle"`
	ZeroChunkBlocks     int64  `yaml:"zero_chunk_blocks"`
	AllocateTimeout     string `yaml:"allocate_timeout"`
	IdleTimeout         string `yaml:"idle_timeout"`
	MaxOpenFiles        int    `yaml:"max_open_files"`
	CloseWaitTimeout    string `yaml:"close_wait_timeout"`
	JanitorInterval     string `yaml:"janitor_interval"`
	MinFreeBytes        uint64 `yaml:"min_free_bytes"`
	Preallocate         bool   `yaml:"preallocate"`
}

// ReplicationConfig holds the replica settings.
type ReplicationConfig struct {
	CheckFlushTimeout       string `yaml:"check_flush_timeout"`
	HighwaterJumpWarnBlocks int64  `yaml:"highwater_jump_warn_blocks"`
	WriteBehindWarn         int    `yaml:"write_behind_warn"`
	WriteBehindLimit        int    `yaml:"write_behind_limit"` // 0 raises the alarm only
	WriteBehindBatch        int    `yaml:"write_behind_batch"`
	DrainRetries            int    `yaml:"drain_retries"`
	NotifyQueueSize         int    `yaml:"notify_queue_size"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
	Format string `yaml:"format"` // "text" or "json"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:             "./data",
			ReplicaDir:          "",
			InitialIndexBlocks:  100,
			InitialExtendBlocks: 2000,
			MaxExtendBlocks:     320000,
			ExtendDoubleWindow:  "10m",
			ZeroAheadMargin:     128,
			ZeroCycle:           "50ms",
			ZeroChunkBlocks:     2048,
			AllocateTimeout:     "30s",
			IdleTimeout:         "15m",
			MaxOpenFiles:        200,
			CloseWaitTimeout:    "10s",
			JanitorInterval:     "30s",
			MinFreeBytes:        1 << 30, // 1 GiB
			Preallocate:         true,
		},
		Replication: ReplicationConfig{
			CheckFlushTimeout:       "120s",
			HighwaterJumpWarnBlocks: 30000,
			WriteBehindWarn:         50000,
			WriteBehindLimit:        0,
			WriteBehindBatch:        1000,
			DrainRetries:            20,
			NotifyQueueSize:         1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusseis.log",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	s := c.Storage
	switch {
	case s.DataDir == "":
		return fmt.Errorf("invalid config: storage.data_dir must not be empty")
	case s.ReplicaDir != "" && s.ReplicaDir == s.DataDir:
		return fmt.Errorf("invalid config: storage.replica_dir must differ from storage.data_dir")
	case s.InitialIndexBlocks < 1:
		return fmt.Errorf("invalid config: storage.initial_index_blocks must be positive, got %d", s.InitialIndexBlocks)
	case s.InitialExtendBlocks < 1 || s.MaxExtendBlocks < s.InitialExtendBlocks:
		return fmt.Errorf("invalid config: storage.max_extend_blocks (%d) must be at least initial_extend_blocks (%d)", s.MaxExtendBlocks, s.InitialExtendBlocks)
	case c.Replication.WriteBehindLimit < 0:
		return fmt.Errorf("invalid config: replication.write_behind_limit must not be negative")
	case c.Replication.WriteBehindLimit > 0 && c.Replication.WriteBehindLimit < c.Replication.WriteBehindWarn:
		return fmt.Errorf("invalid config: replication.write_behind_limit (%d) is below write_behind_warn (%d)", c.Replication.WriteBehindLimit, c.Replication.WriteBehindWarn)
	}
	return nil
}

// StoreOptions converts the configuration into store options. Invalid durations
// fall back to their defaults with a warning on logger.
func (c *Config) StoreOptions(logger *slog.Logger) store.Options {
	s, r := c.Storage, c.Replication
	return store.Options{
		DataDir:            s.DataDir,
		ReplicaDir:         s.ReplicaDir,
		InitialIndexBlocks: s.InitialIndexBlocks,
		AllocateTimeout:    ParseDuration(s.AllocateTimeout, 30*time.Second, logger),
		Zero: zeroahead.Options{
			InitialExtend: s.InitialExtendBlocks,
			MaxExtend:     s.MaxExtendBlocks,
			DoubleWindow:  ParseDuration(s.ExtendDoubleWindow, 10*time.Minute, logger),
			Margin:        s.ZeroAheadMargin,
			Cycle:         ParseDuration(s.ZeroCycle, 50*time.Millisecond, logger),
			ChunkBlocks:   s.ZeroChunkBlocks,
			MinFreeBytes:  s.MinFreeBytes,
			Preallocate:   s.Preallocate,
			DrainBatch:    r.WriteBehindBatch,
			DrainRetries:  r.DrainRetries,
		},
		NotifyQueueSize:   r.NotifyQueueSize,
		CheckFlushTimeout: ParseDuration(r.CheckFlushTimeout, 120*time.Second, logger),
		HighwaterJumpWarn: r.HighwaterJumpWarnBlocks,
		WriteBehindWarn:   r.WriteBehindWarn,
		WriteBehindLimit:  r.WriteBehindLimit,
		IdleTimeout:       ParseDuration(s.IdleTimeout, 15*time.Minute, logger),
		MaxOpenFiles:      s.MaxOpenFiles,
		CloseWait:         ParseDuration(s.CloseWaitTimeout, 10*time.Second, logger),
		JanitorInterval:   ParseDuration(s.JanitorInterval, 30*time.Second, logger),
		Logger:            logger,
	}
}
