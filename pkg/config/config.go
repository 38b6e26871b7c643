package config

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/constraints"
)

// Config is the root of the process configuration.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	Engine EngineConfig `yaml:"engine"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type EngineConfig struct {
	DataDir string `yaml:"path"`
	// WriteBufferBytes is the C0 size that triggers rotation and flush.
	WriteBufferBytes int64 `yaml:"write_buffer_bytes"`
	// PageCacheBytes bounds the shared run block cache.
	PageCacheBytes int64 `yaml:"page_cache_bytes"`
	// ExpirySeconds is the expiry horizon; zero disables expiry.
	ExpirySeconds int64 `yaml:"expiry_seconds"`
	// BlindUpdate skips the existence check of insert and update.
	BlindUpdate bool `yaml:"blind_update"`
	// MaxFrozen bounds the frozen trees waiting for flush; writers block
	// beyond it.
	MaxFrozen int `yaml:"max_frozen"`

	WAL   WALConfig   `yaml:"wal"`
	Run   RunConfig   `yaml:"run"`
	Merge MergeConfig `yaml:"merge"`
}

type WALConfig struct {
	SyncMode      string        `yaml:"sync_mode"`
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
}

type RunConfig struct {
	BlockSize   int     `yaml:"block_size"`
	Codec       string  `yaml:"codec"`
	BloomFPRate float64 `yaml:"bloom_fp_rate"`
}

type MergeConfig struct {
	Interval        time.Duration `yaml:"interval"`
	L0Trigger       int           `yaml:"l0_trigger"`
	LevelBaseBytes  int64         `yaml:"level_base_bytes"`
	LevelMultiplier int           `yaml:"level_multiplier"`
	MaxLevels       int           `yaml:"max_levels"`
}

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
)

// Default returns the baseline server config: a 512MiB write buffer and a
// 1GiB page cache, no expiry, per-commit log sync.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Addr:              ":9090",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Engine: EngineConfig{
			DataDir:          "./data",
			WriteBufferBytes: 512 * MiB,
			PageCacheBytes:   1 * GiB,
			MaxFrozen:        2,
			WAL: WALConfig{
				SyncMode:      "commit",
				BatchSize:     64,
				BatchInterval: 10 * time.Millisecond,
			},
			Run: RunConfig{
				BlockSize:   4 * int(KiB),
				Codec:       "snappy",
				BloomFPRate: 0.01,
			},
			Merge: MergeConfig{
				Interval:        time.Second,
				L0Trigger:       4,
				LevelBaseBytes:  64 * MiB,
				LevelMultiplier: 10,
				MaxLevels:       6,
			},
		},
	}
}

// Profile names accepted by ApplyProfile.
const (
	ProfileTest           = "test"
	ProfileBenchmark      = "benchmark"
	ProfileBenchmarkSmall = "benchmark-small"
)

// ApplyProfile resizes the memory budgets for a deployment preset.
func (c *Config) ApplyProfile(name string) error {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
	case ProfileTest:
		c.Engine.WriteBufferBytes = 100 * MiB
		c.Engine.PageCacheBytes = 384 * MiB
	case ProfileBenchmark:
		c.Engine.WriteBufferBytes = 8 * GiB
		c.Engine.PageCacheBytes = 2 * GiB
	case ProfileBenchmarkSmall:
		c.Engine.WriteBufferBytes = 3 * GiB
		c.Engine.PageCacheBytes = 2 * GiB
	default:
		return fmt.Errorf("unknown profile %q", name)
	}
	return nil
}

// Validate rejects unusable settings and pulls soft limits into range.
func (c *Config) Validate() error {
	e := &c.Engine
	switch {
	case e.DataDir == "":
		return fmt.Errorf("engine.path must be set")
	case e.WriteBufferBytes <= 0:
		return fmt.Errorf("engine.write_buffer_bytes must be positive, got %d", e.WriteBufferBytes)
	case e.PageCacheBytes < 0:
		return fmt.Errorf("engine.page_cache_bytes must not be negative, got %d", e.PageCacheBytes)
	case e.ExpirySeconds < 0:
		return fmt.Errorf("engine.expiry_seconds must not be negative, got %d", e.ExpirySeconds)
	case e.Run.BloomFPRate <= 0 || e.Run.BloomFPRate >= 1:
		return fmt.Errorf("engine.run.bloom_fp_rate must be in (0, 1), got %v", e.Run.BloomFPRate)
	case e.Merge.LevelBaseBytes <= 0:
		return fmt.Errorf("engine.merge.level_base_bytes must be positive, got %d", e.Merge.LevelBaseBytes)
	case e.Merge.Interval <= 0:
		return fmt.Errorf("engine.merge.interval must be positive, got %s", e.Merge.Interval)
	}
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logger.level must be one of DEBUG INFO WARN ERROR, got %q", c.Logger.Level)
	}

	e.MaxFrozen = clamp(e.MaxFrozen, 1, 16)
	e.WAL.BatchSize = clamp(e.WAL.BatchSize, 1, 1<<16)
	e.Run.BlockSize = clamp(e.Run.BlockSize, 512, 1<<20)
	e.Merge.L0Trigger = clamp(e.Merge.L0Trigger, 1, 64)
	e.Merge.LevelMultiplier = clamp(e.Merge.LevelMultiplier, 2, 100)
	e.Merge.MaxLevels = clamp(e.Merge.MaxLevels, 2, 16)
	return nil
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
