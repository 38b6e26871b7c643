package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/config"
	"lsmkv/pkg/run"
	"lsmkv/pkg/wal"
)

// Options is the validated, typed form of config.EngineConfig.
type Options struct {
	DataDir          string
	WALDir           string
	WriteBufferBytes int64
	PageCacheBytes   int64
	ExpirySeconds    int64
	MaxFrozen        int

	WAL wal.Options
	Run run.WriterOptions

	MergeInterval   time.Duration
	L0Trigger       int
	LevelBaseBytes  int64
	LevelMultiplier int
	MaxLevels       int

	Clock clock.TimeProvider
}

// Option tweaks Options after they are derived from the config.
type Option func(*Options)

// WithClock replaces the wall clock used for tuple timestamps and expiry.
func WithClock(tp clock.TimeProvider) Option {
	return func(o *Options) {
		o.Clock = tp
	}
}

func newOptions(cfg config.EngineConfig, opts ...Option) (Options, error) {
	syncMode, err := wal.ParseSyncMode(cfg.WAL.SyncMode)
	if err != nil {
		return Options{}, err
	}
	codec, err := run.ParseCodec(cfg.Run.Codec)
	if err != nil {
		return Options{}, err
	}
	if cfg.DataDir == "" {
		return Options{}, fmt.Errorf("engine data dir is empty")
	}

	o := Options{
		DataDir:          cfg.DataDir,
		WALDir:           filepath.Join(cfg.DataDir, "wal"),
		WriteBufferBytes: cfg.WriteBufferBytes,
		PageCacheBytes:   cfg.PageCacheBytes,
		ExpirySeconds:    cfg.ExpirySeconds,
		MaxFrozen:        max(cfg.MaxFrozen, 1),
		WAL: wal.Options{
			SyncMode:      syncMode,
			BatchSize:     cfg.WAL.BatchSize,
			BatchInterval: cfg.WAL.BatchInterval,
		},
		Run: run.WriterOptions{
			BlockSize:   cfg.Run.BlockSize,
			Codec:       codec,
			BloomFPRate: cfg.Run.BloomFPRate,
		},
		MergeInterval:   cfg.Merge.Interval,
		L0Trigger:       max(cfg.Merge.L0Trigger, 1),
		LevelBaseBytes:  cfg.Merge.LevelBaseBytes,
		LevelMultiplier: max(cfg.Merge.LevelMultiplier, 2),
		MaxLevels:       max(cfg.Merge.MaxLevels, 2),
		Clock:           clock.System{},
	}
	if o.MergeInterval <= 0 {
		o.MergeInterval = time.Second
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o, nil
}

// levelLimit is the size above which a run at level (>= 1) is pushed down.
func (o Options) levelLimit(level int) int64 {
	limit := o.LevelBaseBytes
	for i := 1; i < level; i++ {
		limit *= int64(o.LevelMultiplier)
	}
	return limit
}
