// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package config loads the core's small configuration record (spec.md
// §6 "CLI / configuration") plus the ambient fields the concrete split
// readers/writers and shuffle paths need, via viper/toml the way the
// teacher's own CLI tooling does.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"

	"github.com/distflow/distflow/pkg/split/gzipsplit"
	"github.com/distflow/distflow/pkg/split/table"
	"github.com/distflow/distflow/pkg/split/textsplit"
	"github.com/distflow/distflow/pkg/split/tfrecord"
)

// Error is the class for configuration load failures.
var Error = errs.Class("config")

// Config is the core's configuration record (spec.md §6), plus the
// ambient fields the split/shuffle implementations need a value for.
type Config struct {
	// Err is the default per-record error tolerance (spec.md §4.1).
	Err float64 `mapstructure:"err" toml:"err"`
	// MemMB is the default task memory hint, in MiB.
	MemMB int `mapstructure:"mem" toml:"mem"`
	// CheckpointDir is the base directory checkpointed datasets write
	// under (spec.md §6 "Checkpoint layout").
	CheckpointDir string `mapstructure:"checkpoint_dir" toml:"checkpoint_dir"`
	// SortShuffle is the default shuffle merge mode when an operator
	// doesn't override it (spec.md §4.2).
	SortShuffle bool `mapstructure:"sort_shuffle" toml:"sort_shuffle"`
	// IterValues is the default sort-merge lazy-values mode.
	IterValues bool `mapstructure:"iter_values" toml:"iter_values"`
	// DefaultMinSplits bounds how many partitions a narrow transform
	// picks when the caller doesn't specify one.
	DefaultMinSplits int `mapstructure:"default_min_splits" toml:"default_min_splits"`
	// DefaultParallelism is the parallelize() split count default.
	DefaultParallelism int `mapstructure:"default_parallelism" toml:"default_parallelism"`
	// DataLimit is the parallel-collection inline-vs-broadcast
	// threshold, in bytes.
	DataLimit int64 `mapstructure:"data_limit" toml:"data_limit"`

	// MaxOpenFiles bounds textsplit.MultiFileWriter's LRU.
	MaxOpenFiles int `mapstructure:"max_open_files" toml:"max_open_files"`
	// GzipFlushBytes is the default sync-flush interval for gzip split
	// writers.
	GzipFlushBytes int `mapstructure:"gzip_flush_bytes" toml:"gzip_flush_bytes"`
	// GzipResyncProbeBlocks bounds the gzip split reader's resync scan.
	GzipResyncProbeBlocks int `mapstructure:"gzip_resync_probe_blocks" toml:"gzip_resync_probe_blocks"`
	// CartesianSpoolMemBytes is currently unused by the always-spool
	// Cartesian implementation; kept as a configuration knob since a
	// future in-memory-cache fast path (spec.md §9) would need it.
	CartesianSpoolMemBytes int64 `mapstructure:"cartesian_spool_mem_bytes" toml:"cartesian_spool_mem_bytes"`
	// TableBlockBytes is the default block size for the msgpack table
	// split writer.
	TableBlockBytes int `mapstructure:"table_block_bytes" toml:"table_block_bytes"`
	// TfrecordResyncWindow bounds the TFRecord split reader's
	// byte-level resync scan.
	TfrecordResyncWindow int `mapstructure:"tfrecord_resync_window" toml:"tfrecord_resync_window"`
}

// Default returns the configuration record with every field at its
// package-level default, mirroring the concrete defaults each split/
// shuffle package already picks when left unconfigured.
func Default() Config {
	return Config{
		Err:                    0,
		MemMB:                  1024,
		CheckpointDir:          "",
		SortShuffle:            false,
		IterValues:             false,
		DefaultMinSplits:       2,
		DefaultParallelism:     8,
		DataLimit:              10 << 20,
		MaxOpenFiles:           textsplit.DefaultMaxOpenFiles,
		GzipFlushBytes:         gzipsplit.DefaultFlushBytes,
		GzipResyncProbeBlocks:  gzipsplit.DefaultResyncProbeBlocks,
		CartesianSpoolMemBytes: 256 << 20,
		TableBlockBytes:        table.DefaultBlockBytes,
		TfrecordResyncWindow:   tfrecord.DefaultSplitSize,
	}
}

// Load reads configuration from path (toml) if non-empty, then lets
// environment variables prefixed DISTFLOW_ override individual fields,
// the way the teacher's own CLI tooling layers viper over a file.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("distflow")
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path != "" {
		var fileCfg Config
		if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
			return cfg, Error.Wrap(err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, Error.Wrap(err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, Error.Wrap(err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("err", cfg.Err)
	v.SetDefault("mem", cfg.MemMB)
	v.SetDefault("checkpoint_dir", cfg.CheckpointDir)
	v.SetDefault("sort_shuffle", cfg.SortShuffle)
	v.SetDefault("iter_values", cfg.IterValues)
	v.SetDefault("default_min_splits", cfg.DefaultMinSplits)
	v.SetDefault("default_parallelism", cfg.DefaultParallelism)
	v.SetDefault("data_limit", cfg.DataLimit)
	v.SetDefault("max_open_files", cfg.MaxOpenFiles)
	v.SetDefault("gzip_flush_bytes", cfg.GzipFlushBytes)
	v.SetDefault("gzip_resync_probe_blocks", cfg.GzipResyncProbeBlocks)
	v.SetDefault("cartesian_spool_mem_bytes", cfg.CartesianSpoolMemBytes)
	v.SetDefault("table_block_bytes", cfg.TableBlockBytes)
	v.SetDefault("tfrecord_resync_window", cfg.TfrecordResyncWindow)
}
