// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package engine carries the explicit EngineContext the Design Notes
// call for in place of implicit globals: the monotonic dataset/shuffle
// id counters, and the external-collaborator interfaces (scheduler,
// cache tracker, shuffle service, file system, broadcast) that spec.md
// §6 names but deliberately leaves un-implemented (§1 puts their
// transport out of scope).
package engine

import (
	"context"
	"sync/atomic"

	"github.com/distflow/distflow/pkg/record"
)

// Scheduler is the consumed external collaborator that actually runs
// tasks across workers (spec.md §6).
type Scheduler interface {
	// RunJob evaluates partitionFn over every split of dataset (or just
	// partitionIndices, if non-nil) and returns one result per
	// partition, in partition order. allowLocal permits running small
	// jobs in-process.
	RunJob(ctx context.Context, dataset Dataset, partitionFn func(record.Iterator) (interface{}, error), partitionIndices []int, allowLocal bool) ([]interface{}, error)
}

// CacheTracker is the consumed external collaborator guaranteeing
// at-most-one concurrent materialization per (dataset id, split index)
// process-wide.
type CacheTracker interface {
	GetCachedLocs(datasetID int64, splitIndex int) []string
	GetOrCompute(ctx context.Context, dataset Dataset, split Split) (record.Iterator, error)
}

// ShuffleService is the consumed external collaborator that moves
// shuffle data between mappers and reducers (spec.md §6).
type ShuffleService interface {
	// Fetch delivers hash-merge mode entries for one reduce partition,
	// invoking cb once per (key, value, mapID) triple across every
	// upstream mapper's output for shuffleID.
	Fetch(ctx context.Context, shuffleID int, partitionIndex int, cb func(key, value interface{}, mapID int)) error
	// GetIters delivers sort-merge mode runs: one key-sorted iterator
	// per upstream mapper's output for shuffleID/partitionIndex.
	GetIters(ctx context.Context, shuffleID int, partitionIndex int) ([]record.Iterator, error)
}

// FileSystem is the consumed distributed-file-system client.
type FileSystem interface {
	OpenFile(path string) (File, error)
	Locs(path string, chunkIndex int) []string
	ChunkSize() int64
}

// File is a seekable byte stream with a known length.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	Length() int64
	Close() error
}

// BroadcastHandle is a driver-broadcast value as seen by a worker.
type BroadcastHandle interface {
	Value() interface{}
}

// BroadcastService is the consumed broadcast-variable collaborator.
type BroadcastService interface {
	Broadcast(value interface{}) (BroadcastHandle, error)
}

// CheckpointStore is the consumed checkpoint collaborator (spec.md §4.1
// point 2, §6 "Checkpoint layout"): materialize-on-miss, read-on-hit.
// It lives here, rather than as a direct pkg/dataset->pkg/checkpoint
// call, because checkpoint.Dataset embeds dataset.Base and importing
// pkg/checkpoint from pkg/dataset would cycle.
type CheckpointStore interface {
	// Dir returns the checkpoint directory for a dataset, content-
	// addressed by id and repr.
	Dir(datasetID int64, repr string) string
	// IsPopulated reports whether dir already holds a complete,
	// gap-free checkpoint.
	IsPopulated(dir string) bool
	// WriteSplit atomically persists one split's materialized values.
	WriteSplit(dir string, index int, values []record.Value) error
	// ReadSplit reads one split back from an already-populated dir.
	ReadSplit(ctx context.Context, dir string, index int) (record.Iterator, error)
}

// Split is the minimal partition descriptor every dataset split
// satisfies; format-specific splits embed or extend this.
type Split interface {
	Index() int
}

// Dataset is the contract every concrete dataset kind implements
// (spec.md §3, §4.1).
type Dataset interface {
	ID() int64
	Splits() []Split
	Dependencies() []interface{} // []dep.Dependency; untyped here to avoid import cycle with pkg/dep
	PreferredLocations(s Split) []string
	// Compute returns the lazy, single-pass record sequence for split,
	// without any cache/checkpoint/recursion-guard wrapping. Callers
	// should normally go through dataset.Iterator instead.
	Compute(ctx context.Context, s Split) (record.Iterator, error)
}

// Context is the EngineContext: the only process-wide mutable state
// the core touches, carried explicitly through every constructor
// instead of package-level globals (Design Note, §9).
type Context struct {
	nextID       int64
	nextShuffle  int64
	Scheduler    Scheduler
	CacheTracker CacheTracker
	Shuffle      ShuffleService
	FS           FileSystem
	Broadcast    BroadcastService
	Checkpoint   CheckpointStore
}

// New returns a fresh EngineContext. Any collaborator may be left nil;
// callers that never cache, checkpoint, shuffle, or broadcast never
// need them, and wiring a nil collaborator is preferable to requiring
// every caller to supply transport this spec doesn't define.
func New() *Context {
	return &Context{}
}

// NewDatasetID returns the next monotonically increasing dataset id.
// Safe for concurrent use by multiple constructors.
func (c *Context) NewDatasetID() int64 {
	return atomic.AddInt64(&c.nextID, 1) - 1
}

// NewShuffleID returns the next monotonically increasing shuffle id.
func (c *Context) NewShuffleID() int64 {
	return atomic.AddInt64(&c.nextShuffle, 1) - 1
}
