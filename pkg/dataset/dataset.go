// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package dataset provides the dataset base type and the Iterator
// wrapping contract (cache, checkpoint, deep-recursion guard) that
// every concrete dataset kind in pkg/transform and pkg/shuffle builds
// on (spec.md §4.1).
package dataset

import (
	"context"
	"fmt"

	"github.com/oklog/run"
	"go.uber.org/zap"
	"gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/distflow/distflow/pkg/dep"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/partition"
	"github.com/distflow/distflow/pkg/record"
)

var mon = monkit.Package()

// depthKey is the context key carrying the current recursion depth
// accumulated by nested Iterator calls, for the deep-recursion guard.
type depthKey struct{}

// DefaultRecursionLimit and DefaultRecursionResidual mirror the
// source's default Python recursion ceiling and its
// MIN_REMAIN_RECURSION_LIMIT guard band; both are configurable because
// the source gives no derivation to improve on (DESIGN.md Open
// Question).
const (
	DefaultRecursionLimit    = 1000
	DefaultRecursionResidual = 80
)

// Split is the basic by-index partition descriptor; format-specific
// splits compose it with a byte range or child-split list.
type Split struct {
	Idx int
}

// Index implements engine.Split.
func (s Split) Index() int { return s.Idx }

// Base is embedded by every concrete dataset kind to supply the common
// Dataset fields: id, splits, dependencies, partitioner, preferred
// locations, and resource hints (spec.md §3).
type Base struct {
	id           int64
	splits       []engine.Split
	dependencies []interface{}
	partitioner  partition.Partitioner
	preferredLoc map[int][]string

	ShouldCache    bool
	CheckpointPath string

	MemMB int
	CPUs  float64
	GPUs  int
	Err   float64 // per-record error tolerance, in [0, 1)

	ReprName string

	// RecursionLimit/RecursionResidual override the package defaults
	// for this dataset's Iterator calls; zero means "use the default".
	RecursionLimit    int
	RecursionResidual int

	Log *zap.Logger
}

// NewBase constructs a Base with a fresh id from ctx and the given
// splits/dependencies. Resource hints default to the parent's via
// InheritResources when called from a derived (single-parent) dataset.
func NewBase(ctx *engine.Context, splits []engine.Split, deps []dep.Dependency) *Base {
	ifaceDeps := make([]interface{}, len(deps))
	for i, d := range deps {
		ifaceDeps[i] = d
	}
	return &Base{
		id:           ctx.NewDatasetID(),
		splits:       splits,
		dependencies: ifaceDeps,
		preferredLoc: map[int][]string{},
		MemMB:        1024,
		CPUs:         1,
		Log:          zap.NewNop(),
	}
}

// ID implements engine.Dataset.
func (b *Base) ID() int64 { return b.id }

// Splits implements engine.Dataset.
func (b *Base) Splits() []engine.Split { return b.splits }

// Dependencies implements engine.Dataset.
func (b *Base) Dependencies() []interface{} { return b.dependencies }

// Partitioner returns the dataset's partitioner, or nil if the dataset
// is not key-partitioned.
func (b *Base) Partitioner() partition.Partitioner { return b.partitioner }

// SetPartitioner records the dataset's partitioner (set by operators
// that preserve or establish one: mapValues, shuffle, cogroup).
func (b *Base) SetPartitioner(p partition.Partitioner) { b.partitioner = p }

// PreferredLocations implements engine.Dataset.
func (b *Base) PreferredLocations(s engine.Split) []string {
	return b.preferredLoc[s.Index()]
}

// SetPreferredLocations records host hints for a split.
func (b *Base) SetPreferredLocations(s engine.Split, hosts []string) {
	b.preferredLoc[s.Index()] = hosts
}

// InheritResources copies memory/CPU/GPU/error hints from a single
// parent, the way DerivedRDD does in the original.
func (b *Base) InheritResources(parent *Base) {
	if parent.MemMB > b.MemMB {
		b.MemMB = parent.MemMB
	}
	b.CPUs = parent.CPUs
	b.GPUs = parent.GPUs
	b.Err = parent.Err
	b.Log = parent.Log
}

func (b *Base) String() string {
	if b.ReprName != "" {
		return b.ReprName
	}
	return fmt.Sprintf("<Dataset #%d>", b.id)
}

// Iterator wraps ds.Compute(split) with the three orthogonal policies
// spec.md §4.1 requires: cache, checkpoint, and the deep-recursion
// guard. Concrete datasets should generally be consumed through this
// function rather than calling Compute directly.
func Iterator(ctx context.Context, ectx *engine.Context, ds engine.Dataset, b *Base, s engine.Split) (it record.Iterator, err error) {
	defer mon.Task()(&ctx)(&err)

	if b.ShouldCache && ectx.CacheTracker != nil {
		return ectx.CacheTracker.GetOrCompute(ctx, ds, s)
	}

	if b.CheckpointPath != "" && ectx.Checkpoint != nil {
		return checkpointed(ctx, ectx, ds, b, s)
	}

	return withRecursionGuard(ctx, b, func(ctx context.Context) (record.Iterator, error) {
		return ds.Compute(ctx, s)
	})
}

// checkpointed implements spec.md §4.1 point 2: if dir is already
// populated, read the split straight back from it, bypassing ds's
// dependency chain entirely (the "dependencies collapse to a single
// leaf dataset" effect, realized here as "never call Compute again"
// rather than literally rewriting Dependencies()); otherwise run the
// normal compute path once, materialize its full output, write it
// atomically, and serve this call from the just-written values.
func checkpointed(ctx context.Context, ectx *engine.Context, ds engine.Dataset, b *Base, s engine.Split) (record.Iterator, error) {
	dir := ectx.Checkpoint.Dir(b.id, b.String())
	if ectx.Checkpoint.IsPopulated(dir) {
		return ectx.Checkpoint.ReadSplit(ctx, dir, s.Index())
	}

	it, err := withRecursionGuard(ctx, b, func(ctx context.Context) (record.Iterator, error) {
		return ds.Compute(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	values := record.Collect(it)
	if err := ectx.Checkpoint.WriteSplit(dir, s.Index(), values); err != nil {
		return nil, err
	}
	return record.NewSliceIterator(values), nil
}

// withRecursionGuard mirrors the source's recurion_limit_breaker: when
// the accumulated call depth carried on ctx is within Residual of
// Limit, computation is handed off to a helper goroutine with its
// depth counter reset to zero, and results stream back through a
// one-slot bounded channel so the caller still sees a lazy iterator.
// This realizes Design Note §9's "explicit scheduling" direction using
// an oklog/run goroutine group instead of the source's raw
// thread+condvar handoff.
func withRecursionGuard(ctx context.Context, b *Base, compute func(context.Context) (record.Iterator, error)) (record.Iterator, error) {
	limit := b.RecursionLimit
	if limit == 0 {
		limit = DefaultRecursionLimit
	}
	residual := b.RecursionResidual
	if residual == 0 {
		residual = DefaultRecursionResidual
	}

	depth, _ := ctx.Value(depthKey{}).(int)
	if limit-depth > residual {
		return compute(context.WithValue(ctx, depthKey{}, depth+1))
	}

	b.Log.Warn("recursion depth guard triggered, handing off to helper goroutine",
		zap.Int("depth", depth), zap.Int("limit", limit))

	slot := make(chan record.Value, 1)
	errc := make(chan error, 1)
	done := make(chan struct{})

	var g run.Group
	g.Add(func() error {
		helperCtx := context.WithValue(ctx, depthKey{}, 0)
		it, err := compute(helperCtx)
		if err != nil {
			errc <- err
			close(slot)
			return err
		}
		for {
			v, ok := it.Next()
			if !ok {
				close(slot)
				return nil
			}
			select {
			case slot <- v:
			case <-done:
				return nil
			}
		}
	}, func(error) {
		close(done)
	})

	go func() { _ = g.Run() }()

	drained := false
	pull := func() (record.Value, bool) {
		if drained {
			return nil, false
		}
		v, ok := <-slot
		if !ok {
			drained = true
			select {
			case err := <-errc:
				b.Log.Error("helper goroutine failed", zap.Error(err))
			default:
			}
			return nil, false
		}
		return v, true
	}
	return record.NewFuncIterator(pull), nil
}
