// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package dataset_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distflow/distflow/pkg/dataset"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/partition"
	"github.com/distflow/distflow/pkg/record"
)

// sourceDataset is a minimal engine.Dataset whose Compute counts how
// many times it actually ran, so tests can tell whether Iterator
// bypassed it (cache hit, populated checkpoint) or not.
type sourceDataset struct {
	base    *dataset.Base
	calls   int
	produce func() []record.Value
}

func newSourceDataset(ctx *engine.Context, produce func() []record.Value) *sourceDataset {
	return &sourceDataset{
		base:    dataset.NewBase(ctx, []engine.Split{dataset.Split{Idx: 0}}, nil),
		produce: produce,
	}
}

func (s *sourceDataset) ID() int64                             { return s.base.ID() }
func (s *sourceDataset) Splits() []engine.Split                { return s.base.Splits() }
func (s *sourceDataset) Dependencies() []interface{}           { return s.base.Dependencies() }
func (s *sourceDataset) PreferredLocations(sp engine.Split) []string { return nil }
func (s *sourceDataset) Compute(ctx context.Context, sp engine.Split) (record.Iterator, error) {
	s.calls++
	return record.NewSliceIterator(s.produce()), nil
}

func TestIteratorWithNoPoliciesCallsComputeEveryTime(t *testing.T) {
	ectx := engine.New()
	ds := newSourceDataset(ectx, func() []record.Value { return []record.Value{"a", "b"} })

	for i := 0; i < 3; i++ {
		it, err := dataset.Iterator(context.Background(), ectx, ds, ds.base, dataset.Split{Idx: 0})
		require.NoError(t, err)
		require.Equal(t, []record.Value{"a", "b"}, record.Collect(it))
	}
	require.Equal(t, 3, ds.calls)
}

// fakeCacheTracker always serves the same precomputed iterator without
// ever touching the wrapped dataset.
type fakeCacheTracker struct {
	calls int
}

func (f *fakeCacheTracker) GetCachedLocs(datasetID int64, splitIndex int) []string { return nil }
func (f *fakeCacheTracker) GetOrCompute(ctx context.Context, ds engine.Dataset, s engine.Split) (record.Iterator, error) {
	f.calls++
	return record.NewSliceIterator([]record.Value{"cached"}), nil
}

func TestIteratorPrefersCacheTrackerOverCompute(t *testing.T) {
	ectx := engine.New()
	tracker := &fakeCacheTracker{}
	ectx.CacheTracker = tracker
	ds := newSourceDataset(ectx, func() []record.Value { return []record.Value{"fresh"} })
	ds.base.ShouldCache = true

	it, err := dataset.Iterator(context.Background(), ectx, ds, ds.base, dataset.Split{Idx: 0})
	require.NoError(t, err)
	require.Equal(t, []record.Value{"cached"}, record.Collect(it))
	require.Equal(t, 0, ds.calls)
	require.Equal(t, 1, tracker.calls)
}

// fakeCheckpointStore is an in-memory engine.CheckpointStore double.
type fakeCheckpointStore struct {
	written map[string]map[int][]record.Value
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{written: map[string]map[int][]record.Value{}}
}

func (f *fakeCheckpointStore) Dir(datasetID int64, repr string) string {
	return repr
}

func (f *fakeCheckpointStore) IsPopulated(dir string) bool {
	_, ok := f.written[dir]
	return ok
}

func (f *fakeCheckpointStore) WriteSplit(dir string, index int, values []record.Value) error {
	if f.written[dir] == nil {
		f.written[dir] = map[int][]record.Value{}
	}
	f.written[dir][index] = values
	return nil
}

func (f *fakeCheckpointStore) ReadSplit(ctx context.Context, dir string, index int) (record.Iterator, error) {
	return record.NewSliceIterator(f.written[dir][index]), nil
}

func TestIteratorMaterializesOnFirstCheckpointMiss(t *testing.T) {
	ectx := engine.New()
	store := newFakeCheckpointStore()
	ectx.Checkpoint = store
	ds := newSourceDataset(ectx, func() []record.Value { return []record.Value{"x", "y", "z"} })
	ds.base.CheckpointPath = "checkpoints/ds"
	ds.base.ReprName = "ds-repr"

	it, err := dataset.Iterator(context.Background(), ectx, ds, ds.base, dataset.Split{Idx: 0})
	require.NoError(t, err)
	require.Equal(t, []record.Value{"x", "y", "z"}, record.Collect(it))
	require.Equal(t, 1, ds.calls)
	require.True(t, store.IsPopulated(store.Dir(ds.ID(), ds.base.String())))
}

func TestIteratorBypassesComputeOncePopulated(t *testing.T) {
	ectx := engine.New()
	store := newFakeCheckpointStore()
	ectx.Checkpoint = store
	ds := newSourceDataset(ectx, func() []record.Value { return []record.Value{"first"} })
	ds.base.CheckpointPath = "checkpoints/ds"
	ds.base.ReprName = "ds-repr"

	_, err := dataset.Iterator(context.Background(), ectx, ds, ds.base, dataset.Split{Idx: 0})
	require.NoError(t, err)
	require.Equal(t, 1, ds.calls)

	// Second call: the checkpoint is now populated, so Compute must
	// never run again even though produce would return something new.
	ds.produce = func() []record.Value { return []record.Value{"should-not-appear"} }
	it, err := dataset.Iterator(context.Background(), ectx, ds, ds.base, dataset.Split{Idx: 0})
	require.NoError(t, err)
	require.Equal(t, []record.Value{"first"}, record.Collect(it))
	require.Equal(t, 1, ds.calls)
}

func TestBasePartitionerRoundTrip(t *testing.T) {
	ectx := engine.New()
	base := dataset.NewBase(ectx, []engine.Split{dataset.Split{Idx: 0}}, nil)
	require.Nil(t, base.Partitioner())

	p := partition.NewHashPartitioner(2)
	base.SetPartitioner(p)
	require.Equal(t, p, base.Partitioner())
}

func TestBasePreferredLocations(t *testing.T) {
	ectx := engine.New()
	base := dataset.NewBase(ectx, []engine.Split{dataset.Split{Idx: 0}}, nil)
	base.SetPreferredLocations(dataset.Split{Idx: 0}, []string{"host-a", "host-b"})
	require.Equal(t, []string{"host-a", "host-b"}, base.PreferredLocations(dataset.Split{Idx: 0}))
	require.Nil(t, base.PreferredLocations(dataset.Split{Idx: 1}))
}
