// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package transform_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distflow/distflow/pkg/dataset"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/partition"
	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/transform"
)

// sliceSource is a fixed, multi-split in-memory dataset used to drive
// every narrow transform under test without a real scheduler.
type sliceSource struct {
	*dataset.Base
	splitsData [][]record.Value
}

func newSliceSource(ctx *engine.Context, splitsData [][]record.Value) *sliceSource {
	splits := make([]engine.Split, len(splitsData))
	for i := range splitsData {
		splits[i] = dataset.Split{Idx: i}
	}
	return &sliceSource{Base: dataset.NewBase(ctx, splits, nil), splitsData: splitsData}
}

func (s *sliceSource) Compute(ctx context.Context, sp engine.Split) (record.Iterator, error) {
	return record.NewSliceIterator(s.splitsData[sp.Index()]), nil
}

func drainDataset(t *testing.T, ds engine.Dataset) []record.Value {
	t.Helper()
	var out []record.Value
	for _, s := range ds.Splits() {
		it, err := ds.Compute(context.Background(), s)
		require.NoError(t, err)
		out = append(out, record.Collect(it)...)
	}
	return out
}

func TestMapAppliesFunction(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{1, 2, 3}})
	doubled := transform.Map(ectx, src, func(v record.Value) (record.Value, error) {
		return v.(int) * 2, nil
	}, 0, nil)
	require.Equal(t, []record.Value{2, 4, 6}, drainDataset(t, doubled))
}

func TestMapSkipsErroringRecordsWithinTolerance(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{1, -1, 2, -1, 3}})
	cleaned := transform.Map(ectx, src, func(v record.Value) (record.Value, error) {
		n := v.(int)
		if n < 0 {
			return nil, transform.Error.New("negative")
		}
		return n, nil
	}, 1.0, nil)
	require.Equal(t, []record.Value{1, 2, 3}, drainDataset(t, cleaned))
}

func TestFilterKeepsMatching(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{1, 2, 3, 4, 5}})
	evens := transform.Filter(ectx, src, func(v record.Value) (bool, error) {
		return v.(int)%2 == 0, nil
	}, 0, nil)
	require.Equal(t, []record.Value{2, 4}, drainDataset(t, evens))
}

func TestFlatMapExpands(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{1, 2}})
	expanded := transform.FlatMap(ectx, src, func(v record.Value) ([]record.Value, error) {
		n := v.(int)
		return []record.Value{n, n}, nil
	}, 0, nil)
	require.Equal(t, []record.Value{1, 1, 2, 2}, drainDataset(t, expanded))
}

func TestMapPartitionsSeesWholeSplit(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{1, 2, 3}})
	summed := transform.MapPartitions(ectx, src, func(it record.Iterator) record.Iterator {
		total := 0
		for _, v := range record.Collect(it) {
			total += v.(int)
		}
		return record.NewSliceIterator([]record.Value{total})
	})
	require.Equal(t, []record.Value{6}, drainDataset(t, summed))
}

func TestEnumeratePartitionsSeesSplitIndex(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{"a"}, {"b"}})
	tagged := transform.EnumeratePartitions(ectx, src, func(idx int, it record.Iterator) record.Iterator {
		vs := record.Collect(it)
		out := make([]record.Value, len(vs))
		for i, v := range vs {
			out[i] = record.Pair{Key: idx, Value: v}
		}
		return record.NewSliceIterator(out)
	})
	got := drainDataset(t, tagged)
	require.Equal(t, []record.Value{
		record.Pair{Key: 0, Value: "a"},
		record.Pair{Key: 1, Value: "b"},
	}, got)
}

func TestMapValuesPreservesPartitioner(t *testing.T) {
	ectx := &engine.Context{}
	p := partition.NewHashPartitioner(4)
	src := newSliceSource(ectx, [][]record.Value{{record.Pair{Key: "k", Value: 1}}})
	src.SetPartitioner(p)

	mapped := transform.MapValues(ectx, src, func(v record.Value) (record.Value, error) {
		return v.(int) + 1, nil
	}, 0, nil)

	got := drainDataset(t, mapped)
	require.Equal(t, []record.Value{record.Pair{Key: "k", Value: 2}}, got)

	type partitioned interface {
		Partitioner() partition.Partitioner
	}
	pd, ok := mapped.(partitioned)
	require.True(t, ok)
	require.True(t, pd.Partitioner().Equal(p))
}

func TestFlatMapValuesExpandsPerKey(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{record.Pair{Key: "k", Value: 2}}})
	expanded := transform.FlatMapValues(ectx, src, func(v record.Value) ([]record.Value, error) {
		n := v.(int)
		return []record.Value{n, n * 10}, nil
	}, 0, nil)
	require.Equal(t, []record.Value{
		record.Pair{Key: "k", Value: 2},
		record.Pair{Key: "k", Value: 20},
	}, drainDataset(t, expanded))
}

func TestGlomMaterializesSplit(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{1, 2, 3}, {4}})
	glommed := transform.Glom(ectx, src)
	got := drainDataset(t, glommed)
	require.Equal(t, []record.Value{
		[]record.Value{1, 2, 3},
		[]record.Value{4},
	}, got)
}

func TestBatchGroupsFixedSize(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{1, 2, 3, 4, 5}})
	batched := transform.Batch(ectx, src, 2)
	got := drainDataset(t, batched)
	require.Equal(t, []record.Value{
		[]record.Value{1, 2},
		[]record.Value{3, 4},
		[]record.Value{5},
	}, got)
}

func TestUnionConcatenatesInOrder(t *testing.T) {
	ectx := &engine.Context{}
	a := newSliceSource(ectx, [][]record.Value{{1, 2}})
	b := newSliceSource(ectx, [][]record.Value{{3}, {4, 5}})
	u := transform.Union(ectx, []engine.Dataset{a, b})
	require.Len(t, u.Splits(), 3)
	require.Equal(t, []record.Value{1, 2, 3, 4, 5}, drainDataset(t, u))
}

func TestSliceNarrowsSplitRange(t *testing.T) {
	ectx := &engine.Context{}
	src := newSliceSource(ectx, [][]record.Value{{1}, {2}, {3}, {4}})
	sl := transform.Slice(ectx, src, 1, 3)
	require.Equal(t, []record.Value{2, 3}, drainDataset(t, sl))
}

func TestZipPairsElementwise(t *testing.T) {
	ectx := &engine.Context{}
	a := newSliceSource(ectx, [][]record.Value{{1, 2}, {3}})
	b := newSliceSource(ectx, [][]record.Value{{"a", "b"}, {"c"}})
	z, err := transform.Zip(ectx, []engine.Dataset{a, b})
	require.NoError(t, err)
	got := drainDataset(t, z)
	require.Equal(t, []record.Value{
		[]record.Value{1, "a"},
		[]record.Value{2, "b"},
		[]record.Value{3, "c"},
	}, got)
}

func TestZipRejectsMismatchedPartitionCounts(t *testing.T) {
	ectx := &engine.Context{}
	a := newSliceSource(ectx, [][]record.Value{{1}, {2}})
	b := newSliceSource(ectx, [][]record.Value{{"a"}})
	_, err := transform.Zip(ectx, []engine.Dataset{a, b})
	require.Error(t, err)
}

func TestSampleWithoutReplacementIsDeterministicBySeed(t *testing.T) {
	ectx := &engine.Context{}
	values := make([]record.Value, 0, 100)
	for i := 0; i < 100; i++ {
		values = append(values, i)
	}
	src := newSliceSource(ectx, [][]record.Value{values})

	s1 := transform.Sample(ectx, src, 0.3, false, 42)
	s2 := transform.Sample(ectx, src, 0.3, false, 42)
	require.Equal(t, drainDataset(t, s1), drainDataset(t, s2))
	require.NotEmpty(t, drainDataset(t, s1))
}

func TestSampleWithReplacementSizesOutputByFraction(t *testing.T) {
	ectx := &engine.Context{}
	values := make([]record.Value, 0, 10)
	for i := 0; i < 10; i++ {
		values = append(values, i)
	}
	src := newSliceSource(ectx, [][]record.Value{values})
	s := transform.Sample(ectx, src, 1.5, true, 7)
	got := drainDataset(t, s)
	require.Len(t, got, 15)
}

func TestCartesianCrossProduct(t *testing.T) {
	ectx := &engine.Context{}
	left := newSliceSource(ectx, [][]record.Value{{1}, {2}})
	right := newSliceSource(ectx, [][]record.Value{{"a"}, {"b"}})
	cp := transform.Cartesian(ectx, left, right)
	require.Len(t, cp.Splits(), 4)

	got := drainDataset(t, cp)
	require.ElementsMatch(t, []record.Value{
		[]record.Value{1, "a"},
		[]record.Value{1, "b"},
		[]record.Value{2, "a"},
		[]record.Value{2, "b"},
	}, got)
}

// fakeScheduler runs partitionFn directly against the requested
// splits (or every split, when indices is nil), the single-process
// stand-in for the external scheduler these two operators need.
type fakeScheduler struct{}

func (fakeScheduler) RunJob(ctx context.Context, ds engine.Dataset, fn func(record.Iterator) (interface{}, error), indices []int, allowLocal bool) ([]interface{}, error) {
	splits := ds.Splits()
	if indices == nil {
		indices = make([]int, len(splits))
		for i := range indices {
			indices[i] = i
		}
	}
	out := make([]interface{}, len(indices))
	for i, idx := range indices {
		it, err := ds.Compute(ctx, splits[idx])
		if err != nil {
			return nil, err
		}
		v, err := fn(it)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func TestEnumerateAssignsGlobalIndex(t *testing.T) {
	ectx := &engine.Context{Scheduler: fakeScheduler{}}
	src := newSliceSource(ectx, [][]record.Value{{"a", "b"}, {"c"}})
	enumerated, err := transform.Enumerate(context.Background(), ectx, src)
	require.NoError(t, err)
	require.Equal(t, []record.Value{
		record.Pair{Key: int64(0), Value: "a"},
		record.Pair{Key: int64(1), Value: "b"},
		record.Pair{Key: int64(2), Value: "c"},
	}, drainDataset(t, enumerated))
}

func TestLookupWithPartitionerRoutesToSingleSplit(t *testing.T) {
	ectx := &engine.Context{Scheduler: fakeScheduler{}}
	p := partition.NewHashPartitioner(2)
	data := make([][]record.Value, 2)
	data[p.GetPartition("k")] = []record.Value{record.Pair{Key: "k", Value: 99}}
	src := newSliceSource(ectx, data)
	src.SetPartitioner(p)

	v, err := transform.Lookup(context.Background(), ectx, src, "k", nil)
	require.NoError(t, err)
	require.Equal(t, 99, v)

	v, err = transform.Lookup(context.Background(), ectx, src, "missing", nil)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestLookupWithoutPartitionerScansEverySplit(t *testing.T) {
	ectx := &engine.Context{Scheduler: fakeScheduler{}}
	src := newSliceSource(ectx, [][]record.Value{
		{record.Pair{Key: "a", Value: 1}},
		{record.Pair{Key: "b", Value: 2}},
	})
	v, err := transform.Lookup(context.Background(), ectx, src, "b", nil)
	require.NoError(t, err)
	require.Equal(t, 2, v)
}
