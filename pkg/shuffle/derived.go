// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package shuffle

import (
	"context"

	"github.com/distflow/distflow/pkg/aggregate"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/partition"
	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/transform"
)

// Uniq returns the distinct values of parent, grounded on the
// original's uniq(): map each value to (value, nil), reduce away the
// duplicates, then drop the sentinel.
func Uniq(ctx *engine.Context, parent engine.Dataset, p partition.Partitioner, sortShuffle bool) engine.Dataset {
	pairs := transform.Map(ctx, parent, func(v record.Value) (record.Value, error) {
		return record.Pair{Key: v, Value: nil}, nil
	}, 0, nil)
	reduced := ReduceByKey(ctx, pairs, func(a, b record.Value) record.Value { return nil }, p, sortShuffle)
	return transform.Map(ctx, reduced, func(v record.Value) (record.Value, error) {
		return v.(record.Pair).Key, nil
	}, 0, nil)
}

// Hot returns the n values with the highest occurrence count,
// grounded on the original's hot(): reduceByKey a running count, then
// a top-n pass by count descending over the reduced result. Because
// the final top-n fold runs over an already-reduced (small) dataset,
// it is done by draining it into memory rather than another shuffle.
func Hot(ctx context.Context, ectx *engine.Context, parent engine.Dataset, n int, p partition.Partitioner, sortShuffle bool) ([]record.Pair, error) {
	counted := transform.Map(ectx, parent, func(v record.Value) (record.Value, error) {
		return record.Pair{Key: v, Value: int64(1)}, nil
	}, 0, nil)
	reduced := ReduceByKey(ectx, counted, func(a, b record.Value) record.Value {
		return a.(int64) + b.(int64)
	}, p, sortShuffle)
	return topPairsByValue(ctx, reduced, n)
}

// Adcount returns an approximate distinct count of parent's values,
// grounded on the original's adcount()/adcountByKey(): every value is
// folded into a single key's mergeable cardinality sketch.
func Adcount(ctx context.Context, ectx *engine.Context, parent engine.Dataset, newSketch func() interface{}, add func(interface{}, record.Value) interface{}, merge func(a, b interface{}) interface{}, size func(interface{}) int64) (int64, error) {
	tagged := transform.Map(ectx, parent, func(v record.Value) (record.Value, error) {
		return record.Pair{Key: 1, Value: v}, nil
	}, 0, nil)
	agg := aggregate.Sketch{NewFn: newSketch, AddFn: add, MergeFn: merge}
	reduced := CombineByKey(ectx, tagged, agg, partition.NewHashPartitioner(1), false)
	pairs, err := drain(ctx, reduced)
	if err != nil {
		return 0, err
	}
	if len(pairs) == 0 {
		return 0, nil
	}
	return size(pairs[0].Value), nil
}

// AdcountByKey returns an approximate distinct count of values per
// key, built the same way as Adcount but keyed by parent's own keys.
func AdcountByKey(ctx *engine.Context, parent engine.Dataset, newSketch func() interface{}, add func(interface{}, record.Value) interface{}, merge func(a, b interface{}) interface{}, size func(interface{}) int64, p partition.Partitioner, sortShuffle bool) (engine.Dataset, error) {
	agg := aggregate.Sketch{NewFn: newSketch, AddFn: add, MergeFn: merge}
	reduced := CombineByKey(ctx, parent, agg, p, sortShuffle)
	return transform.MapValues(ctx, reduced, func(v record.Value) (record.Value, error) {
		return size(v), nil
	}, 0, nil), nil
}

// Update merges two key-value datasets keyed on the same partitioner:
// for keys present in both, newer (the second dataset's) value wins.
// During the reduce each value carries a bit mask of where its key was
// seen (0b01 old, 0b10 new, OR-ed together), but the mask is dropped
// from the output, which holds plain (key, value) pairs; grounded on
// the original's update() reduceByKey-over-a-union pattern (DESIGN.md
// supplement).
func Update(ctx *engine.Context, oldRDD, newRDD engine.Dataset, p partition.Partitioner, sortShuffle bool) engine.Dataset {
	taggedOld := transform.MapValues(ctx, oldRDD, func(v record.Value) (record.Value, error) {
		return [2]interface{}{v, 1}, nil
	}, 0, nil)
	taggedNew := transform.MapValues(ctx, newRDD, func(v record.Value) (record.Value, error) {
		return [2]interface{}{v, 2}, nil
	}, 0, nil)
	union := transform.Union(ctx, []engine.Dataset{taggedOld, taggedNew})
	reduced := ReduceByKey(ctx, union, func(a, b record.Value) record.Value {
		av, bv := a.([2]interface{}), b.([2]interface{})
		abits, bbits := av[1].(int), bv[1].(int)
		winner := av[0]
		if bbits > abits {
			winner = bv[0]
		}
		return [2]interface{}{winner, abits | bbits}
	}, p, sortShuffle)
	return transform.MapValues(ctx, reduced, func(v record.Value) (record.Value, error) {
		return v.([2]interface{})[0], nil
	}, 0, nil)
}

// drain materializes every split of a shuffled Dataset into memory,
// used only where the result is known to be small (a single reduced
// key, or a top-n prefix) -- never for the main shuffle data path.
func drain(ctx context.Context, d *Dataset) ([]record.Pair, error) {
	var out []record.Pair
	for _, s := range d.Splits() {
		it, err := d.Compute(ctx, s)
		if err != nil {
			return nil, err
		}
		for {
			v, ok := it.Next()
			if !ok {
				break
			}
			out = append(out, v.(record.Pair))
		}
	}
	return out, nil
}

func topPairsByValue(ctx context.Context, d *Dataset, n int) ([]record.Pair, error) {
	pairs, err := drain(ctx, d)
	if err != nil {
		return nil, err
	}
	agg := &aggregate.HeapTopK{K: n, OrderFunc: func(v record.Value) float64 {
		return float64(v.(record.Pair).Value.(int64))
	}}
	var c interface{}
	for _, p := range pairs {
		if c == nil {
			c = agg.Create(p)
		} else {
			c = agg.MergeValue(c, p)
		}
	}
	if c == nil {
		return nil, nil
	}
	values := aggregate.SortedTopK(c)
	out := make([]record.Pair, len(values))
	for i, v := range values {
		out[i] = v.(record.Pair)
	}
	return out, nil
}
