// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package shuffle

import (
	"github.com/distflow/distflow/pkg/aggregate"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/partition"
	"github.com/distflow/distflow/pkg/record"
)

// CombineByKey shuffles parent (a dataset of record.Pair) by p and
// folds every key's values with agg, grounded on the original's
// combineByKey/reduceByKey/groupByKey family (spec.md §4.1, §4.5).
func CombineByKey(ctx *engine.Context, parent engine.Dataset, agg aggregate.Aggregator, p partition.Partitioner, sortShuffle bool) *Dataset {
	return New(ctx, parent, p, agg, sortShuffle, false)
}

// ReduceByKey combines values sharing a key with a single associative
// function f, applied both within and across mapper outputs.
func ReduceByKey(ctx *engine.Context, parent engine.Dataset, f func(a, b record.Value) record.Value, p partition.Partitioner, sortShuffle bool) *Dataset {
	agg := aggregate.Plain{
		CreateFn:         func(v record.Value) interface{} { return v },
		MergeValueFn:     func(c interface{}, v record.Value) interface{} { return f(c.(record.Value), v) },
		MergeCombinersFn: func(a, b interface{}) interface{} { return f(a.(record.Value), b.(record.Value)) },
	}
	return CombineByKey(ctx, parent, agg, p, sortShuffle)
}

// GroupByKey collects every value sharing a key into one ordered slice.
func GroupByKey(ctx *engine.Context, parent engine.Dataset, p partition.Partitioner, sortShuffle bool) *Dataset {
	return CombineByKey(ctx, parent, aggregate.GroupBy{}, p, sortShuffle)
}
