// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package shuffle

import (
	"context"
	"sort"

	"github.com/distflow/distflow/pkg/aggregate"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/partition"
	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/transform"
)

// Sort returns parent's records in global sorted order, grounded on
// the original's sort(): a first pass samples roughly ten keys per
// target partition from the front of every split, picks numSplits-1
// evenly-spaced boundaries from the sorted sample, range-partitions by
// those boundaries, and locally sorts each resulting partition (spec.md
// §4.1 "sort").
func Sort(ctx context.Context, ectx *engine.Context, parent engine.Dataset, less func(a, b record.Value) bool, reverse bool, numSplits int) (engine.Dataset, error) {
	splits := parent.Splits()
	if len(splits) == 0 {
		return parent, nil
	}
	if len(splits) == 1 {
		return transform.MapPartitions(ectx, parent, func(it record.Iterator) record.Iterator {
			values := record.Collect(it)
			sortValues(values, less, reverse)
			return record.NewSliceIterator(values)
		}), nil
	}
	if numSplits <= 0 {
		numSplits = len(splits)
	}

	n := numSplits * 10 / len(splits)
	if n < 1 {
		n = 1
	}

	var samples []record.Value
	for _, s := range splits {
		it, err := parent.Compute(ctx, s)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			v, ok := it.Next()
			if !ok {
				break
			}
			samples = append(samples, v)
		}
	}
	sortValues(samples, less, reverse)

	var boundaries []record.Value
	for i := 5; i < len(samples) && len(boundaries) < numSplits-1; i += 10 {
		boundaries = append(boundaries, samples[i])
	}

	rangeLess := func(a, b interface{}) bool { return less(a.(record.Value), b.(record.Value)) }
	p := partition.NewRangePartitioner(toInterfaceSlice(boundaries), rangeLess, reverse)

	keyed := transform.Map(ectx, parent, func(v record.Value) (record.Value, error) {
		return record.Pair{Key: v, Value: v}, nil
	}, 0, nil)
	parted := CombineByKey(ectx, keyed, aggregate.Merge{}, p, false)
	flattened := transform.FlatMapValues(ectx, parted, func(v record.Value) ([]record.Value, error) {
		return v.([]record.Value), nil
	}, 0, nil)

	return transform.MapPartitions(ectx, flattened, func(it record.Iterator) record.Iterator {
		unwrapped := make([]record.Value, 0)
		for {
			v, ok := it.Next()
			if !ok {
				break
			}
			unwrapped = append(unwrapped, v.(record.Pair).Value)
		}
		sortValues(unwrapped, less, reverse)
		return record.NewSliceIterator(unwrapped)
	}), nil
}

func toInterfaceSlice(values []record.Value) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func sortValues(values []record.Value, less func(a, b record.Value) bool, reverse bool) {
	sort.SliceStable(values, func(i, j int) bool {
		if reverse {
			return less(values[j], values[i])
		}
		return less(values[i], values[j])
	})
}
