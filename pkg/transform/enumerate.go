// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package transform

import (
	"context"

	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/record"
)

// Enumerate pairs every record in parent with its global index across
// all partitions (0, 1, 2, ... in partition order), grounded on the
// original's enumerate(): a first pass counts each partition's size
// via the scheduler, then EnumeratePartitions offsets each partition's
// local index by the running total of the partitions before it.
func Enumerate(ctx context.Context, ectx *engine.Context, parent engine.Dataset) (engine.Dataset, error) {
	splits := parent.Splits()
	starts := make([]int64, len(splits))
	if len(splits) > 1 {
		counts, err := ectx.Scheduler.RunJob(ctx, parent, func(it record.Iterator) (interface{}, error) {
			var n int64
			for {
				_, ok := it.Next()
				if !ok {
					break
				}
				n++
			}
			return n, nil
		}, nil, false)
		if err != nil {
			return nil, err
		}
		var running int64
		for i, c := range counts {
			starts[i] = running
			running += c.(int64)
		}
	}

	return EnumeratePartitions(ectx, parent, func(splitIndex int, it record.Iterator) record.Iterator {
		next := starts[splitIndex]
		pull := func() (record.Value, bool) {
			v, ok := it.Next()
			if !ok {
				return nil, false
			}
			idx := next
			next++
			return record.Pair{Key: idx, Value: v}, true
		}
		return record.NewFuncIterator(pull)
	}), nil
}
