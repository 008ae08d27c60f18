// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package transform

import (
	"context"

	"go.uber.org/zap"

	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/partition"
	"github.com/distflow/distflow/pkg/record"
)

// partitioned is implemented by any dataset that exposes its
// partitioner, letting Lookup route to a single split instead of
// scanning every partition.
type partitioned interface {
	Partitioner() partition.Partitioner
}

// Lookup returns the value paired with key in rdd, or nil if absent.
// When rdd carries a partitioner, only the one split key hashes to is
// read; otherwise every split is scanned and a warning is logged
// (spec.md §4.1 "lookup", grounded on the original's lookup()).
func Lookup(ctx context.Context, ectx *engine.Context, rdd engine.Dataset, key record.Value, log *zap.Logger) (record.Value, error) {
	if p, ok := rdd.(partitioned); ok && p.Partitioner() != nil {
		idx := p.Partitioner().GetPartition(key)
		process := func(it record.Iterator) (interface{}, error) {
			for {
				v, ok := it.Next()
				if !ok {
					return nil, nil
				}
				pair, ok := v.(record.Pair)
				if ok && pair.Key == key {
					return pair.Value, nil
				}
			}
		}
		results, err := ectx.Scheduler.RunJob(ctx, rdd, process, []int{idx}, false)
		if err != nil {
			return nil, err
		}
		if len(results) == 0 || results[0] == nil {
			return nil, nil
		}
		return results[0], nil
	}

	if log != nil {
		log.Warn("lookup without a partitioner scans every partition")
	}
	found := make(chan record.Value, 1)
	process := func(it record.Iterator) (interface{}, error) {
		for {
			v, ok := it.Next()
			if !ok {
				return nil, nil
			}
			pair, ok := v.(record.Pair)
			if ok && pair.Key == key {
				return pair.Value, nil
			}
		}
	}
	indices := make([]int, len(rdd.Splits()))
	for i := range indices {
		indices[i] = i
	}
	results, err := ectx.Scheduler.RunJob(ctx, rdd, process, indices, false)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r != nil {
			found <- r
			break
		}
	}
	select {
	case v := <-found:
		return v, nil
	default:
		return nil, nil
	}
}
