// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package shuffle implements the shuffle boundary: the reduce-side
// merge over a ShuffleService's delivered mapper output, in both
// hash-merge and sort-merge mode, plus the cogroup/join family and
// skew mitigation built on top of it (spec.md §4.2).
package shuffle

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	"github.com/zeebo/errs"

	"github.com/distflow/distflow/pkg/aggregate"
	"github.com/distflow/distflow/pkg/dataset"
	"github.com/distflow/distflow/pkg/dep"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/partition"
	"github.com/distflow/distflow/pkg/record"
)

// Error is the class for shuffle merge failures.
var Error = errs.Class("shuffle")

// Dataset is the reducer side of a shuffle boundary: one split per
// partition of Partitioner, computed by merging every upstream
// mapper's output for ShuffleID through the EngineContext's
// ShuffleService (spec.md §4.2).
type Dataset struct {
	*dataset.Base
	ectx        *engine.Context
	parent      engine.Dataset
	ShuffleID   int
	Agg         aggregate.Aggregator
	SortShuffle bool
	IterValues  bool
}

// New returns a shuffled Dataset over parent, keyed by partitioner and
// combined with agg. When sortShuffle is true, the reduce side k-way
// merges key-sorted mapper runs instead of hashing into memory;
// iterValues additionally streams each key's run lazily instead of
// materializing it (spec.md §4.2, §9 Open Questions).
func New(ctx *engine.Context, parent engine.Dataset, p partition.Partitioner, agg aggregate.Aggregator, sortShuffle, iterValues bool) *Dataset {
	n := p.NumPartitions()
	splits := make([]engine.Split, n)
	for i := 0; i < n; i++ {
		splits[i] = dataset.Split{Idx: i}
	}
	shuffleID := int(ctx.NewShuffleID())
	b := dataset.NewBase(ctx, splits, []dep.Dependency{dep.Shuffle{
		ShuffleID:   shuffleID,
		Partitioner: p,
		SortShuffle: sortShuffle,
		IterValues:  iterValues,
	}})
	b.SetPartitioner(p)
	b.ReprName = fmt.Sprintf("<ShuffledRDD %d>", shuffleID)
	return &Dataset{Base: b, ectx: ctx, parent: parent, ShuffleID: shuffleID, Agg: agg, SortShuffle: sortShuffle, IterValues: iterValues}
}

// Compute implements engine.Dataset.
func (d *Dataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	if d.SortShuffle {
		return d.computeSorted(ctx, s.Index())
	}
	return d.computeHashed(ctx, s.Index())
}

// mapperEntry is one (key, value, mapID) triple delivered by Fetch,
// retained just long enough to be sorted into mapper-ascending order
// before folding (DESIGN.md's Open Question decision: hash-merge ties
// break by ascending mapper id, so results are reproducible across
// runs regardless of network delivery order).
type mapperEntry struct {
	key, value record.Value
	mapID      int
}

func (d *Dataset) computeHashed(ctx context.Context, partitionIndex int) (record.Iterator, error) {
	var entries []mapperEntry
	err := d.ectx.Shuffle.Fetch(ctx, d.ShuffleID, partitionIndex, func(key, value interface{}, mapID int) {
		entries = append(entries, mapperEntry{key: key, value: value, mapID: mapID})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].mapID < entries[j].mapID })

	combined := map[interface{}]interface{}{}
	order := make([]interface{}, 0)
	for _, e := range entries {
		if c, ok := combined[e.key]; ok {
			combined[e.key] = d.Agg.MergeValue(c, e.value)
		} else {
			combined[e.key] = d.Agg.Create(e.value)
			order = append(order, e.key)
		}
	}

	i := 0
	pull := func() (record.Value, bool) {
		if i >= len(order) {
			return nil, false
		}
		k := order[i]
		i++
		return record.Pair{Key: k, Value: combined[k]}, true
	}
	return record.NewFuncIterator(pull), nil
}

// sortedRun is one mapper's key-sorted iterator, peeked one record
// ahead so it can sit in a heap ordered by next key.
type sortedRun struct {
	it    record.Iterator
	key   interface{}
	value record.Value
	ok    bool
}

func (r *sortedRun) advance() {
	v, ok := r.it.Next()
	r.ok = ok
	if ok {
		p := v.(record.Pair)
		r.key, r.value = p.Key, p.Value
	}
}

type runHeap struct {
	runs []*sortedRun
	less func(a, b interface{}) bool
}

func (h runHeap) Len() int { return len(h.runs) }
func (h runHeap) Less(i, j int) bool {
	return h.less(h.runs[i].key, h.runs[j].key)
}
func (h runHeap) Swap(i, j int) { h.runs[i], h.runs[j] = h.runs[j], h.runs[i] }
func (h *runHeap) Push(x interface{}) { h.runs = append(h.runs, x.(*sortedRun)) }
func (h *runHeap) Pop() interface{} {
	old := h.runs
	n := len(old)
	item := old[n-1]
	h.runs = old[:n-1]
	return item
}

// defaultLess orders keys with a best-effort type switch covering the
// key kinds the split readers and partitioners actually produce;
// unorderable/mismatched types fall back to their %v text form so the
// merge still terminates deterministically.
func defaultLess(a, b interface{}) bool {
	switch av := a.(type) {
	case int:
		if bv, ok := b.(int); ok {
			return av < bv
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func (d *Dataset) computeSorted(ctx context.Context, partitionIndex int) (record.Iterator, error) {
	iters, err := d.ectx.Shuffle.GetIters(ctx, d.ShuffleID, partitionIndex)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	h := &runHeap{less: defaultLess}
	for _, it := range iters {
		r := &sortedRun{it: it}
		r.advance()
		if r.ok {
			h.runs = append(h.runs, r)
		}
	}
	heap.Init(h)

	if d.IterValues {
		return d.iterValuesPull(h), nil
	}

	pull := func() (record.Value, bool) {
		if h.Len() == 0 {
			return nil, false
		}
		key := h.runs[0].key
		var values []record.Value
		for h.Len() > 0 && h.runs[0].key == key {
			r := h.runs[0]
			values = append(values, r.value)
			r.advance()
			if r.ok {
				heap.Fix(h, 0)
			} else {
				heap.Pop(h)
			}
		}
		return record.Pair{Key: key, Value: d.Agg.AggregateSorted(values)}, true
	}
	return record.NewFuncIterator(pull), nil
}

// iterValuesPull implements the lazy iter_values mode: instead of
// materializing each key's whole run, it emits (key, valuesIterator)
// pairs where valuesIterator is only good for a single forward pass
// before the parent advances to the next key (spec.md §4.2, §9 Open
// Question: callers that retain a previous key's iterator past the
// next Next() call see it silently exhausted, matching the source's
// single-pass groupby).
func (d *Dataset) iterValuesPull(h *runHeap) record.Iterator {
	var curKey interface{}
	var curDone bool
	advanceGroup := func() (interface{}, bool) {
		for h.Len() > 0 {
			if !curDone {
				// drain whatever remains of the previous group before moving on
				for h.Len() > 0 && h.runs[0].key == curKey {
					r := h.runs[0]
					r.advance()
					if r.ok {
						heap.Fix(h, 0)
					} else {
						heap.Pop(h)
					}
				}
			}
			if h.Len() == 0 {
				return nil, false
			}
			return h.runs[0].key, true
		}
		return nil, false
	}

	pull := func() (record.Value, bool) {
		key, ok := advanceGroup()
		if !ok {
			return nil, false
		}
		curKey = key
		curDone = false
		groupKey := key
		valuesPull := func() (record.Value, bool) {
			if curKey != groupKey {
				return nil, false
			}
			if h.Len() == 0 || h.runs[0].key != groupKey {
				curDone = true
				return nil, false
			}
			r := h.runs[0]
			v := r.value
			r.advance()
			if r.ok {
				heap.Fix(h, 0)
			} else {
				heap.Pop(h)
			}
			return v, true
		}
		return record.Pair{Key: curKey, Value: record.NewFuncIterator(valuesPull)}, true
	}
	return record.NewFuncIterator(pull)
}
