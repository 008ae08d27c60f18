// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package aggregate implements the shuffle aggregator family: the
// three-function fold plus the group-by, heap top-k, merge, and
// opaque-sketch variants (spec.md §3, §4.5).
package aggregate

import (
	"container/heap"

	"github.com/distflow/distflow/pkg/record"
)

// Aggregator is the pure-function triple that defines an associative
// reduction over values sharing a key, plus the sorted-run fold used by
// the sort-shuffle reducer path.
type Aggregator interface {
	// Create turns the first value seen for a key into a combiner.
	Create(v record.Value) interface{}
	// MergeValue folds one more value into an existing combiner.
	MergeValue(c interface{}, v record.Value) interface{}
	// MergeCombiners merges two combiners produced for the same key by
	// different upstream mappers.
	MergeCombiners(a, b interface{}) interface{}
	// AggregateSorted folds a key-sorted run of values (already grouped
	// by equal key) into one combiner, for the sort-shuffle path.
	AggregateSorted(values []record.Value) interface{}
}

// Plain is the ordinary reduce-style aggregator built from three user
// functions.
type Plain struct {
	CreateFn         func(record.Value) interface{}
	MergeValueFn     func(interface{}, record.Value) interface{}
	MergeCombinersFn func(a, b interface{}) interface{}
}

// Create implements Aggregator.
func (p Plain) Create(v record.Value) interface{} { return p.CreateFn(v) }

// MergeValue implements Aggregator.
func (p Plain) MergeValue(c interface{}, v record.Value) interface{} {
	return p.MergeValueFn(c, v)
}

// MergeCombiners implements Aggregator.
func (p Plain) MergeCombiners(a, b interface{}) interface{} { return p.MergeCombinersFn(a, b) }

// AggregateSorted implements Aggregator by folding left with Create/MergeValue.
func (p Plain) AggregateSorted(values []record.Value) interface{} {
	if len(values) == 0 {
		return nil
	}
	c := p.Create(values[0])
	for _, v := range values[1:] {
		c = p.MergeValue(c, v)
	}
	return c
}

// Merge is the wrap-in-a-slice-on-create, append-on-merge aggregator used
// where the reduce side must preserve and concatenate mapper outputs
// unchanged (e.g. the sort transform's local-sort path, where the
// shuffle merely redistributes by range and the reducer re-sorts
// locally rather than combining values).
type Merge struct{}

// Create implements Aggregator.
func (Merge) Create(v record.Value) interface{} { return []record.Value{v} }

// MergeValue implements Aggregator.
func (Merge) MergeValue(c interface{}, v record.Value) interface{} {
	return append(c.([]record.Value), v)
}

// MergeCombiners implements Aggregator.
func (Merge) MergeCombiners(a, b interface{}) interface{} {
	return append(a.([]record.Value), b.([]record.Value)...)
}

// AggregateSorted implements Aggregator.
func (Merge) AggregateSorted(values []record.Value) interface{} {
	out := make([]record.Value, len(values))
	copy(out, values)
	return out
}

// GroupBy collects every value for a key into an ordered slice,
// preserving arrival order (groupByKey, cogroup's per-parent lists).
type GroupBy struct{}

// Create implements Aggregator.
func (GroupBy) Create(v record.Value) interface{} { return []record.Value{v} }

// MergeValue implements Aggregator.
func (GroupBy) MergeValue(c interface{}, v record.Value) interface{} {
	return append(c.([]record.Value), v)
}

// MergeCombiners implements Aggregator.
func (GroupBy) MergeCombiners(a, b interface{}) interface{} {
	return append(a.([]record.Value), b.([]record.Value)...)
}

// AggregateSorted implements Aggregator.
func (GroupBy) AggregateSorted(values []record.Value) interface{} {
	out := make([]record.Value, len(values))
	copy(out, values)
	return out
}

// heapItem is the 4-tuple the heap top-k aggregator keeps per entry:
// (orderKey, insertion sequence, tiebreak sequence, value). Equal
// orderKeys evict in stable first-seen order, per the original's
// topByKey heap grounding (DESIGN.md).
type heapItem struct {
	order    float64
	seq      int64
	tiebreak int64
	value    record.Value
}

type minHeap []heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].order != h[j].order {
		return h[i].order < h[j].order
	}
	return h[i].tiebreak < h[j].tiebreak
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// HeapTopK keeps the K entries with the largest OrderFunc value per
// key, breaking ties on arrival order (reversed when Reverse is set,
// so that "top" and "bottom" both evict consistently). The combiner is
// a bounded min-heap so eviction is the cheapest record to beat.
type HeapTopK struct {
	K        int
	OrderFunc func(record.Value) float64
	Reverse  bool
	seq      int64
}

// Create implements Aggregator.
func (a *HeapTopK) Create(v record.Value) interface{} {
	h := &minHeap{a.item(v)}
	return h
}

func (a *HeapTopK) item(v record.Value) heapItem {
	a.seq++
	tb := a.seq
	if a.Reverse {
		tb = -tb
	}
	return heapItem{order: a.OrderFunc(v), seq: a.seq, tiebreak: tb, value: v}
}

// MergeValue implements Aggregator.
func (a *HeapTopK) MergeValue(c interface{}, v record.Value) interface{} {
	h := c.(*minHeap)
	heap.Push(h, a.item(v))
	for h.Len() > a.K {
		heap.Pop(h)
	}
	return h
}

// MergeCombiners implements Aggregator.
func (a *HeapTopK) MergeCombiners(x, y interface{}) interface{} {
	a1, b1 := x.(*minHeap), y.(*minHeap)
	for _, it := range *b1 {
		heap.Push(a1, it)
	}
	for a1.Len() > a.K {
		heap.Pop(a1)
	}
	return a1
}

// AggregateSorted implements Aggregator: a sorted run is already one
// key's values, so just bound it to K via the same heap discipline.
func (a *HeapTopK) AggregateSorted(values []record.Value) interface{} {
	var c interface{}
	for _, v := range values {
		if c == nil {
			c = a.Create(v)
		} else {
			c = a.MergeValue(c, v)
		}
	}
	return c
}

// SortedTopK drains a HeapTopK combiner into a slice ordered from best
// to worst, undoing the heap's min-first internal order — callers
// (topByKey) are expected to call this once per key on the final
// combiner before emitting it downstream.
func SortedTopK(c interface{}) []record.Value {
	h := append(minHeap(nil), *(c.(*minHeap))...)
	out := make([]record.Value, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(heapItem).value
	}
	return out
}

// Sketch wraps an externally-supplied opaque mergeable statistic (a
// t-digest quantile sketch, an approximate-distinct counter, ...) as an
// Aggregator. Per spec.md §1, the sketch's internals are out of scope;
// only this wiring point is this package's concern (percentiles,
// percentilesByKey, skew-fix threshold estimation all go through it).
type Sketch struct {
	NewFn   func() interface{}
	AddFn   func(s interface{}, v record.Value) interface{}
	MergeFn func(a, b interface{}) interface{}
}

// Create implements Aggregator.
func (s Sketch) Create(v record.Value) interface{} { return s.AddFn(s.NewFn(), v) }

// MergeValue implements Aggregator.
func (s Sketch) MergeValue(c interface{}, v record.Value) interface{} { return s.AddFn(c, v) }

// MergeCombiners implements Aggregator.
func (s Sketch) MergeCombiners(a, b interface{}) interface{} { return s.MergeFn(a, b) }

// AggregateSorted implements Aggregator.
func (s Sketch) AggregateSorted(values []record.Value) interface{} {
	c := s.NewFn()
	for _, v := range values {
		c = s.AddFn(c, v)
	}
	return c
}
