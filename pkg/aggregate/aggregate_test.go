// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package aggregate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distflow/distflow/pkg/aggregate"
	"github.com/distflow/distflow/pkg/record"
)

func TestPlainAggregatorReduce(t *testing.T) {
	agg := aggregate.Plain{
		CreateFn:         func(v record.Value) interface{} { return v },
		MergeValueFn:     func(c interface{}, v record.Value) interface{} { return c.(int) + v.(int) },
		MergeCombinersFn: func(a, b interface{}) interface{} { return a.(int) + b.(int) },
	}
	c := agg.Create(1)
	c = agg.MergeValue(c, 2)
	c = agg.MergeValue(c, 3)
	require.Equal(t, 6, c)

	c2 := agg.AggregateSorted([]record.Value{10, 20, 30})
	require.Equal(t, 60, c2)
}

func TestGroupByPreservesOrder(t *testing.T) {
	agg := aggregate.GroupBy{}
	c := agg.Create("a")
	c = agg.MergeValue(c, "b")
	c = agg.MergeValue(c, "c")
	require.Equal(t, []record.Value{"a", "b", "c"}, c)
}

func TestHeapTopKStableTiebreak(t *testing.T) {
	agg := &aggregate.HeapTopK{K: 2, OrderFunc: func(v record.Value) float64 { return v.(float64) }}
	c := agg.Create(1.0)
	c = agg.MergeValue(c, 1.0)
	c = agg.MergeValue(c, 5.0)
	c = agg.MergeValue(c, 3.0)

	top := aggregate.SortedTopK(c)
	require.Len(t, top, 2)
	require.Equal(t, 5.0, top[0])
	require.Equal(t, 3.0, top[1])
}

func TestHeapTopKMergeCombiners(t *testing.T) {
	agg := &aggregate.HeapTopK{K: 3, OrderFunc: func(v record.Value) float64 { return v.(float64) }}
	c1 := agg.Create(1.0)
	c1 = agg.MergeValue(c1, 9.0)
	c2 := agg.Create(2.0)
	c2 = agg.MergeValue(c2, 8.0)

	merged := agg.MergeCombiners(c1, c2)
	top := aggregate.SortedTopK(merged)
	require.Equal(t, []record.Value{9.0, 8.0, 2.0}, top)
}

func TestSketchWiring(t *testing.T) {
	agg := aggregate.Sketch{
		NewFn: func() interface{} { return map[interface{}]bool{} },
		AddFn: func(s interface{}, v record.Value) interface{} {
			s.(map[interface{}]bool)[v] = true
			return s
		},
		MergeFn: func(a, b interface{}) interface{} {
			for k := range b.(map[interface{}]bool) {
				a.(map[interface{}]bool)[k] = true
			}
			return a
		},
	}
	c := agg.Create(1)
	c = agg.MergeValue(c, 2)
	other := agg.AggregateSorted([]record.Value{2, 3})
	merged := agg.MergeCombiners(c, other)
	require.Len(t, merged.(map[interface{}]bool), 3)
}
