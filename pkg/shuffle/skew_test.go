// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package shuffle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distflow/distflow/pkg/dataset"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/shuffle"
)

type floatSource struct {
	*dataset.Base
	values []record.Value
}

func newFloatSource(ectx *engine.Context, values []float64) *floatSource {
	vs := make([]record.Value, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return &floatSource{Base: dataset.NewBase(ectx, []engine.Split{dataset.Split{Idx: 0}}, nil), values: vs}
}

func (f *floatSource) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	return record.NewSliceIterator(f.values), nil
}

func TestPercentilesAtFullSampleRate(t *testing.T) {
	ectx := &engine.Context{}
	var vals []float64
	for i := 1; i <= 100; i++ {
		vals = append(vals, float64(i))
	}
	src := newFloatSource(ectx, vals)

	got, err := shuffle.Percentiles(context.Background(), ectx, src, []float64{0, 50, 100}, 1.0, func(v record.Value) float64 {
		return v.(float64)
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, 1.0, got[0])
	require.InDelta(t, 100.0, got[2], 0.001)
}

func TestSkewThresholdsMonotonicAndBounded(t *testing.T) {
	ectx := &engine.Context{}
	var pairs []record.Value
	for i := 0; i < 500; i++ {
		pairs = append(pairs, record.Pair{Key: i, Value: i})
	}
	src := &pairSliceSource{Base: dataset.NewBase(ectx, []engine.Split{dataset.Split{Idx: 0}}, nil), values: pairs}

	thresh, err := shuffle.SkewThresholds(context.Background(), ectx, src, 4, 1.0, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, len(thresh), 3)
	for i := 1; i < len(thresh); i++ {
		require.Less(t, thresh[i-1], thresh[i])
	}
}

type pairSliceSource struct {
	*dataset.Base
	values []record.Value
}

func (p *pairSliceSource) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	return record.NewSliceIterator(p.values), nil
}
