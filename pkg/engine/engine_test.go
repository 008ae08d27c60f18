// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distflow/distflow/pkg/engine"
)

func TestNewDatasetIDStartsAtZeroAndIncrements(t *testing.T) {
	ctx := engine.New()
	require.EqualValues(t, 0, ctx.NewDatasetID())
	require.EqualValues(t, 1, ctx.NewDatasetID())
	require.EqualValues(t, 2, ctx.NewDatasetID())
}

func TestNewShuffleIDStartsAtZeroAndIncrements(t *testing.T) {
	ctx := engine.New()
	require.EqualValues(t, 0, ctx.NewShuffleID())
	require.EqualValues(t, 1, ctx.NewShuffleID())
}

func TestDatasetAndShuffleIDCountersAreIndependent(t *testing.T) {
	ctx := engine.New()
	require.EqualValues(t, 0, ctx.NewDatasetID())
	require.EqualValues(t, 0, ctx.NewShuffleID())
	require.EqualValues(t, 1, ctx.NewDatasetID())
	require.EqualValues(t, 1, ctx.NewShuffleID())
}

func TestNewContextHasNilCollaboratorsByDefault(t *testing.T) {
	ctx := engine.New()
	require.Nil(t, ctx.Scheduler)
	require.Nil(t, ctx.CacheTracker)
	require.Nil(t, ctx.Shuffle)
	require.Nil(t, ctx.FS)
	require.Nil(t, ctx.Broadcast)
	require.Nil(t, ctx.Checkpoint)
}

func TestIDCountersAreConcurrencySafe(t *testing.T) {
	ctx := engine.New()
	const n = 100
	done := make(chan int64, n)
	for i := 0; i < n; i++ {
		go func() { done <- ctx.NewDatasetID() }()
	}
	seen := map[int64]bool{}
	for i := 0; i < n; i++ {
		id := <-done
		require.False(t, seen[id], "duplicate dataset id %d", id)
		seen[id] = true
	}
}
