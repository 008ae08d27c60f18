// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package bzip2split_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/split/bzip2split"
)

// fixtureB64 is a real bzip2 stream (generated by the standard bzip2
// CLI, not this package) of the text "alpha\nbeta\ngamma\ndelta\nepsilon\n".
const fixtureB64 = "QlpoOTFBWSZTWTgXoSQAAATBgAAQNufMACAAMUwAANTagaepp6iIG0xnkCYmPOlSLYxsn4u5IpwoSBwL0JIA"

func mustFixture(t *testing.T) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(fixtureB64)
	require.NoError(t, err)
	return data
}

func readAllLines(t *testing.T, ds *bzip2split.Dataset) []string {
	t.Helper()
	var out []string
	for _, s := range ds.Splits() {
		it, err := ds.Compute(context.Background(), s)
		require.NoError(t, err)
		for _, v := range record.Collect(it) {
			out = append(out, v.(string))
		}
	}
	return out
}

// TestSingleSplitRoundTrip covers the single-block, single-split read
// path against a real externally-generated bzip2 stream. bzip2's
// per-block magic signature is bit-packed rather than byte-aligned, so
// constructing a reliable multi-block fixture (and exercising this
// package's findMagic/resyncFragment scanning against real block
// boundaries) needs a bit-accurate bzip2 encoder this repo doesn't
// have; that gap is recorded in DESIGN.md rather than tested here with
// a fixture that happens to work by coincidence.
func TestSingleSplitRoundTrip(t *testing.T) {
	data := mustFixture(t)
	open := func() (io.ReadSeeker, error) { return bytes.NewReader(data), nil }
	ds := bzip2split.NewDataset(open, int64(len(data)), int64(len(data)), nil)
	require.Len(t, ds.Splits(), 1)

	want := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	require.Equal(t, want, readAllLines(t, ds))
}
