// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package textsplit_test

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/split/textsplit"
)

func readAllSplits(t *testing.T, ds *textsplit.Dataset) []string {
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

func TestWritePartitionThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lines := []string{"alpha", "beta", "gamma"}
	it := record.NewSliceIterator([]record.Value{lines[0], lines[1], lines[2]})
	outcome, err := textsplit.WritePartition(dir, 0, ".txt", it)
	require.NoError(t, err)
	require.True(t, outcome.Published)

	data, err := ioutil.ReadFile(outcome.Path)
	require.NoError(t, err)

	open := func() (io.ReadSeeker, error) { return bytes.NewReader(data), nil }
	ds := textsplit.NewDataset(open, int64(len(data)), int64(len(data)))
	require.Equal(t, lines, readAllSplits(t, ds))
}

func TestDatasetNSplitEquivalence(t *testing.T) {
	var lines []string
	for i := 0; i < 500; i++ {
		lines = append(lines, "line "+string(rune('a'+i%26)))
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	data := buf.Bytes()
	open := func() (io.ReadSeeker, error) { return bytes.NewReader(data), nil }

	single := textsplit.NewDataset(open, int64(len(data)), int64(len(data)))
	require.Len(t, single.Splits(), 1)
	singleOut := readAllSplits(t, single)
	require.Equal(t, lines, singleOut)

	multi := textsplit.NewDataset(open, int64(len(data)), int64(len(data))/8)
	require.Greater(t, len(multi.Splits()), 1)
	multiOut := readAllSplits(t, multi)
	require.Equal(t, singleOut, multiOut)
}

func TestDatasetEmitsFinalLineWithoutTrailingNewline(t *testing.T) {
	data := []byte("only\nno trailing newline")
	open := func() (io.ReadSeeker, error) { return bytes.NewReader(data), nil }
	ds := textsplit.NewDataset(open, int64(len(data)), int64(len(data)))
	require.Equal(t, []string{"only", "no trailing newline"}, readAllSplits(t, ds))
}
