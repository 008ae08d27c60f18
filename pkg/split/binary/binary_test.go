// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package binary_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	bsplit "github.com/distflow/distflow/pkg/split/binary"
	"github.com/distflow/distflow/pkg/record"
)

const recordSize = 8

func decodeUint64(b []byte) (record.Value, error) {
	return binary.BigEndian.Uint64(b), nil
}

func encodeFixture(n int) []byte {
	var buf bytes.Buffer
	b := make([]byte, recordSize)
	for i := 0; i < n; i++ {
		binary.BigEndian.PutUint64(b, uint64(i))
		buf.Write(b)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, ds *bsplit.Dataset) []uint64 {
	t.Helper()
	var out []uint64
	for _, s := range ds.Splits() {
		it, err := ds.Compute(context.Background(), s)
		require.NoError(t, err)
		for _, v := range record.Collect(it) {
			out = append(out, v.(uint64))
		}
	}
	return out
}

func TestDatasetReadsFixedRecords(t *testing.T) {
	data := encodeFixture(10)
	open := func() (io.ReadSeeker, error) { return bytes.NewReader(data), nil }
	ds := bsplit.NewDataset(open, int64(len(data)), int64(len(data)), recordSize, decodeUint64)

	var want []uint64
	for i := 0; i < 10; i++ {
		want = append(want, uint64(i))
	}
	require.Equal(t, want, readAll(t, ds))
}

func TestDatasetAlignsSplitsToRecordSize(t *testing.T) {
	data := encodeFixture(100)
	open := func() (io.ReadSeeker, error) { return bytes.NewReader(data), nil }

	// splitSize of recordSize*3 + 5 should round down to recordSize*3,
	// leaving every split's length a multiple of recordSize.
	ds := bsplit.NewDataset(open, int64(len(data)), int64(recordSize*3+5), recordSize, decodeUint64)
	require.Greater(t, len(ds.Splits()), 1)

	var want []uint64
	for i := 0; i < 100; i++ {
		want = append(want, uint64(i))
	}
	require.Equal(t, want, readAll(t, ds))
}
