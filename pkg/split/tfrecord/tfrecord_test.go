// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package tfrecord_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/split/tfrecord"
)

func readAllFrames(t *testing.T, ds *tfrecord.Dataset) [][]byte {
	t.Helper()
	var out [][]byte
	for _, s := range ds.Splits() {
		it, err := ds.Compute(context.Background(), s)
		require.NoError(t, err)
		for _, v := range record.Collect(it) {
			out = append(out, v.([]byte))
		}
	}
	return out
}

func TestEncodeThenReadRoundTrip(t *testing.T) {
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var buf bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, tfrecord.WritePayload(&buf, p))
	}
	data := buf.Bytes()

	open := func() (io.ReadSeeker, error) { return bytes.NewReader(data), nil }
	ds := tfrecord.NewDataset(open, int64(len(data)), int64(len(data)), nil)
	require.Equal(t, payloads, readAllFrames(t, ds))
}

func TestDatasetNSplitEquivalenceWithResync(t *testing.T) {
	var buf bytes.Buffer
	var want [][]byte
	for i := 0; i < 200; i++ {
		p := []byte(fmt.Sprintf("payload-%04d-some-padding-bytes", i))
		want = append(want, p)
		require.NoError(t, tfrecord.WritePayload(&buf, p))
	}
	data := buf.Bytes()
	open := func() (io.ReadSeeker, error) { return bytes.NewReader(data), nil }

	single := tfrecord.NewDataset(open, int64(len(data)), int64(len(data)), nil)
	require.Len(t, single.Splits(), 1)
	singleOut := readAllFrames(t, single)
	require.Equal(t, want, singleOut)

	multi := tfrecord.NewDataset(open, int64(len(data)), int64(len(data))/10, nil)
	require.Greater(t, len(multi.Splits()), 1)
	multiOut := readAllFrames(t, multi)
	require.Equal(t, singleOut, multiOut)
}

func TestMaskedCRC32CMatchesReferenceVector(t *testing.T) {
	// Frames written by Encode must validate under the reader's own
	// MaskedCRC32C, the wire format's only integrity mechanism.
	payload := []byte("the quick brown fox")
	frame := tfrecord.Encode(payload)
	require.Len(t, frame, 12+len(payload)+4)
	require.Equal(t, tfrecord.MaskedCRC32C(frame[:8]), binary.LittleEndian.Uint32(frame[8:12]))
	require.Equal(t, tfrecord.MaskedCRC32C(payload), binary.LittleEndian.Uint32(frame[12+len(payload):]))

	// CRC-32C of the empty input is 0, so its masked form is the bare
	// mask constant.
	require.Equal(t, uint32(0xa282ead8), tfrecord.MaskedCRC32C(nil))
}
