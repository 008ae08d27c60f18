// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package binary implements the fixed-record-length binary split
// reader: splitSize is rounded down to a multiple of the record size,
// so every split can unpack its records independently with no
// cross-split fix-up (spec.md §4.3 "Binary fixed-record reader").
package binary

import (
	"context"
	"io"

	"github.com/zeebo/errs"

	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/split"
)

// Error is the class for binary split read failures.
var Error = errs.Class("binary")

// Opener returns a fresh, independently-seekable reader over the whole
// underlying file.
type Opener func() (io.ReadSeeker, error)

// Decoder turns one fixed-size record's raw bytes into a value.
type Decoder func([]byte) (record.Value, error)

// Dataset reads fixed-length records out of byte-range splits of a
// binary file.
type Dataset struct {
	Open       Opener
	RecordSize int
	Decode     Decoder
	splits     []split.ByteRange
}

// NewDataset builds a Dataset whose splits are aligned to whole records:
// splitSize is rounded down to the nearest multiple of recordSize
// (spec.md §4.3).
func NewDataset(open Opener, length int64, splitSize int64, recordSize int, decode Decoder) *Dataset {
	rs := int64(recordSize)
	aligned := (splitSize / rs) * rs
	if aligned == 0 {
		aligned = rs
	}
	n := int(split.NumSplits(length, aligned))
	splits := make([]split.ByteRange, n)
	for i := 0; i < n; i++ {
		begin := int64(i) * aligned
		end := begin + aligned
		if end > length || i == n-1 {
			end = length
		}
		splits[i] = split.ByteRange{Idx: i, Begin: begin, End: end}
	}
	return &Dataset{Open: open, RecordSize: recordSize, Decode: decode, splits: splits}
}

// Splits implements engine.Dataset.
func (d *Dataset) Splits() []engine.Split {
	out := make([]engine.Split, len(d.splits))
	for i, s := range d.splits {
		out[i] = s
	}
	return out
}

// Compute implements engine.Dataset.
func (d *Dataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	br := s.(split.ByteRange)
	f, err := d.Open()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if _, err := f.Seek(br.Begin, io.SeekStart); err != nil {
		return nil, Error.Wrap(err)
	}

	pos := br.Begin
	buf := make([]byte, d.RecordSize)
	pull := func() (record.Value, bool) {
		if pos+int64(d.RecordSize) > br.End {
			return nil, false
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, false
		}
		pos += int64(d.RecordSize)
		v, err := d.Decode(buf)
		if err != nil {
			return nil, false
		}
		return v, true
	}
	return record.NewFuncIterator(pull), nil
}
