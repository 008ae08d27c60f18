// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package textsplit implements the line-delimited text split reader
// and the text/multi-file split writers (spec.md §4.3, §4.4).
package textsplit

import (
	"bufio"
	"context"
	"io"

	"github.com/zeebo/errs"

	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/split"
)

// Error is the class for text split read/write failures.
var Error = errs.Class("textsplit")

// DefaultSplitSize matches the source's TextFileRDD.DEFAULT_SPLIT_SIZE.
const DefaultSplitSize = 64 * 1024 * 1024

// Opener returns a fresh, independently-seekable reader over the whole
// underlying file, so concurrent splits never share a cursor.
type Opener func() (io.ReadSeeker, error)

// Dataset reads UTF-8 lines out of byte-range splits of a single text
// file. The first split's owner reads from Begin; every other owner
// first discards bytes from Begin-1 through the next '\n' (that partial
// line belongs to the previous split), then emits lines until the
// first newline at or past End, so each split emits the lines that
// start in [Begin, End). A final line without a trailing newline is
// still emitted (spec.md §4.3 "Line-text reader").
type Dataset struct {
	Open      Opener
	SplitSize int64
	splits    []split.ByteRange
}

// NewDataset builds a Dataset with splits derived from length and
// SplitSize (DefaultSplitSize if zero).
func NewDataset(open Opener, length int64, splitSize int64) *Dataset {
	if splitSize == 0 {
		splitSize = DefaultSplitSize
	}
	return &Dataset{Open: open, SplitSize: splitSize, splits: split.ByteRanges(length, splitSize)}
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

	start := br.Begin
	if br.Idx != 0 {
		// Start one byte early, so a line beginning exactly at Begin is
		// kept: only the previous line's '\n' is then discarded.
		start--
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, Error.Wrap(err)
	}
	r := bufio.NewReader(f)

	var consumed int64
	if br.Idx != 0 {
		// This logical line belongs to the previous split; discard it.
		skipped, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, Error.Wrap(err)
		}
		consumed = int64(len(skipped))
	}

	passedEnd := start+consumed >= br.End
	pull := func() (record.Value, bool) {
		if passedEnd {
			return nil, false
		}
		line, err := r.ReadString('\n')
		if len(line) == 0 && err != nil {
			return nil, false
		}
		consumed += int64(len(line))
		hadNewline := len(line) > 0 && line[len(line)-1] == '\n'
		if hadNewline {
			line = line[:len(line)-1]
		}
		if start+consumed >= br.End {
			passedEnd = true
		}
		if err != nil && err != io.EOF {
			passedEnd = true
		}
		return line, true
	}
	return record.NewFuncIterator(pull), nil
}
