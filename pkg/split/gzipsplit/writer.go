// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package gzipsplit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/pgzip"

	"github.com/distflow/distflow/pkg/atomicfile"
	"github.com/distflow/distflow/pkg/record"
)

// Writer wraps a pgzip.Writer and calls Flush (a Z_SYNC_FLUSH,
// emitting the "00 00 FF FF" boundary marker) every FlushBytes of
// uncompressed input, so the resulting file stays splittable by
// Dataset (spec.md §4.4).
type Writer struct {
	gz         *pgzip.Writer
	FlushBytes int
	since      int
}

// NewWriter wraps w with a flush cadence of flushBytes
// (DefaultFlushBytes if zero).
func NewWriter(w io.Writer, flushBytes int) (*Writer, error) {
	if flushBytes == 0 {
		flushBytes = DefaultFlushBytes
	}
	gz, err := pgzip.NewWriterLevel(w, pgzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	return &Writer{gz: gz, FlushBytes: flushBytes}, nil
}

// Write implements io.Writer, flushing a sync boundary whenever
// FlushBytes have been written since the last flush.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.gz.Write(p)
	w.since += n
	if err != nil {
		return n, err
	}
	if w.since >= w.FlushBytes {
		if err := w.gz.Flush(); err != nil {
			return n, err
		}
		w.since = 0
	}
	return n, nil
}

// Close flushes and closes the underlying gzip stream.
func (w *Writer) Close() error { return w.gz.Close() }

// WritePartition writes one partition's lines, gzip-compressed with
// periodic sync-flush boundaries, to <dir>/<index>.gz via the
// atomic-rename primitive.
func WritePartition(dir string, index int, flushBytes int, lines record.Iterator) (atomicfile.Outcome, error) {
	dest := filepath.Join(dir, fmt.Sprintf("%04d.gz", index))
	return atomicfile.Write(dest, func(f *os.File) (bool, error) {
		gw, err := NewWriter(f, flushBytes)
		if err != nil {
			return false, err
		}
		empty := true
		for {
			v, ok := lines.Next()
			if !ok {
				break
			}
			empty = false
			if _, err := fmt.Fprintf(gw, "%v\n", v); err != nil {
				return false, err
			}
		}
		if err := gw.Close(); err != nil {
			return false, err
		}
		return empty, nil
	})
}
