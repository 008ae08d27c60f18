// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package table implements the msgpack block-table split format: an
// 8-byte MAGIC followed by a sequence of blocks, each a
// count/size-prefixed, optionally zlib-compressed run of
// msgpack-encoded records (spec.md §4.3, §4.4 "Table reader"/"writer").
package table

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	msgpack "gopkg.in/vmihailenco/msgpack.v2"

	"github.com/zeebo/errs"

	"github.com/distflow/distflow/pkg/atomicfile"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/split"
)

// Error is the class for table split read/write failures.
var Error = errs.Class("table")

// Magic is the 8-byte sequence every table file begins with.
var Magic = [8]byte{0x00, 0xDE, 0x00, 0xAD, 0xFF, 0xBE, 0xFF, 0xEF}

// DefaultSplitSize mirrors the 32 MiB default for this format.
const DefaultSplitSize = 32 * 1024 * 1024

// DefaultBlockBytes is the writer's per-block buffering threshold.
const DefaultBlockBytes = 256 * 1024

const blockHeaderLen = 12 // u32 compressed | u32 count | u32 size

// Opener returns a fresh, independently-seekable reader over the whole
// underlying file.
type Opener func() (io.ReadSeeker, error)

// Dataset reads msgpack records out of byte-range splits of a table
// file: it checks Magic at the head of the file, skips the blocks that
// start before Begin, then parses blocks until the cursor reaches End.
type Dataset struct {
	Open      Opener
	SplitSize int64
	splits    []split.ByteRange
}

// NewDataset builds a Dataset with splits derived from length and
// splitSize.
func NewDataset(open Opener, length, splitSize int64) *Dataset {
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

func findMagic(f io.ReadSeeker, pos, limit int64) (int64, error) {
	const window = 64 * 1024
	for p := pos; p < limit; p += window - int64(len(Magic)-1) {
		n := int64(window)
		if p+n > limit+int64(len(Magic)) {
			n = limit + int64(len(Magic)) - p
		}
		if n < int64(len(Magic)) {
			return -1, nil
		}
		if _, err := f.Seek(p, io.SeekStart); err != nil {
			return -1, err
		}
		buf := make([]byte, n)
		nr, err := io.ReadFull(f, buf)
		buf = buf[:nr]
		if err != nil && err != io.ErrUnexpectedEOF {
			return -1, nil
		}
		if idx := bytes.Index(buf, Magic[:]); idx >= 0 {
			return p + int64(idx), nil
		}
	}
	return -1, nil
}

// Compute implements engine.Dataset.
func (d *Dataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	br := s.(split.ByteRange)
	f, err := d.Open()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	start, err := findMagic(f, 0, 1)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if start < 0 {
		return record.NewSliceIterator(nil), nil
	}

	// Magic appears once, at the head of the file: walk the block
	// headers from there, skipping every block that starts before Begin,
	// so each block is read by the split its first byte falls in.
	var pos = start + int64(len(Magic))
	skip := make([]byte, blockHeaderLen)
	for pos < br.Begin {
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return nil, Error.Wrap(err)
		}
		if _, err := io.ReadFull(f, skip); err != nil {
			return record.NewSliceIterator(nil), nil
		}
		pos += blockHeaderLen + int64(binary.LittleEndian.Uint32(skip[8:12]))
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return nil, Error.Wrap(err)
	}
	r := bufio.NewReader(f)

	var queue []record.Value
	qi := 0

	readBlock := func() (bool, error) {
		header := make([]byte, blockHeaderLen)
		if _, err := io.ReadFull(r, header); err != nil {
			return false, nil
		}
		compressed := binary.LittleEndian.Uint32(header[0:4])
		count := binary.LittleEndian.Uint32(header[4:8])
		size := binary.LittleEndian.Uint32(header[8:12])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return false, Error.Wrap(err)
		}
		pos += blockHeaderLen + int64(size)

		var raw io.Reader = bytes.NewReader(payload)
		if compressed != 0 {
			zr, err := zlib.NewReader(raw)
			if err != nil {
				return false, Error.Wrap(err)
			}
			defer zr.Close()
			raw = zr
		}
		dec := msgpack.NewDecoder(raw)
		for i := uint32(0); i < count; i++ {
			var v interface{}
			if err := dec.Decode(&v); err != nil {
				return false, Error.Wrap(err)
			}
			queue = append(queue, v)
		}
		return true, nil
	}

	pull := func() (record.Value, bool) {
		for qi >= len(queue) {
			if pos >= br.End {
				return nil, false
			}
			ok, err := readBlock()
			if err != nil || !ok {
				return nil, false
			}
		}
		v := queue[qi]
		qi++
		return v, true
	}
	return record.NewFuncIterator(pull), nil
}

// WritePartition buffers msgpack-encoded records into blockBytes-sized
// blocks (optionally zlib-compressed) and writes them to
// <dir>/<index>.table via the atomic-rename primitive.
func WritePartition(dir string, index int, blockBytes int, compress bool, records record.Iterator) (atomicfile.Outcome, error) {
	if blockBytes == 0 {
		blockBytes = DefaultBlockBytes
	}
	dest := filepath.Join(dir, fmt.Sprintf("%04d.table", index))
	return atomicfile.Write(dest, func(f *os.File) (bool, error) {
		if _, err := f.Write(Magic[:]); err != nil {
			return false, err
		}
		empty := true
		var buf bytes.Buffer
		count := 0
		enc := msgpack.NewEncoder(&buf)

		flush := func() error {
			if count == 0 {
				return nil
			}
			payload := buf.Bytes()
			compressedFlag := uint32(0)
			if compress {
				var zbuf bytes.Buffer
				zw := zlib.NewWriter(&zbuf)
				if _, err := zw.Write(payload); err != nil {
					return err
				}
				if err := zw.Close(); err != nil {
					return err
				}
				payload = zbuf.Bytes()
				compressedFlag = 1
			}
			header := make([]byte, blockHeaderLen)
			binary.LittleEndian.PutUint32(header[0:4], compressedFlag)
			binary.LittleEndian.PutUint32(header[4:8], uint32(count))
			binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
			if _, err := f.Write(header); err != nil {
				return err
			}
			if _, err := f.Write(payload); err != nil {
				return err
			}
			buf.Reset()
			count = 0
			return nil
		}

		for {
			v, ok := records.Next()
			if !ok {
				break
			}
			empty = false
			if err := enc.Encode(v); err != nil {
				return false, err
			}
			count++
			if buf.Len() >= blockBytes {
				if err := flush(); err != nil {
					return false, err
				}
			}
		}
		if err := flush(); err != nil {
			return false, err
		}
		return empty, nil
	})
}
