// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package tfrecord implements the length-prefixed, masked-CRC32C framed
// record format and its split reader/writer, including the byte-level
// resynchronization a non-zero split must perform (spec.md §4.3,
// §4.4).
package tfrecord

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/klauspost/crc32"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/record"
	"github.com/distflow/distflow/pkg/split"
)

// Error is the class for TFRecord read/write failures.
var Error = errs.Class("tfrecord")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is the masked-CRC32C additive constant (spec.md glossary
// "Masked CRC-32C").
const maskDelta = 0xa282ead8

// MaskedCRC32C computes ((crc32c(b)>>15)|(crc32c(b)<<17)) + 0xa282ead8,
// mod 2^32, exactly matching the source's masked_crc32c / the TFRecord
// wire format's integrity checksum.
func MaskedCRC32C(b []byte) uint32 {
	c := crc32.Checksum(b, castagnoli)
	masked := (c>>15)|(c<<17)
	return masked + maskDelta
}

const headerLen = 12 // 8-byte length + 4-byte masked crc of length

// Opener returns a fresh, independently-seekable reader over the whole
// underlying file.
type Opener func() (io.ReadSeeker, error)

// Dataset reads TFRecord frames out of byte-range splits of a single
// file. Split 0 begins at byte 0; every other split resynchronizes by
// scanning forward one byte at a time until a 12-byte window's
// length-mask matches (spec.md §4.3 "TFRecord reader").
type Dataset struct {
	Open      Opener
	SplitSize int64
	Log       *zap.Logger
	splits    []split.ByteRange
}

// DefaultSplitSize mirrors the 32 MiB default used by the other
// compressed/framed formats (spec.md §4.3).
const DefaultSplitSize = 32 * 1024 * 1024

// NewDataset builds a Dataset with splits derived from length and
// splitSize.
func NewDataset(open Opener, length, splitSize int64, log *zap.Logger) *Dataset {
	if splitSize == 0 {
		splitSize = DefaultSplitSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dataset{Open: open, SplitSize: splitSize, Log: log, splits: split.ByteRanges(length, splitSize)}
}

// Splits implements engine.Dataset.
func (d *Dataset) Splits() []engine.Split {
	out := make([]engine.Split, len(d.splits))
	for i, s := range d.splits {
		out[i] = s
	}
	return out
}

// validHeader reports whether a 12-byte length-header window is a
// plausible frame start: the masked CRC of its 8-byte length matches.
// The decoded length itself is not range-checked.
func validHeader(window []byte) (length uint64, ok bool) {
	if len(window) < headerLen {
		return 0, false
	}
	length = binary.LittleEndian.Uint64(window[:8])
	wantCRC := binary.LittleEndian.Uint32(window[8:12])
	return length, MaskedCRC32C(window[:8]) == wantCRC
}

// resync scans forward byte-by-byte from the current position of r
// until it finds an offset whose 12-byte window is a valid frame
// header, returning the absolute file offset of that header. limit
// bounds the scan to the split's byte range.
func resync(r io.ReadSeeker, from, limit int64) (int64, error) {
	buf := make([]byte, headerLen)
	pos := from
	for pos+headerLen <= limit {
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return 0, err
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, err
		}
		if _, ok := validHeader(buf); ok {
			return pos, nil
		}
		pos++
	}
	return 0, io.EOF
}

// Compute implements engine.Dataset.
func (d *Dataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	br := s.(split.ByteRange)
	f, err := d.Open()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var pos int64
	if br.Idx == 0 {
		pos = 0
	} else {
		pos, err = resync(f, br.Begin, br.End)
		if err != nil {
			if err == io.EOF {
				return record.NewSliceIterator(nil), nil
			}
			return nil, Error.Wrap(err)
		}
	}

	header := make([]byte, headerLen)
	done := false
	pull := func() (record.Value, bool) {
		if done || pos >= br.End {
			return nil, false
		}
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			done = true
			return nil, false
		}
		if _, err := io.ReadFull(f, header); err != nil {
			done = true
			return nil, false
		}
		length, ok := validHeader(header)
		if !ok {
			// Length CRC mismatch: treat as end-of-valid-data (§7).
			done = true
			return nil, false
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			done = true
			return nil, false
		}
		var payloadCRC [4]byte
		if _, err := io.ReadFull(f, payloadCRC[:]); err != nil {
			done = true
			return nil, false
		}
		if binary.LittleEndian.Uint32(payloadCRC[:]) != MaskedCRC32C(payload) {
			d.Log.Error("tfrecord payload CRC mismatch, continuing (resync will recover)",
				zap.Int64("offset", pos))
		}
		pos += headerLen + int64(length) + 4
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, true
	}
	return record.NewFuncIterator(pull), nil
}

// Encode returns the wire bytes for one TFRecord frame.
func Encode(payload []byte) []byte {
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	buf.Write(lenBuf[:])
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], MaskedCRC32C(lenBuf[:]))
	buf.Write(crcBuf[:])
	buf.Write(payload)
	binary.LittleEndian.PutUint32(crcBuf[:], MaskedCRC32C(payload))
	buf.Write(crcBuf[:])
	return buf.Bytes()
}

// WritePayload writes one frame to w.
func WritePayload(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}
