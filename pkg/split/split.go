// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package split provides the shared byte-range split descriptor and
// preferred-location resolution used by every format reader in the
// split/* subpackages (spec.md §4.3).
package split

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/distflow/distflow/pkg/engine"
)

// ByteRange is a partition descriptor for format readers whose splits
// are byte ranges of a single underlying file.
type ByteRange struct {
	Idx        int
	Begin, End int64
}

// Index implements engine.Split.
func (s ByteRange) Index() int { return s.Idx }

// NumSplits derives the split count from a file length and a
// configured split size (spec.md §4.3: "the number of splits is
// derived from file length and a configured splitSize").
func NumSplits(length, splitSize int64) int {
	if length == 0 {
		return 1
	}
	n := (length + splitSize - 1) / splitSize
	if n < 1 {
		n = 1
	}
	return int(n)
}

// ByteRanges builds the standard [begin, end) byte-range splits for a
// file of the given length and split size.
func ByteRanges(length, splitSize int64) []ByteRange {
	n := NumSplits(length, splitSize)
	out := make([]ByteRange, n)
	for i := 0; i < n; i++ {
		begin := int64(i) * splitSize
		end := begin + splitSize
		if end > length || i == n-1 {
			end = length
		}
		out[i] = ByteRange{Idx: i, Begin: begin, End: end}
	}
	return out
}

// PreferredLocations maps a chunk index to hostnames via reverse DNS,
// falling back to the raw address on lookup failure, per spec.md
// §4.3's "best-effort; failures fall back to the raw address."
func PreferredLocations(ctx context.Context, fs engine.FileSystem, path string, chunkIndex int, log *zap.Logger) []string {
	if fs == nil {
		return nil
	}
	addrs := fs.Locs(path, chunkIndex)
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		names, err := net.DefaultResolver.LookupAddr(ctx, addr)
		if err != nil || len(names) == 0 {
			if log != nil {
				log.Warn("reverse DNS lookup failed, using raw address", zap.String("addr", addr), zap.Error(err))
			}
			out = append(out, addr)
			continue
		}
		out = append(out, names[0])
	}
	return out
}
