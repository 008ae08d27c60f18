// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package atomicfile implements the atomic-rename write primitive
// every split writer in pkg/split uses, replacing the source's
// AbortFileReplacement exception with a WriteOutcome result type per
// Design Note §9.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	uuid "github.com/satori/go.uuid"
	"github.com/zeebo/errs"
)

// Error is the class for atomic-write failures.
var Error = errs.Class("atomicfile")

// Outcome is the result of a staged write: either the file was
// Published at Path, or the writer produced Empty output and the temp
// file was discarded without ever appearing at the destination.
type Outcome struct {
	Published bool
	Path      string
}

// Write stages body's output to a sibling temp file, then publishes it
// atomically over dest on success. If body returns Empty(true) the
// staged temp file is removed and dest is left untouched (the
// WriteOutcome analogue of the source's AbortFileReplacement).
func Write(dest string, body func(f *os.File) (empty bool, err error)) (Outcome, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Outcome{}, Error.Wrap(err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return Outcome{}, Error.Wrap(err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(dest), id.String()))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return Outcome{}, Error.Wrap(err)
	}

	empty, bodyErr := body(f)
	closeErr := f.Close()

	if bodyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		if bodyErr != nil {
			return Outcome{}, Error.Wrap(bodyErr)
		}
		return Outcome{}, Error.Wrap(closeErr)
	}

	if empty {
		_ = os.Remove(tmp)
		return Outcome{Published: false}, nil
	}

	if err := os.Chmod(tmp, 0644); err != nil {
		_ = os.Remove(tmp)
		return Outcome{}, Error.Wrap(err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return Outcome{}, Error.Wrap(err)
	}
	return Outcome{Published: true, Path: dest}, nil
}
