// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package checkpoint implements the checkpoint directory layout and
// the leaf dataset that reads it back (spec.md §6 "Checkpoint layout",
// §4.1's checkpoint policy).
package checkpoint

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/errs"

	"github.com/distflow/distflow/pkg/atomicfile"
	"github.com/distflow/distflow/pkg/dataset"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/record"
)

// Error is the class for checkpoint read/write failures.
var Error = errs.Class("checkpoint")

// DirFor returns the checkpoint directory for a dataset, content-
// addressed by id and a hash of its repr string, per spec.md §6.
func DirFor(baseDir string, datasetID int64, repr string) string {
	h := fmt.Sprintf("%x", hashRepr(repr))
	return filepath.Join(baseDir, fmt.Sprintf("%d_%s", datasetID, h))
}

func hashRepr(repr string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(repr); i++ {
		h ^= uint32(repr[i])
		h *= 16777619
	}
	return h
}

// WriteSplit serializes values to <dir>/<index> with gob, staged
// through the atomic-rename primitive so <dir>/<index> only ever
// appears complete (no corpus library covers "serialize an opaque
// slice of records to disk"; the source itself relies on its own
// standard library's pickle for the same job, so gob is the direct
// analogue, not a compromise).
func WriteSplit(dir string, index int, values []record.Value) error {
	_, err := atomicfile.Write(filepath.Join(dir, strconv.Itoa(index)), func(f *os.File) (bool, error) {
		return false, gob.NewEncoder(f).Encode(values)
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// generatedFiles lists and numerically sorts the digit-named files in
// dir, validating there are no gaps (0..N-1), per spec.md §6.
func generatedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if _, err := strconv.Atoi(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := strconv.Atoi(names[i])
		b, _ := strconv.Atoi(names[j])
		return a < b
	})
	if len(names) == 0 {
		return nil, Error.New("no checkpoint files in %s", dir)
	}
	if names[0] != "0" || names[len(names)-1] != strconv.Itoa(len(names)-1) {
		return nil, Error.New("invalid checkpoint directory %s: gaps in file sequence", dir)
	}
	return names, nil
}

// Store implements engine.CheckpointStore over a single base directory,
// wiring pkg/dataset's Iterator to this package's materialize/read-back
// logic without an import cycle (dataset.Iterator holds an
// engine.CheckpointStore, never a *checkpoint.Store directly).
type Store struct {
	BaseDir string
}

// NewStore returns a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{BaseDir: baseDir}
}

// Dir implements engine.CheckpointStore.
func (s *Store) Dir(datasetID int64, repr string) string {
	return DirFor(s.BaseDir, datasetID, repr)
}

// IsPopulated implements engine.CheckpointStore.
func (s *Store) IsPopulated(dir string) bool {
	_, err := generatedFiles(dir)
	return err == nil
}

// WriteSplit implements engine.CheckpointStore.
func (s *Store) WriteSplit(dir string, index int, values []record.Value) error {
	return WriteSplit(dir, index, values)
}

// ReadSplit implements engine.CheckpointStore, retrying once after one
// second to tolerate directory-cache staleness on the first I/O error
// (spec.md §7), matching Dataset.Compute's own retry.
func (s *Store) ReadSplit(ctx context.Context, dir string, index int) (record.Iterator, error) {
	files, err := generatedFiles(dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	path := filepath.Join(dir, files[index])
	values, err := readSplit(path)
	if err != nil {
		time.Sleep(time.Second)
		values, err = readSplit(path)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return record.NewSliceIterator(values), nil
}

// Dataset is the leaf dataset that reads back a checkpointed
// directory; once populated, a checkpointed dataset's upstream edges
// are dropped and reads are served entirely from here (spec.md §3).
type Dataset struct {
	*dataset.Base
	Path  string
	files []string
}

// New validates path as a checkpoint directory and returns a Dataset
// that reads it back.
func New(ctx *engine.Context, path string) (*Dataset, error) {
	files, err := generatedFiles(path)
	if err != nil {
		return nil, err
	}
	splits := make([]engine.Split, len(files))
	for i := range files {
		splits[i] = dataset.Split{Idx: i}
	}
	return &Dataset{
		Base:  dataset.NewBase(ctx, splits, nil),
		Path:  path,
		files: files,
	}, nil
}

// Compute implements engine.Dataset: reads back the split's gob file,
// retrying once after one second to tolerate directory-cache
// staleness on the first I/O error (spec.md §7).
func (d *Dataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	path := filepath.Join(d.Path, d.files[s.Index()])
	values, err := readSplit(path)
	if err != nil {
		time.Sleep(time.Second)
		values, err = readSplit(path)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return record.NewSliceIterator(values), nil
}

func readSplit(path string) ([]record.Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var values []record.Value
	if err := gob.NewDecoder(f).Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}
