// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package textsplit

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/distflow/distflow/pkg/atomicfile"
	"github.com/distflow/distflow/pkg/record"
)

// WritePartition writes one partition's lines to
// <dir>/<index padded to 4 digits><ext> via the atomic-rename
// primitive (spec.md §4.4).
func WritePartition(dir string, index int, ext string, lines record.Iterator) (atomicfile.Outcome, error) {
	dest := filepath.Join(dir, fmt.Sprintf("%04d%s", index, ext))
	return atomicfile.Write(dest, func(f *os.File) (bool, error) {
		empty := true
		for {
			v, ok := lines.Next()
			if !ok {
				break
			}
			empty = false
			if _, err := fmt.Fprintf(f, "%v\n", v); err != nil {
				return false, err
			}
		}
		return empty, nil
	})
}

// DefaultMaxOpenFiles mirrors the source's MultiOutputTextFileRDD
// MAX_OPEN_FILES bound.
const DefaultMaxOpenFiles = 512

// MultiFileWriter writes (key, value) pairs to <path>/<key>/<index>.ext,
// one file per distinct key, bounding the number of simultaneously open
// file handles to MaxOpenFiles: when the cap is hit, the
// least-recently-written file is flushed and closed, then reopened in
// append mode the next time its key is written to again. Grounded on
// the original's MultiOutputTextFileRDD (DESIGN.md §C).
type MultiFileWriter struct {
	Dir          string
	Index        int
	Ext          string
	MaxOpenFiles int
	Log          *zap.Logger

	open  map[string]*list.Element // key -> lru element
	lru   *list.List               // front = most-recently-used
	files map[string]*os.File
}

type lruEntry struct {
	key string
}

// NewMultiFileWriter constructs a writer bounded by MaxOpenFiles
// (DefaultMaxOpenFiles if zero).
func NewMultiFileWriter(dir string, index int, ext string, maxOpenFiles int, log *zap.Logger) *MultiFileWriter {
	if maxOpenFiles == 0 {
		maxOpenFiles = DefaultMaxOpenFiles
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MultiFileWriter{
		Dir: dir, Index: index, Ext: ext, MaxOpenFiles: maxOpenFiles, Log: log,
		open: map[string]*list.Element{}, lru: list.New(), files: map[string]*os.File{},
	}
}

func (w *MultiFileWriter) path(key string) string {
	return filepath.Join(w.Dir, key, fmt.Sprintf("%04d%s", w.Index, w.Ext))
}

func (w *MultiFileWriter) fileFor(key string) (*os.File, error) {
	if f, ok := w.files[key]; ok {
		w.lru.MoveToFront(w.open[key])
		return f, nil
	}

	if len(w.files) >= w.MaxOpenFiles {
		w.evictOldest()
	}

	p := w.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	f, err := os.OpenFile(p, flags, 0644)
	if err != nil {
		return nil, err
	}
	w.files[key] = f
	w.open[key] = w.lru.PushFront(lruEntry{key: key})
	return f, nil
}

func (w *MultiFileWriter) evictOldest() {
	back := w.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(lruEntry).key
	if f, ok := w.files[key]; ok {
		if err := f.Close(); err != nil {
			w.Log.Warn("failed closing least-recently-written output file", zap.String("key", key), zap.Error(err))
		}
		delete(w.files, key)
	}
	w.lru.Remove(back)
	delete(w.open, key)
}

// Write appends value's text representation to the file for key,
// opening (or reopening) it as needed.
func (w *MultiFileWriter) Write(key string, value record.Value) error {
	f, err := w.fileFor(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(f, "%v\n", value)
	return err
}

// Close closes every currently open file.
func (w *MultiFileWriter) Close() error {
	var firstErr error
	for key, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, key)
	}
	w.lru.Init()
	w.open = map[string]*list.Element{}
	return firstErr
}
