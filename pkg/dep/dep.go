// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package dep declares the dependency kinds a child dataset split uses
// to identify which parent splits it consumes (spec.md §3).
package dep

import "github.com/distflow/distflow/pkg/partition"

// Dependency records how a child dataset's splits relate to a parent
// dataset's splits.
type Dependency interface {
	// ParentSplits returns the indices, into the parent dataset's
	// Splits(), that childIndex depends on. Narrow dependencies return
	// a small bounded set; Shuffle returns none (the reducer instead
	// pulls from the shuffle service by shuffle id).
	ParentSplits(childIndex int) []int
}

// OneToOne: child split i consumes parent split i.
type OneToOne struct{}

// ParentSplits implements Dependency.
func (OneToOne) ParentSplits(childIndex int) []int { return []int{childIndex} }

// Range: child split j, for j in [outStart, outStart+length), consumes
// parent split (j - outStart + inStart).
type Range struct {
	InStart, OutStart, Length int
}

// ParentSplits implements Dependency.
func (r Range) ParentSplits(childIndex int) []int {
	if childIndex < r.OutStart || childIndex >= r.OutStart+r.Length {
		return nil
	}
	return []int{childIndex + r.InStart - r.OutStart}
}

// OneToRange: child split j consumes parent splits [j*k, min(N, (j+1)*k)).
type OneToRange struct {
	K, ParentLen int
}

// ParentSplits implements Dependency.
func (o OneToRange) ParentSplits(childIndex int) []int {
	start := childIndex * o.K
	end := start + o.K
	if end > o.ParentLen {
		end = o.ParentLen
	}
	if start >= end {
		return nil
	}
	out := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, i)
	}
	return out
}

// Cartesian identifies one side (left or right) of a CartesianRDD's
// pairwise split product; NumRight is the right parent's split count,
// used to decode the compound child index (i*NumRight+j).
type Cartesian struct {
	IsLeft   bool
	NumRight int
}

// ParentSplits implements Dependency.
func (c Cartesian) ParentSplits(childIndex int) []int {
	if c.IsLeft {
		return []int{childIndex / c.NumRight}
	}
	return []int{childIndex % c.NumRight}
}

// Shuffle: child reducer r consumes map-output partition r from every
// upstream mapper. There is no narrow parent-split relationship; the
// reducer instead fetches from the shuffle service by ShuffleID.
type Shuffle struct {
	ShuffleID   int
	Partitioner partition.Partitioner
	SortShuffle bool
	IterValues  bool
}

// ParentSplits implements Dependency: a shuffle dependency has no
// narrow parent-split set, by definition.
func (Shuffle) ParentSplits(int) []int { return nil }
