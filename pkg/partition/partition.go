// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

// Package partition implements the key-to-partition-index mappings
// used by shuffle dependencies: hash partitioning (with optional
// skew-correcting thresholds) and range partitioning over a sorted
// boundary sample.
package partition

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/zeebo/errs"
)

// Error is the class for partitioner construction/usage failures.
var Error = errs.Class("partition")

// Partitioner maps a key to a partition index in [0, NumPartitions()).
type Partitioner interface {
	NumPartitions() int
	GetPartition(key interface{}) int

	// Equal reports whether two partitioners are interchangeable: same
	// variant and same parameters. Two partitioners built independently
	// with identical parameters must compare equal so downstream
	// operators can detect an already-co-partitioned parent (§3).
	Equal(other Partitioner) bool
}

// PortableHash hashes a key the way the source's portable_hash does:
// stable across processes (unlike Go's randomized map iteration or
// runtime-seeded hashes), so that re-running the same DAG on the same
// input is deterministic modulo shuffle order (Testable Property 1).
func PortableHash(key interface{}) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%v:%T", key, key)
	return h.Sum32()
}

// HashPartitioner routes portable_hash(key) mod N into one of
// NumPartitions buckets. When Thresholds is non-empty it instead routes
// the hash value through a sorted list of uint32 thresholds (used by
// skew mitigation, §4.2, to split an overloaded bucket into neighbors).
type HashPartitioner struct {
	N          int
	Thresholds []uint32 // sorted ascending; len(Thresholds) == N-1 when set
}

// NewHashPartitioner builds a plain N-way hash partitioner.
func NewHashPartitioner(n int) *HashPartitioner {
	if n <= 0 {
		panic(Error.New("invalid partition count %d", n))
	}
	return &HashPartitioner{N: n}
}

// NewThresholdHashPartitioner builds a hash partitioner whose buckets
// are bounded by the given ascending, deduplicated thresholds (skew
// mitigation). len(thresholds)+1 is the partition count.
func NewThresholdHashPartitioner(thresholds []uint32) *HashPartitioner {
	return &HashPartitioner{N: len(thresholds) + 1, Thresholds: thresholds}
}

// NumPartitions implements Partitioner.
func (p *HashPartitioner) NumPartitions() int { return p.N }

// GetPartition implements Partitioner.
func (p *HashPartitioner) GetPartition(key interface{}) int {
	h := PortableHash(key)
	if len(p.Thresholds) == 0 {
		return int(h % uint32(p.N))
	}
	return sort.Search(len(p.Thresholds), func(i int) bool {
		return h <= p.Thresholds[i]
	})
}

// Equal implements Partitioner.
func (p *HashPartitioner) Equal(other Partitioner) bool {
	o, ok := other.(*HashPartitioner)
	if !ok || o.N != p.N || len(o.Thresholds) != len(p.Thresholds) {
		return false
	}
	for i, t := range p.Thresholds {
		if o.Thresholds[i] != t {
			return false
		}
	}
	return true
}

// LessFunc orders two keys for a RangePartitioner's boundary search.
type LessFunc func(a, b interface{}) bool

// RangePartitioner routes a key to a bucket by binary-searching a
// sorted sample of boundary keys, honoring an optional Reverse flag
// (descending boundary order, used by sort(reverse=True)).
type RangePartitioner struct {
	Boundaries []interface{} // ascending (or descending if Reverse), len == N-1
	Less       LessFunc
	Reverse    bool
}

// NewRangePartitioner builds a partitioner from N-1 sorted boundary
// samples (the output of the two-pass sort sampling in §4.1).
func NewRangePartitioner(boundaries []interface{}, less LessFunc, reverse bool) *RangePartitioner {
	return &RangePartitioner{Boundaries: boundaries, Less: less, Reverse: reverse}
}

// NumPartitions implements Partitioner.
func (p *RangePartitioner) NumPartitions() int { return len(p.Boundaries) + 1 }

// GetPartition implements Partitioner.
func (p *RangePartitioner) GetPartition(key interface{}) int {
	return sort.Search(len(p.Boundaries), func(i int) bool {
		if p.Reverse {
			return p.Less(p.Boundaries[i], key)
		}
		return p.Less(key, p.Boundaries[i])
	})
}

// Equal implements Partitioner.
func (p *RangePartitioner) Equal(other Partitioner) bool {
	o, ok := other.(*RangePartitioner)
	if !ok || o.Reverse != p.Reverse || len(o.Boundaries) != len(p.Boundaries) {
		return false
	}
	for i, b := range p.Boundaries {
		if p.Less(b, o.Boundaries[i]) || p.Less(o.Boundaries[i], b) {
			return false
		}
	}
	return true
}

// Registry allows independently-constructed partitioners to be looked
// up and compared by a stable name + parameter key, avoiding reflection
// over closures when two call sites need to agree they built "the same"
// partitioner (§3's "interchangeable only if same variant and same
// parameters").
type Registry struct {
	byKey map[string]Partitioner
}

// NewRegistry returns an empty partitioner registry.
func NewRegistry() *Registry { return &Registry{byKey: map[string]Partitioner{}} }

// Register records p under key, returning the previously registered
// partitioner for that key if one already exists (so callers reuse a
// single instance instead of allocating duplicates).
func (r *Registry) Register(key string, p Partitioner) Partitioner {
	if existing, ok := r.byKey[key]; ok {
		return existing
	}
	r.byKey[key] = p
	return p
}

// Get looks up a previously registered partitioner by key.
func (r *Registry) Get(key string) (Partitioner, bool) {
	p, ok := r.byKey[key]
	return p, ok
}
