// Copyright (c) 2019 The Distflow Authors
// See LICENSE for copying information.

package transform

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"math/rand"
	"os"

	"github.com/klauspost/pgzip"

	"github.com/distflow/distflow/pkg/dataset"
	"github.com/distflow/distflow/pkg/dep"
	"github.com/distflow/distflow/pkg/engine"
	"github.com/distflow/distflow/pkg/record"
)

// writeGob appends one gob-encoded value to the cartesian spool.
func writeGob(w io.Writer, v record.Value) error {
	return gob.NewEncoder(w).Encode(&v)
}

// gobSliceIterator decodes a gob-encoded spool stream one value at a
// time, stopping cleanly at EOF.
func gobSliceIterator(r io.Reader) record.Iterator {
	dec := gob.NewDecoder(r)
	pull := func() (record.Value, bool) {
		var v record.Value
		if err := dec.Decode(&v); err != nil {
			return nil, false
		}
		return v, true
	}
	return record.NewFuncIterator(pull)
}

// unionSplit identifies which parent dataset and parent split a union
// split maps to.
type unionSplit struct {
	dataset.Split
	parent      engine.Dataset
	parentSplit engine.Split
}

type unionDataset struct {
	*dataset.Base
	splits []unionSplit
}

// Union concatenates splits from every rdd in order, narrow-dependent
// on each via a range dependency (spec.md §4.1 "union").
func Union(ctx *engine.Context, rdds []engine.Dataset) engine.Dataset {
	var splits []unionSplit
	var deps []dep.Dependency
	pos := 0
	engSplits := []engine.Split{}
	for _, rdd := range rdds {
		for i, ps := range rdd.Splits() {
			us := unionSplit{Split: dataset.Split{Idx: pos + i}, parent: rdd, parentSplit: ps}
			splits = append(splits, us)
			engSplits = append(engSplits, us)
		}
		deps = append(deps, dep.Range{InStart: 0, OutStart: pos, Length: len(rdd.Splits())})
		pos += len(rdd.Splits())
	}
	b := dataset.NewBase(ctx, engSplits, deps)
	b.ReprName = fmt.Sprintf("<UnionRDD %d>", len(rdds))
	for _, us := range splits {
		b.SetPreferredLocations(us, us.parent.PreferredLocations(us.parentSplit))
	}
	return &unionDataset{Base: b, splits: splits}
}

// Compute implements engine.Dataset.
func (u *unionDataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	us := u.splits[s.Index()]
	return us.parent.Compute(ctx, us.parentSplit)
}

type sliceDataset struct {
	*dataset.Base
	parent engine.Dataset
	i, j   int
}

// Slice narrows parent to splits [i:j) via a range dependency (spec.md
// §4.1 "slice").
func Slice(ctx *engine.Context, parent engine.Dataset, i, j int) engine.Dataset {
	all := parent.Splits()
	if j > len(all) {
		j = len(all)
	}
	sub := all[i:j]
	b := dataset.NewBase(ctx, sub, []dep.Dependency{dep.Range{InStart: i, OutStart: 0, Length: j - i}})
	b.ReprName = fmt.Sprintf("<SliceRDD [%d:%d] of %v>", i, j, parent)
	for _, s := range sub {
		b.SetPreferredLocations(s, parent.PreferredLocations(s))
	}
	return &sliceDataset{Base: b, parent: parent, i: i, j: j}
}

// Compute implements engine.Dataset.
func (sl *sliceDataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	return sl.parent.Compute(ctx, s)
}

type zipDataset struct {
	*dataset.Base
	rdds   []engine.Dataset
	splits [][]engine.Split
}

// Zip requires identical partition counts and zips parent iterators
// element-wise; mismatched lengths across parents are a fatal error
// (spec.md §4.1 "zip").
func Zip(ctx *engine.Context, rdds []engine.Dataset) (engine.Dataset, error) {
	n := len(rdds[0].Splits())
	for _, r := range rdds {
		if len(r.Splits()) != n {
			return nil, Error.New("zip requires identical partition counts")
		}
	}
	splitGroups := make([][]engine.Split, n)
	engSplits := make([]engine.Split, n)
	for i := 0; i < n; i++ {
		group := make([]engine.Split, len(rdds))
		for k, r := range rdds {
			group[k] = r.Splits()[i]
		}
		splitGroups[i] = group
		engSplits[i] = dataset.Split{Idx: i}
	}
	deps := make([]dep.Dependency, len(rdds))
	for i := range rdds {
		deps[i] = dep.OneToOne{}
	}
	b := dataset.NewBase(ctx, engSplits, deps)
	b.ReprName = fmt.Sprintf("<Zipped %d>", len(rdds))
	for i, group := range splitGroups {
		var hosts []string
		for k, r := range rdds {
			hosts = append(hosts, r.PreferredLocations(group[k])...)
		}
		b.SetPreferredLocations(engSplits[i], hosts)
	}
	return &zipDataset{Base: b, rdds: rdds, splits: splitGroups}, nil
}

// Compute implements engine.Dataset.
func (z *zipDataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	group := z.splits[s.Index()]
	iters := make([]record.Iterator, len(z.rdds))
	for i, r := range z.rdds {
		it, err := r.Compute(ctx, group[i])
		if err != nil {
			return nil, err
		}
		iters[i] = it
	}
	pull := func() (record.Value, bool) {
		vals := make([]record.Value, len(iters))
		anyOk, allOk := false, true
		for i, it := range iters {
			v, ok := it.Next()
			if ok {
				anyOk = true
				vals[i] = v
			} else {
				allOk = false
			}
		}
		if !anyOk {
			return nil, false
		}
		if !allOk {
			panic(Error.New("zip: parent iterators have unequal length"))
		}
		return vals, true
	}
	return record.NewFuncIterator(pull), nil
}

// Sample returns a deterministic (seed XOR split index) random sample
// of parent: without replacement, each record survives with
// probability frac; with replacement, ceil(|split|*frac) records are
// drawn uniformly from the materialized split (spec.md §4.1 "sample").
func Sample(ctx *engine.Context, parent engine.Dataset, frac float64, withReplacement bool, seed int64) engine.Dataset {
	return newDerived(ctx, parent, "SampleRDD", func(_ context.Context, it record.Iterator, idx int) (record.Iterator, error) {
		rnd := rand.New(rand.NewSource(seed ^ int64(idx)))
		if !withReplacement {
			pull := func() (record.Value, bool) {
				for {
					v, ok := it.Next()
					if !ok {
						return nil, false
					}
					if rnd.Float64() <= frac {
						return v, true
					}
				}
			}
			return record.NewFuncIterator(pull), nil
		}
		values := record.Collect(it)
		n := int(math.Ceil(float64(len(values)) * frac))
		i := 0
		pull := func() (record.Value, bool) {
			if i >= n || len(values) == 0 {
				return nil, false
			}
			i++
			return values[rnd.Intn(len(values))], true
		}
		return record.NewFuncIterator(pull), nil
	})
}

// cartesianDataset is the disk-spooled cross product of two parents.
// The right-hand side of each pair is spooled to a gzip-compressed
// temp file (a disk-backed analogue of the source's cache-memory-or-
// spool choice, simplified to always spool since Go has no process-
// wide object cache to consult here) on the first left-hand item, so
// every subsequent left-hand item replays it without recomputing the
// right parent split (spec.md §4.1 "cartesian").
type cartesianDataset struct {
	*dataset.Base
	left, right engine.Dataset
	numRight    int
}

// Cartesian returns the pairwise cross product of left and right.
func Cartesian(ctx *engine.Context, left, right engine.Dataset) engine.Dataset {
	n := len(right.Splits())
	var engSplits []engine.Split
	var deps = []dep.Dependency{dep.Cartesian{IsLeft: true, NumRight: n}, dep.Cartesian{IsLeft: false, NumRight: n}}
	for _, ls := range left.Splits() {
		for _, rs := range right.Splits() {
			engSplits = append(engSplits, dataset.Split{Idx: ls.Index()*n + rs.Index()})
		}
	}
	b := dataset.NewBase(ctx, engSplits, deps)
	b.ReprName = fmt.Sprintf("<Cartesian %v and %v>", left, right)
	return &cartesianDataset{Base: b, left: left, right: right, numRight: n}
}

// Compute implements engine.Dataset: the first left-hand item streams
// the right parent split directly while spooling a gob/gzip copy of it
// to a temp file; every later left-hand item replays that spool
// instead of recomputing the right split.
func (c *cartesianDataset) Compute(ctx context.Context, s engine.Split) (record.Iterator, error) {
	idx := s.Index()
	li := idx / c.numRight
	ri := idx % c.numRight
	leftSplit := c.left.Splits()[li]
	rightSplit := c.right.Splits()[ri]

	leftIt, err := c.left.Compute(ctx, leftSplit)
	if err != nil {
		return nil, err
	}

	spool, err := ioutil.TempFile("", "distflow-cartesian-*.spool")
	if err != nil {
		return nil, err
	}
	spooled := false

	var curLeft record.Value
	var rightIt record.Iterator
	var gw *pgzip.Writer

	advance := func() bool {
		v, ok := leftIt.Next()
		if !ok {
			return false
		}
		curLeft = v
		if !spooled {
			rIt, err := c.right.Compute(ctx, rightSplit)
			if err != nil {
				return false
			}
			rightIt = rIt
			gw, _ = pgzip.NewWriterLevel(spool, 1)
			return true
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return false
		}
		gr, err := pgzip.NewReader(spool)
		if err != nil {
			return false
		}
		rightIt = gobSliceIterator(gr)
		return true
	}

	closeSpool := func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}

	first := true
	pull := func() (record.Value, bool) {
		for {
			if first {
				if !advance() {
					closeSpool()
					return nil, false
				}
				first = false
			}
			v, ok := rightIt.Next()
			if ok {
				if !spooled {
					_ = writeGob(gw, v)
				}
				return []record.Value{curLeft, v}, true
			}
			if !spooled {
				_ = gw.Close()
				spooled = true
			}
			if !advance() {
				closeSpool()
				return nil, false
			}
		}
	}
	return record.NewFuncIterator(pull), nil
}
