// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvmvol

import (
	"fmt"

	"github.com/google/btree"

	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

// SliceFree is what lookups return for an unmapped virtual slice.
const SliceFree fvmformat.PSlice = 0

// SliceMap maps a partition's virtual slices to physical slices.
// Extents have pairwise disjoint virtual ranges, and abutting extents
// are merged eagerly.
//
// The caller provides locking; a SliceMap is not safe for concurrent
// use.
type SliceMap struct {
	tree *btree.BTreeG[*SliceExtent]
}

func NewSliceMap() *SliceMap {
	return &SliceMap{
		tree: btree.NewG(8, func(a, b *SliceExtent) bool {
			return a.start < b.start
		}),
	}
}

// floor returns the extent with the greatest start ≤ vslice, which may
// or may not cover vslice.
func (m *SliceMap) floor(vslice fvmformat.VSlice) *SliceExtent {
	var ret *SliceExtent
	m.tree.DescendLessOrEqual(&SliceExtent{start: vslice}, func(ext *SliceExtent) bool {
		ret = ext
		return false
	})
	return ret
}

// ceiling returns the extent with the least start ≥ vslice.
func (m *SliceMap) ceiling(vslice fvmformat.VSlice) *SliceExtent {
	var ret *SliceExtent
	m.tree.AscendGreaterOrEqual(&SliceExtent{start: vslice}, func(ext *SliceExtent) bool {
		ret = ext
		return false
	})
	return ret
}

// Get returns the physical slice backing vslice, or SliceFree.
func (m *SliceMap) Get(vslice fvmformat.VSlice) fvmformat.PSlice {
	ext := m.floor(vslice)
	if ext == nil || vslice >= ext.End() {
		return SliceFree
	}
	return ext.Get(vslice)
}

// Set maps vslice (which must be free) to pslice, appending to an
// adjacent extent when possible and merging with the next extent when
// the gap closes.
func (m *SliceMap) Set(vslice fvmformat.VSlice, pslice fvmformat.PSlice) {
	if m.Get(vslice) != SliceFree {
		panic(fmt.Errorf("fvmvol: set of already-mapped vslice %d", vslice))
	}
	ext := m.floor(vslice)
	if ext != nil && ext.End() == vslice {
		ext.PushBack(pslice)
	} else {
		ext = NewSliceExtent(vslice)
		ext.PushBack(pslice)
		m.tree.ReplaceOrInsert(ext)
	}
	if next := m.ceiling(vslice + 1); next != nil && next.start == vslice+1 && ext.End() == next.start {
		m.tree.Delete(next)
		ext.Merge(next)
	}
}

// Free unmaps vslice, which must be mapped.  Unmapping from the middle
// of an extent splits it.
func (m *SliceMap) Free(vslice fvmformat.VSlice) {
	ext := m.floor(vslice)
	if ext == nil || vslice >= ext.End() {
		panic(fmt.Errorf("fvmvol: free of unmapped vslice %d", vslice))
	}
	if vslice != ext.End()-1 {
		tail := ext.Split(vslice)
		m.tree.ReplaceOrInsert(tail)
	}
	ext.PopBack()
	if ext.IsEmpty() {
		m.tree.Delete(ext)
	}
}

// Contiguous reports the length of the maximal run starting at vslice
// that is uniformly allocated or uniformly free, capped at
// max − vslice.
func (m *SliceMap) Contiguous(vslice, max fvmformat.VSlice) (count uint64, allocated bool) {
	if ext := m.floor(vslice); ext != nil && vslice < ext.End() {
		return uint64(ext.End() - vslice), true
	}
	if next := m.ceiling(vslice); next != nil {
		return uint64(next.start - vslice), false
	}
	return uint64(max - vslice), false
}

// First returns the extent with the lowest start, or nil.
func (m *SliceMap) First() *SliceExtent {
	var ret *SliceExtent
	m.tree.Ascend(func(ext *SliceExtent) bool {
		ret = ext
		return false
	})
	return ret
}

// DestroyExtent removes the whole extent containing vslice and returns
// it.
func (m *SliceMap) DestroyExtent(vslice fvmformat.VSlice) *SliceExtent {
	ext := m.floor(vslice)
	if ext == nil || vslice >= ext.End() {
		panic(fmt.Errorf("fvmvol: destroy of unmapped vslice %d", vslice))
	}
	m.tree.Delete(ext)
	return ext
}

// Extents calls fn on every extent in virtual order until fn returns
// false.
func (m *SliceMap) Extents(fn func(*SliceExtent) bool) {
	m.tree.Ascend(fn)
}

// Len returns the number of extents.
func (m *SliceMap) Len() int {
	return m.tree.Len()
}
