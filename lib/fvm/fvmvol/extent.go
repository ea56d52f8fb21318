// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fvmvol implements the per-partition slice map: a sparse,
// ordered mapping from virtual slice indexes to physical slices,
// stored as extents of virtually contiguous runs.
package fvmvol

import (
	"fmt"

	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

// SliceExtent is a virtually contiguous run of slices belonging to one
// partition.  The physical slices backing the run need not be
// contiguous.
type SliceExtent struct {
	start   fvmformat.VSlice
	pslices []fvmformat.PSlice
}

func NewSliceExtent(start fvmformat.VSlice) *SliceExtent {
	return &SliceExtent{start: start}
}

func (ext *SliceExtent) Start() fvmformat.VSlice { return ext.start }

// End is the exclusive upper bound of the extent's virtual range.
func (ext *SliceExtent) End() fvmformat.VSlice {
	return ext.start + fvmformat.VSlice(len(ext.pslices))
}

func (ext *SliceExtent) Len() int      { return len(ext.pslices) }
func (ext *SliceExtent) IsEmpty() bool { return len(ext.pslices) == 0 }

// Get returns the physical slice backing vslice, which must be within
// the extent's range.
func (ext *SliceExtent) Get(vslice fvmformat.VSlice) fvmformat.PSlice {
	if vslice < ext.start || vslice >= ext.End() {
		panic(fmt.Errorf("fvmvol: vslice %d outside extent [%d,%d)",
			vslice, ext.start, ext.End()))
	}
	return ext.pslices[vslice-ext.start]
}

// PushBack extends the extent's virtual range by one slice, backed by
// pslice.
func (ext *SliceExtent) PushBack(pslice fvmformat.PSlice) {
	ext.pslices = append(ext.pslices, pslice)
}

// PopBack removes the last virtual slice; the extent may become empty.
func (ext *SliceExtent) PopBack() {
	ext.pslices = ext.pslices[:len(ext.pslices)-1]
}

// Split cuts the extent after vslice: the receiver keeps
// [Start, vslice+1) and the returned extent covers [vslice+1, End).
// The returned extent is empty if vslice was the last slice.
func (ext *SliceExtent) Split(vslice fvmformat.VSlice) *SliceExtent {
	if vslice < ext.start || vslice >= ext.End() {
		panic(fmt.Errorf("fvmvol: split at %d outside extent [%d,%d)",
			vslice, ext.start, ext.End()))
	}
	tail := NewSliceExtent(vslice + 1)
	tail.pslices = append(tail.pslices, ext.pslices[vslice+1-ext.start:]...)
	ext.pslices = ext.pslices[:vslice+1-ext.start]
	return tail
}

// Merge appends all of next's slices; next must start exactly where
// the receiver ends.
func (ext *SliceExtent) Merge(next *SliceExtent) {
	if ext.End() != next.start {
		panic(fmt.Errorf("fvmvol: merge of [%d,%d) with non-adjacent [%d,%d)",
			ext.start, ext.End(), next.start, next.End()))
	}
	ext.pslices = append(ext.pslices, next.pslices...)
}
