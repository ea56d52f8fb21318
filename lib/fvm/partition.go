// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvm

import (
	"fmt"
	"sync"

	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/fvm-progs-ng/lib/blockdev"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmvol"
)

// VPartition is one virtual partition: a virtually contiguous block
// address space of VSliceMax slices, sparsely backed by physical
// slices on the manager's device.
type VPartition struct {
	mgr        *VolumeManager
	entryIndex uint64

	mu         sync.Mutex
	slices     *fvmvol.SliceMap
	blockCount uint64
	killed     bool
}

func newVPartition(vpm *VolumeManager, entryIndex uint64) *VPartition {
	return &VPartition{
		mgr:        vpm,
		entryIndex: entryIndex,
		slices:     fvmvol.NewSliceMap(),
	}
}

func (vp *VPartition) EntryIndex() uint64 { return vp.entryIndex }

// Size is the partition's virtual byte size: the full virtual slice
// address space, independent of how much is mapped.
func (vp *VPartition) Size() uint64 {
	return uint64(fvmformat.VSliceMax) * vp.mgr.SliceSize()
}

// sliceSetLocked and sliceFreeLocked keep blockCount in step with the
// slice map; both require vp.mu.

func (vp *VPartition) sliceSetLocked(vslice fvmformat.VSlice, pslice fvmformat.PSlice) {
	vp.slices.Set(vslice, pslice)
	vp.blockCount += vp.mgr.blocksPerSlice()
}

func (vp *VPartition) sliceFreeLocked(vslice fvmformat.VSlice) {
	vp.slices.Free(vslice)
	vp.blockCount -= vp.mgr.blocksPerSlice()
}

func (vp *VPartition) destroyExtentLocked(vslice fvmformat.VSlice) {
	ext := vp.slices.DestroyExtent(vslice)
	vp.blockCount -= uint64(ext.Len()) * vp.mgr.blocksPerSlice()
}

// BlockInfo describes the partition's block geometry.
type BlockInfo struct {
	BlockSize  uint32
	BlockCount uint64
}

func (vp *VPartition) BlockInfo() (BlockInfo, error) {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	if vp.killed {
		return BlockInfo{}, fmt.Errorf("fvm: partition is destroyed: %w", ErrBadState)
	}
	return BlockInfo{
		BlockSize:  vp.mgr.dev.BlockSize(),
		BlockCount: vp.blockCount,
	}, nil
}

// CheckSlices reports the length of the maximal uniformly
// allocated-or-free run starting at vstart.
func (vp *VPartition) CheckSlices(vstart fvmformat.VSlice) (count uint64, allocated bool, err error) {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	if vstart >= fvmformat.VSliceMax {
		return 0, false, fmt.Errorf("fvm: vslice %d: %w", vstart, ErrOutOfRange)
	}
	if vp.killed {
		return 0, false, fmt.Errorf("fvm: partition is destroyed: %w", ErrBadState)
	}
	count, allocated = vp.slices.Contiguous(vstart, fvmformat.VSliceMax)
	return count, allocated, nil
}

// entry snapshots the partition-table row.  Lock order is manager
// first, then partition.
func (vp *VPartition) entry() (fvmformat.PartitionEntry, error) {
	vp.mgr.mu.Lock()
	defer vp.mgr.mu.Unlock()
	vp.mu.Lock()
	killed := vp.killed
	vp.mu.Unlock()
	if killed {
		return fvmformat.PartitionEntry{}, fmt.Errorf("fvm: partition is destroyed: %w", ErrBadState)
	}
	return vp.mgr.meta.Partitions[vp.entryIndex], nil
}

func (vp *VPartition) TypeGUID() (fvmformat.GUID, error) {
	ent, err := vp.entry()
	return ent.Type, err
}

func (vp *VPartition) GUID() (fvmformat.GUID, error) {
	ent, err := vp.entry()
	return ent.GUID, err
}

func (vp *VPartition) Name() (string, error) {
	ent, err := vp.entry()
	return ent.Name.String(), err
}

// MaxSlices bounds how many sub-requests one I/O may fan out into on
// the scatter path.
const MaxSlices = 32

// multiRequest aggregates the completions of a scatter fan-out.  The
// last sub-request to complete reports the first non-nil status to the
// original request and releases the record.
type multiRequest struct {
	mu        sync.Mutex
	completed int
	total     int
	status    error
	original  *blockdev.Request
}

var subRequestPool = typedsync.Pool[*blockdev.Request]{
	New: func() *blockdev.Request { return new(blockdev.Request) },
}

func (state *multiRequest) complete(sub *blockdev.Request, err error) {
	state.mu.Lock()
	state.completed++
	if state.status == nil && err != nil {
		state.status = err
	}
	last := state.completed == state.total
	status := state.status
	state.mu.Unlock()

	*sub = blockdev.Request{}
	subRequestPool.Put(sub)
	if last {
		state.original.Done(state.original, status)
	}
}

// Queue translates one request against the partition's virtual block
// address space into requests against the backing device.
//
// Flush passes through untouched.  A read or write that stays within
// one slice, or whose slices are physically contiguous, is rewritten
// in place and forwarded as a single request; anything else fans out
// into per-slice sub-requests whose completions are aggregated.
func (vp *VPartition) Queue(req *blockdev.Request) {
	switch req.Kind {
	case blockdev.Read, blockdev.Write:
	case blockdev.Flush:
		vp.mgr.dev.Submit(req)
		return
	default:
		req.Done(req, fmt.Errorf("fvm: op %v: %w", req.Kind, ErrNotSupported))
		return
	}

	blockSize := uint64(vp.mgr.dev.BlockSize())
	capacity := vp.Size() / blockSize
	if req.Length == 0 {
		req.Done(req, fmt.Errorf("fvm: zero-length %v: %w", req.Kind, ErrInvalidArgs))
		return
	}
	if req.DevBlock >= capacity || capacity-req.DevBlock < uint64(req.Length) {
		req.Done(req, fmt.Errorf("fvm: %v blocks [%d,%d) beyond virtual capacity %d: %w",
			req.Kind, req.DevBlock, req.DevBlock+uint64(req.Length), capacity, ErrOutOfRange))
		return
	}

	diskSize := vp.mgr.DiskSize()
	sliceSize := vp.mgr.SliceSize()
	blocksPerSlice := sliceSize / blockSize
	// Both ends inclusive.
	vsliceStart := fvmformat.VSlice(req.DevBlock / blocksPerSlice)
	vsliceEnd := fvmformat.VSlice((req.DevBlock + uint64(req.Length) - 1) / blocksPerSlice)

	vp.mu.Lock()

	if vsliceStart == vsliceEnd {
		// Common case: the request stays within one slice.
		pslice := vp.slices.Get(vsliceStart)
		vp.mu.Unlock()
		if pslice == fvmvol.SliceFree {
			req.Done(req, fmt.Errorf("fvm: %v of unmapped vslice %d: %w",
				req.Kind, vsliceStart, ErrOutOfRange))
			return
		}
		req.DevBlock = fvmformat.SliceStart(diskSize, sliceSize, pslice)/blockSize +
			req.DevBlock%blocksPerSlice
		vp.mgr.dev.Submit(req)
		return
	}

	// The request spans slices: it fails unless every one of them
	// is mapped.
	contiguous := true
	for vslice := vsliceStart; vslice <= vsliceEnd; vslice++ {
		if vp.slices.Get(vslice) == fvmvol.SliceFree {
			vp.mu.Unlock()
			req.Done(req, fmt.Errorf("fvm: %v of unmapped vslice %d: %w",
				req.Kind, vslice, ErrOutOfRange))
			return
		}
		if vslice != vsliceStart && vp.slices.Get(vslice-1)+1 != vp.slices.Get(vslice) {
			contiguous = false
		}
	}

	if contiguous {
		// The physical slices line up, so the whole request can
		// still be forwarded in one piece.
		pslice := vp.slices.Get(vsliceStart)
		vp.mu.Unlock()
		req.DevBlock = fvmformat.SliceStart(diskSize, sliceSize, pslice)/blockSize +
			req.DevBlock%blocksPerSlice
		vp.mgr.dev.Submit(req)
		return
	}

	subCount := int(vsliceEnd - vsliceStart + 1)
	if subCount > MaxSlices {
		vp.mu.Unlock()
		req.Done(req, fmt.Errorf("fvm: %v spans %d slices (max %d): %w",
			req.Kind, subCount, MaxSlices, ErrOutOfRange))
		return
	}

	state := &multiRequest{total: subCount, original: req}
	subs := make([]*blockdev.Request, subCount)
	lengthRemaining := uint64(req.Length)
	firstLength := (req.DevBlock/blocksPerSlice+1)*blocksPerSlice - req.DevBlock
	for i := 0; i < subCount; i++ {
		vslice := vsliceStart + fvmformat.VSlice(i)
		pslice := vp.slices.Get(vslice)

		bufBlock := req.BufBlock
		var length uint64
		switch {
		case vslice == vsliceStart:
			length = firstLength
		case vslice == vsliceEnd:
			length = lengthRemaining
			bufBlock += uint64(req.Length) - lengthRemaining
		default:
			length = blocksPerSlice
			bufBlock += firstLength + blocksPerSlice*uint64(i-1)
		}

		sub, _ := subRequestPool.Get()
		*sub = blockdev.Request{
			Kind:     req.Kind,
			Buf:      req.Buf,
			BufBlock: bufBlock,
			DevBlock: fvmformat.SliceStart(diskSize, sliceSize, pslice) / blockSize,
			Length:   uint32(length),
			Done:     state.complete,
		}
		if vslice == vsliceStart {
			sub.DevBlock += req.DevBlock % blocksPerSlice
		}
		lengthRemaining -= length
		subs[i] = sub
	}
	vp.mu.Unlock()

	for _, sub := range subs {
		vp.mgr.dev.Submit(sub)
	}
}
