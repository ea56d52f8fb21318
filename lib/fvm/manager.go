// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fvm implements the Fuchsia Volume Manager core: a thin
// virtualization layer that carves a single backing block device into
// independently sized virtual partitions, backed by a shared pool of
// fixed-size physical slices.
package fvm

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/fvm-progs-ng/lib/binfmt"
	"git.lukeshu.com/fvm-progs-ng/lib/blockdev"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmvol"
)

// Framework is the device-framework contract the manager publishes
// partitions through.  Implementations must not call back into the
// manager or the partition from within these methods; they may be
// invoked with manager and partition locks held.
type Framework interface {
	AddPartition(ctx context.Context, vp *VPartition) error
	RemovePartition(ctx context.Context, vp *VPartition)
}

// VolumeManager owns the FVM metadata on one backing device and the
// set of virtual partitions carved out of it.
type VolumeManager struct {
	dev       blockdev.Device
	framework Framework

	mu             sync.Mutex
	meta           *fvmformat.Metadata
	firstIsPrimary bool
	sliceHint      fvmformat.PSlice
	partitions     map[uint64]*VPartition // published, by entry index

	loadDone chan struct{}
	loadErr  error
}

// Bind creates a manager for dev and starts loading its metadata on a
// background goroutine, so that binding returns immediately.  Use
// WaitLoad to join the load, and Close to tear down.
func Bind(ctx context.Context, dev blockdev.Device, framework Framework) (*VolumeManager, error) {
	if dev.BlockSize() == 0 {
		return nil, fmt.Errorf("fvm: device reports zero block size: %w", ErrBadState)
	}
	vpm := &VolumeManager{
		dev:        dev,
		framework:  framework,
		partitions: make(map[uint64]*VPartition),
		loadDone:   make(chan struct{}),
	}
	go func() {
		defer close(vpm.loadDone)
		if err := vpm.load(ctx); err != nil {
			dlog.Errorf(ctx, "fvm: aborting load: %v", err)
			vpm.loadErr = err
		}
	}()
	return vpm, nil
}

// WaitLoad blocks until the background load finishes and returns its
// result.
func (vpm *VolumeManager) WaitLoad(ctx context.Context) error {
	select {
	case <-vpm.loadDone:
		return vpm.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close joins the load goroutine.  It does not close the backing
// device, which the caller owns.
func (vpm *VolumeManager) Close() error {
	<-vpm.loadDone
	return nil
}

func (vpm *VolumeManager) DiskSize() uint64 {
	return vpm.dev.BlockCount() * uint64(vpm.dev.BlockSize())
}

func (vpm *VolumeManager) SliceSize() uint64 {
	return vpm.meta.Header.SliceSize
}

func (vpm *VolumeManager) metadataSize() uint64 {
	return vpm.meta.Header.MetadataSize()
}

func (vpm *VolumeManager) blocksPerSlice() uint64 {
	return vpm.SliceSize() / uint64(vpm.dev.BlockSize())
}

func (vpm *VolumeManager) load(ctx context.Context) error {
	diskSize := vpm.DiskSize()

	// Read the first metadata block to learn the geometry, without
	// trusting it yet.
	hdrBuf := make([]byte, fvmformat.BlockSize)
	if diskSize < uint64(len(hdrBuf)) {
		return fmt.Errorf("fvm: device is smaller than one metadata block: %w", ErrBadState)
	}
	if _, err := vpm.dev.ReadAt(hdrBuf, 0); err != nil {
		return fmt.Errorf("fvm: reading superblock: %w", err)
	}
	var hdr fvmformat.Header
	if _, err := binfmt.Unmarshal(hdrBuf, &hdr); err != nil {
		return fmt.Errorf("fvm: parsing superblock: %w", err)
	}
	if err := hdr.Check(diskSize, vpm.dev.BlockSize()); err != nil {
		return fmt.Errorf("fvm: superblock: %v: %w", err, ErrBadState)
	}

	// Read both full copies and let validation choose.
	metadataSize := hdr.MetadataSize()
	if diskSize < 2*metadataSize {
		return fmt.Errorf("fvm: device too small for both metadata copies: %w", ErrBadState)
	}
	primary := make([]byte, metadataSize)
	backup := make([]byte, metadataSize)
	if _, err := vpm.dev.ReadAt(primary, 0); err != nil {
		return fmt.Errorf("fvm: reading primary metadata: %w", err)
	}
	if _, err := vpm.dev.ReadAt(backup, int64(metadataSize)); err != nil {
		return fmt.Errorf("fvm: reading backup metadata: %w", err)
	}
	winner, err := fvmformat.Pick(primary, backup, diskSize, vpm.dev.BlockSize())
	if err != nil {
		return fmt.Errorf("fvm: %v: %w", err, ErrBadState)
	}
	winnerBuf := primary
	if winner == fvmformat.CopyBackup {
		winnerBuf = backup
	}
	meta, err := fvmformat.Unmarshal(winnerBuf)
	if err != nil {
		return fmt.Errorf("fvm: %v: %w", err, ErrBadState)
	}
	dlog.Infof(ctx, "fvm: loaded %v metadata copy, generation=%d, %d/%d slices in use",
		winner, meta.Header.Generation, usedSlices(meta), meta.Header.PSliceCount)

	vpm.mu.Lock()
	vpm.meta = meta
	vpm.firstIsPrimary = winner == fvmformat.CopyPrimary

	// Build a partition object for every entry that claims slices,
	// then fill their slice maps with one walk of the allocation
	// table.
	vps := make([]*VPartition, fvmformat.MaxVPartitions)
	for i := 1; i < fvmformat.MaxVPartitions; i++ {
		if meta.Partitions[i].IsFree() {
			continue
		}
		vps[i] = newVPartition(vpm, uint64(i))
	}
	blocksPerSlice := vpm.blocksPerSlice()
	for i := fvmformat.PSlice(1); uint64(i) <= meta.Header.PSliceCount; i++ {
		ent := meta.Slices[i]
		if ent.IsFree() || ent.VPart() >= fvmformat.MaxVPartitions || vps[ent.VPart()] == nil {
			continue
		}
		// No partition devices exist yet, so no per-partition
		// locking is needed here.
		vps[ent.VPart()].slices.Set(ent.VSlice(), i)
		vps[ent.VPart()].blockCount += blocksPerSlice
	}
	vpm.mu.Unlock()

	// Garbage-collect partitions that were mid-upgrade when the
	// previous instance went away, and publish the rest.
	for i, vp := range vps {
		switch {
		case vp == nil:
			continue
		case vpm.meta.Partitions[i].IsInactive():
			dlog.Infof(ctx, "fvm: freeing inactive partition %q", vpm.meta.Partitions[i].Name.String())
			if err := vpm.FreeSlices(ctx, vp, 0, uint64(fvmformat.VSliceMax)); err != nil {
				dlog.Errorf(ctx, "fvm: freeing inactive partition: %v", err)
			}
		default:
			if err := vpm.framework.AddPartition(ctx, vp); err != nil {
				dlog.Errorf(ctx, "fvm: publishing partition %d: %v", i, err)
				continue
			}
			vpm.mu.Lock()
			vpm.partitions[uint64(i)] = vp
			vpm.mu.Unlock()
		}
	}
	return nil
}

func usedSlices(meta *fvmformat.Metadata) int {
	used := 0
	for _, ent := range meta.Slices[1:] {
		if !ent.IsFree() {
			used++
		}
	}
	return used
}

// writeMetadataLocked commits the in-memory metadata: bump the
// generation, rehash, and write the whole region to whichever on-disk
// copy is currently NOT primary.  Only after the write succeeds does
// the primary designation flip, so a torn write leaves the old primary
// authoritative.
func (vpm *VolumeManager) writeMetadataLocked(ctx context.Context) error {
	vpm.meta.Header.Generation++
	if err := vpm.meta.UpdateHash(); err != nil {
		return err
	}
	buf, err := vpm.meta.Marshal()
	if err != nil {
		return err
	}
	target := fvmformat.CopyPrimary
	if vpm.firstIsPrimary {
		target = fvmformat.CopyBackup
	}
	dlog.Debugf(ctx, "fvm: committing generation %d to %v copy",
		vpm.meta.Header.Generation, target)
	if _, err := vpm.dev.WriteAt(buf, int64(target.Offset(vpm.metadataSize()))); err != nil {
		return fmt.Errorf("fvm: committing metadata: %w", err)
	}
	vpm.firstIsPrimary = !vpm.firstIsPrimary
	return nil
}

func (vpm *VolumeManager) findFreePartitionLocked() (uint64, error) {
	for i := uint64(1); i < fvmformat.MaxVPartitions; i++ {
		if vpm.meta.Partitions[i].IsFree() {
			return i, nil
		}
	}
	return 0, fmt.Errorf("fvm: partition table is full: %w", ErrNoSpace)
}

// findFreeSliceLocked scans for a free physical slice starting at the
// manager's rotating hint, wrapping around once.
func (vpm *VolumeManager) findFreeSliceLocked() (fvmformat.PSlice, error) {
	total := fvmformat.PSlice(vpm.meta.Header.PSliceCount)
	hint := vpm.sliceHint
	if hint < 1 || hint > total {
		hint = 1
	}
	for i := hint; i <= total; i++ {
		if vpm.meta.Slices[i].IsFree() {
			return i, nil
		}
	}
	for i := fvmformat.PSlice(1); i < hint; i++ {
		if vpm.meta.Slices[i].IsFree() {
			return i, nil
		}
	}
	return 0, fmt.Errorf("fvm: no free physical slice: %w", ErrNoSpace)
}

// AllocateSlices maps count free virtual slices starting at vstart to
// freshly allocated physical slices, then commits.  On any failure the
// partial mappings are undone and the on-disk state is unchanged.
func (vpm *VolumeManager) AllocateSlices(ctx context.Context, vp *VPartition, vstart fvmformat.VSlice, count uint64) error {
	vpm.mu.Lock()
	defer vpm.mu.Unlock()
	return vpm.allocateSlicesLocked(ctx, vp, vstart, count)
}

func (vpm *VolumeManager) allocateSlicesLocked(ctx context.Context, vp *VPartition, vstart fvmformat.VSlice, count uint64) error {
	if count > uint64(fvmformat.VSliceMax) || uint64(vstart)+count > uint64(fvmformat.VSliceMax) {
		return fmt.Errorf("fvm: allocate [%d,%d+%d): %w", vstart, vstart, count, ErrInvalidArgs)
	}
	ent := &vpm.meta.Partitions[vp.entryIndex]

	rollback := func(n uint64) {
		for j := n; j > 0; j-- {
			vslice := vstart + fvmformat.VSlice(j-1)
			pslice := vp.slices.Get(vslice)
			vpm.meta.Slices[pslice] = 0
			vp.sliceFreeLocked(vslice)
			ent.Slices--
		}
	}

	var err error
	vp.mu.Lock()
	if vp.killed {
		vp.mu.Unlock()
		return fmt.Errorf("fvm: allocate on destroyed partition: %w", ErrBadState)
	}
	for i := uint64(0); i < count; i++ {
		vslice := vstart + fvmformat.VSlice(i)
		if vp.slices.Get(vslice) != fvmvol.SliceFree {
			err = fmt.Errorf("fvm: vslice %d is already allocated: %w", vslice, ErrInvalidArgs)
		}
		var pslice fvmformat.PSlice
		if err == nil {
			pslice, err = vpm.findFreeSliceLocked()
		}
		if err != nil {
			rollback(i)
			vp.mu.Unlock()
			return err
		}
		vp.sliceSetLocked(vslice, pslice)
		vpm.meta.Slices[pslice] = fvmformat.NewSliceEntry(vp.entryIndex, vslice)
		ent.Slices++
		vpm.sliceHint = pslice + 1
	}
	vp.mu.Unlock()

	// Commit without holding the partition lock; reacquire it only
	// if the commit failed and the mappings must be unwound.
	if err := vpm.writeMetadataLocked(ctx); err != nil {
		vp.mu.Lock()
		rollback(count)
		vp.mu.Unlock()
		return err
	}
	return nil
}

// FreeSlices unmaps up to count virtual slices starting at vstart and
// returns their physical slices to the pool, then commits.  vstart ==
// 0 is the destroy idiom: every extent is freed, the partition-table
// entry is cleared, and the partition is unpublished and marked
// killed.
func (vpm *VolumeManager) FreeSlices(ctx context.Context, vp *VPartition, vstart fvmformat.VSlice, count uint64) error {
	vpm.mu.Lock()
	defer vpm.mu.Unlock()
	return vpm.freeSlicesLocked(ctx, vp, vstart, count)
}

func (vpm *VolumeManager) freeSlicesLocked(ctx context.Context, vp *VPartition, vstart fvmformat.VSlice, count uint64) error {
	if count > uint64(fvmformat.VSliceMax) || uint64(vstart)+count > uint64(fvmformat.VSliceMax) {
		return fmt.Errorf("fvm: free [%d,%d+%d): %w", vstart, vstart, count, ErrInvalidArgs)
	}

	freed := false
	vp.mu.Lock()
	if vp.killed {
		vp.mu.Unlock()
		return fmt.Errorf("fvm: free on destroyed partition: %w", ErrBadState)
	}

	// Drain in-flight I/O first, so nothing still references a
	// slice after it returns to the free pool.
	if err := vpm.dev.Sync(); err != nil {
		vp.mu.Unlock()
		return fmt.Errorf("fvm: sync before free: %w", err)
	}

	ent := &vpm.meta.Partitions[vp.entryIndex]
	if vstart == 0 {
		// Freeing the entire partition.
		for ext := vp.slices.First(); ext != nil; ext = vp.slices.First() {
			for v := ext.Start(); v < ext.End(); v++ {
				vpm.meta.Slices[vp.slices.Get(v)] = 0
			}
			vp.destroyExtentLocked(ext.Start())
		}
		if _, published := vpm.partitions[vp.entryIndex]; published {
			delete(vpm.partitions, vp.entryIndex)
			vpm.framework.RemovePartition(ctx, vp)
		}
		ent.Clear()
		vp.killed = true
		freed = true
	} else {
		for i := count; i > 0; i-- {
			vslice := vstart + fvmformat.VSlice(i-1)
			if pslice := vp.slices.Get(vslice); pslice != fvmvol.SliceFree {
				vp.sliceFreeLocked(vslice)
				vpm.meta.Slices[pslice] = 0
				ent.Slices--
				freed = true
			}
		}
	}
	vp.mu.Unlock()

	if !freed {
		return fmt.Errorf("fvm: free [%d,%d+%d): nothing to free: %w", vstart, vstart, count, ErrInvalidArgs)
	}
	return vpm.writeMetadataLocked(ctx)
}

// Upgrade atomically activates the inactive partition with unique GUID
// newGUID and deactivates the active partition with unique GUID
// oldGUID (if any; oldGUID is ignored when equal to newGUID).  The
// swap is a single metadata commit.
func (vpm *VolumeManager) Upgrade(ctx context.Context, oldGUID, newGUID fvmformat.GUID) error {
	vpm.mu.Lock()
	defer vpm.mu.Unlock()

	haveOld := oldGUID != newGUID
	oldIndex, newIndex := 0, 0
	for i := 1; i < fvmformat.MaxVPartitions; i++ {
		ent := &vpm.meta.Partitions[i]
		if ent.IsFree() {
			continue
		}
		switch {
		case haveOld && !ent.IsInactive() && ent.GUID == oldGUID:
			oldIndex = i
		case ent.IsInactive() && ent.GUID == newGUID:
			newIndex = i
		}
	}
	if newIndex == 0 {
		return fmt.Errorf("fvm: upgrade: no inactive partition with guid %v: %w", newGUID, ErrNotFound)
	}
	if oldIndex != 0 {
		vpm.meta.Partitions[oldIndex].Flags |= fvmformat.FlagInactive
	}
	vpm.meta.Partitions[newIndex].Flags &^= fvmformat.FlagInactive
	return vpm.writeMetadataLocked(ctx)
}

// AllocatePartition creates a new virtual partition with count virtual
// slices at [1, 1+count), commits, and publishes it.
func (vpm *VolumeManager) AllocatePartition(ctx context.Context, req AllocRequest) (*VPartition, error) {
	if req.Slices == 0 || req.Slices >= math.MaxUint32 {
		return nil, fmt.Errorf("fvm: allocate %d slices: %w", req.Slices, ErrOutOfRange)
	}

	var vp *VPartition
	vpm.mu.Lock()
	index, err := vpm.findFreePartitionLocked()
	if err == nil {
		vp = newVPartition(vpm, index)
		vpm.meta.Partitions[index].Init(req.Type, req.GUID, fvmformat.NewName(req.Name), req.Flags)
		if err = vpm.allocateSlicesLocked(ctx, vp, 1, req.Slices); err != nil {
			vpm.meta.Partitions[index].Clear()
		}
	}
	vpm.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := vpm.framework.AddPartition(ctx, vp); err != nil {
		return nil, err
	}
	vpm.mu.Lock()
	vpm.partitions[index] = vp
	vpm.mu.Unlock()
	dlog.Infof(ctx, "fvm: allocated partition %q (%d slices)", req.Name, req.Slices)
	return vp, nil
}
