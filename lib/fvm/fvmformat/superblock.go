// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvmformat

import (
	"fmt"
	"math"

	"git.lukeshu.com/fvm-progs-ng/lib/binfmt"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmsum"
)

// Header is the superblock at the start of each metadata copy.  The
// remainder of the first BlockSize bytes is zero.
type Header struct {
	Magic       uint64 `bin:"off=0x0,  siz=0x8"`
	Version     uint64 `bin:"off=0x8,  siz=0x8"`
	PSliceCount uint64 `bin:"off=0x10, siz=0x8"`
	SliceSize   uint64 `bin:"off=0x18, siz=0x8"`
	// DiskSize is the size of the whole backing device, metadata
	// included.
	DiskSize           uint64      `bin:"off=0x20, siz=0x8"`
	PartitionTableSize uint64      `bin:"off=0x28, siz=0x8"`
	AllocTableSize     uint64      `bin:"off=0x30, siz=0x8"`
	Generation         Generation  `bin:"off=0x38, siz=0x8"`
	Hash               fvmsum.CSum `bin:"off=0x40, siz=0x20"`
	binfmt.End         `bin:"off=0x60"`
}

// hashOffset is where Header.Hash lives within the metadata region;
// the digest is computed with these bytes zeroed.
const hashOffset = 0x40

// MetadataSize returns the byte length of one metadata copy for the
// geometry this header declares.
func (h Header) MetadataSize() uint64 {
	return MetadataSize(h.DiskSize, h.SliceSize)
}

// Check validates the header's self-declared sizes against the
// backing device.  It does not verify the hash.
func (h Header) Check(diskSize uint64, devBlockSize uint32) error {
	if h.Magic != Magic {
		return fmt.Errorf("bad magic %#016x", h.Magic)
	}
	if h.Version > Version {
		return fmt.Errorf("unsupported version %d", h.Version)
	}
	if h.SliceSize == 0 {
		return fmt.Errorf("zero slice size")
	}
	if devBlockSize == 0 || h.SliceSize%uint64(devBlockSize) != 0 {
		return fmt.Errorf("slice size %d is not a multiple of the device block size %d",
			h.SliceSize, devBlockSize)
	}
	if h.SliceSize > math.MaxUint64/uint64(VSliceMax) {
		return fmt.Errorf("slice size %d overflows the virtual address space", h.SliceSize)
	}
	if h.DiskSize != diskSize {
		return fmt.Errorf("header disk size %d does not match device size %d",
			h.DiskSize, diskSize)
	}
	if h.PartitionTableSize != PartitionTableLength {
		return fmt.Errorf("bad partition table size %d (expected %d)",
			h.PartitionTableSize, uint64(PartitionTableLength))
	}
	if want := AllocTableLength(diskSize, h.SliceSize); h.AllocTableSize != want {
		return fmt.Errorf("bad allocation table size %d (expected %d)",
			h.AllocTableSize, want)
	}
	if h.PSliceCount != UsableSlices(diskSize, h.SliceSize) {
		return fmt.Errorf("bad physical slice count %d (expected %d)",
			h.PSliceCount, UsableSlices(diskSize, h.SliceSize))
	}
	return nil
}
