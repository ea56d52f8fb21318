// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvmformat

import (
	"git.lukeshu.com/fvm-progs-ng/lib/binfmt"
)

// PartitionEntry is one row of the virtual-partition table.  An entry
// with Slices == 0 is free.
type PartitionEntry struct {
	Type GUID `bin:"off=0x0,  siz=0x10"`
	GUID GUID `bin:"off=0x10, siz=0x10"`
	// Slices counts how many virtual slices are allocated to this
	// partition, across all of its extents.
	Slices     uint32 `bin:"off=0x20, siz=0x4"`
	Flags      uint32 `bin:"off=0x24, siz=0x4"`
	Name       Name   `bin:"off=0x28, siz=0x18"`
	binfmt.End `bin:"off=0x40"`
}

const (
	// FlagInactive marks a partition that has been created but not
	// yet activated by an upgrade, or deactivated by one.  Inactive
	// partitions are garbage-collected at load time.
	FlagInactive uint32 = 1 << 0

	// AllocFlagMask is the set of flags a client may set when
	// allocating a partition.
	AllocFlagMask = FlagInactive
)

func (ent *PartitionEntry) IsFree() bool {
	return ent.Slices == 0
}

func (ent *PartitionEntry) IsInactive() bool {
	return ent.Flags&FlagInactive != 0
}

func (ent *PartitionEntry) Init(typ, guid GUID, name Name, flags uint32) {
	*ent = PartitionEntry{
		Type:  typ,
		GUID:  guid,
		Flags: flags & AllocFlagMask,
		Name:  name,
	}
}

func (ent *PartitionEntry) Clear() {
	*ent = PartitionEntry{}
}

// SliceEntry is one row of the slice allocation table, packed into a
// u64: bits [0,16) are the owning partition index (0 = free), bits
// [16,48) the virtual slice it maps, bits [48,64) are reserved.
type SliceEntry uint64

const (
	sliceEntryVPartBits  = 16
	sliceEntryVSliceBits = 32

	sliceEntryVPartMask  = 1<<sliceEntryVPartBits - 1
	sliceEntryVSliceMask = 1<<sliceEntryVSliceBits - 1
)

func NewSliceEntry(vpart uint64, vslice VSlice) SliceEntry {
	return SliceEntry(vpart&sliceEntryVPartMask |
		(uint64(vslice)&sliceEntryVSliceMask)<<sliceEntryVPartBits)
}

// VPart returns the owning partition's table index; 0 means the
// physical slice is free.
func (ent SliceEntry) VPart() uint64 {
	return uint64(ent) & sliceEntryVPartMask
}

func (ent SliceEntry) VSlice() VSlice {
	return VSlice(uint64(ent) >> sliceEntryVPartBits & sliceEntryVSliceMask)
}

func (ent SliceEntry) IsFree() bool {
	return ent.VPart() == 0
}
