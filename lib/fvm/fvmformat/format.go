// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fvmformat implements the FVM on-disk format: the superblock
// header, the virtual-partition table, the slice allocation table, and
// the size arithmetic that ties them to a backing device.
//
// The layout of a backing device is
//
//	[ primary metadata | backup metadata | slice 1 | … | slice P ]
//
// where each metadata copy is MetadataSize(diskSize, sliceSize) bytes:
// the header in the first BlockSize bytes, then the partition table,
// then the allocation table, each padded to BlockSize.
package fvmformat

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

const (
	// Magic is "FVM PART", little-endian.
	Magic   uint64 = 0x54524150204d5646
	Version uint64 = 1

	// BlockSize is the alignment quantum of the metadata regions.
	// It is unrelated to the backing device's I/O block size.
	BlockSize uint64 = 8192

	// MaxVPartitions bounds the partition table; entry 0 is a
	// sentinel and is never allocated.
	MaxVPartitions = 1024

	GUIDLen = 16
	NameLen = 24

	partitionEntrySize = 64
	sliceEntrySize     = 8

	partitionTableOffset = BlockSize
	// PartitionTableLength is MaxVPartitions * 64 bytes.
	PartitionTableLength = MaxVPartitions * partitionEntrySize
	allocTableOffset     = partitionTableOffset + PartitionTableLength
)

type (
	// VSlice is a slice index within a partition's virtual address
	// space.
	VSlice uint64
	// PSlice is a 1-based physical slice index on the backing
	// device; 0 means "free" in the allocation table.
	PSlice uint64

	Generation uint64
)

const (
	// VSliceMax is the exclusive upper bound on virtual slice
	// indexes; it is also the virtual slice count every partition
	// reports.
	VSliceMax VSlice = math.MaxUint32
	// VPartMax is the largest partition index representable in a
	// slice entry.
	VPartMax uint64 = math.MaxUint16
)

func roundUp(n, quantum uint64) uint64 {
	return (n + quantum - 1) / quantum * quantum
}

// AllocTableLength returns the byte length of the slice allocation
// table for a given disk geometry: one entry per potential physical
// slice, plus the index-0 sentinel, padded to BlockSize.
func AllocTableLength(diskSize, sliceSize uint64) uint64 {
	return roundUp(sliceEntrySize*(diskSize/sliceSize+1), BlockSize)
}

// MetadataSize returns the byte length of one metadata copy.
func MetadataSize(diskSize, sliceSize uint64) uint64 {
	return allocTableOffset + AllocTableLength(diskSize, sliceSize)
}

// UsableSlices returns the number of physical slices that remain after
// both metadata copies are reserved.
func UsableSlices(diskSize, sliceSize uint64) uint64 {
	meta := 2 * MetadataSize(diskSize, sliceSize)
	if diskSize < meta {
		return 0
	}
	return (diskSize - meta) / sliceSize
}

// SliceStart returns the byte offset of physical slice p.
func SliceStart(diskSize, sliceSize uint64, p PSlice) uint64 {
	return 2*MetadataSize(diskSize, sliceSize) + (uint64(p)-1)*sliceSize
}

type GUID [GUIDLen]byte

var _ fmt.Stringer = GUID{}

func (g GUID) String() string {
	var buf [GUIDLen*2 + 4]byte
	hex.Encode(buf[0:8], g[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], g[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], g[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], g[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], g[10:])
	return string(buf[:])
}

func (g GUID) IsZero() bool {
	return g == GUID{}
}

func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *GUID) UnmarshalText(text []byte) error {
	parsed, err := ParseGUID(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// ParseGUID accepts the canonical 8-4-4-4-12 form or 32 bare hex
// digits.
func ParseGUID(str string) (GUID, error) {
	var g GUID
	str = strings.ReplaceAll(str, "-", "")
	if len(str) != GUIDLen*2 {
		return GUID{}, fmt.Errorf("guid: expected %d hex digits, got %d", GUIDLen*2, len(str))
	}
	if _, err := hex.Decode(g[:], []byte(str)); err != nil {
		return GUID{}, fmt.Errorf("guid: %w", err)
	}
	return g, nil
}

type Name [NameLen]byte

var _ fmt.Stringer = Name{}

func (n Name) String() string {
	str := n[:]
	for i, c := range str {
		if c == 0 {
			str = str[:i]
			break
		}
	}
	return string(str)
}

func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Name) UnmarshalText(text []byte) error {
	*n = NewName(string(text))
	return nil
}

// NewName truncates str to NameLen bytes.
func NewName(str string) Name {
	var n Name
	copy(n[:], str)
	return n
}
