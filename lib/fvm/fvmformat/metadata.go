// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvmformat

import (
	"encoding/binary"
	"fmt"

	"git.lukeshu.com/fvm-progs-ng/lib/binfmt"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmsum"
)

// Metadata is one parsed metadata copy.
//
// Partitions[0] and Slices[0] are sentinels; real entries start at
// index 1.  len(Slices) is Header.PSliceCount+1.
type Metadata struct {
	Header     Header
	Partitions [MaxVPartitions]PartitionEntry
	Slices     []SliceEntry
}

// Copy names which of the two on-disk metadata regions is being
// referred to.
type Copy int8

const (
	CopyPrimary Copy = iota
	CopyBackup
)

func (c Copy) String() string {
	if c == CopyPrimary {
		return "primary"
	}
	return "backup"
}

// Offset returns the byte offset of this copy's metadata region.
func (c Copy) Offset(metadataSize uint64) uint64 {
	if c == CopyPrimary {
		return 0
	}
	return metadataSize
}

// Unmarshal parses a full metadata region.  It assumes the buffer has
// already passed ValidateBuf.
func Unmarshal(buf []byte) (*Metadata, error) {
	m := new(Metadata)
	if _, err := binfmt.Unmarshal(buf, &m.Header); err != nil {
		return nil, fmt.Errorf("fvm metadata: header: %w", err)
	}
	if uint64(len(buf)) < m.Header.MetadataSize() {
		return nil, fmt.Errorf("fvm metadata: region is %d bytes, header wants %d",
			len(buf), m.Header.MetadataSize())
	}
	for i := 1; i < MaxVPartitions; i++ {
		off := partitionTableOffset + uint64(i)*partitionEntrySize
		if _, err := binfmt.Unmarshal(buf[off:], &m.Partitions[i]); err != nil {
			return nil, fmt.Errorf("fvm metadata: partition entry %d: %w", i, err)
		}
	}
	m.Slices = make([]SliceEntry, m.Header.PSliceCount+1)
	for i := range m.Slices {
		off := allocTableOffset + uint64(i)*sliceEntrySize
		m.Slices[i] = SliceEntry(binary.LittleEndian.Uint64(buf[off:]))
	}
	return m, nil
}

// Marshal serializes the full metadata region, zero-padded to
// MetadataSize.  The stored hash field is written as-is; call
// UpdateHash first when committing.
func (m *Metadata) Marshal() ([]byte, error) {
	buf := make([]byte, m.Header.MetadataSize())
	hdr, err := binfmt.Marshal(m.Header)
	if err != nil {
		return nil, fmt.Errorf("fvm metadata: header: %w", err)
	}
	copy(buf, hdr)
	for i := 1; i < MaxVPartitions; i++ {
		ent, err := binfmt.Marshal(m.Partitions[i])
		if err != nil {
			return nil, fmt.Errorf("fvm metadata: partition entry %d: %w", i, err)
		}
		copy(buf[partitionTableOffset+uint64(i)*partitionEntrySize:], ent)
	}
	for i, ent := range m.Slices {
		off := allocTableOffset + uint64(i)*sliceEntrySize
		binary.LittleEndian.PutUint64(buf[off:], uint64(ent))
	}
	return buf, nil
}

// UpdateHash recomputes Header.Hash over the serialized region with
// the hash field zeroed.
func (m *Metadata) UpdateHash() error {
	m.Header.Hash = fvmsum.CSum{}
	buf, err := m.Marshal()
	if err != nil {
		return err
	}
	m.Header.Hash = fvmsum.Sum(buf)
	return nil
}

// ValidateBuf checks one serialized metadata copy: magic, version,
// geometry, and the integrity hash.
func ValidateBuf(buf []byte, diskSize uint64, devBlockSize uint32) error {
	var hdr Header
	if _, err := binfmt.Unmarshal(buf, &hdr); err != nil {
		return err
	}
	if err := hdr.Check(diskSize, devBlockSize); err != nil {
		return err
	}
	if uint64(len(buf)) < hdr.MetadataSize() {
		return fmt.Errorf("metadata region is %d bytes, header wants %d",
			len(buf), hdr.MetadataSize())
	}
	stored := hdr.Hash
	scratch := make([]byte, hdr.MetadataSize())
	copy(scratch, buf[:hdr.MetadataSize()])
	for i := hashOffset; i < hashOffset+fvmsum.Size; i++ {
		scratch[i] = 0
	}
	if calced := fvmsum.Sum(scratch); calced != stored {
		return fmt.Errorf("metadata hash mismatch: stored=%v calculated=%v",
			stored, calced)
	}
	return nil
}

// Pick implements the dual-copy winner selection: both copies valid →
// the one with the higher generation (primary on a tie); one valid →
// that one; neither → an error, the device is not an FVM.
func Pick(primary, backup []byte, diskSize uint64, devBlockSize uint32) (Copy, error) {
	errPrimary := ValidateBuf(primary, diskSize, devBlockSize)
	errBackup := ValidateBuf(backup, diskSize, devBlockSize)
	switch {
	case errPrimary == nil && errBackup == nil:
		var genPrimary, genBackup Header
		if _, err := binfmt.Unmarshal(primary, &genPrimary); err != nil {
			return CopyPrimary, err
		}
		if _, err := binfmt.Unmarshal(backup, &genBackup); err != nil {
			return CopyPrimary, err
		}
		if genBackup.Generation > genPrimary.Generation {
			return CopyBackup, nil
		}
		return CopyPrimary, nil
	case errPrimary == nil:
		return CopyPrimary, nil
	case errBackup == nil:
		return CopyBackup, nil
	default:
		return CopyPrimary, fmt.Errorf("no valid metadata copy: primary: %v; backup: %w",
			errPrimary, errBackup)
	}
}

// Format builds generation-0 metadata for an empty FVM on a device of
// the given geometry.
func Format(diskSize, sliceSize uint64, devBlockSize uint32) (*Metadata, error) {
	hdr := Header{
		Magic:              Magic,
		Version:            Version,
		PSliceCount:        UsableSlices(diskSize, sliceSize),
		SliceSize:          sliceSize,
		DiskSize:           diskSize,
		PartitionTableSize: PartitionTableLength,
		AllocTableSize:     AllocTableLength(diskSize, sliceSize),
	}
	if err := hdr.Check(diskSize, devBlockSize); err != nil {
		return nil, fmt.Errorf("fvm format: %w", err)
	}
	if hdr.PSliceCount == 0 {
		return nil, fmt.Errorf("fvm format: device too small: no usable slices")
	}
	m := &Metadata{
		Header: hdr,
		Slices: make([]SliceEntry, hdr.PSliceCount+1),
	}
	if err := m.UpdateHash(); err != nil {
		return nil, err
	}
	return m, nil
}
