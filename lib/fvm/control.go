// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvm

import (
	"context"
	"fmt"

	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

// Opcode selects a control operation; Ioctl dispatch mirrors the
// block-device ioctl surface.
type Opcode uint32

const (
	OpQuery Opcode = iota + 1
	OpAlloc
	OpUpgrade

	OpVSliceQuery
	OpExtend
	OpShrink
	OpDestroy
	OpGetInfo
	OpGetTypeGUID
	OpGetPartitionGUID
	OpGetName
)

// MaxVSliceRequests bounds how many ranges one OpVSliceQuery may ask
// about.
const MaxVSliceRequests = 16

// Info answers OpQuery.
type Info struct {
	SliceSize   uint64
	VSliceCount uint64
}

// AllocRequest is the argument to OpAlloc.
type AllocRequest struct {
	Slices uint64
	Type   fvmformat.GUID
	GUID   fvmformat.GUID
	Name   string
	Flags  uint32
}

// UpgradeRequest is the argument to OpUpgrade.
type UpgradeRequest struct {
	Old fvmformat.GUID
	New fvmformat.GUID
}

// RangeRequest is the argument to OpExtend and OpShrink.
type RangeRequest struct {
	Offset fvmformat.VSlice
	Length uint64
}

// VSliceRange is one element of an OpVSliceQuery response.
type VSliceRange struct {
	Count     uint64
	Allocated bool
}

func (vpm *VolumeManager) info() Info {
	return Info{
		SliceSize:   vpm.SliceSize(),
		VSliceCount: uint64(fvmformat.VSliceMax),
	}
}

// Ioctl dispatches a manager-level control operation.
func (vpm *VolumeManager) Ioctl(ctx context.Context, op Opcode, req any) (any, error) {
	switch op {
	case OpQuery:
		return vpm.info(), nil
	case OpAlloc:
		request, ok := req.(AllocRequest)
		if !ok {
			return nil, fmt.Errorf("fvm: op %d wants an AllocRequest: %w", op, ErrInvalidArgs)
		}
		return vpm.AllocatePartition(ctx, request)
	case OpUpgrade:
		request, ok := req.(UpgradeRequest)
		if !ok {
			return nil, fmt.Errorf("fvm: op %d wants an UpgradeRequest: %w", op, ErrInvalidArgs)
		}
		return nil, vpm.Upgrade(ctx, request.Old, request.New)
	default:
		return nil, fmt.Errorf("fvm: unknown control op %d: %w", op, ErrNotSupported)
	}
}

// checkRange validates an extend/shrink range the way the control
// surface requires: offset strictly positive, no wrap, everything
// below VSliceMax.
func checkRange(req RangeRequest) error {
	max := uint64(fvmformat.VSliceMax)
	switch {
	case req.Offset == 0 || uint64(req.Offset) > max:
		return fmt.Errorf("fvm: range offset %d: %w", req.Offset, ErrOutOfRange)
	case req.Length > max:
		return fmt.Errorf("fvm: range length %d: %w", req.Length, ErrOutOfRange)
	case uint64(req.Offset)+req.Length < uint64(req.Offset),
		uint64(req.Offset)+req.Length > max:
		return fmt.Errorf("fvm: range [%d,%d+%d): %w", req.Offset, req.Offset, req.Length, ErrOutOfRange)
	}
	return nil
}

// Ioctl dispatches a partition-level control operation.
func (vp *VPartition) Ioctl(ctx context.Context, op Opcode, req any) (any, error) {
	switch op {
	case OpQuery:
		return vp.mgr.info(), nil
	case OpGetInfo:
		return vp.BlockInfo()
	case OpVSliceQuery:
		starts, ok := req.([]fvmformat.VSlice)
		if !ok {
			return nil, fmt.Errorf("fvm: op %d wants a []VSlice: %w", op, ErrInvalidArgs)
		}
		if len(starts) > MaxVSliceRequests {
			return nil, fmt.Errorf("fvm: %d vslice requests (max %d): %w",
				len(starts), MaxVSliceRequests, ErrBufferTooSmall)
		}
		ranges := make([]VSliceRange, len(starts))
		for i, vstart := range starts {
			count, allocated, err := vp.CheckSlices(vstart)
			if err != nil {
				return nil, err
			}
			ranges[i] = VSliceRange{Count: count, Allocated: allocated}
		}
		return ranges, nil
	case OpExtend:
		request, ok := req.(RangeRequest)
		if !ok {
			return nil, fmt.Errorf("fvm: op %d wants a RangeRequest: %w", op, ErrInvalidArgs)
		}
		if err := checkRange(request); err != nil {
			return nil, err
		}
		if request.Length == 0 {
			return nil, nil
		}
		return nil, vp.mgr.AllocateSlices(ctx, vp, request.Offset, request.Length)
	case OpShrink:
		request, ok := req.(RangeRequest)
		if !ok {
			return nil, fmt.Errorf("fvm: op %d wants a RangeRequest: %w", op, ErrInvalidArgs)
		}
		if err := checkRange(request); err != nil {
			return nil, err
		}
		if request.Length == 0 {
			return nil, nil
		}
		return nil, vp.mgr.FreeSlices(ctx, vp, request.Offset, request.Length)
	case OpDestroy:
		return nil, vp.mgr.FreeSlices(ctx, vp, 0, uint64(fvmformat.VSliceMax))
	case OpGetTypeGUID:
		return vp.TypeGUID()
	case OpGetPartitionGUID:
		return vp.GUID()
	case OpGetName:
		return vp.Name()
	default:
		return nil, fmt.Errorf("fvm: unknown control op %d: %w", op, ErrNotSupported)
	}
}
