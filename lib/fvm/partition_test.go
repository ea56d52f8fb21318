// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvm_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/fvm-progs-ng/lib/blockdev"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

// recordingDevice snapshots every submitted request before forwarding
// it, so tests can assert on the fan-out.
type recordingDevice struct {
	blockdev.Device

	mu        sync.Mutex
	submitted []blockdev.Request
}

func (dev *recordingDevice) Submit(req *blockdev.Request) {
	dev.mu.Lock()
	dev.submitted = append(dev.submitted, *req)
	dev.mu.Unlock()
	dev.Device.Submit(req)
}

func (dev *recordingDevice) reset() {
	dev.mu.Lock()
	dev.submitted = nil
	dev.mu.Unlock()
}

func (dev *recordingDevice) snapshot() []blockdev.Request {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]blockdev.Request(nil), dev.submitted...)
}

func TestScatterIO(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	rec := &recordingDevice{Device: blockdev.NewMem(testDiskSize, testDevBlockSize)}
	require.NoError(t, fvm.FormatDevice(ctx, rec, testSliceSize))
	vpm, _ := bind(t, ctx, rec)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 3,
		GUID:   fvmformat.GUID{11: 1},
		Name:   "scatter",
	})
	// Refragment the middle vslice: it comes back backed by a
	// different physical slice.
	_, err := vp.Ioctl(ctx, fvm.OpShrink, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)

	in := make([]byte, 3*testSliceSize)
	for i := range in {
		in[i] = byte(i * 7 % 253)
	}
	rec.reset()
	require.NoError(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Write,
		Buf:      in,
		DevBlock: testK,
		Length:   3 * testK,
	}))
	assert.Len(t, rec.snapshot(), 3)

	out := make([]byte, 3*testSliceSize)
	require.NoError(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Read,
		Buf:      out,
		DevBlock: testK,
		Length:   3 * testK,
	}))
	assert.Equal(t, in, out)
}

func TestStraddleTwoSlices(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	rec := &recordingDevice{Device: blockdev.NewMem(testDiskSize, testDevBlockSize)}
	require.NoError(t, fvm.FormatDevice(ctx, rec, testSliceSize))
	vpm, _ := bind(t, ctx, rec)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 2,
		GUID:   fvmformat.GUID{11: 2},
		Name:   "straddle",
	})
	_, err := vp.Ioctl(ctx, fvm.OpShrink, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)

	// 8 blocks, 4 on each side of the vslice 1/2 boundary
	const length = 8
	offset := uint64(2*testK - length/2)
	rec.reset()
	require.NoError(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Write,
		Buf:      make([]byte, length*testDevBlockSize),
		DevBlock: offset,
		Length:   length,
	}))

	subs := rec.snapshot()
	require.Len(t, subs, 2)
	assert.Equal(t, uint32(length/2), subs[0].Length)
	assert.Equal(t, uint32(length/2), subs[1].Length)
	assert.Equal(t, uint64(0), subs[0].BufBlock)
	assert.Equal(t, uint64(length/2), subs[1].BufBlock)
	// vslice 1 is backed by pslice 1, and the refragmented vslice 2
	// by pslice 3; the first sub-request keeps the intra-slice
	// offset, the second starts at its slice's base
	assert.Equal(t,
		fvmformat.SliceStart(testDiskSize, testSliceSize, 1)/testDevBlockSize+testK-length/2,
		subs[0].DevBlock)
	assert.Equal(t,
		fvmformat.SliceStart(testDiskSize, testSliceSize, 3)/testDevBlockSize,
		subs[1].DevBlock)
}

func TestContiguousFastPath(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	rec := &recordingDevice{Device: blockdev.NewMem(testDiskSize, testDevBlockSize)}
	require.NoError(t, fvm.FormatDevice(ctx, rec, testSliceSize))
	vpm, _ := bind(t, ctx, rec)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 3,
		GUID:   fvmformat.GUID{11: 3},
		Name:   "contig",
	})

	rec.reset()
	require.NoError(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Write,
		Buf:      make([]byte, 3*testSliceSize),
		DevBlock: testK,
		Length:   3 * testK,
	}))
	// freshly allocated slices are physically contiguous, so the
	// spanning request is forwarded whole
	subs := rec.snapshot()
	require.Len(t, subs, 1)
	assert.Equal(t, uint32(3*testK), subs[0].Length)
}

func TestIoErrors(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	_, vpm, _ := freshFVM(t, ctx)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 1,
		GUID:   fvmformat.GUID{11: 4},
		Name:   "errors",
	})

	assert.ErrorIs(t, queueWait(vp, &blockdev.Request{
		Kind: blockdev.Read,
		Buf:  make([]byte, testDevBlockSize),
	}), fvm.ErrInvalidArgs)

	assert.ErrorIs(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Read,
		Buf:      make([]byte, testDevBlockSize),
		DevBlock: uint64(fvmformat.VSliceMax) * testK,
		Length:   1,
	}), fvm.ErrOutOfRange)

	// vslice 0 is never mapped
	assert.ErrorIs(t, queueWait(vp, &blockdev.Request{
		Kind:   blockdev.Read,
		Buf:    make([]byte, testDevBlockSize),
		Length: 1,
	}), fvm.ErrOutOfRange)

	assert.ErrorIs(t, queueWait(vp, &blockdev.Request{
		Kind:   blockdev.OpKind(99),
		Length: 1,
	}), fvm.ErrNotSupported)
}

func TestFlushPassthrough(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	rec := &recordingDevice{Device: blockdev.NewMem(testDiskSize, testDevBlockSize)}
	require.NoError(t, fvm.FormatDevice(ctx, rec, testSliceSize))
	vpm, _ := bind(t, ctx, rec)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 1,
		GUID:   fvmformat.GUID{11: 5},
		Name:   "flush",
	})

	rec.reset()
	require.NoError(t, queueWait(vp, &blockdev.Request{Kind: blockdev.Flush}))
	subs := rec.snapshot()
	require.Len(t, subs, 1)
	assert.Equal(t, blockdev.Flush, subs[0].Kind)
}

func TestScatterCap(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	_, vpm, _ := freshFVM(t, ctx)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 34,
		GUID:   fvmformat.GUID{11: 6},
		Name:   "wide",
	})
	// break physical contiguity so that the scatter path is taken
	_, err := vp.Ioctl(ctx, fvm.OpShrink, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)

	// MaxSlices+1 slices
	assert.ErrorIs(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Write,
		Buf:      make([]byte, 33*testSliceSize),
		DevBlock: testK,
		Length:   33 * testK,
	}), fvm.ErrOutOfRange)

	// MaxSlices slices still goes through
	require.NoError(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Write,
		Buf:      make([]byte, 32*testSliceSize),
		DevBlock: testK,
		Length:   32 * testK,
	}))
}

type failSliceDevice struct {
	blockdev.Device

	failAtBlock uint64
	injected    error
}

func (dev *failSliceDevice) Submit(req *blockdev.Request) {
	if req.DevBlock == dev.failAtBlock {
		req.Done(req, dev.injected)
		return
	}
	dev.Device.Submit(req)
}

func TestScatterAggregatesFirstError(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	injected := errors.New("injected slice failure")
	dev := &failSliceDevice{
		Device:   blockdev.NewMem(testDiskSize, testDevBlockSize),
		injected: injected,
	}
	require.NoError(t, fvm.FormatDevice(ctx, dev, testSliceSize))
	vpm, _ := bind(t, ctx, dev)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 3,
		GUID:   fvmformat.GUID{11: 7},
		Name:   "failing",
	})
	_, err := vp.Ioctl(ctx, fvm.OpShrink, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)

	// fail the sub-request that lands on vslice 3's physical slice
	dev.failAtBlock = fvmformat.SliceStart(testDiskSize, testSliceSize, 3) / testDevBlockSize

	assert.ErrorIs(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Write,
		Buf:      make([]byte, 3*testSliceSize),
		DevBlock: testK,
		Length:   3 * testK,
	}), injected)
}
