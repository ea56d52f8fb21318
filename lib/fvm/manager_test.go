// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvm_test

import (
	"context"
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

const (
	mib = 1024 * 1024

	testDiskSize     = 64 * mib
	testSliceSize    = 1 * mib
	testDevBlockSize = 512

	// blocks per slice for the geometry above
	testK = testSliceSize / testDevBlockSize
)

type testFramework struct {
	mu      sync.Mutex
	added   []*fvm.VPartition
	removed []*fvm.VPartition
}

var _ fvm.Framework = (*testFramework)(nil)

func (fw *testFramework) AddPartition(_ context.Context, vp *fvm.VPartition) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.added = append(fw.added, vp)
	return nil
}

func (fw *testFramework) RemovePartition(_ context.Context, vp *fvm.VPartition) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.removed = append(fw.removed, vp)
}

func (fw *testFramework) published() []*fvm.VPartition {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	live := make([]*fvm.VPartition, 0, len(fw.added))
	for _, vp := range fw.added {
		removed := false
		for _, gone := range fw.removed {
			if gone == vp {
				removed = true
			}
		}
		if !removed {
			live = append(live, vp)
		}
	}
	return live
}

func bind(t *testing.T, ctx context.Context, dev blockdev.Device) (*fvm.VolumeManager, *testFramework) {
	t.Helper()
	fw := new(testFramework)
	vpm, err := fvm.Bind(ctx, dev, fw)
	require.NoError(t, err)
	require.NoError(t, vpm.WaitLoad(ctx))
	t.Cleanup(func() { _ = vpm.Close() })
	return vpm, fw
}

func freshFVM(t *testing.T, ctx context.Context) (*blockdev.Mem, *fvm.VolumeManager, *testFramework) {
	t.Helper()
	dev := blockdev.NewMem(testDiskSize, testDevBlockSize)
	require.NoError(t, fvm.FormatDevice(ctx, dev, testSliceSize))
	vpm, fw := bind(t, ctx, dev)
	return dev, vpm, fw
}

func allocPartition(t *testing.T, ctx context.Context, vpm *fvm.VolumeManager, req fvm.AllocRequest) *fvm.VPartition {
	t.Helper()
	ret, err := vpm.Ioctl(ctx, fvm.OpAlloc, req)
	require.NoError(t, err)
	return ret.(*fvm.VPartition)
}

func vsliceQuery(t *testing.T, ctx context.Context, vp *fvm.VPartition, starts ...fvmformat.VSlice) []fvm.VSliceRange {
	t.Helper()
	ret, err := vp.Ioctl(ctx, fvm.OpVSliceQuery, starts)
	require.NoError(t, err)
	return ret.([]fvm.VSliceRange)
}

func queueWait(vp *fvm.VPartition, req *blockdev.Request) error {
	done := make(chan error, 1)
	req.Done = func(_ *blockdev.Request, err error) { done <- err }
	vp.Queue(req)
	return <-done
}

func TestFormatAndMount(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	_, vpm, fw := freshFVM(t, ctx)

	ret, err := vpm.Ioctl(ctx, fvm.OpQuery, nil)
	require.NoError(t, err)
	info := ret.(fvm.Info)
	assert.Equal(t, uint64(1048576), info.SliceSize)
	assert.Equal(t, uint64(fvmformat.VSliceMax), info.VSliceCount)
	assert.Empty(t, fw.published())
}

func TestAllocReadWriteDestroy(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	_, vpm, fw := freshFVM(t, ctx)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 3,
		Type:   fvmformat.GUID{1: 1},
		GUID:   fvmformat.GUID{2: 2},
		Name:   "p",
	})
	require.Len(t, fw.published(), 1)

	info, err := vp.BlockInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(3*1048576/512), info.BlockCount)

	name, err := vp.Name()
	require.NoError(t, err)
	assert.Equal(t, "p", name)

	// Write 2048 bytes at the start of the first mapped vslice and
	// read them back.
	in := make([]byte, 2048)
	for i := range in {
		in[i] = byte(i % 251)
	}
	require.NoError(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Write,
		Buf:      in,
		DevBlock: testK,
		Length:   4,
	}))
	out := make([]byte, 2048)
	require.NoError(t, queueWait(vp, &blockdev.Request{
		Kind:     blockdev.Read,
		Buf:      out,
		DevBlock: testK,
		Length:   4,
	}))
	assert.Equal(t, in, out)

	_, err = vp.Ioctl(ctx, fvm.OpDestroy, nil)
	require.NoError(t, err)
	assert.Empty(t, fw.published())

	_, err = vp.BlockInfo()
	assert.ErrorIs(t, err, fvm.ErrBadState)
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 1, Length: 1})
	assert.ErrorIs(t, err, fvm.ErrBadState)
}

func TestShrinkMidExtent(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	_, vpm, _ := freshFVM(t, ctx)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 4,
		GUID:   fvmformat.GUID{3: 3},
		Name:   "shrinkme",
	})

	_, err := vp.Ioctl(ctx, fvm.OpShrink, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)

	ranges := vsliceQuery(t, ctx, vp, 1, 2, 3)
	assert.Equal(t, fvm.VSliceRange{Count: 1, Allocated: true}, ranges[0])
	assert.Equal(t, fvm.VSliceRange{Count: 1, Allocated: false}, ranges[1])
	assert.Equal(t, fvm.VSliceRange{Count: 2, Allocated: true}, ranges[2])

	// shrinking an already-free range frees nothing
	_, err = vp.Ioctl(ctx, fvm.OpShrink, fvm.RangeRequest{Offset: 2, Length: 1})
	assert.ErrorIs(t, err, fvm.ErrInvalidArgs)
}

func TestRangeChecks(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	_, vpm, _ := freshFVM(t, ctx)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 1,
		GUID:   fvmformat.GUID{4: 4},
		Name:   "bounds",
	})

	_, err := vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 0, Length: 1})
	assert.ErrorIs(t, err, fvm.ErrOutOfRange)
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: fvmformat.VSliceMax, Length: 1})
	assert.ErrorIs(t, err, fvm.ErrOutOfRange)
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{
		Offset: fvmformat.VSliceMax - 1,
		Length: ^uint64(0) - uint64(fvmformat.VSliceMax) + 3,
	})
	assert.ErrorIs(t, err, fvm.ErrOutOfRange)

	// double allocation of the same vslice
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 1, Length: 1})
	assert.ErrorIs(t, err, fvm.ErrInvalidArgs)

	_, err = vpm.Ioctl(ctx, fvm.OpAlloc, fvm.AllocRequest{Slices: 0, Name: "empty"})
	assert.ErrorIs(t, err, fvm.ErrOutOfRange)
}

func TestNoSpace(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	_, vpm, _ := freshFVM(t, ctx)

	// 63 usable slices on this geometry
	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 63,
		GUID:   fvmformat.GUID{5: 5},
		Name:   "hog",
	})
	_, err := vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 64, Length: 1})
	assert.ErrorIs(t, err, fvm.ErrNoSpace)

	// failed extend must not leave a partial mapping behind
	ranges := vsliceQuery(t, ctx, vp, 64)
	assert.Equal(t, fvm.VSliceRange{Count: uint64(fvmformat.VSliceMax - 64), Allocated: false}, ranges[0])
}

type flakyDevice struct {
	*blockdev.Mem

	mu        sync.Mutex
	failWrite bool
}

func (dev *flakyDevice) setFailWrite(fail bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.failWrite = fail
}

func (dev *flakyDevice) WriteAt(p []byte, off int64) (int, error) {
	dev.mu.Lock()
	fail := dev.failWrite
	dev.mu.Unlock()
	if fail {
		return 0, errors.New("injected write failure")
	}
	return dev.Mem.WriteAt(p, off)
}

func TestCommitFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	dev := &flakyDevice{Mem: blockdev.NewMem(testDiskSize, testDevBlockSize)}
	require.NoError(t, fvm.FormatDevice(ctx, dev, testSliceSize))
	vpm, _ := bind(t, ctx, dev)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 1,
		GUID:   fvmformat.GUID{6: 6},
		Name:   "flaky",
	})

	dev.setFailWrite(true)
	_, err := vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 5, Length: 2})
	require.Error(t, err)

	// the in-memory state must match the still-valid on-disk copy
	ranges := vsliceQuery(t, ctx, vp, 1, 5, 6)
	assert.Equal(t, fvm.VSliceRange{Count: 1, Allocated: true}, ranges[0])
	assert.False(t, ranges[1].Allocated)
	assert.False(t, ranges[2].Allocated)

	dev.setFailWrite(false)
	_, err = vp.Ioctl(ctx, fvm.OpExtend, fvm.RangeRequest{Offset: 5, Length: 2})
	require.NoError(t, err)
	ranges = vsliceQuery(t, ctx, vp, 5)
	assert.Equal(t, fvm.VSliceRange{Count: 2, Allocated: true}, ranges[0])
}

func TestCrashRecovery(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	dev, vpm, _ := freshFVM(t, ctx)

	allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 2,
		GUID:   fvmformat.GUID{7: 7},
		Name:   "doomed",
	})
	require.NoError(t, vpm.Close())

	// Tear the copy the allocation was just committed to.  Format
	// wrote generation 0 to both regions; the first commit went to
	// the second region and made it primary.
	metadataSize := fvmformat.MetadataSize(testDiskSize, testSliceSize)
	_, err := dev.WriteAt(make([]byte, metadataSize), int64(metadataSize))
	require.NoError(t, err)

	_, fw2 := bind(t, ctx, dev)
	assert.Empty(t, fw2.published())
}

func TestUpgrade(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	dev, vpm, _ := freshFVM(t, ctx)

	typ := fvmformat.GUID{8: 8}
	guidA := fvmformat.GUID{9: 0xa}
	guidB := fvmformat.GUID{9: 0xb}

	allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 2, Type: typ, GUID: guidA, Name: "blobfs",
	})
	allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 2, Type: typ, GUID: guidB, Name: "blobfs",
		Flags: fvmformat.FlagInactive,
	})

	// upgrading to a partition that is not inactive fails
	_, err := vpm.Ioctl(ctx, fvm.OpUpgrade, fvm.UpgradeRequest{Old: guidB, New: guidA})
	assert.ErrorIs(t, err, fvm.ErrNotFound)

	_, err = vpm.Ioctl(ctx, fvm.OpUpgrade, fvm.UpgradeRequest{Old: guidA, New: guidB})
	require.NoError(t, err)
	require.NoError(t, vpm.Close())

	// After a reload, A is gone (its slices freed) and B is live.
	vpm2, fw2 := bind(t, ctx, dev)
	live := fw2.published()
	require.Len(t, live, 1)
	guid, err := live[0].GUID()
	require.NoError(t, err)
	assert.Equal(t, guidB, guid)

	ret, err := vpm2.Ioctl(ctx, fvm.OpQuery, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(testSliceSize), ret.(fvm.Info).SliceSize)
}

func TestReloadKeepsMappings(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	dev, vpm, _ := freshFVM(t, ctx)

	vp := allocPartition(t, ctx, vpm, fvm.AllocRequest{
		Slices: 3,
		GUID:   fvmformat.GUID{10: 1},
		Name:   "sticky",
	})
	_, err := vp.Ioctl(ctx, fvm.OpShrink, fvm.RangeRequest{Offset: 2, Length: 1})
	require.NoError(t, err)
	require.NoError(t, vpm.Close())

	_, fw2 := bind(t, ctx, dev)
	live := fw2.published()
	require.Len(t, live, 1)
	ranges := vsliceQuery(t, ctx, live[0], 1, 2, 3)
	assert.Equal(t, fvm.VSliceRange{Count: 1, Allocated: true}, ranges[0])
	assert.False(t, ranges[1].Allocated)
	assert.Equal(t, fvm.VSliceRange{Count: 1, Allocated: true}, ranges[2])

	info, err := live[0].BlockInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testK), info.BlockCount)
}
