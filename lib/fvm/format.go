// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvm

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/fvm-progs-ng/lib/blockdev"
	"git.lukeshu.com/fvm-progs-ng/lib/fvm/fvmformat"
)

// FormatDevice writes fresh, empty FVM metadata to both copies on dev.
// Anything previously on the device is forgotten.
func FormatDevice(ctx context.Context, dev blockdev.Device, sliceSize uint64) error {
	diskSize := dev.BlockCount() * uint64(dev.BlockSize())
	meta, err := fvmformat.Format(diskSize, sliceSize, dev.BlockSize())
	if err != nil {
		return err
	}
	buf, err := meta.Marshal()
	if err != nil {
		return err
	}
	for _, region := range []fvmformat.Copy{fvmformat.CopyPrimary, fvmformat.CopyBackup} {
		if _, err := dev.WriteAt(buf, int64(region.Offset(meta.Header.MetadataSize()))); err != nil {
			return fmt.Errorf("fvm format: writing %v copy: %w", region, err)
		}
	}
	if err := dev.Sync(); err != nil {
		return fmt.Errorf("fvm format: %w", err)
	}
	dlog.Infof(ctx, "fvm: formatted %d-byte device with %d slices of %d bytes",
		diskSize, meta.Header.PSliceCount, sliceSize)
	return nil
}
