// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blockdev

import (
	"fmt"
	"os"
	"sync"
)

// File is a Device backed by an *os.File (an image file or a raw
// device node).
type File struct {
	fh         *os.File
	blockSize  uint32
	blockCount uint64

	inflight sync.WaitGroup
}

var _ Device = (*File)(nil)

func OpenFile(path string, flag int, blockSize uint32) (*File, error) {
	if blockSize == 0 {
		return nil, fmt.Errorf("blockdev: zero block size")
	}
	fh, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	fi, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	if fi.Size() < 0 || uint64(fi.Size())%uint64(blockSize) != 0 {
		_ = fh.Close()
		return nil, fmt.Errorf("blockdev: %q: size %d is not a multiple of the block size %d",
			path, fi.Size(), blockSize)
	}
	return &File{
		fh:         fh,
		blockSize:  blockSize,
		blockCount: uint64(fi.Size()) / uint64(blockSize),
	}, nil
}

func (dev *File) Name() string       { return dev.fh.Name() }
func (dev *File) BlockSize() uint32  { return dev.blockSize }
func (dev *File) BlockCount() uint64 { return dev.blockCount }

func (dev *File) ReadAt(p []byte, off int64) (int, error) {
	return dev.fh.ReadAt(p, off)
}

func (dev *File) WriteAt(p []byte, off int64) (int, error) {
	return dev.fh.WriteAt(p, off)
}

func (dev *File) Submit(req *Request) {
	dev.inflight.Add(1)
	go func() {
		defer dev.inflight.Done()
		req.Done(req, dev.perform(req))
	}()
}

func (dev *File) perform(req *Request) error {
	if err := checkRequest(dev, req); err != nil {
		return err
	}
	blockSize := uint64(dev.blockSize)
	buf := req.Buf[req.BufBlock*blockSize : (req.BufBlock+uint64(req.Length))*blockSize]
	off := int64(req.DevBlock * blockSize)
	switch req.Kind {
	case Read:
		_, err := dev.fh.ReadAt(buf, off)
		return err
	case Write:
		_, err := dev.fh.WriteAt(buf, off)
		return err
	case Flush:
		return dev.fh.Sync()
	default:
		return fmt.Errorf("blockdev: unsupported op %v", req.Kind)
	}
}

func (dev *File) Sync() error {
	dev.inflight.Wait()
	return dev.fh.Sync()
}

func (dev *File) Close() error {
	dev.inflight.Wait()
	return dev.fh.Close()
}
