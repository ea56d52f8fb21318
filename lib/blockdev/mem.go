// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blockdev

import (
	"fmt"
	"sync"
)

// Mem is an in-memory Device, used by tests and by tooling that
// assembles images before writing them out.
type Mem struct {
	blockSize uint32

	mu   sync.RWMutex
	data []byte

	inflight sync.WaitGroup
}

var _ Device = (*Mem)(nil)

func NewMem(size uint64, blockSize uint32) *Mem {
	if blockSize == 0 || size%uint64(blockSize) != 0 {
		panic(fmt.Errorf("blockdev: size %d is not a multiple of the block size %d",
			size, blockSize))
	}
	return &Mem{
		blockSize: blockSize,
		data:      make([]byte, size),
	}
}

func (dev *Mem) BlockSize() uint32  { return dev.blockSize }
func (dev *Mem) BlockCount() uint64 { return uint64(len(dev.data)) / uint64(dev.blockSize) }

func (dev *Mem) ReadAt(p []byte, off int64) (int, error) {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	if off < 0 || off+int64(len(p)) > int64(len(dev.data)) {
		return 0, fmt.Errorf("blockdev: read [%d,%d) out of range of %d-byte device",
			off, off+int64(len(p)), len(dev.data))
	}
	return copy(p, dev.data[off:]), nil
}

func (dev *Mem) WriteAt(p []byte, off int64) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(dev.data)) {
		return 0, fmt.Errorf("blockdev: write [%d,%d) out of range of %d-byte device",
			off, off+int64(len(p)), len(dev.data))
	}
	return copy(dev.data[off:], p), nil
}

func (dev *Mem) Submit(req *Request) {
	dev.inflight.Add(1)
	go func() {
		defer dev.inflight.Done()
		req.Done(req, dev.perform(req))
	}()
}

func (dev *Mem) perform(req *Request) error {
	if err := checkRequest(dev, req); err != nil {
		return err
	}
	blockSize := uint64(dev.blockSize)
	buf := req.Buf[req.BufBlock*blockSize : (req.BufBlock+uint64(req.Length))*blockSize]
	off := int64(req.DevBlock * blockSize)
	switch req.Kind {
	case Read:
		_, err := dev.ReadAt(buf, off)
		return err
	case Write:
		_, err := dev.WriteAt(buf, off)
		return err
	case Flush:
		return nil
	default:
		return fmt.Errorf("blockdev: unsupported op %v", req.Kind)
	}
}

func (dev *Mem) Sync() error {
	dev.inflight.Wait()
	return nil
}

func (dev *Mem) Close() error {
	dev.inflight.Wait()
	return nil
}
