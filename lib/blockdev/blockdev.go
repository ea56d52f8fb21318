// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blockdev defines the contract the volume manager consumes
// from its backing block device: synchronous byte-addressed I/O for
// metadata, and an asynchronous block-addressed request queue for the
// data path.
package blockdev

import (
	"fmt"
	"io"
)

type OpKind uint8

const (
	Read OpKind = iota + 1
	Write
	Flush
)

func (k OpKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Flush:
		return "flush"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Request is one queued block operation.  All offsets and lengths are
// in device blocks.  Done is invoked exactly once, on an arbitrary
// goroutine, when the operation completes.
type Request struct {
	Kind OpKind

	// Buf is the data buffer; the bytes touched are
	// [BufBlock*blockSize, (BufBlock+Length)*blockSize).
	Buf      []byte
	BufBlock uint64

	DevBlock uint64
	Length   uint32

	Done func(*Request, error)
}

type Device interface {
	io.ReaderAt
	io.WriterAt

	BlockSize() uint32
	BlockCount() uint64

	// Submit enqueues req.  It never blocks beyond enqueueing;
	// completion is reported through req.Done.
	Submit(req *Request)

	// Sync blocks until every previously submitted request has
	// completed and reached the device.
	Sync() error

	Close() error
}

func checkRequest(dev Device, req *Request) error {
	blockSize := uint64(dev.BlockSize())
	end := req.DevBlock + uint64(req.Length)
	if end < req.DevBlock || end > dev.BlockCount() {
		return fmt.Errorf("%v: blocks [%d,%d) out of range of device with %d blocks",
			req.Kind, req.DevBlock, end, dev.BlockCount())
	}
	bufEnd := (req.BufBlock + uint64(req.Length)) * blockSize
	if bufEnd > uint64(len(req.Buf)) {
		return fmt.Errorf("%v: buffer blocks [%d,%d) out of range of %d-byte buffer",
			req.Kind, req.BufBlock, req.BufBlock+uint64(req.Length), len(req.Buf))
	}
	return nil
}
