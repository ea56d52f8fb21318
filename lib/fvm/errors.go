// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fvm

import (
	"errors"
)

// Sentinel error kinds for control and I/O operations; inspect with
// errors.Is.
var (
	ErrInvalidArgs    = errors.New("invalid arguments")
	ErrOutOfRange     = errors.New("out of range")
	ErrNoSpace        = errors.New("no space")
	ErrNoMemory       = errors.New("no memory")
	ErrNotFound       = errors.New("not found")
	ErrBadState       = errors.New("bad state")
	ErrNotSupported   = errors.New("not supported")
	ErrBufferTooSmall = errors.New("buffer too small")
)
