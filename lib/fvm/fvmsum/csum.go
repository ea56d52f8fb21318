// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fvmsum implements the integrity digest stored in FVM
// metadata headers.
package fvmsum

import (
	"encoding"
	"encoding/hex"
	"fmt"

	"github.com/minio/sha256-simd"
)

// Size is the byte length of a metadata digest (SHA-256).
const Size = sha256.Size

type CSum [Size]byte

var (
	_ fmt.Stringer             = CSum{}
	_ encoding.TextMarshaler   = CSum{}
	_ encoding.TextUnmarshaler = (*CSum)(nil)
)

// Sum computes the digest of the given metadata region.  The caller is
// responsible for zeroing the header's hash field first.
func Sum(dat []byte) CSum {
	return sha256.Sum256(dat)
}

func (csum CSum) String() string {
	return hex.EncodeToString(csum[:])
}

func (csum CSum) MarshalText() ([]byte, error) {
	var ret [Size * 2]byte
	hex.Encode(ret[:], csum[:])
	return ret[:], nil
}

func (csum *CSum) UnmarshalText(text []byte) error {
	*csum = CSum{}
	if len(text) != Size*2 {
		return fmt.Errorf("csum: expected %d hex characters, got %d", Size*2, len(text))
	}
	_, err := hex.Decode(csum[:], text)
	return err
}
