// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binfmt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/fvm-progs-ng/lib/binfmt"
)

type testStruct struct {
	A uint64   `bin:"off=0x0,  siz=0x8"`
	B uint32   `bin:"off=0x8,  siz=0x4"`
	C [4]byte  `bin:"off=0xc,  siz=0x4"`
	D int16    `bin:"off=0x10, siz=0x2"`
	X string   `bin:"-"`
	binfmt.End `bin:"off=0x12"`
}

func TestStaticSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0x12, binfmt.StaticSize(testStruct{}))
	assert.Equal(t, 8, binfmt.StaticSize(uint64(0)))
	assert.Equal(t, 16, binfmt.StaticSize([16]byte{}))
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	in := testStruct{
		A: 0x54524150204d5646,
		B: 0xdeadbeef,
		C: [4]byte{1, 2, 3, 4},
		D: -2,
	}
	dat, err := binfmt.Marshal(in)
	require.NoError(t, err)
	require.Len(t, dat, binfmt.StaticSize(in))
	assert.Equal(t, []byte{0x46, 0x56, 0x4d, 0x20, 0x50, 0x41, 0x52, 0x54}, dat[:8])

	var out testStruct
	n, err := binfmt.Unmarshal(dat, &out)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	assert.Equal(t, in, out)
}

func TestUnmarshalShort(t *testing.T) {
	t.Parallel()
	var out testStruct
	_, err := binfmt.Unmarshal(make([]byte, 4), &out)
	assert.Error(t, err)
}

func TestBadTagPanics(t *testing.T) {
	t.Parallel()
	type bad struct {
		A uint32 `bin:"off=0x4, siz=0x4"`
	}
	assert.Panics(t, func() {
		_, _ = binfmt.Marshal(bad{})
	})
}
