// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jsonutil has helpers for rendering structures as JSON for
// humans, on top of "git.lukeshu.com/go/lowmemjson".
package jsonutil

import (
	"bufio"
	"encoding/hex"
	"io"

	"git.lukeshu.com/go/lowmemjson"
)

// Encode writes obj to w as tab-indented JSON with a trailing newline.
func Encode(w io.Writer, obj any) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	re := lowmemjson.NewReEncoder(buffer, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})
	if err := lowmemjson.NewEncoder(re).Encode(obj); err != nil {
		return err
	}
	return re.Close()
}

// Hex is a []byte that renders as a bare hex string.
type Hex []byte

func (h Hex) MarshalText() ([]byte, error) {
	ret := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(ret, h)
	return ret, nil
}

func (h *Hex) UnmarshalText(text []byte) error {
	*h = make(Hex, hex.DecodedLen(len(text)))
	_, err := hex.Decode(*h, text)
	return err
}
