// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package binfmt is a minimal bit-exact binary codec for on-disk
// structures.  Every codable type has a static size; structs declare
// their layout with `bin:"off=0x…,siz=0x…"` tags, which are audited
// against the actual field sizes the first time a type is used.
package binfmt

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"reflect"
)

// End marks the end of a struct's binary layout.  Its tag records the
// total size of the struct:
//
//	type Header struct {
//		Magic uint64 `bin:"off=0x0, siz=0x8"`
//		binfmt.End `bin:"off=0x8"`
//	}
type End struct{}

type Marshaler = encoding.BinaryMarshaler

type Unmarshaler interface {
	UnmarshalBinary(dat []byte) (int, error)
}

// Marshal returns the binary encoding of obj.
func Marshal(obj any) ([]byte, error) {
	if mar, ok := obj.(Marshaler); ok {
		dat, err := mar.MarshalBinary()
		if err != nil {
			return dat, fmt.Errorf("%T.MarshalBinary: %w", obj, err)
		}
		return dat, nil
	}
	val := reflect.ValueOf(obj)
	dat := make([]byte, 0, staticSizeOf(val.Type()))
	return appendValue(dat, val)
}

// Unmarshal decodes dstPtr (which must be a pointer) from the front of
// dat, returning the number of bytes consumed.
func Unmarshal(dat []byte, dstPtr any) (int, error) {
	if unmar, ok := dstPtr.(Unmarshaler); ok {
		n, err := unmar.UnmarshalBinary(dat)
		if err != nil {
			return n, fmt.Errorf("%T.UnmarshalBinary: %w", dstPtr, err)
		}
		return n, nil
	}
	ptr := reflect.ValueOf(dstPtr)
	if ptr.Kind() != reflect.Pointer {
		panic(fmt.Errorf("binfmt.Unmarshal: expected a pointer, got %T", dstPtr))
	}
	return readValue(dat, ptr.Elem())
}

// StaticSize returns the encoded size of obj's type.
func StaticSize(obj any) int {
	return staticSizeOf(reflect.TypeOf(obj))
}

func appendValue(dat []byte, val reflect.Value) ([]byte, error) {
	switch val.Kind() {
	case reflect.Uint8:
		return append(dat, byte(val.Uint())), nil
	case reflect.Uint16:
		return binary.LittleEndian.AppendUint16(dat, uint16(val.Uint())), nil
	case reflect.Uint32:
		return binary.LittleEndian.AppendUint32(dat, uint32(val.Uint())), nil
	case reflect.Uint64:
		return binary.LittleEndian.AppendUint64(dat, val.Uint()), nil
	case reflect.Int8:
		return append(dat, byte(val.Int())), nil
	case reflect.Int16:
		return binary.LittleEndian.AppendUint16(dat, uint16(val.Int())), nil
	case reflect.Int32:
		return binary.LittleEndian.AppendUint32(dat, uint32(val.Int())), nil
	case reflect.Int64:
		return binary.LittleEndian.AppendUint64(dat, uint64(val.Int())), nil
	case reflect.Array:
		var err error
		for i := 0; i < val.Len() && err == nil; i++ {
			dat, err = appendValue(dat, val.Index(i))
		}
		return dat, err
	case reflect.Struct:
		plan := planFor(val.Type())
		var err error
		for _, field := range plan.fields {
			if field.skip {
				continue
			}
			dat, err = appendValue(dat, val.Field(field.idx))
			if err != nil {
				return dat, fmt.Errorf("struct %v field %q: %w",
					plan.name, field.name, err)
			}
		}
		return dat, nil
	default:
		panic(fmt.Errorf("binfmt: unsupported kind %v", val.Kind()))
	}
}

func readValue(dat []byte, dst reflect.Value) (int, error) {
	if unmar, ok := dst.Addr().Interface().(Unmarshaler); ok {
		return unmar.UnmarshalBinary(dat)
	}
	size := staticSizeOf(dst.Type())
	if len(dat) < size {
		return 0, fmt.Errorf("binfmt: %v: need %d bytes, have %d",
			dst.Type(), size, len(dat))
	}
	switch dst.Kind() {
	case reflect.Uint8:
		dst.SetUint(uint64(dat[0]))
	case reflect.Uint16:
		dst.SetUint(uint64(binary.LittleEndian.Uint16(dat)))
	case reflect.Uint32:
		dst.SetUint(uint64(binary.LittleEndian.Uint32(dat)))
	case reflect.Uint64:
		dst.SetUint(binary.LittleEndian.Uint64(dat))
	case reflect.Int8:
		dst.SetInt(int64(int8(dat[0])))
	case reflect.Int16:
		dst.SetInt(int64(int16(binary.LittleEndian.Uint16(dat))))
	case reflect.Int32:
		dst.SetInt(int64(int32(binary.LittleEndian.Uint32(dat))))
	case reflect.Int64:
		dst.SetInt(int64(binary.LittleEndian.Uint64(dat)))
	case reflect.Array:
		n := 0
		for i := 0; i < dst.Len(); i++ {
			_n, err := readValue(dat[n:], dst.Index(i))
			n += _n
			if err != nil {
				return n, err
			}
		}
	case reflect.Struct:
		plan := planFor(dst.Type())
		n := 0
		for _, field := range plan.fields {
			if field.skip {
				continue
			}
			_n, err := readValue(dat[n:], dst.Field(field.idx))
			n += _n
			if err != nil {
				return n, fmt.Errorf("struct %v field %q: %w",
					plan.name, field.name, err)
			}
		}
	default:
		panic(fmt.Errorf("binfmt: unsupported kind %v", dst.Kind()))
	}
	return size, nil
}
