// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binfmt

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

var endType = reflect.TypeOf(End{})

type fieldPlan struct {
	idx  int
	name string
	skip bool
	off  int
	siz  int
}

type structPlan struct {
	name   string
	size   int
	fields []fieldPlan
}

var planCache sync.Map // reflect.Type → structPlan

func planFor(typ reflect.Type) structPlan {
	if plan, ok := planCache.Load(typ); ok {
		return plan.(structPlan)
	}
	plan, err := makePlan(typ)
	if err != nil {
		panic(err)
	}
	planCache.Store(typ, plan)
	return plan
}

func parseTag(str string) (skip bool, off, siz int, haveSiz bool, err error) {
	siz = -1
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case part == "-":
			skip = true
		case strings.HasPrefix(part, "off="):
			v, _err := strconv.ParseInt(strings.TrimPrefix(part, "off="), 0, 0)
			if _err != nil {
				return false, 0, 0, false, _err
			}
			off = int(v)
		case strings.HasPrefix(part, "siz="):
			v, _err := strconv.ParseInt(strings.TrimPrefix(part, "siz="), 0, 0)
			if _err != nil {
				return false, 0, 0, false, _err
			}
			siz = int(v)
			haveSiz = true
		default:
			return false, 0, 0, false, fmt.Errorf("unrecognized tag option %q", part)
		}
	}
	return skip, off, siz, haveSiz, nil
}

func makePlan(typ reflect.Type) (structPlan, error) {
	plan := structPlan{name: typ.String()}
	curOffset := 0
	endOffset := -1
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		skip, off, siz, haveSiz, err := parseTag(field.Tag.Get("bin"))
		if err != nil {
			return plan, fmt.Errorf("binfmt: struct %v field %q: %w",
				plan.name, field.Name, err)
		}
		if skip {
			plan.fields = append(plan.fields, fieldPlan{idx: i, name: field.Name, skip: true})
			continue
		}
		if off != curOffset {
			return plan, fmt.Errorf("binfmt: struct %v field %q: tag off=%#x but actual offset is %#x",
				plan.name, field.Name, off, curOffset)
		}
		if field.Type == endType {
			endOffset = curOffset
			continue
		}
		size := staticSizeOf(field.Type)
		if haveSiz && siz != size {
			return plan, fmt.Errorf("binfmt: struct %v field %q: tag siz=%#x but actual size is %#x",
				plan.name, field.Name, siz, size)
		}
		plan.fields = append(plan.fields, fieldPlan{
			idx:  i,
			name: field.Name,
			off:  off,
			siz:  size,
		})
		curOffset += size
	}
	plan.size = curOffset
	if endOffset >= 0 && endOffset != plan.size {
		return plan, fmt.Errorf("binfmt: struct %v: End tag says size %#x but actual size is %#x",
			plan.name, endOffset, plan.size)
	}
	return plan, nil
}

func staticSizeOf(typ reflect.Type) int {
	switch typ.Kind() {
	case reflect.Uint8, reflect.Int8:
		return 1
	case reflect.Uint16, reflect.Int16:
		return 2
	case reflect.Uint32, reflect.Int32:
		return 4
	case reflect.Uint64, reflect.Int64:
		return 8
	case reflect.Array:
		return typ.Len() * staticSizeOf(typ.Elem())
	case reflect.Struct:
		return planFor(typ).size
	default:
		panic(fmt.Errorf("binfmt: type %v does not have a static size", typ))
	}
}
