// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct/binutil"
)

// End marks the end of a struct's wire layout; its `bin:"off=…"` tag
// is the total size of the structure.
type End struct{}

var endType = reflect.TypeOf(End{})

// A field tag is a comma-separated list of options:
//
//	off=N  the field's byte offset (required)
//	siz=N  the field's size in bytes (required except on End)
//	rsv    the field is reserved: it is written as zeros and its
//	       contents are not read back
//	-      the field is not part of the wire layout
type tag struct {
	skip bool
	rsv  bool

	off int
	siz int
}

func parseStructTag(str string) (tag, error) {
	var ret tag
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch part {
		case "-":
			return tag{skip: true}, nil
		case "rsv":
			ret.rsv = true
			continue
		}
		keyval := strings.SplitN(part, "=", 2)
		if len(keyval) != 2 {
			return tag{}, fmt.Errorf("option is not a key=value pair: %q", part)
		}
		key := keyval[0]
		val := keyval[1]
		switch key {
		case "off":
			vint, err := strconv.ParseInt(val, 0, 0)
			if err != nil {
				return tag{}, err
			}
			ret.off = int(vint)
		case "siz":
			vint, err := strconv.ParseInt(val, 0, 0)
			if err != nil {
				return tag{}, err
			}
			ret.siz = int(vint)
		default:
			return tag{}, fmt.Errorf("unrecognized option %q", key)
		}
	}
	return ret, nil
}

type structHandler struct {
	name   string
	Size   int
	fields []structField
}

type structField struct {
	name string
	tag
}

func (sh structHandler) fieldErr(i int, err error) error {
	return fmt.Errorf("struct %q field %v %q: %w", sh.name, i, sh.fields[i].name, err)
}

func (sh structHandler) Unmarshal(dat []byte, dst reflect.Value) (int, error) {
	if err := binutil.NeedNBytes(dat, sh.Size); err != nil {
		return 0, fmt.Errorf("struct %q %w", sh.name, err)
	}
	var n int
	for i, field := range sh.fields {
		switch {
		case field.skip:
			continue
		case field.rsv:
			dst.Field(i).Set(reflect.Zero(dst.Field(i).Type()))
			n += field.siz
			continue
		}
		_n, err := Unmarshal(dat[n:], dst.Field(i).Addr().Interface())
		if err != nil {
			if _n >= 0 {
				n += _n
			}
			return n, sh.fieldErr(i, err)
		}
		if _n != field.siz {
			return n, sh.fieldErr(i, fmt.Errorf("consumed %v bytes but should have consumed %v bytes",
				_n, field.siz))
		}
		n += _n
	}
	return n, nil
}

func (sh structHandler) Marshal(val reflect.Value) ([]byte, error) {
	ret := make([]byte, 0, sh.Size)
	for i, field := range sh.fields {
		switch {
		case field.skip:
			continue
		case field.rsv:
			ret = append(ret, make([]byte, field.siz)...)
			continue
		}
		bs, err := Marshal(val.Field(i).Interface())
		ret = append(ret, bs...)
		if err != nil {
			return ret, sh.fieldErr(i, err)
		}
	}
	return ret, nil
}

func genStructHandler(structInfo reflect.Type) (structHandler, error) {
	ret := structHandler{
		name:   structInfo.String(),
		fields: make([]structField, 0, structInfo.NumField()),
	}

	var curOffset, endOffset int
	for i := 0; i < structInfo.NumField(); i++ {
		fieldInfo := structInfo.Field(i)
		ret.fields = append(ret.fields, structField{name: fieldInfo.Name})

		if fieldInfo.Anonymous && fieldInfo.Type != endType {
			return ret, ret.fieldErr(i, errors.New("binstruct does not support embedded fields"))
		}
		fieldTag, err := parseStructTag(fieldInfo.Tag.Get("bin"))
		if err != nil {
			return ret, ret.fieldErr(i, err)
		}
		ret.fields[i].tag = fieldTag
		if fieldTag.skip {
			continue
		}

		if fieldTag.off != curOffset {
			return ret, ret.fieldErr(i, fmt.Errorf("tag says off=%#x but curOffset=%#x", fieldTag.off, curOffset))
		}
		if fieldInfo.Type == endType {
			endOffset = curOffset
			if fieldTag.rsv {
				return ret, ret.fieldErr(i, errors.New("the end marker cannot be reserved"))
			}
		}
		fieldSize, err := staticSize(fieldInfo.Type)
		if err != nil {
			return ret, ret.fieldErr(i, err)
		}
		if fieldTag.siz != fieldSize {
			return ret, ret.fieldErr(i, fmt.Errorf("tag says siz=%#x but StaticSize(typ)=%#x", fieldTag.siz, fieldSize))
		}
		curOffset += fieldTag.siz
	}
	ret.Size = curOffset

	if ret.Size != endOffset {
		return ret, fmt.Errorf("struct %q: .Size=%v but endOffset=%v",
			ret.name, ret.Size, endOffset)
	}

	return ret, nil
}

// Channel programs are packed from many goroutines at once, so the
// handler cache must be safe for concurrent use.
var (
	structCacheMu sync.RWMutex
	structCache   = make(map[reflect.Type]structHandler)
)

func getStructHandler(typ reflect.Type) structHandler {
	structCacheMu.RLock()
	h, ok := structCache[typ]
	structCacheMu.RUnlock()
	if ok {
		return h
	}

	h, err := genStructHandler(typ)
	if err != nil {
		panic(&InvalidTypeError{
			Type: typ,
			Err:  err,
		})
	}
	structCacheMu.Lock()
	structCache[typ] = h
	structCacheMu.Unlock()
	return h
}
