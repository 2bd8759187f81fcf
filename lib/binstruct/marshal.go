// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"encoding"
	"fmt"
	"reflect"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct/binutil"
)

type Marshaler = encoding.BinaryMarshaler

func Marshal(obj any) ([]byte, error) {
	if mar, ok := obj.(Marshaler); ok {
		dat, err := mar.MarshalBinary()
		if err != nil {
			err = &MarshalError{
				Type:   reflect.TypeOf(obj),
				Method: "MarshalBinary",
				Err:    err,
			}
		}
		return dat, err
	}
	return MarshalWithoutInterface(obj)
}

func MarshalWithoutInterface(obj any) ([]byte, error) {
	val := reflect.ValueOf(obj)
	switch val.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		typ := intKind2Type[val.Kind()]
		return Marshal(val.Convert(typ).Interface())
	case reflect.Ptr:
		return Marshal(val.Elem().Interface())
	case reflect.Array:
		var ret []byte
		for i := 0; i < val.Len(); i++ {
			bs, err := Marshal(val.Index(i).Interface())
			ret = append(ret, bs...)
			if err != nil {
				return ret, err
			}
		}
		return ret, nil
	case reflect.Struct:
		return getStructHandler(val.Type()).Marshal(val)
	default:
		panic(&InvalidTypeError{
			Type: val.Type(),
			Err: fmt.Errorf("does not implement binstruct.Marshaler and kind=%v is not a supported statically-sized kind",
				val.Kind()),
		})
	}
}

// MarshalTo encodes obj into the front of dst, which must be at least
// StaticSize(obj) bytes long.  It returns the number of bytes
// written.
func MarshalTo(dst []byte, obj any) (int, error) {
	dat, err := Marshal(obj)
	if err != nil {
		return 0, err
	}
	if err := binutil.NeedNBytes(dst, len(dat)); err != nil {
		return 0, &MarshalError{
			Type:   reflect.TypeOf(obj),
			Method: "MarshalTo",
			Err:    err,
		}
	}
	return copy(dst, dat), nil
}
