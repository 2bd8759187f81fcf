// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct

import (
	"reflect"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct/binint"
)

type (
	U8    = binint.U8
	U16be = binint.U16be
	U32be = binint.U32be
	U64be = binint.U64be
)

// Plain Go unsigned integers are encoded big-endian, as the channel
// subsystem wants them.
var intKind2Type = map[reflect.Kind]reflect.Type{
	reflect.Uint8:  reflect.TypeOf(U8(0)),
	reflect.Uint16: reflect.TypeOf(U16be(0)),
	reflect.Uint32: reflect.TypeOf(U32be(0)),
	reflect.Uint64: reflect.TypeOf(U64be(0)),
}
