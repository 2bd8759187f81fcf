// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdccw

import (
	"fmt"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct"
	"git.lukeshu.com/eckd-progs-ng/lib/fmtutil"
)

// CH is a cylinder/head pair as it appears on the wire.
type CH struct {
	Cyl           uint16 `bin:"off=0x0, siz=0x2"`
	Head          uint16 `bin:"off=0x2, siz=0x2"`
	binstruct.End `bin:"off=0x4"`
}

func (a CH) String() string { return fmt.Sprintf("%d/%d", a.Cyl, a.Head) }

// CHR is a cylinder/head/record triple as it appears on the wire.
type CHR struct {
	Cyl           uint16 `bin:"off=0x0, siz=0x2"`
	Head          uint16 `bin:"off=0x2, siz=0x2"`
	Record        uint8  `bin:"off=0x4, siz=0x1"`
	binstruct.End `bin:"off=0x5"`
}

func (a CHR) String() string { return fmt.Sprintf("%d/%d/%d", a.Cyl, a.Head, a.Record) }

// Perm is the write-permission part of a Define Extent mask.
type Perm uint8

const (
	PermRead      = Perm(0x1)
	PermWrite     = Perm(0x2)
	PermReadWrite = Perm(0x3)
)

// ExtentMask is the mask byte of a Define Extent: perm:2, reserved:1,
// seek:2, auth:2, pci:1, most significant bit first.
type ExtentMask uint8

func (m ExtentMask) Perm() Perm  { return Perm(m >> 6) }
func (m ExtentMask) Auth() uint8 { return uint8(m>>1) & 0x3 }

func (m *ExtentMask) SetPerm(p Perm)  { *m = (*m &^ 0xc0) | ExtentMask(p&0x3)<<6 }
func (m *ExtentMask) SetAuth(a uint8) { *m = (*m &^ 0x06) | ExtentMask(a&0x3)<<1 }

// CacheOp is the cache operation mode of a Define Extent.
type CacheOp uint8

const (
	CacheNormal CacheOp = iota
	CacheBypass
	CacheInhibitLoad
	CacheSeqAccess
	CacheSeqPrestage
	CacheRecAccess
)

var cacheOpNames = []string{
	"normal",
	"bypass",
	"inhibit-load",
	"seq-access",
	"seq-prestage",
	"rec-access",
}

func (op CacheOp) String() string {
	if int(op) < len(cacheOpNames) {
		return cacheOpNames[op]
	}
	return fmt.Sprintf("CacheOp(%d)", uint8(op))
}

// ParseCacheOp is the inverse of CacheOp.String.
func ParseCacheOp(str string) (CacheOp, error) {
	for i, name := range cacheOpNames {
		if name == str {
			return CacheOp(i), nil
		}
	}
	return 0, fmt.Errorf("unknown cache operation %q", str)
}

func (op CacheOp) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

func (op *CacheOp) UnmarshalText(text []byte) error {
	var err error
	*op, err = ParseCacheOp(string(text))
	return err
}

// Extended prestage is only meaningful for the sequential modes.
func (op CacheOp) extendsExtent() bool {
	return op == CacheSeqPrestage || op == CacheSeqAccess
}

// ModeECKD is the architecture mode of every Define Extent built by
// this package.
const ModeECKD = 0x3

// ExtentAttributes is the attributes byte of a Define Extent:
// mode:2, ckd:1, operation:3, cfw:1, dfw:1.
type ExtentAttributes uint8

func (a ExtentAttributes) Mode() uint8        { return uint8(a >> 6) }
func (a ExtentAttributes) Operation() CacheOp { return CacheOp(a>>2) & 0x7 }

func (a *ExtentAttributes) SetMode(mode uint8) { *a = (*a &^ 0xc0) | ExtentAttributes(mode&0x3)<<6 }
func (a *ExtentAttributes) SetOperation(op CacheOp) {
	*a = (*a &^ 0x1c) | ExtentAttributes(op&0x7)<<2
}

// GlobalAttrs is the extended global attributes byte of a Define
// Extent.
type GlobalAttrs uint8

const (
	GAExtendedParameter = GlobalAttrs(0x02)
	GATimeStampValid    = GlobalAttrs(0x08)
	GARegularDataFormat = GlobalAttrs(0x40)
)

var globalAttrNames = []string{
	"",
	"EXTENDED_PARAMETER",
	"",
	"TIME_STAMP_VALID",
	"",
	"",
	"REGULAR_DATA_FORMAT",
}

func (f GlobalAttrs) String() string {
	return fmtutil.BitfieldString(f, globalAttrNames, fmtutil.HexLower)
}

// DefineExtentData is the parameter block of a Define Extent command.
// Only the first 16 bytes are transferred unless the extended
// parameter (the XRC time stamp) is in use.
type DefineExtentData struct {
	Mask          ExtentMask       `bin:"off=0x0, siz=0x1"`
	Attributes    ExtentAttributes `bin:"off=0x1, siz=0x1"`
	BlkSize       uint16           `bin:"off=0x2, siz=0x2"`
	FastWriteID   uint16           `bin:"off=0x4, siz=0x2"`
	GAAdditional  uint8            `bin:"off=0x6, siz=0x1"`
	GAExtended    GlobalAttrs      `bin:"off=0x7, siz=0x1"`
	BegExt        CH               `bin:"off=0x8, siz=0x4"`
	EndExt        CH               `bin:"off=0xc, siz=0x4"`
	EPSysTime     uint64           `bin:"off=0x10, siz=0x8"`
	EPFormat      uint8            `bin:"off=0x18, siz=0x1"`
	EPPrio        uint8            `bin:"off=0x19, siz=0x1"`
	EPReserved    [6]uint8         `bin:"off=0x1a, siz=0x6, rsv"`
	binstruct.End `bin:"off=0x20"`
}

const (
	defineExtentShortSize = 0x10
	defineExtentLongSize  = 0x20
)

// LocateOperation is the operation byte of a Locate Record:
// orientation:2, operation:6.
type LocateOperation uint8

func (o LocateOperation) Orientation() uint8 { return uint8(o >> 6) }
func (o LocateOperation) Code() uint8        { return uint8(o & 0x3f) }

func makeLocateOperation(orientation, code uint8) LocateOperation {
	return LocateOperation(orientation&0x3)<<6 | LocateOperation(code&0x3f)
}

// LocateAux is the auxiliary byte of a Locate Record.
type LocateAux uint8

const (
	LocateReadCountSuffix = LocateAux(0x01)
	LocateLastBytesUsed   = LocateAux(0x80)
)

// LocateRecordData is the parameter block of a Locate Record command.
type LocateRecordData struct {
	Operation     LocateOperation `bin:"off=0x0, siz=0x1"`
	Auxiliary     LocateAux       `bin:"off=0x1, siz=0x1"`
	Unused        uint8           `bin:"off=0x2, siz=0x1, rsv"`
	Count         uint8           `bin:"off=0x3, siz=0x1"`
	SeekAddr      CH              `bin:"off=0x4, siz=0x4"`
	SearchArg     CHR             `bin:"off=0x8, siz=0x5"`
	Sector        uint8           `bin:"off=0xd, siz=0x1"`
	Length        uint16          `bin:"off=0xe, siz=0x2"`
	binstruct.End `bin:"off=0x10"`
}

// PrefixValidity is the validity byte of a Prefix.
type PrefixValidity uint8

const (
	ValidHyperPAV     = PrefixValidity(0x10)
	ValidVerifyBase   = PrefixValidity(0x20)
	ValidTimeStamp    = PrefixValidity(0x40)
	ValidDefineExtent = PrefixValidity(0x80)
)

// PrefixData is the parameter block of a Prefix command: a Define
// Extent and (optionally) a Locate Record, addressed through a base
// unit so that an alias may carry them.
type PrefixData struct {
	Format        uint8            `bin:"off=0x0, siz=0x1"`
	Validity      PrefixValidity   `bin:"off=0x1, siz=0x1"`
	BaseAddress   uint8            `bin:"off=0x2, siz=0x1"`
	Aux           uint8            `bin:"off=0x3, siz=0x1"`
	BaseLSS       uint8            `bin:"off=0x4, siz=0x1"`
	Reserved      [7]uint8         `bin:"off=0x5, siz=0x7, rsv"`
	DefineExtent  DefineExtentData `bin:"off=0xc, siz=0x20"`
	LocateRecord  LocateRecordData `bin:"off=0x2c, siz=0x10"`
	LocateExt     [4]uint8         `bin:"off=0x3c, siz=0x4"`
	binstruct.End `bin:"off=0x40"`
}

// ResetToBase clears the alias validity bits, so that the program can
// be restarted on the base device.
func (p *PrefixData) ResetToBase() {
	p.Validity &^= ValidVerifyBase | ValidHyperPAV
}

// CountField is the count area of a record: its address, key length,
// and data length.
type CountField struct {
	Cyl           uint16 `bin:"off=0x0, siz=0x2"`
	Head          uint16 `bin:"off=0x2, siz=0x2"`
	Record        uint8  `bin:"off=0x4, siz=0x1"`
	KL            uint8  `bin:"off=0x5, siz=0x1"`
	DL            uint16 `bin:"off=0x6, siz=0x2"`
	binstruct.End `bin:"off=0x8"`
}

// CountFieldSize is the size of a packed CountField.
const CountFieldSize = 8

func (c CountField) String() string {
	return fmt.Sprintf("%d/%d/%d kl=%d dl=%d", c.Cyl, c.Head, c.Record, c.KL, c.DL)
}
