// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdccw

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
)

// CacheAttrib is the per-device cache behavior that Define Extent
// asks the control unit for.
type CacheAttrib struct {
	Operation CacheOp `json:"operation"`
	// NrCyl is how many cylinders past the end of the request the
	// extent is stretched for the sequential modes.
	NrCyl uint16 `json:"nr_cyl"`
}

// ExtentParams is everything about a device that goes into an extent
// definition.
type ExtentParams struct {
	Char    eckdgeom.Characteristics
	UsesCDL bool
	Attrib  CacheAttrib
	// Clock may be nil, which is the same as a clock that always
	// returns ErrClockUnavailable.
	Clock Clock
}

// fillExtent fills in data for the tracks [trk, totrk] and command
// cmd.  It returns whether cmd writes and so needs an XRC time stamp.
func fillExtent(ctx context.Context, p ExtentParams, data *DefineExtentData, trk, totrk uint32, cmd Cmd) (wantXRC bool) {
	*data = DefineExtentData{}
	switch cmd {
	case CmdReadHomeAddr, CmdReadRecordZero,
		CmdRead, CmdReadMT,
		CmdReadCKD, CmdReadCKDMT,
		CmdReadKD, CmdReadKDMT,
		CmdReadCount:
		data.Mask.SetPerm(PermRead)
		data.Attributes.SetOperation(p.Attrib.Operation)
	case CmdWrite, CmdWriteMT,
		CmdWriteKD, CmdWriteKDMT:
		data.Mask.SetPerm(PermWrite)
		data.Attributes.SetOperation(p.Attrib.Operation)
		wantXRC = true
	case CmdWriteCKD, CmdWriteCKDMT:
		data.Attributes.SetOperation(CacheBypass)
		wantXRC = true
	case CmdErase, CmdWriteHomeAddr, CmdWriteRecordZero:
		data.Mask.SetPerm(PermReadWrite)
		data.Mask.SetAuth(0x1)
		data.Attributes.SetOperation(CacheBypass)
		wantXRC = true
	default:
		dlog.Errorf(ctx, "unknown opcode %v", cmd)
		data.Mask.SetPerm(PermRead)
	}

	data.Attributes.SetMode(ModeECKD)

	if p.Char.CUType.RegularDataFormat() && !(p.UsesCDL && trk < 2) {
		data.GAExtended |= GARegularDataFormat
	}

	geom := p.Char.Geometry()
	beg := geom.TrackAddr(trk)
	end := geom.TrackAddr(totrk)

	if data.Attributes.Operation().extendsExtent() {
		if end.Cyl+uint32(p.Attrib.NrCyl) < geom.Cylinders {
			end.Cyl += uint32(p.Attrib.NrCyl)
		} else {
			end.Cyl = geom.Cylinders - 1
		}
	}

	data.BegExt = CH{Cyl: uint16(beg.Cyl), Head: uint16(beg.Head)}
	data.EndExt = CH{Cyl: uint16(end.Cyl), Head: uint16(end.Head)}

	return wantXRC && p.Char.XRCSupported
}

// stampXRC switches on the system time stamp that XRC needs.
func stampXRC(p ExtentParams, data *DefineExtentData) error {
	data.GAExtended |= GATimeStampValid | GAExtendedParameter
	if p.Clock == nil {
		return nil
	}
	tod, err := p.Clock.SyncValue()
	if errors.Is(err, ErrClockUnavailable) {
		return nil
	}
	data.EPSysTime = tod
	return err
}

// DefineExtent builds a Define Extent CCW limiting the program to
// tracks [trk, totrk] and to what cmd needs.
//
// If the control unit does XRC and cmd writes, the extent carries a
// synchronized time stamp.  If the clock is not yet synchronized,
// the returned error is ErrClockNotSynced (and the Op is still
// returned, without a usable time stamp); the caller should try again
// later.
func DefineExtent(ctx context.Context, p ExtentParams, trk, totrk uint32, cmd Cmd) (Op, error) {
	data := new(DefineExtentData)
	op := Op{
		Cmd:   CmdDefineExtent,
		Count: defineExtentShortSize,
		Data:  data,
	}
	var err error
	if fillExtent(ctx, p, data, trk, totrk, cmd) {
		err = stampXRC(p, data)
		op.Count = defineExtentLongSize
		op.Flags |= FlagSLI
	}
	return op, err
}

// UnitType is what kind of unit address a program is started on.
type UnitType uint8

const (
	UnitBase UnitType = iota
	UnitPAVAlias
	UnitHyperPAVAlias
)

func (t UnitType) String() string {
	switch t {
	case UnitBase:
		return "base"
	case UnitPAVAlias:
		return "alias"
	case UnitHyperPAVAlias:
		return "hyperpav-alias"
	default:
		return "unknown"
	}
}

func (t UnitType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *UnitType) UnmarshalText(text []byte) error {
	for _, cand := range []UnitType{UnitBase, UnitPAVAlias, UnitHyperPAVAlias} {
		if cand.String() == string(text) {
			*t = cand
			return nil
		}
	}
	return fmt.Errorf("unknown unit type %q", text)
}

// PrefixParams identifies the base device and the device that a
// Prefix is started on.
type PrefixParams struct {
	ExtentParams
	BaseUnitAddr uint8
	BaseLSS      uint8
	StartType    UnitType
}

// Prefix builds a Prefix CCW, which carries the same extent as
// DefineExtent along with the identity of the base device.  The error
// semantics are the same as for DefineExtent.
func Prefix(ctx context.Context, p PrefixParams, trk, totrk uint32, cmd Cmd) (Op, error) {
	data := &PrefixData{
		Format:      0,
		BaseAddress: p.BaseUnitAddr,
		BaseLSS:     p.BaseLSS,
		Validity:    ValidDefineExtent,
	}
	if p.StartType != UnitBase {
		data.Validity |= ValidVerifyBase
		if p.StartType == UnitHyperPAVAlias {
			data.Validity |= ValidHyperPAV
		}
	}
	var err error
	if fillExtent(ctx, p.ExtentParams, &data.DefineExtent, trk, totrk, cmd) {
		data.Validity |= ValidTimeStamp
		err = stampXRC(p.ExtentParams, &data.DefineExtent)
	}
	return Op{
		Cmd:   CmdPrefix,
		Count: uint16(binstruct.StaticSize(*data)),
		Data:  data,
	}, err
}

// LocateRecord builds a Locate Record CCW for noRec records of
// length reclen, starting at record recOnTrk of track trk.
func LocateRecord(ctx context.Context, geom eckdgeom.Geometry, trk, recOnTrk, noRec uint32, cmd Cmd, reclen uint32) Op {
	dlog.Tracef(ctx, "locate: trk=%d rec=%d no_rec=%d cmd=%v reclen=%d",
		trk, recOnTrk, noRec, cmd, reclen)

	data := &LocateRecordData{
		Sector: eckdgeom.LocateSector(geom.DevType, recOnTrk, reclen),
		Count:  uint8(noRec),
	}
	switch cmd {
	case CmdWriteHomeAddr:
		data.Operation = makeLocateOperation(0x3, 0x03)
	case CmdReadHomeAddr:
		data.Operation = makeLocateOperation(0x3, 0x16)
	case CmdWriteRecordZero:
		data.Operation = makeLocateOperation(0x1, 0x03)
		data.Count++
	case CmdReadRecordZero:
		data.Operation = makeLocateOperation(0x3, 0x16)
		data.Count++
	case CmdWrite, CmdWriteMT, CmdWriteKD, CmdWriteKDMT:
		data.Auxiliary |= LocateLastBytesUsed
		data.Length = uint16(reclen)
		data.Operation = makeLocateOperation(0, 0x01)
	case CmdWriteCKD, CmdWriteCKDMT:
		data.Auxiliary |= LocateLastBytesUsed
		data.Length = uint16(reclen)
		data.Operation = makeLocateOperation(0, 0x03)
	case CmdRead, CmdReadMT, CmdReadKD, CmdReadKDMT:
		data.Auxiliary |= LocateLastBytesUsed
		data.Length = uint16(reclen)
		data.Operation = makeLocateOperation(0, 0x06)
	case CmdReadCKD, CmdReadCKDMT:
		data.Auxiliary |= LocateLastBytesUsed
		data.Length = uint16(reclen)
		data.Operation = makeLocateOperation(0, 0x16)
	case CmdReadCount:
		data.Operation = makeLocateOperation(0, 0x06)
	case CmdErase:
		data.Length = uint16(reclen)
		data.Auxiliary |= LocateLastBytesUsed
		data.Operation = makeLocateOperation(0, 0x0b)
	default:
		dlog.Errorf(ctx, "unknown opcode %v", cmd)
	}
	addr := geom.TrackAddr(trk)
	data.SeekAddr = CH{Cyl: uint16(addr.Cyl), Head: uint16(addr.Head)}
	data.SearchArg = CHR{Cyl: uint16(addr.Cyl), Head: uint16(addr.Head), Record: uint8(recOnTrk)}
	return Op{
		Cmd:   CmdLocateRecord,
		Count: uint16(binstruct.StaticSize(*data)),
		Data:  data,
	}
}
