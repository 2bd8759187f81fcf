// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eckdgeom implements the track geometry of ECKD
// (count-key-data) direct-access storage: how many records of a given
// size fit on a track, how linear track numbers map onto
// cylinder/head pairs, and which records of a compatible-disk-layout
// volume have special lengths.
package eckdgeom

import (
	"encoding"
	"fmt"
	"strconv"
)

var (
	_ encoding.TextMarshaler   = DevType(0)
	_ encoding.TextUnmarshaler = (*DevType)(nil)
	_ encoding.TextMarshaler   = CUType(0)
	_ encoding.TextUnmarshaler = (*CUType)(nil)
)

// parseTypeNumber parses the hex spelling used for control-unit and
// device types ("3390").
func parseTypeNumber(kind string, text []byte) (uint16, error) {
	n, err := strconv.ParseUint(string(text), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s type %q: %w", kind, text, err)
	}
	return uint16(n), nil
}

// DevType is the device type reported by Read Device Characteristics.
type DevType uint16

const (
	DevType3380 = DevType(0x3380)
	DevType3390 = DevType(0x3390)
	DevType9345 = DevType(0x9345)
)

func (t DevType) String() string {
	return fmt.Sprintf("%04X", uint16(t))
}

func (t DevType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DevType) UnmarshalText(text []byte) error {
	n, err := parseTypeNumber("device", text)
	*t = DevType(n)
	return err
}

// Known reports whether there is a capacity formula for the device
// type.
func (t DevType) Known() bool {
	switch t {
	case DevType3380, DevType3390, DevType9345:
		return true
	default:
		return false
	}
}

// CUType is the storage control unit type.
type CUType uint16

const (
	CUType3990 = CUType(0x3990)
	CUType2105 = CUType(0x2105)
	CUType3880 = CUType(0x3880)
	CUType9343 = CUType(0x9343)
	CUType2107 = CUType(0x2107)
	CUType1750 = CUType(0x1750)
)

func (t CUType) String() string {
	return fmt.Sprintf("%04X", uint16(t))
}

func (t CUType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *CUType) UnmarshalText(text []byte) error {
	n, err := parseTypeNumber("control unit", text)
	*t = CUType(n)
	return err
}

// RegularDataFormat reports whether the control unit understands the
// "regular data format" global attribute in Define Extent.
func (t CUType) RegularDataFormat() bool {
	switch t {
	case CUType2105, CUType2107, CUType1750:
		return true
	default:
		return false
	}
}

// SupportedDevice is one control-unit/device pairing that the ECKD
// discipline drives.
type SupportedDevice struct {
	CU  CUType
	Dev DevType
}

// SupportedDevices is the table of control-unit/device pairings that
// are driven with the ECKD discipline.
var SupportedDevices = []SupportedDevice{
	{CUType3990, DevType3390},
	{CUType2105, DevType3390},
	{CUType3880, DevType3390},
	{CUType3990, DevType3380},
	{CUType2105, DevType3380},
	{CUType9343, DevType9345},
	{CUType2107, DevType3390},
	{CUType2107, DevType3380},
	{CUType1750, DevType3390},
	{CUType1750, DevType3380},
}

// Supported reports whether the pairing appears in SupportedDevices.
func Supported(cu CUType, dev DevType) bool {
	for _, d := range SupportedDevices {
		if d.CU == cu && d.Dev == dev {
			return true
		}
	}
	return false
}

// Characteristics is the subset of the Read Device Characteristics
// data that the I/O path consumes.  It is static for the life of a
// device.
type Characteristics struct {
	CUType   CUType  `json:"cu_type"`
	CUModel  uint8   `json:"cu_model"`
	DevType  DevType `json:"dev_type"`
	DevModel uint8   `json:"dev_model"`

	Cylinders       uint32 `json:"cylinders"`
	TracksPerCyl    uint32 `json:"tracks_per_cyl"`
	SectorsPerTrack uint32 `json:"sectors_per_track"`

	// XRCSupported is the control unit's "extended remote copy"
	// facility; writes then need a synchronized timestamp.
	XRCSupported bool `json:"xrc_supported"`
}

func (c Characteristics) Geometry() Geometry {
	return Geometry{
		DevType:      c.DevType,
		Cylinders:    c.Cylinders,
		TracksPerCyl: c.TracksPerCyl,
	}
}

func (c Characteristics) String() string {
	return fmt.Sprintf("%v/%02X(CU:%v/%02X) Cyl:%d Head:%d Sec:%d",
		c.DevType, c.DevModel, c.CUType, c.CUModel,
		c.Cylinders, c.TracksPerCyl, c.SectorsPerTrack)
}

// Model3390 returns the characteristics of a 3390 behind a 3990
// control unit with the given number of cylinders (3339 for a
// model 3, 10017 for a model 9).
func Model3390(cyls uint32) Characteristics {
	return Characteristics{
		CUType:          CUType3990,
		CUModel:         0xe9,
		DevType:         DevType3390,
		DevModel:        0x0c,
		Cylinders:       cyls,
		TracksPerCyl:    15,
		SectorsPerTrack: 224,
	}
}

// Model3380 returns the characteristics of a 3380 behind a 3990
// control unit.
func Model3380(cyls uint32) Characteristics {
	return Characteristics{
		CUType:          CUType3990,
		CUModel:         0xe9,
		DevType:         DevType3380,
		DevModel:        0x1e,
		Cylinders:       cyls,
		TracksPerCyl:    15,
		SectorsPerTrack: 222,
	}
}
