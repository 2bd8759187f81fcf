// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eckdccw builds the channel command words (CCWs) and
// parameter blocks that make up an ECKD channel program, and packs a
// program into the exact byte layout that the channel subsystem
// fetches.
package eckdccw

import (
	"fmt"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct"
	"git.lukeshu.com/eckd-progs-ng/lib/fmtutil"
)

// Cmd is a CCW command code.
type Cmd uint8

const (
	CmdWrite           = Cmd(0x05)
	CmdRead            = Cmd(0x06)
	CmdWriteHomeAddr   = Cmd(0x09)
	CmdReadHomeAddr    = Cmd(0x0a)
	CmdWriteKD         = Cmd(0x0d)
	CmdReadKD          = Cmd(0x0e)
	CmdErase           = Cmd(0x11)
	CmdReadCount       = Cmd(0x12)
	CmdWriteRecordZero = Cmd(0x15)
	CmdReadRecordZero  = Cmd(0x16)
	CmdWriteCKD        = Cmd(0x1d)
	CmdReadCKD         = Cmd(0x1e)
	CmdPSF             = Cmd(0x27)
	CmdRSSD            = Cmd(0x3e)
	CmdLocateRecord    = Cmd(0x47)
	CmdDefineExtent    = Cmd(0x63)
	CmdWriteMT         = Cmd(0x85)
	CmdReadMT          = Cmd(0x86)
	CmdWriteKDMT       = Cmd(0x8d)
	CmdReadKDMT        = Cmd(0x8e)
	CmdRelease         = Cmd(0x94)
	CmdWriteCKDMT      = Cmd(0x9d)
	CmdReadCKDMT       = Cmd(0x9e)
	CmdReserve         = Cmd(0xb4)
	CmdPrefix          = Cmd(0xe7)
)

var cmdNames = map[Cmd]string{
	CmdWrite:           "WRITE",
	CmdRead:            "READ",
	CmdWriteHomeAddr:   "WRITE_HA",
	CmdReadHomeAddr:    "READ_HA",
	CmdWriteKD:         "WRITE_KD",
	CmdReadKD:          "READ_KD",
	CmdErase:           "ERASE",
	CmdReadCount:       "READ_COUNT",
	CmdWriteRecordZero: "WRITE_R0",
	CmdReadRecordZero:  "READ_R0",
	CmdWriteCKD:        "WRITE_CKD",
	CmdReadCKD:         "READ_CKD",
	CmdPSF:             "PSF",
	CmdRSSD:            "RSSD",
	CmdLocateRecord:    "LOCATE",
	CmdDefineExtent:    "DEFINE_EXTENT",
	CmdWriteMT:         "WRITE_MT",
	CmdReadMT:          "READ_MT",
	CmdWriteKDMT:       "WRITE_KD_MT",
	CmdReadKDMT:        "READ_KD_MT",
	CmdRelease:         "RELEASE",
	CmdWriteCKDMT:      "WRITE_CKD_MT",
	CmdReadCKDMT:       "READ_CKD_MT",
	CmdReserve:         "RESERVE",
	CmdPrefix:          "PFX",
}

func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Cmd(%#02x)", uint8(c))
}

// KD returns the key-data variant of a read or write command.  The
// variants differ only in bit 0x08.
func (c Cmd) KD() Cmd {
	return c | 0x08
}

// IsRead reports whether the command transfers data from the device
// into memory.
func (c Cmd) IsRead() bool {
	switch c {
	case CmdRead, CmdReadMT, CmdReadKD, CmdReadKDMT,
		CmdReadCKD, CmdReadCKDMT, CmdReadCount,
		CmdReadHomeAddr, CmdReadRecordZero, CmdRSSD:
		return true
	default:
		return false
	}
}

// Flags is the flag byte of a CCW.
type Flags uint8

const (
	FlagSuspend = Flags(1 << (iota + 1))
	FlagIDA
	FlagPCI
	FlagSkip
	FlagSLI
	FlagCC
	FlagCD
)

var flagNames = []string{
	"",
	"SUSPEND",
	"IDA",
	"PCI",
	"SKIP",
	"SLI",
	"CC",
	"CD",
}

func (f Flags) Has(req Flags) bool { return f&req == req }
func (f Flags) String() string     { return fmtutil.BitfieldString(f, flagNames, fmtutil.HexNone) }

// CCW is a format-1 channel command word.
type CCW struct {
	Cmd           Cmd    `bin:"off=0x0, siz=0x1"`
	Flags         Flags  `bin:"off=0x1, siz=0x1"`
	Count         uint16 `bin:"off=0x2, siz=0x2"`
	CDA           uint32 `bin:"off=0x4, siz=0x4"`
	binstruct.End `bin:"off=0x8"`
}

// CCWSize is the size of a packed CCW.
const CCWSize = 8
