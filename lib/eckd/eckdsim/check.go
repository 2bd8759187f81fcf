// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdsim

import (
	"fmt"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
)

// Condition is why a simulated channel program stopped early.
type Condition int

const (
	CondCommandReject Condition = iota
	CondNoRecordFound
	CondFileProtected
	CondIncorrectLength
	CondInvalidTrackFormat
	CondEquipmentCheck
	CondProgramCheck
)

var condNames = []string{
	"command reject",
	"no record found",
	"file protected",
	"incorrect length",
	"invalid track format",
	"equipment check",
	"program check",
}

func (c Condition) String() string {
	if c < 0 || int(c) >= len(condNames) {
		return fmt.Sprintf("Condition(%d)", int(c))
	}
	return condNames[c]
}

// senseSize is the length of basic sense data.
const senseSize = 32

// Sense returns the sense bytes that a device reports for the
// condition, or nil if the condition is a channel status rather than
// a unit check.
func (c Condition) Sense() []byte {
	var b0, b1 byte
	switch c {
	case CondCommandReject:
		b0 = 0x80
	case CondEquipmentCheck:
		b0 = 0x10
	case CondInvalidTrackFormat:
		b1 = 0x40
	case CondNoRecordFound:
		b1 = 0x08
	case CondFileProtected:
		b1 = 0x04
	default:
		return nil
	}
	sense := make([]byte, senseSize)
	sense[0], sense[1] = b0, b1
	return sense
}

// CheckError is the error of a simulated program that stopped at a
// CCW.
type CheckError struct {
	CCW    int
	Cmd    eckdccw.Cmd
	Cond   Condition
	Detail string
}

func (e *CheckError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ccw %d (%v): %v", e.CCW, e.Cmd, e.Cond)
	}
	return fmt.Sprintf("ccw %d (%v): %v: %s", e.CCW, e.Cmd, e.Cond, e.Detail)
}
