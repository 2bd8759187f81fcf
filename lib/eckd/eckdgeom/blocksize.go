// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdgeom

import (
	"fmt"
)

// SectorSize is the unit that the block layer addresses in.
const SectorSize = 512

// ValidBlockSize returns an error unless bs is one of the block sizes
// that a volume may be formatted with: 512, 1024, 2048, or 4096.
func ValidBlockSize(bs uint32) error {
	switch bs {
	case 512, 1024, 2048, 4096:
		return nil
	default:
		return fmt.Errorf("invalid block size %d", bs)
	}
}

// S2BShift returns the number of bits to shift a 512-byte sector
// number right by to get a block number.
func S2BShift(bs uint32) uint {
	var shift uint
	for sb := uint32(SectorSize); sb < bs; sb <<= 1 {
		shift++
	}
	return shift
}
