// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdgeom

import (
	"golang.org/x/exp/constraints"
)

func ceilQuot[T constraints.Unsigned](d1, d2 T) T {
	return (d1 + (d2 - 1)) / d2
}

// TrackCapacity returns the usable length of one track, in the
// device's internal cell units.  It is 0 for an unknown device type.
func TrackCapacity(dev DevType) uint32 {
	switch dev {
	case DevType3380:
		return 1499
	case DevType3390:
		return 1729
	case DevType9345:
		return 1420
	default:
		return 0
	}
}

// RecordCells returns how many cells a record with a key of length kl
// and data of length dl occupies on a track, including its count
// area and inter-record gaps.  It is 0 for an unknown device type.
func RecordCells(dev DevType, kl, dl uint32) uint32 {
	switch dev {
	case DevType3380:
		if kl != 0 {
			return 15 + 7 + ceilQuot(kl+12, 32) + ceilQuot(dl+12, 32)
		}
		return 15 + ceilQuot(dl+12, 32)
	case DevType3390:
		dn := ceilQuot(dl+6, 232) + 1
		if kl != 0 {
			kn := ceilQuot(kl+6, 232) + 1
			return 10 + 9 + ceilQuot(kl+6*kn, 34) + 9 + ceilQuot(dl+6*dn, 34)
		}
		return 10 + 9 + ceilQuot(dl+6*dn, 34)
	case DevType9345:
		dn := ceilQuot(dl+6, 232) + 1
		if kl != 0 {
			kn := ceilQuot(kl+6, 232) + 1
			return 18 + 7 + ceilQuot(kl+6*kn, 34) + ceilQuot(dl+6*dn, 34)
		}
		return 18 + 7 + ceilQuot(dl+6*dn, 34)
	default:
		return 0
	}
}

// RecsPerTrack returns how many records with a key of length kl and
// data of length dl fit on one track.  A return of 0 means the device
// type is unknown and the layout is not usable.
//
// The result decides on-disk layout, so it must truncate exactly the
// way every other implementation does.
func RecsPerTrack(dev DevType, kl, dl uint32) uint32 {
	cells := RecordCells(dev, kl, dl)
	if cells == 0 {
		return 0
	}
	return TrackCapacity(dev) / cells
}

// LocateSector estimates the rotational position (sector number) of
// record rec on a track whose records have data length reclen.  It is
// only a hint to the control unit; 0 means "no hint".
func LocateSector(dev DevType, rec, reclen uint32) uint8 {
	if rec == 0 {
		return 0
	}
	switch dev {
	case DevType3390:
		dn := ceilQuot(reclen+6, 232)
		d := 9 + ceilQuot(reclen+6*(dn+1), 34)
		return uint8((49 + (rec-1)*(10+d)) / 8)
	case DevType3380:
		d := 7 + ceilQuot(reclen+12, 32)
		return uint8((39 + (rec-1)*(8+d)) / 7)
	default:
		return 0
	}
}
