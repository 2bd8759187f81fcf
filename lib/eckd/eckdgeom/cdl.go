// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdgeom

// On a compatible-disk-layout volume, the first three records of
// track 0 hold the IPL records and the volume label, and the first
// track's worth of records after that (track 1) holds the VTOC label
// records.  These are written with a 4-byte key (44 bytes for the
// VTOC) and have fixed lengths independent of the volume's block
// size.
var cdlTrack0Sizes = [3]uint32{28, 148, 84}

// CDLLabelSize is the length of each special record on the second
// track of a compatible-disk-layout volume.
const CDLLabelSize = 140

// CDLTrack0KeyLen and CDLTrack1KeyLen are the key lengths that the
// special records are formatted with.
const (
	CDLTrack0KeyLen = 4
	CDLTrack1KeyLen = 44
)

// IsCDLSpecial reports whether the linear record number recid is one
// of the special records of a compatible-disk-layout volume with bpt
// records per track.
func IsCDLSpecial(bpt, recid uint32) bool {
	if recid < 3 {
		return true
	}
	if recid < bpt {
		return false
	}
	if recid < 2*bpt {
		return true
	}
	return false
}

// CDLRecLen returns the fixed length of the special record recid.  It
// is only meaningful when IsCDLSpecial(bpt, recid) is true.
func CDLRecLen(recid uint32) uint32 {
	if recid < 3 {
		return cdlTrack0Sizes[recid]
	}
	return CDLLabelSize
}

// RecordClass is the classification of a single record.
type RecordClass struct {
	Special bool
	Length  uint32
}

// Classify returns whether linear record recid is a special record,
// and the length that it is transferred with.  Without a
// compatible-disk-layout every record is a uniform record of blksize
// bytes.
func Classify(bpt, recid uint32, usesCDL bool, blksize uint32) RecordClass {
	if usesCDL && IsCDLSpecial(bpt, recid) {
		return RecordClass{
			Special: true,
			Length:  CDLRecLen(recid),
		}
	}
	return RecordClass{
		Length: blksize,
	}
}
