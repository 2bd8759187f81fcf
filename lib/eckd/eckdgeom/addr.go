// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdgeom

import (
	"fmt"
)

// Geometry is the static shape of a volume.
type Geometry struct {
	DevType      DevType `json:"dev_type"`
	Cylinders    uint32  `json:"cylinders"`
	TracksPerCyl uint32  `json:"tracks_per_cyl"`
}

// Tracks returns the number of tracks on the volume.
func (g Geometry) Tracks() uint32 {
	return g.Cylinders * g.TracksPerCyl
}

// TrackAddr decomposes a linear track number.
func (g Geometry) TrackAddr(trk uint32) TrackAddress {
	return TrackAddress{
		Cyl:  trk / g.TracksPerCyl,
		Head: trk % g.TracksPerCyl,
	}
}

// Linear is the inverse of TrackAddr.
func (g Geometry) Linear(addr TrackAddress) uint32 {
	return addr.Cyl*g.TracksPerCyl + addr.Head
}

// RecordAddr returns the address of the linear record number recid on
// a volume with bpt records per track.  Record numbers within a track
// are 1-based; record 0 is the track's R0 record.
func (g Geometry) RecordAddr(bpt, recid uint32) RecordAddress {
	return RecordAddress{
		Track:  g.TrackAddr(recid / bpt),
		Record: recid%bpt + 1,
	}
}

func (g Geometry) String() string {
	return fmt.Sprintf("%v cyl=%d trk/cyl=%d", g.DevType, g.Cylinders, g.TracksPerCyl)
}

// TrackAddress is a cylinder/head pair.
type TrackAddress struct {
	Cyl  uint32
	Head uint32
}

func (a TrackAddress) Cmp(b TrackAddress) int {
	switch {
	case a.Cyl < b.Cyl:
		return -1
	case a.Cyl > b.Cyl:
		return 1
	case a.Head < b.Head:
		return -1
	case a.Head > b.Head:
		return 1
	default:
		return 0
	}
}

func (a TrackAddress) String() string {
	return fmt.Sprintf("%d/%d", a.Cyl, a.Head)
}

// RecordAddress is a record within a track.
type RecordAddress struct {
	Track  TrackAddress
	Record uint32
}

func (a RecordAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Track.Cyl, a.Track.Head, a.Record)
}
