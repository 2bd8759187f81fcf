// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdsim

import (
	"bytes"
	"fmt"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
)

// Record is one count-key-data record.
type Record struct {
	Count eckdccw.CountField
	Key   []byte
	Data  []byte
}

func (r Record) String() string {
	return r.Count.String()
}

// Track is the records of one track, in order.  Records[0] is record
// zero, if the track has one.
type Track struct {
	Records []Record
}

// A track is stored in its slot as each record's count field, key
// and data, back to back, followed by endOfTrack.
var endOfTrack = bytes.Repeat([]byte{0xff}, eckdccw.CountFieldSize)

func parseTrack(dat []byte) (*Track, error) {
	trk := new(Track)
	for off := 0; ; {
		if off+eckdccw.CountFieldSize > len(dat) {
			return nil, fmt.Errorf("record %d: runs past the end of the slot", len(trk.Records))
		}
		if bytes.Equal(dat[off:off+eckdccw.CountFieldSize], endOfTrack) {
			return trk, nil
		}
		var rec Record
		n, err := binstruct.Unmarshal(dat[off:], &rec.Count)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", len(trk.Records), err)
		}
		off += n
		kl, dl := int(rec.Count.KL), int(rec.Count.DL)
		if off+kl+dl > len(dat) {
			return nil, fmt.Errorf("record %v: runs past the end of the slot", rec.Count)
		}
		rec.Key = append([]byte(nil), dat[off:off+kl]...)
		off += kl
		rec.Data = append([]byte(nil), dat[off:off+dl]...)
		off += dl
		trk.Records = append(trk.Records, rec)
	}
}

// size returns the number of slot bytes that the track takes.
func (trk *Track) size() int {
	n := len(endOfTrack)
	for _, rec := range trk.Records {
		n += eckdccw.CountFieldSize + len(rec.Key) + len(rec.Data)
	}
	return n
}

func (trk *Track) marshalTo(slot []byte) error {
	if sz := trk.size(); sz > len(slot) {
		return fmt.Errorf("track needs %d bytes but the slot is %d bytes", sz, len(slot))
	}
	off := 0
	for _, rec := range trk.Records {
		n, err := binstruct.MarshalTo(slot[off:], rec.Count)
		if err != nil {
			return err
		}
		off += n
		off += copy(slot[off:], rec.Key)
		off += copy(slot[off:], rec.Data)
	}
	copy(slot[off:], endOfTrack)
	return nil
}

func (trk *Track) clone() *Track {
	ret := &Track{
		Records: make([]Record, len(trk.Records)),
	}
	for i, rec := range trk.Records {
		ret.Records[i] = Record{
			Count: rec.Count,
			Key:   append([]byte(nil), rec.Key...),
			Data:  append([]byte(nil), rec.Data...),
		}
	}
	return ret
}

// find returns the index of the record whose count field has the
// given address, or -1.
func (trk *Track) find(addr eckdccw.CHR) int {
	for i, rec := range trk.Records {
		if rec.Count.Cyl == addr.Cyl && rec.Count.Head == addr.Head && rec.Count.Record == addr.Record {
			return i
		}
	}
	return -1
}

// firstUserRecord returns the index of the first record after record
// zero.
func (trk *Track) firstUserRecord() int {
	if len(trk.Records) > 0 && trk.Records[0].Count.Record == 0 {
		return 1
	}
	return 0
}

// cells returns the track capacity that the user records take up.
func (trk *Track) cells(dev eckdgeom.DevType) uint32 {
	var n uint32
	for _, rec := range trk.Records[trk.firstUserRecord():] {
		n += eckdgeom.RecordCells(dev, uint32(rec.Count.KL), uint32(rec.Count.DL))
	}
	return n
}

// emptyTrack returns a track with only a standard record zero, as
// tracks come from the factory.
func emptyTrack(addr eckdgeom.TrackAddress) *Track {
	return &Track{
		Records: []Record{{
			Count: eckdccw.CountField{
				Cyl:  uint16(addr.Cyl),
				Head: uint16(addr.Head),
				DL:   8,
			},
			Data: make([]byte, 8),
		}},
	}
}
