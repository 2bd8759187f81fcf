// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdgeom_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
)

func TestRecsPerTrack(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Dev    eckdgeom.DevType
		KL, DL uint32
		Exp    uint32
	}
	testcases := map[string]TestCase{
		"3390-512":  {Dev: eckdgeom.DevType3390, DL: 512, Exp: 49},
		"3390-1024": {Dev: eckdgeom.DevType3390, DL: 1024, Exp: 33},
		"3390-2048": {Dev: eckdgeom.DevType3390, DL: 2048, Exp: 21},
		"3390-4096": {Dev: eckdgeom.DevType3390, DL: 4096, Exp: 12},
		"3380-512":  {Dev: eckdgeom.DevType3380, DL: 512, Exp: 46},
		"3380-1024": {Dev: eckdgeom.DevType3380, DL: 1024, Exp: 31},
		"3380-2048": {Dev: eckdgeom.DevType3380, DL: 2048, Exp: 18},
		"3380-4096": {Dev: eckdgeom.DevType3380, DL: 4096, Exp: 10},
		"9345-512":  {Dev: eckdgeom.DevType9345, DL: 512, Exp: 34},
		"9345-4096": {Dev: eckdgeom.DevType9345, DL: 4096, Exp: 9},
		"3390-r0":   {Dev: eckdgeom.DevType3390, DL: 8, Exp: 1729 / 20},
		"3390-key":  {Dev: eckdgeom.DevType3390, KL: 4, DL: 24, Exp: 1729 / 31},
		"unknown":   {Dev: eckdgeom.DevType(0x3375), DL: 4096, Exp: 0},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Exp, eckdgeom.RecsPerTrack(tc.Dev, tc.KL, tc.DL))
		})
	}
}

// The result must be the largest count whose cells fit in the track.
func TestRecsPerTrackMaximal(t *testing.T) {
	t.Parallel()
	for _, dev := range []eckdgeom.DevType{eckdgeom.DevType3380, eckdgeom.DevType3390, eckdgeom.DevType9345} {
		for _, kl := range []uint32{0, 4, 44} {
			for dl := uint32(1); dl <= 8192; dl++ {
				rpt := eckdgeom.RecsPerTrack(dev, kl, dl)
				cells := eckdgeom.RecordCells(dev, kl, dl)
				capacity := eckdgeom.TrackCapacity(dev)
				if !assert.LessOrEqual(t, rpt*cells, capacity, fmt.Sprintf("%v kl=%d dl=%d", dev, kl, dl)) {
					return
				}
				if !assert.Greater(t, (rpt+1)*cells, capacity, fmt.Sprintf("%v kl=%d dl=%d", dev, kl, dl)) {
					return
				}
			}
		}
	}
}

func FuzzRecsPerTrack(f *testing.F) {
	f.Add(uint16(0x3390), uint8(0), uint16(4096))
	f.Add(uint16(0x3380), uint8(4), uint16(24))
	f.Add(uint16(0x9345), uint8(44), uint16(96))
	f.Add(uint16(0x3375), uint8(0), uint16(512))
	f.Fuzz(func(t *testing.T, dev uint16, kl uint8, dl uint16) {
		rpt := eckdgeom.RecsPerTrack(eckdgeom.DevType(dev), uint32(kl), uint32(dl))
		if !eckdgeom.DevType(dev).Known() {
			assert.Equal(t, uint32(0), rpt)
			return
		}
		cells := eckdgeom.RecordCells(eckdgeom.DevType(dev), uint32(kl), uint32(dl))
		capacity := eckdgeom.TrackCapacity(eckdgeom.DevType(dev))
		assert.LessOrEqual(t, rpt*cells, capacity)
		assert.Greater(t, (rpt+1)*cells, capacity)
	})
}

func TestLocateSector(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Dev         eckdgeom.DevType
		Rec, RecLen uint32
		Exp         uint8
	}
	testcases := map[string]TestCase{
		"3390-r0":     {Dev: eckdgeom.DevType3390, Rec: 0, RecLen: 4096, Exp: 0},
		"3390-r1":     {Dev: eckdgeom.DevType3390, Rec: 1, RecLen: 4096, Exp: 6},
		"3390-r2":     {Dev: eckdgeom.DevType3390, Rec: 2, RecLen: 4096, Exp: 24},
		"3380-r1":     {Dev: eckdgeom.DevType3380, Rec: 1, RecLen: 4096, Exp: 5},
		"3380-r2":     {Dev: eckdgeom.DevType3380, Rec: 2, RecLen: 4096, Exp: 26},
		"9345-nohint": {Dev: eckdgeom.DevType9345, Rec: 3, RecLen: 4096, Exp: 0},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Exp, eckdgeom.LocateSector(tc.Dev, tc.Rec, tc.RecLen))
		})
	}
}

func TestBlockSize(t *testing.T) {
	t.Parallel()
	for bs, shift := range map[uint32]uint{512: 0, 1024: 1, 2048: 2, 4096: 3} {
		assert.NoError(t, eckdgeom.ValidBlockSize(bs))
		assert.Equal(t, shift, eckdgeom.S2BShift(bs), bs)
	}
	for _, bs := range []uint32{0, 256, 1000, 8192} {
		assert.Error(t, eckdgeom.ValidBlockSize(bs), bs)
	}
}
