// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/fmtutil"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

// FormatIntensity selects what a format request writes.
type FormatIntensity uint8

const (
	// FormatWriteR0 also writes record zero.
	FormatWriteR0 FormatIntensity = 0x01
	// FormatWriteHA would also write the home address; it is
	// not supported.
	FormatWriteHA FormatIntensity = 0x02
	// FormatInvalidate writes a single empty record, leaving the
	// track unformatted.
	FormatInvalidate FormatIntensity = 0x04
	// FormatCDL lays tracks 0 and 1 out with the compatible disk
	// layout's label records.
	FormatCDL FormatIntensity = 0x08
)

var formatIntensityNames = []string{
	"write-r0",
	"write-ha",
	"invalidate",
	"cdl",
}

func (f FormatIntensity) String() string {
	return fmtutil.BitfieldString(f, formatIntensityNames, fmtutil.HexLower)
}

// FormatParams describes a format request.
type FormatParams struct {
	StartTrack uint32          `json:"start_track"`
	StopTrack  uint32          `json:"stop_track"`
	BlockSize  uint32          `json:"block_size"`
	Intensity  FormatIntensity `json:"intensity"`
}

// BuildFormatRequest builds a program that formats track
// p.StartTrack with records of p.BlockSize bytes.  The request is
// never retried by error recovery.
func (vol *Volume) BuildFormatRequest(ctx context.Context, p FormatParams) (*Request, error) {
	ctx = vol.base.withLog(ctx)
	geom := vol.base.Characteristics().Geometry()
	if p.StartTrack >= geom.Tracks() {
		return nil, fmt.Errorf("track %d beyond end of volume (%d tracks): %w",
			p.StartTrack, geom.Tracks(), ErrInvalidArgument)
	}
	if p.StartTrack > p.StopTrack {
		return nil, fmt.Errorf("start track %d is after stop track %d: %w",
			p.StartTrack, p.StopTrack, ErrInvalidArgument)
	}
	if err := eckdgeom.ValidBlockSize(p.BlockSize); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalidBlockSize)
	}

	cdl := p.Intensity&FormatCDL != 0
	intensity := p.Intensity &^ FormatCDL
	trk := p.StartTrack
	addr := geom.TrackAddr(trk)
	rpt := eckdgeom.RecsPerTrack(geom.DevType, 0, p.BlockSize)

	req := newRequest(vol.base, vol)
	req.Dir = DirWrite

	var (
		deCmd eckdccw.Cmd
		lo    eckdccw.Op
	)
	switch intensity {
	case 0:
		deCmd = eckdccw.CmdWriteCKD
		lo = eckdccw.LocateRecord(ctx, geom, trk, 0, rpt, eckdccw.CmdWriteCKD, p.BlockSize)
	case FormatWriteR0:
		deCmd = eckdccw.CmdWriteRecordZero
		lo = eckdccw.LocateRecord(ctx, geom, trk, 0, rpt+1, eckdccw.CmdWriteRecordZero, vol.State().BlockSize)
	case FormatInvalidate:
		deCmd = eckdccw.CmdWriteCKD
		lo = eckdccw.LocateRecord(ctx, geom, trk, 0, 1, eckdccw.CmdWriteCKD, eckdccw.CountFieldSize)
	default:
		return nil, fmt.Errorf("format intensity %v: %w", p.Intensity, ErrInvalidArgument)
	}
	// The extent only decides the CDL exemption for tracks 0 and
	// 1; the volume's analyzed layout does not apply to a volume
	// being formatted.
	de, err := vol.extentOp(ctx, vol.base, cdl, trk, trk, deCmd)
	if err != nil {
		return nil, err
	}
	req.Program.Append(de)
	req.Program.Append(lo)

	cyl, head := uint16(addr.Cyl), uint16(addr.Head)
	if intensity&FormatWriteR0 != 0 {
		req.Program.Append(eckdccw.Op{
			Cmd:   eckdccw.CmdWriteRecordZero,
			Flags: eckdccw.FlagSLI,
			Count: eckdccw.CountFieldSize,
			Data: &eckdccw.CountField{
				Cyl:  cyl,
				Head: head,
				DL:   8,
			},
		})
	}
	if intensity&FormatInvalidate != 0 {
		req.Program.Append(eckdccw.Op{
			Cmd:   eckdccw.CmdWriteCKD,
			Count: eckdccw.CountFieldSize,
			Data: &eckdccw.CountField{
				Cyl:    cyl,
				Head:   head,
				Record: 1,
			},
		})
	} else {
		for i := uint32(0); i < rpt; i++ {
			ect := &eckdccw.CountField{
				Cyl:    cyl,
				Head:   head,
				Record: uint8(i + 1),
				DL:     uint16(p.BlockSize),
			}
			if cdl && trk == 0 && i < 3 {
				ect.KL = eckdgeom.CDLTrack0KeyLen
				ect.DL = uint16(eckdgeom.CDLRecLen(i) - eckdgeom.CDLTrack0KeyLen)
			}
			if cdl && trk == 1 {
				ect.KL = eckdgeom.CDLTrack1KeyLen
				ect.DL = eckdgeom.CDLLabelSize - eckdgeom.CDLTrack1KeyLen
			}
			req.Program.Append(eckdccw.Op{
				Cmd:   eckdccw.CmdWriteCKD,
				Flags: eckdccw.FlagSLI,
				Count: eckdccw.CountFieldSize,
				Data:  ect,
			})
		}
	}

	req.FailFast = true
	req.Retries = vol.base.cfg.FormatRetries
	req.LPM = vol.base.cfg.PathMask
	req.BuildClk = vol.now()
	dlog.Tracef(ctx, "format: track %v intensity %v in %d ccws", addr, p.Intensity, req.Program.Len())
	return req, nil
}

// FormatTracks formats the tracks [p.StartTrack, p.StopTrack], one
// request per track, waiting for each before starting the next.
// Softly canceling ctx stops before the next track; hard-canceling it
// also stops waiting for the current one.
//
// Afterward the volume must be analyzed again before it is used for
// block I/O.
func (vol *Volume) FormatTracks(ctx context.Context, mgr *Manager, p FormatParams) error {
	if p.StartTrack > p.StopTrack {
		return fmt.Errorf("start track %d is after stop track %d: %w",
			p.StartTrack, p.StopTrack, ErrInvalidArgument)
	}
	ctx = dlog.WithField(ctx, "eckd.step", "format")
	progress := textui.NewProgress[textui.Portion[uint32]](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progress.Done()

	total := p.StopTrack - p.StartTrack + 1
	progress.Set(textui.Portion[uint32]{N: 0, D: total})
	for trk := p.StartTrack; trk <= p.StopTrack; trk++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tp := p
		tp.StartTrack, tp.StopTrack = trk, trk
		req, err := vol.BuildFormatRequest(ctx, tp)
		if err != nil {
			return fmt.Errorf("track %d: %w", trk, err)
		}
		if err := mgr.Submit(ctx, req); err != nil {
			FreeRequest(ctx, req)
			return fmt.Errorf("track %d: %w", trk, err)
		}
		if err := req.Wait(dcontext.HardContext(ctx)); err != nil {
			mgr.Cancel(ctx, req)
			FreeRequest(ctx, req)
			return err
		}
		err = req.Err()
		FreeRequest(ctx, req)
		if err != nil {
			return fmt.Errorf("track %d: %w", trk, err)
		}
		progress.Set(textui.Portion[uint32]{N: trk - p.StartTrack + 1, D: total})
		if trk == p.StopTrack {
			break
		}
	}

	vol.mu.Lock()
	vol.state = VolumeState{Geometry: vol.state.Geometry}
	vol.mu.Unlock()
	return nil
}
