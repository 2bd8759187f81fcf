// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
)

// The analysis probe reads the count fields of records 1-4 of track
// 0 and of record 1 of track 2.
const nrProbeCounts = 5

type analysisState struct {
	pending bool
	done    bool
	status  Status
	counts  [nrProbeCounts][eckdccw.CountFieldSize]byte
	req     *Request
}

func (vol *Volume) analysisCtx(ctx context.Context) context.Context {
	return dlog.WithField(vol.base.withLog(ctx), "eckd.step", "analysis")
}

// StartAnalysis submits the layout probe.  When it completes, the
// probe's request is freed and kick (if non-nil) is called; EndAnalysis
// then interprets the result.  On success StartAnalysis returns
// ErrAnalysisPending.
func (vol *Volume) StartAnalysis(ctx context.Context, mgr *Manager, kick func()) error {
	ctx = vol.analysisCtx(ctx)

	vol.mu.Lock()
	if vol.analysis.pending {
		vol.mu.Unlock()
		return ErrAnalysisPending
	}
	vol.analysis = analysisState{pending: true}
	vol.mu.Unlock()

	req, err := vol.buildAnalysis(ctx)
	if err != nil {
		vol.resetAnalysis()
		return err
	}
	req.Callback = func(ctx context.Context, req *Request) {
		vol.mu.Lock()
		vol.analysis.done = true
		vol.analysis.status = req.Result()
		vol.mu.Unlock()
		FreeRequest(ctx, req)
		if kick != nil {
			kick()
		}
	}
	vol.mu.Lock()
	vol.analysis.req = req
	vol.mu.Unlock()
	if err := mgr.Submit(ctx, req); err != nil {
		FreeRequest(ctx, req)
		vol.resetAnalysis()
		return err
	}
	return ErrAnalysisPending
}

func (vol *Volume) resetAnalysis() {
	vol.mu.Lock()
	defer vol.mu.Unlock()
	vol.analysis = analysisState{}
}

func (vol *Volume) buildAnalysis(ctx context.Context) (*Request, error) {
	geom := vol.base.Characteristics().Geometry()
	req := newRequest(vol.base, vol)
	req.Dir = DirRead

	de, err := eckdccw.DefineExtent(ctx, vol.extentParams(false), 0, 2, eckdccw.CmdReadCount)
	if err != nil {
		return nil, err
	}
	req.Program.Append(de)

	readCount := func(i int) {
		req.Program.Append(eckdccw.Op{
			Cmd:   eckdccw.CmdReadCount,
			Count: eckdccw.CountFieldSize,
			Data:  eckdccw.Scratch(vol.analysis.counts[i][:]),
		})
	}
	req.Program.Append(eckdccw.LocateRecord(ctx, geom, 0, 0, 4, eckdccw.CmdReadCount, 0))
	for i := 0; i < 4; i++ {
		readCount(i)
	}
	req.Program.Append(eckdccw.LocateRecord(ctx, geom, 2, 0, 1, eckdccw.CmdReadCount, 0))
	readCount(4)

	req.Retries = 0
	req.Expires = vol.base.cfg.AnalysisExpires
	req.LPM = vol.base.cfg.PathMask
	req.BuildClk = vol.now()
	return req, nil
}

// EndAnalysis interprets the probe started by StartAnalysis, and
// updates the volume's state.  If the probe has not completed yet it
// returns ErrAnalysisPending.
func (vol *Volume) EndAnalysis(ctx context.Context) (VolumeState, error) {
	ctx = vol.analysisCtx(ctx)

	vol.mu.Lock()
	an := vol.analysis
	switch {
	case !an.pending:
		vol.mu.Unlock()
		return VolumeState{}, fmt.Errorf("volume %v: no analysis was started: %w", vol, ErrInvalidArgument)
	case !an.done:
		vol.mu.Unlock()
		return VolumeState{}, ErrAnalysisPending
	}
	vol.analysis = analysisState{}
	prev := vol.state
	vol.mu.Unlock()

	state, err := interpretProbe(ctx, prev, an)
	if err != nil {
		vol.mu.Lock()
		vol.state = VolumeState{
			Geometry: prev.Geometry,
			Layout:   LayoutUnformatted,
		}
		vol.mu.Unlock()
		return VolumeState{}, fmt.Errorf("volume %v: %w", vol, err)
	}
	vol.mu.Lock()
	vol.state = state
	vol.mu.Unlock()
	dlog.Infof(ctx, "%v", state)
	return state, nil
}

func interpretProbe(ctx context.Context, prev VolumeState, an analysisState) (VolumeState, error) {
	if an.status != StatusDone {
		dlog.Warnf(ctx, "volume analysis returned unformatted disk")
		return VolumeState{}, ErrLayoutIncompatible
	}
	var counts [nrProbeCounts]eckdccw.CountField
	for i := range counts {
		if _, err := binstruct.Unmarshal(an.counts[i][:], &counts[i]); err != nil {
			return VolumeState{}, err
		}
	}

	usesCDL := true
	for i := 0; i < 3; i++ {
		if counts[i].KL != eckdgeom.CDLTrack0KeyLen || uint32(counts[i].DL) != eckdgeom.CDLRecLen(uint32(i))-eckdgeom.CDLTrack0KeyLen {
			usesCDL = false
			break
		}
	}
	var source *eckdccw.CountField
	if usesCDL {
		source = &counts[4]
		if counts[3].Record == 1 {
			dlog.Warnf(ctx, "track 0: no records after VTOC")
		}
	} else {
		uniform := true
		for _, count := range counts {
			if count.KL != 0 || count.DL != counts[0].DL {
				uniform = false
				break
			}
		}
		if uniform {
			source = &counts[0]
		}
	}

	// A volume whose records do not tell us the block size keeps
	// the one it had.
	blksize := prev.BlockSize
	if source != nil && source.KL == 0 && eckdgeom.ValidBlockSize(uint32(source.DL)) == nil {
		blksize = uint32(source.DL)
	}
	if blksize == 0 {
		dlog.Warnf(ctx, "volume has incompatible disk layout")
		return VolumeState{}, ErrLayoutIncompatible
	}
	layout := LayoutLDL
	if usesCDL {
		layout = LayoutCDL
	}
	return computeState(prev.Geometry, layout, blksize)
}

// DoAnalysis starts the probe if none is pending, and otherwise
// finishes it.  It is meant to be called again each time kick is
// called.
func (vol *Volume) DoAnalysis(ctx context.Context, mgr *Manager, kick func()) (VolumeState, error) {
	vol.mu.Lock()
	pending := vol.analysis.pending
	vol.mu.Unlock()
	if pending {
		return vol.EndAnalysis(ctx)
	}
	return VolumeState{}, vol.StartAnalysis(ctx, mgr, kick)
}

// Analyze runs the probe and waits for it.  If ctx is canceled
// first, the probe is canceled.
func (vol *Volume) Analyze(ctx context.Context, mgr *Manager) (VolumeState, error) {
	kicked := make(chan struct{}, 1)
	kick := func() { kicked <- struct{}{} }
	if err := vol.StartAnalysis(ctx, mgr, kick); !errors.Is(err, ErrAnalysisPending) {
		return VolumeState{}, err
	}
	select {
	case <-kicked:
	case <-ctx.Done():
		vol.mu.Lock()
		req := vol.analysis.req
		vol.mu.Unlock()
		mgr.Cancel(ctx, req)
		<-kicked
		vol.resetAnalysis()
		return VolumeState{}, ctx.Err()
	}
	return vol.EndAnalysis(ctx)
}
