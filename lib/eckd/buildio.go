// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

// IORequest is a block transfer, in 512-byte sectors, to or from the
// memory segments in order.
type IORequest struct {
	Dir       Direction
	Sector    uint64
	NrSectors uint64
	Segments  []eckdmem.Segment
	// FailFast requests are not retried.
	FailFast bool
}

// cdlPad fills the part of a block beyond a short special record, on
// reads.
const cdlPad = 0xE5

// BuildIORequest translates ioreq into a channel program.  The
// request holds an in-flight slot on the device it will be started
// on until it is passed to FreeRequest; if that device already has
// its maximum number of requests in flight, ErrDeviceBusy is
// returned and nothing is allocated.
func (vol *Volume) BuildIORequest(ctx context.Context, ioreq IORequest) (*Request, error) {
	startdev := vol.base
	if vol.opts.Router != nil {
		if alias := vol.opts.Router.PickStartDevice(vol.base); alias != nil {
			startdev = alias
		}
	}
	ctx = startdev.withLog(ctx)
	if !startdev.tryAcquire() {
		dlog.Debugf(ctx, "build: %d requests in flight", startdev.Inflight())
		return nil, fmt.Errorf("device %s: %w", startdev.Name(), ErrDeviceBusy)
	}
	req, err := vol.buildIO(ctx, startdev, ioreq)
	if err != nil {
		startdev.release()
		dlog.Debugf(ctx, "build: %v", err)
		return nil, err
	}
	req.counted = true
	return req, nil
}

func (vol *Volume) buildIO(ctx context.Context, startdev *Device, ioreq IORequest) (*Request, error) {
	state := vol.State()
	if !state.Usable() {
		return nil, fmt.Errorf("volume %v: layout %v: %w", vol, state.Layout, ErrInvalidArgument)
	}

	var cmd eckdccw.Cmd
	switch ioreq.Dir {
	case DirRead:
		cmd = eckdccw.CmdReadMT
	case DirWrite:
		cmd = eckdccw.CmdWriteMT
	default:
		return nil, fmt.Errorf("direction %v: %w", ioreq.Dir, ErrInvalidArgument)
	}
	if ioreq.NrSectors == 0 {
		return nil, fmt.Errorf("empty transfer: %w", ErrInvalidArgument)
	}

	blksize := state.BlockSize
	bpt := uint64(state.BlocksPerTrack)
	firstRec := ioreq.Sector >> state.S2BShift
	lastRec := (ioreq.Sector + ioreq.NrSectors - 1) >> state.S2BShift
	if lastRec >= state.Blocks {
		return nil, fmt.Errorf("blocks [%d, %d] beyond end of volume (%d blocks): %w",
			firstRec, lastRec, state.Blocks, ErrInvalidArgument)
	}

	var count uint64
	for _, seg := range ioreq.Segments {
		if len(seg.Buf)%int(blksize) != 0 {
			return nil, fmt.Errorf("segment %v: length is not a multiple of %d: %w",
				seg, blksize, ErrInvalidBlockSize)
		}
		count += uint64(len(seg.Buf)) / uint64(blksize)
	}
	if count != lastRec-firstRec+1 {
		return nil, fmt.Errorf("blocks [%d, %d] but %d blocks of memory: %w",
			firstRec, lastRec, count, ErrRangeMismatch)
	}
	if count > MaxBlocks {
		return nil, fmt.Errorf("%d blocks exceeds the maximum of %d: %w", count, MaxBlocks, ErrInvalidArgument)
	}

	firstTrk := uint32(firstRec / bpt)
	firstOffs := uint32(firstRec % bpt)
	lastTrk := uint32(lastRec / bpt)
	geom := state.Geometry

	req := newRequest(startdev, vol)
	req.Dir = ioreq.Dir
	req.segs = ioreq.Segments

	hdr, err := vol.extentOp(ctx, startdev, state.UsesCDL, firstTrk, lastTrk, cmd)
	if err != nil {
		return nil, err
	}
	req.Program.Append(hdr)

	// Uniform blocks past the CDL special records share a single
	// locate.
	recid := firstRec
	if !state.UsesCDL || recid > 2*bpt {
		req.Program.Append(eckdccw.LocateRecord(ctx, geom,
			firstTrk, firstOffs+1, uint32(lastRec-recid+1), cmd, blksize))
	}

	for _, seg := range ioreq.Segments {
		dst := seg
		if page, ok := vol.copyPage(seg); ok {
			off := int(seg.Addr & (eckdmem.PageSize - 1))
			dst = eckdmem.Segment{
				Addr: page.Addr.Add(off),
				Buf:  page.Buf[off : off+len(seg.Buf)],
			}
			if ioreq.Dir == DirWrite {
				copy(dst.Buf, seg.Buf)
			}
			req.copies = append(req.copies, &copyBuf{
				page: page,
				seg:  seg,
			})
		}
		for off := 0; off < len(dst.Buf); off += int(blksize) {
			blk := dst.Slice(off, off+int(blksize))
			rcmd := cmd
			reclen := blksize
			trk := uint32(recid / bpt)
			recOnTrk := uint32(recid%bpt) + 1
			if state.UsesCDL && recid < 2*bpt {
				if eckdgeom.IsCDLSpecial(uint32(bpt), uint32(recid)) {
					rcmd = cmd.KD()
					reclen = eckdgeom.CDLRecLen(uint32(recid))
					if reclen < blksize && ioreq.Dir == DirRead {
						for i := range blk.Buf[reclen:] {
							blk.Buf[int(reclen)+i] = cdlPad
						}
					}
				}
				req.Program.Append(eckdccw.LocateRecord(ctx, geom,
					trk, recOnTrk, 1, rcmd, reclen))
			}
			// The first uniform record after the special
			// records starts the shared locate.
			if state.UsesCDL && recid == 2*bpt {
				req.Program.Append(eckdccw.LocateRecord(ctx, geom,
					trk, recOnTrk, uint32(lastRec-recid+1), cmd, blksize))
			}
			req.Program.Append(eckdccw.DataOp(rcmd, blk.Slice(0, int(reclen))))
			recid++
		}
	}

	req.FailFast = ioreq.FailFast
	req.Expires = vol.base.cfg.IOExpires
	req.Retries = vol.base.cfg.IORetries
	req.LPM = startdev.cfg.PathMask
	req.BuildClk = vol.now()
	dlog.Tracef(ctx, "build: %v blocks [%d, %d] in %d ccws", ioreq.Dir, firstRec, lastRec, req.Program.Len())
	return req, nil
}

// copyPage takes a copy-pool page for seg, if the pool has one and
// seg fits within a page.
func (vol *Volume) copyPage(seg eckdmem.Segment) (eckdmem.Page, bool) {
	off := int(seg.Addr & (eckdmem.PageSize - 1))
	if off+len(seg.Buf) > eckdmem.PageSize {
		return eckdmem.Page{}, false
	}
	return vol.opts.Pool.Get()
}

func (vol *Volume) now() time.Time {
	if vol.opts.Clock == nil {
		return time.Now()
	}
	return vol.opts.Clock.Now()
}

// FreeRequest releases everything that req (or the retry standing in
// for it) holds: for reads, data in copy buffers is copied back to the
// caller's memory first.  It reports whether the request completed
// successfully.  Freeing a request twice is harmless; freeing one that
// is in progress does nothing and reports false.
func FreeRequest(ctx context.Context, req *Request) bool {
	req = req.Latest()
	ctx = req.withLog(ctx)

	req.mu.Lock()
	switch req.status {
	case StatusInProgress:
		req.mu.Unlock()
		dlog.Errorf(ctx, "free: %v is still in progress", req)
		return false
	case StatusFreed:
		ok := req.result == StatusDone
		req.mu.Unlock()
		dlog.Debugf(ctx, "free: %v was already freed", req)
		return ok
	}
	req.status = StatusFreed
	ok := req.result == StatusDone
	copies, counted := req.copies, req.counted
	req.copies, req.counted = nil, false
	req.mu.Unlock()

	for _, cb := range copies {
		if req.Dir == DirRead {
			off := int(cb.seg.Addr & (eckdmem.PageSize - 1))
			copy(cb.seg.Buf, cb.page.Buf[off:off+len(cb.seg.Buf)])
		}
		req.Volume.opts.Pool.Put(cb.page)
	}
	req.Program.Release()
	if counted {
		req.MemDev.release()
	}
	return ok
}
