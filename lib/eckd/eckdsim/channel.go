// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdsim

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/eckd-progs-ng/lib/binstruct"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
)

// ErrTerminated is the error of a program that was terminated
// between two CCWs.
var ErrTerminated = errors.New("program terminated")

const cmdMT = eckdccw.Cmd(0x80)

// Locate Record operation codes.
const (
	locWriteData   = 0x01
	locFormatWrite = 0x03
	locReadData    = 0x06
	locReadTracks  = 0x16
)

const (
	orientCount = 0
	orientHA    = 1
)

type extent struct {
	beg, end uint32
	perm     eckdccw.Perm
}

func (ext extent) contains(trk uint32) bool {
	return ext.beg <= trk && trk <= ext.end
}

// domain is the state that a Locate Record sets up for the data
// transfer CCWs that follow it.
type domain struct {
	op        eckdccw.LocateOperation
	trkNum    uint32
	trk       *Track
	pos       int
	fresh     bool
	remaining int
}

// channel is one run of one channel program.
type channel struct {
	ctx      context.Context //nolint:containedctx // only lives for one execute call
	img      *Image
	geom     eckdgeom.Geometry
	req      *eckd.Request
	canceled func() bool

	ext   *extent
	dom   *domain
	dirty map[uint32]*Track
}

// execute runs req's packed program to completion, stopping at the
// first CCW that fails, and writes back every track that it changed.
func (img *Image) execute(ctx context.Context, req *eckd.Request, canceled func() bool) eckd.Outcome {
	img.mu.Lock()
	defer img.mu.Unlock()

	ch := &channel{
		ctx:      ctx,
		img:      img,
		geom:     img.char.Geometry(),
		req:      req,
		canceled: canceled,
		dirty:    make(map[uint32]*Track),
	}
	err := ch.run()
	if flushErr := ch.flush(); flushErr != nil && err == nil {
		err = &CheckError{
			CCW:    len(req.Program.Ops) - 1,
			Cond:   CondEquipmentCheck,
			Detail: flushErr.Error(),
		}
	}
	if err == nil {
		return eckd.Outcome{}
	}
	dlog.Debugf(ctx, "program stopped: %v", err)
	var chk *CheckError
	if errors.As(err, &chk) {
		return eckd.Outcome{Err: err, Sense: chk.Cond.Sense()}
	}
	return eckd.Outcome{Err: err}
}

func (ch *channel) flush() error {
	trks := maps.Keys(ch.dirty)
	slices.Sort(trks)
	for _, trk := range trks {
		if err := ch.img.storeTrack(trk, ch.dirty[trk]); err != nil {
			return err
		}
	}
	if len(trks) == 0 {
		return nil
	}
	return ch.img.sync()
}

func (ch *channel) run() error {
	img := ch.req.Image
	if img == nil {
		return &CheckError{CCW: 0, Cond: CondProgramCheck, Detail: "program is not packed"}
	}
	for i, op := range ch.req.Program.Ops {
		if ch.canceled() {
			return ErrTerminated
		}
		if err := ch.ctx.Err(); err != nil {
			return err
		}
		if (i+1)*eckdccw.CCWSize > len(img.Bytes) {
			return &CheckError{CCW: i, Cmd: op.Cmd, Cond: CondProgramCheck, Detail: "ccw is outside of the program image"}
		}
		var ccw eckdccw.CCW
		if _, err := binstruct.Unmarshal(img.Bytes[i*eckdccw.CCWSize:], &ccw); err != nil {
			return &CheckError{CCW: i, Cmd: op.Cmd, Cond: CondProgramCheck, Detail: err.Error()}
		}
		if ccw.Cmd != op.Cmd || ccw.Flags != op.Flags || ccw.Count != op.Count {
			return &CheckError{CCW: i, Cmd: op.Cmd, Cond: CondProgramCheck,
				Detail: fmt.Sprintf("packed ccw %v/%v/%d does not match %v", ccw.Cmd, ccw.Flags, ccw.Count, op)}
		}
		if err := ch.step(i, ccw, op); err != nil {
			return err
		}
		if !ccw.Flags.Has(eckdccw.FlagCC) {
			break
		}
	}
	return nil
}

func (ch *channel) check(i int, ccw eckdccw.CCW, cond Condition, format string, args ...any) error {
	return &CheckError{
		CCW:    i,
		Cmd:    ccw.Cmd,
		Cond:   cond,
		Detail: fmt.Sprintf(format, args...),
	}
}

// param returns the packed parameter block that a CCW addresses,
// zero-extended to size.
func (ch *channel) param(i int, ccw eckdccw.CCW, size int) ([]byte, error) {
	img := ch.req.Image
	off := int64(ccw.CDA) - int64(img.Base)
	if off < 0 || off+int64(ccw.Count) > int64(len(img.Bytes)) {
		return nil, ch.check(i, ccw, CondProgramCheck, "data address %#x is outside of the program image", ccw.CDA)
	}
	ret := make([]byte, size)
	copy(ret, img.Bytes[off:off+int64(ccw.Count)])
	return ret, nil
}

func (ch *channel) step(i int, ccw eckdccw.CCW, op eckdccw.Op) error {
	dlog.Tracef(ch.ctx, "ccw %d: %v", i, op)
	switch ccw.Cmd {
	case eckdccw.CmdDefineExtent:
		dat, err := ch.param(i, ccw, binstruct.StaticSize(eckdccw.DefineExtentData{}))
		if err != nil {
			return err
		}
		var de eckdccw.DefineExtentData
		if _, err := binstruct.Unmarshal(dat, &de); err != nil {
			return ch.check(i, ccw, CondCommandReject, "%v", err)
		}
		return ch.defineExtent(i, ccw, de)
	case eckdccw.CmdPrefix:
		dat, err := ch.param(i, ccw, binstruct.StaticSize(eckdccw.PrefixData{}))
		if err != nil {
			return err
		}
		var pfx eckdccw.PrefixData
		if _, err := binstruct.Unmarshal(dat, &pfx); err != nil {
			return ch.check(i, ccw, CondCommandReject, "%v", err)
		}
		if pfx.Format != 0 {
			return ch.check(i, ccw, CondCommandReject, "prefix format %d", pfx.Format)
		}
		if pfx.Validity&eckdccw.ValidDefineExtent == 0 {
			return ch.check(i, ccw, CondCommandReject, "prefix without a valid extent")
		}
		return ch.defineExtent(i, ccw, pfx.DefineExtent)
	case eckdccw.CmdLocateRecord:
		dat, err := ch.param(i, ccw, binstruct.StaticSize(eckdccw.LocateRecordData{}))
		if err != nil {
			return err
		}
		var lo eckdccw.LocateRecordData
		if _, err := binstruct.Unmarshal(dat, &lo); err != nil {
			return ch.check(i, ccw, CondCommandReject, "%v", err)
		}
		return ch.locate(i, ccw, lo)
	case eckdccw.CmdReadCount:
		return ch.readCount(i, ccw, op)
	case eckdccw.CmdRead, eckdccw.CmdReadMT, eckdccw.CmdReadKD, eckdccw.CmdReadKDMT:
		return ch.readData(i, ccw, op)
	case eckdccw.CmdWrite, eckdccw.CmdWriteMT, eckdccw.CmdWriteKD, eckdccw.CmdWriteKDMT:
		return ch.writeData(i, ccw, op)
	case eckdccw.CmdWriteRecordZero, eckdccw.CmdWriteCKD:
		return ch.formatWrite(i, ccw, op)
	default:
		return ch.check(i, ccw, CondCommandReject, "unsupported command")
	}
}

func (ch *channel) defineExtent(i int, ccw eckdccw.CCW, de eckdccw.DefineExtentData) error {
	if ch.ext != nil {
		return ch.check(i, ccw, CondCommandReject, "extent is already defined")
	}
	beg := ch.geom.Linear(eckdgeom.TrackAddress{Cyl: uint32(de.BegExt.Cyl), Head: uint32(de.BegExt.Head)})
	end := ch.geom.Linear(eckdgeom.TrackAddress{Cyl: uint32(de.EndExt.Cyl), Head: uint32(de.EndExt.Head)})
	if uint32(de.BegExt.Head) >= ch.geom.TracksPerCyl || uint32(de.EndExt.Head) >= ch.geom.TracksPerCyl ||
		beg > end || end >= ch.geom.Tracks() {
		return ch.check(i, ccw, CondCommandReject, "invalid extent %v-%v", de.BegExt, de.EndExt)
	}
	ch.ext = &extent{
		beg:  beg,
		end:  end,
		perm: de.Mask.Perm(),
	}
	return nil
}

// track returns the current contents of a track, including changes
// that this program has made but not yet flushed.
func (ch *channel) track(trk uint32) (*Track, error) {
	if ret, ok := ch.dirty[trk]; ok {
		return ret, nil
	}
	return ch.img.loadTrack(trk)
}

// mutable makes the domain's track a private copy that is written
// back when the program ends.
func (ch *channel) mutable() {
	if _, ok := ch.dirty[ch.dom.trkNum]; !ok {
		ch.dom.trk = ch.dom.trk.clone()
		ch.dirty[ch.dom.trkNum] = ch.dom.trk
	}
}

func (ch *channel) locate(i int, ccw eckdccw.CCW, lo eckdccw.LocateRecordData) error {
	if ch.ext == nil {
		return ch.check(i, ccw, CondCommandReject, "locate record without an extent")
	}
	if lo.Count == 0 {
		return ch.check(i, ccw, CondCommandReject, "locate record with a zero count")
	}
	trkNum := ch.geom.Linear(eckdgeom.TrackAddress{Cyl: uint32(lo.SeekAddr.Cyl), Head: uint32(lo.SeekAddr.Head)})
	if uint32(lo.SeekAddr.Head) >= ch.geom.TracksPerCyl || !ch.ext.contains(trkNum) {
		return ch.check(i, ccw, CondFileProtected, "seek address %v is outside of the extent", lo.SeekAddr)
	}
	trk, err := ch.track(trkNum)
	if err != nil {
		return ch.check(i, ccw, CondEquipmentCheck, "%v", err)
	}
	dom := &domain{
		op:        lo.Operation,
		trkNum:    trkNum,
		trk:       trk,
		fresh:     true,
		remaining: int(lo.Count),
	}
	switch {
	case lo.Operation.Code() == locFormatWrite && lo.Operation.Orientation() == orientHA:
		dom.pos = -1
	case lo.Operation.Orientation() == orientCount:
		switch lo.Operation.Code() {
		case locWriteData, locFormatWrite, locReadData, locReadTracks:
		default:
			return ch.check(i, ccw, CondCommandReject, "unsupported locate operation %#02x", lo.Operation.Code())
		}
		dom.pos = trk.find(lo.SearchArg)
		if dom.pos < 0 {
			return ch.check(i, ccw, CondNoRecordFound, "record %v", lo.SearchArg)
		}
	default:
		return ch.check(i, ccw, CondCommandReject, "unsupported locate orientation %d", lo.Operation.Orientation())
	}
	ch.dom = dom
	if dom.op.Code() == locFormatWrite {
		// A format write erases the rest of the track.
		ch.mutable()
		dom.trk.Records = dom.trk.Records[:dom.pos+1]
	}
	return nil
}

// enter checks that ccw may run in the current locate domain, and
// uses up one of the domain's records.
func (ch *channel) enter(i int, ccw eckdccw.CCW, codes ...uint8) error {
	if ch.dom == nil {
		return ch.check(i, ccw, CondCommandReject, "no locate record")
	}
	if !slices.Contains(codes, ch.dom.op.Code()) {
		return ch.check(i, ccw, CondCommandReject, "not valid after locate operation %#02x", ch.dom.op.Code())
	}
	if ch.dom.remaining == 0 {
		return ch.check(i, ccw, CondCommandReject, "locate domain is exhausted")
	}
	ch.dom.remaining--
	return nil
}

// next moves to the next record, going on to the next track for
// multi-track commands.
func (ch *channel) next(i int, ccw eckdccw.CCW) (*Record, error) {
	dom := ch.dom
	if dom.fresh {
		dom.fresh = false
	} else {
		dom.pos++
	}
	for dom.pos >= len(dom.trk.Records) {
		if ccw.Cmd&cmdMT == 0 {
			return nil, ch.check(i, ccw, CondNoRecordFound, "end of track %d", dom.trkNum)
		}
		if !ch.ext.contains(dom.trkNum + 1) {
			return nil, ch.check(i, ccw, CondFileProtected, "track %d is outside of the extent", dom.trkNum+1)
		}
		trk, err := ch.track(dom.trkNum + 1)
		if err != nil {
			return nil, ch.check(i, ccw, CondEquipmentCheck, "%v", err)
		}
		dom.trkNum++
		dom.trk = trk
		dom.pos = trk.firstUserRecord()
	}
	return &dom.trk.Records[dom.pos], nil
}

// transferLen checks the CCW count against the length of the field
// that the device has to transfer.
func (ch *channel) transferLen(i int, ccw eckdccw.CCW, want int) (int, error) {
	have := int(ccw.Count)
	if have != want && !ccw.Flags.Has(eckdccw.FlagSLI) {
		return 0, ch.check(i, ccw, CondIncorrectLength, "count is %d but the field is %d bytes", have, want)
	}
	if have < want {
		return have, nil
	}
	return want, nil
}

// buffer returns the memory that a data transfer CCW reads or writes.
func (ch *channel) buffer(i int, ccw eckdccw.CCW, op eckdccw.Op) ([]byte, error) {
	if buf := op.Buffer(); buf != nil {
		if len(buf) < int(ccw.Count) {
			return nil, ch.check(i, ccw, CondProgramCheck, "buffer is %d bytes, count is %d", len(buf), ccw.Count)
		}
		return buf[:ccw.Count], nil
	}
	return ch.param(i, ccw, int(ccw.Count))
}

func (ch *channel) readCount(i int, ccw eckdccw.CCW, op eckdccw.Op) error {
	if err := ch.enter(i, ccw, locReadData, locReadTracks); err != nil {
		return err
	}
	// The search has already passed over the count of the record
	// that it found.
	ch.dom.fresh = false
	rec, err := ch.next(i, ccw)
	if err != nil {
		return err
	}
	buf, err := ch.buffer(i, ccw, op)
	if err != nil {
		return err
	}
	n, err := ch.transferLen(i, ccw, eckdccw.CountFieldSize)
	if err != nil {
		return err
	}
	dat, err := binstruct.Marshal(rec.Count)
	if err != nil {
		return ch.check(i, ccw, CondEquipmentCheck, "%v", err)
	}
	copy(buf, dat[:n])
	return nil
}

// field returns the bytes of a record that a read or write command
// transfers.
func field(ccw eckdccw.CCW, rec *Record) [][]byte {
	if ccw.Cmd == ccw.Cmd.KD() {
		return [][]byte{rec.Key, rec.Data}
	}
	return [][]byte{rec.Data}
}

func fieldLen(parts [][]byte) int {
	n := 0
	for _, part := range parts {
		n += len(part)
	}
	return n
}

func (ch *channel) readData(i int, ccw eckdccw.CCW, op eckdccw.Op) error {
	if err := ch.enter(i, ccw, locReadData); err != nil {
		return err
	}
	rec, err := ch.next(i, ccw)
	if err != nil {
		return err
	}
	buf, err := ch.buffer(i, ccw, op)
	if err != nil {
		return err
	}
	parts := field(ccw, rec)
	n, err := ch.transferLen(i, ccw, fieldLen(parts))
	if err != nil {
		return err
	}
	buf = buf[:n]
	for _, part := range parts {
		part = part[:copy(buf, part)]
		buf = buf[len(part):]
	}
	return nil
}

func (ch *channel) writeData(i int, ccw eckdccw.CCW, op eckdccw.Op) error {
	if err := ch.enter(i, ccw, locWriteData); err != nil {
		return err
	}
	if ch.ext.perm == eckdccw.PermRead {
		return ch.check(i, ccw, CondFileProtected, "extent does not permit writes")
	}
	if _, err := ch.next(i, ccw); err != nil {
		return err
	}
	ch.mutable()
	rec := &ch.dom.trk.Records[ch.dom.pos]
	buf, err := ch.buffer(i, ccw, op)
	if err != nil {
		return err
	}
	parts := field(ccw, rec)
	n, err := ch.transferLen(i, ccw, fieldLen(parts))
	if err != nil {
		return err
	}
	buf = buf[:n]
	for _, part := range parts {
		m := copy(part, buf)
		for j := m; j < len(part); j++ {
			part[j] = 0
		}
		buf = buf[m:]
	}
	return nil
}

func (ch *channel) formatWrite(i int, ccw eckdccw.CCW, op eckdccw.Op) error {
	if err := ch.enter(i, ccw, locFormatWrite); err != nil {
		return err
	}
	dom := ch.dom
	switch ccw.Cmd {
	case eckdccw.CmdWriteRecordZero:
		if ch.ext.perm != eckdccw.PermReadWrite {
			return ch.check(i, ccw, CondFileProtected, "extent does not permit writing record zero")
		}
		if dom.op.Orientation() != orientHA || len(dom.trk.Records) != 0 {
			return ch.check(i, ccw, CondCommandReject, "record zero must be the first record written")
		}
	default:
		if ch.ext.perm == eckdccw.PermRead || ch.ext.perm == eckdccw.PermWrite {
			return ch.check(i, ccw, CondFileProtected, "extent does not permit format writes")
		}
		if len(dom.trk.Records) == 0 {
			return ch.check(i, ccw, CondInvalidTrackFormat, "track has no record zero")
		}
	}

	buf, err := ch.buffer(i, ccw, op)
	if err != nil {
		return err
	}
	if len(buf) < eckdccw.CountFieldSize {
		return ch.check(i, ccw, CondIncorrectLength, "count is %d, shorter than a count field", ccw.Count)
	}
	var rec Record
	if _, err := binstruct.Unmarshal(buf, &rec.Count); err != nil {
		return ch.check(i, ccw, CondCommandReject, "%v", err)
	}
	if ccw.Cmd == eckdccw.CmdWriteRecordZero && rec.Count.Record != 0 {
		return ch.check(i, ccw, CondInvalidTrackFormat, "record zero has record number %d", rec.Count.Record)
	}
	if _, err := ch.transferLen(i, ccw, eckdccw.CountFieldSize+int(rec.Count.KL)+int(rec.Count.DL)); err != nil {
		return err
	}
	rest := buf[eckdccw.CountFieldSize:]
	rec.Key = make([]byte, rec.Count.KL)
	rest = rest[copy(rec.Key, rest):]
	rec.Data = make([]byte, rec.Count.DL)
	copy(rec.Data, rest)

	dom.trk.Records = append(dom.trk.Records, rec)
	dom.pos = len(dom.trk.Records) - 1
	dev := ch.geom.DevType
	if dom.trk.size() > TrackSlotSize || dom.trk.cells(dev) > eckdgeom.TrackCapacity(dev) {
		dom.trk.Records = dom.trk.Records[:len(dom.trk.Records)-1]
		return ch.check(i, ccw, CondInvalidTrackFormat, "record %v does not fit on the track", rec.Count)
	}
	return nil
}
