// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd_test

import (
	"bytes"
	"errors"
	"syscall"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

func TestBuildIORequestLDL(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 13, 3, segment(0x100000, 3)))
	require.NoError(t, err)
	defer eckd.FreeRequest(ctx, req)

	assert.Equal(t, []eckdccw.Cmd{
		eckdccw.CmdDefineExtent,
		eckdccw.CmdLocateRecord,
		eckdccw.CmdReadMT,
		eckdccw.CmdReadMT,
		eckdccw.CmdReadMT,
	}, cmds(req))

	de, ok := req.Program.Ops[0].Data.(*eckdccw.DefineExtentData)
	require.True(t, ok)
	assert.Equal(t, eckdccw.PermRead, de.Mask.Perm())
	assert.Equal(t, eckdccw.CH{Cyl: 0, Head: 1}, de.BegExt)
	assert.Equal(t, eckdccw.CH{Cyl: 0, Head: 1}, de.EndExt)

	los := locates(req)
	require.Len(t, los, 1)
	assert.Equal(t, uint8(3), los[0].Count)
	assert.Equal(t, eckdccw.CH{Cyl: 0, Head: 1}, los[0].SeekAddr)
	assert.Equal(t, eckdccw.CHR{Cyl: 0, Head: 1, Record: 2}, los[0].SearchArg)
	assert.Equal(t, uint16(testBlkSize), los[0].Length)

	for i, op := range dataOps(req) {
		assert.Equal(t, uint16(testBlkSize), op.Count)
		assert.Equal(t, eckdccw.Direct{
			Addr: eckdmem.Addr(0x100000 + i*testBlkSize),
			Buf:  op.Buffer(),
		}, op.Data)
	}
	for i, op := range req.Program.Ops {
		assert.Equal(t, i < len(req.Program.Ops)-1, op.Flags.Has(eckdccw.FlagCC), "op %d", i)
	}
	assert.Equal(t, eckd.StatusFilled, req.Status())
	assert.Equal(t, uint8(0xff), req.LPM)
	assert.Equal(t, eckd.DefaultIORetries, req.Retries)
	assert.Equal(t, eckd.DefaultIOExpires, req.Expires)
}

func TestBuildIORequestCDLSplit(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	vol := testVolume{Layout: eckd.LayoutCDL}.Build(t)

	const nBlocks = 2*testBPT + 2
	seg := segment(0x100000, nBlocks)
	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, nBlocks, seg))
	require.NoError(t, err)
	defer eckd.FreeRequest(ctx, req)

	// One locate per special record, then one for everything
	// after them.
	los := locates(req)
	require.Len(t, los, 2*testBPT+1)
	for i := 0; i < 2*testBPT; i++ {
		assert.Equal(t, uint8(1), los[i].Count, "locate %d", i)
	}
	assert.Equal(t, uint16(28), los[0].Length)
	assert.Equal(t, eckdccw.CHR{Cyl: 0, Head: 0, Record: 1}, los[0].SearchArg)
	assert.Equal(t, uint16(148), los[1].Length)
	assert.Equal(t, uint16(84), los[2].Length)
	assert.Equal(t, uint16(testBlkSize), los[3].Length)
	assert.Equal(t, uint16(140), los[testBPT].Length)
	assert.Equal(t, eckdccw.CHR{Cyl: 0, Head: 1, Record: 1}, los[testBPT].SearchArg)
	assert.Equal(t, uint8(2), los[2*testBPT].Count)
	assert.Equal(t, eckdccw.CHR{Cyl: 0, Head: 2, Record: 1}, los[2*testBPT].SearchArg)
	assert.Equal(t, uint16(testBlkSize), los[2*testBPT].Length)

	ops := dataOps(req)
	require.Len(t, ops, nBlocks)
	for i, op := range ops {
		class := eckdgeom.Classify(testBPT, uint32(i), true, testBlkSize)
		assert.Equal(t, uint16(class.Length), op.Count, "block %d", i)
		if class.Special {
			assert.Equal(t, eckdccw.CmdReadKDMT, op.Cmd, "block %d", i)
		} else {
			assert.Equal(t, eckdccw.CmdReadMT, op.Cmd, "block %d", i)
		}
	}

	// Short special records are padded for reads.
	blk := func(i int) []byte { return seg.Buf[i*testBlkSize : (i+1)*testBlkSize] }
	assert.Equal(t, bytes.Repeat([]byte{0xE5}, testBlkSize-28), blk(0)[28:])
	assert.Equal(t, make([]byte, 28), blk(0)[:28])
	assert.Equal(t, make([]byte, testBlkSize), blk(3))
	assert.Equal(t, bytes.Repeat([]byte{0xE5}, testBlkSize-140), blk(testBPT)[140:])
}

func TestBuildIORequestCDLWrite(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	vol := testVolume{Layout: eckd.LayoutCDL}.Build(t)

	seg := segment(0x100000, 4)
	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirWrite, 0, 4, seg))
	require.NoError(t, err)
	defer eckd.FreeRequest(ctx, req)

	de, ok := req.Program.Ops[0].Data.(*eckdccw.DefineExtentData)
	require.True(t, ok)
	assert.Equal(t, eckdccw.PermWrite, de.Mask.Perm())

	var got []eckdccw.Cmd
	for _, op := range dataOps(req) {
		got = append(got, op.Cmd)
	}
	assert.Equal(t, []eckdccw.Cmd{
		eckdccw.CmdWriteKDMT,
		eckdccw.CmdWriteKDMT,
		eckdccw.CmdWriteKDMT,
		eckdccw.CmdWriteMT,
	}, got)
	assert.Equal(t, make([]byte, len(seg.Buf)), seg.Buf, "writes are not padded")
}

func TestBuildIORequestCDLBoundary(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		First, N int
		ExpCmds  []eckdccw.Cmd
		ExpLOs   []uint8
	}
	de, lo := eckdccw.CmdDefineExtent, eckdccw.CmdLocateRecord
	rd, rdkd := eckdccw.CmdReadMT, eckdccw.CmdReadKDMT
	testcases := map[string]TestCase{
		"before-boundary": {
			First: 2*testBPT - 1, N: 3,
			ExpCmds: []eckdccw.Cmd{de, lo, rdkd, lo, rd, rd},
			ExpLOs:  []uint8{1, 2},
		},
		"at-boundary": {
			First: 2 * testBPT, N: 3,
			ExpCmds: []eckdccw.Cmd{de, lo, rd, rd, rd},
			ExpLOs:  []uint8{3},
		},
		"past-boundary": {
			First: 2*testBPT + 1, N: 3,
			ExpCmds: []eckdccw.Cmd{de, lo, rd, rd, rd},
			ExpLOs:  []uint8{3},
		},
		"uniform-on-track-0": {
			First: 3, N: 2,
			ExpCmds: []eckdccw.Cmd{de, lo, rd, lo, rd},
			ExpLOs:  []uint8{1, 1},
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			vol := testVolume{Layout: eckd.LayoutCDL}.Build(t)
			req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, tc.First, tc.N, segment(0x100000, tc.N)))
			require.NoError(t, err)
			defer eckd.FreeRequest(ctx, req)
			assert.Equal(t, tc.ExpCmds, cmds(req))
			var counts []uint8
			for _, lo := range locates(req) {
				counts = append(counts, lo.Count)
			}
			assert.Equal(t, tc.ExpLOs, counts)
		})
	}
}

// Every block of the range is transferred exactly once, with the
// length its record class says, and the locates cover exactly the
// range.
func TestBuildIORequestConservation(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	for _, layout := range []eckd.LayoutMode{eckd.LayoutCDL, eckd.LayoutLDL} {
		vol := testVolume{Layout: layout}.Build(t)
		for first := 0; first < 3*testBPT; first++ {
			for n := 1; n <= 2*testBPT; n++ {
				req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, first, n,
					segment(0x100000, 1), segment(0x200000, n-1)))
				require.NoError(t, err)

				var expBytes, gotBytes int
				for i := 0; i < n; i++ {
					expBytes += int(eckdgeom.Classify(testBPT, uint32(first+i), layout == eckd.LayoutCDL, testBlkSize).Length)
				}
				ops := dataOps(req)
				for _, op := range ops {
					gotBytes += int(op.Count)
				}
				var loRecs int
				for _, lo := range locates(req) {
					loRecs += int(lo.Count)
				}
				assert.Len(t, ops, n, "%v [%d,+%d)", layout, first, n)
				assert.Equal(t, expBytes, gotBytes, "%v [%d,+%d)", layout, first, n)
				assert.Equal(t, n, loRecs, "%v [%d,+%d)", layout, first, n)
				assert.False(t, eckd.FreeRequest(ctx, req))
			}
		}
		assert.Equal(t, 0, vol.Base().Inflight())
	}
}

func TestBuildIORequestErrors(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Layout eckd.LayoutMode
		Req    eckd.IORequest
		ExpErr error
	}
	testcases := map[string]TestCase{
		"not-analyzed": {
			Layout: eckd.LayoutUnknown,
			Req:    ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)),
			ExpErr: eckd.ErrInvalidArgument,
		},
		"empty": {
			Layout: eckd.LayoutLDL,
			Req:    ioreq(eckd.DirRead, 0, 0),
			ExpErr: eckd.ErrInvalidArgument,
		},
		"bad-direction": {
			Layout: eckd.LayoutLDL,
			Req:    ioreq(eckd.Direction(7), 0, 1, segment(0x100000, 1)),
			ExpErr: eckd.ErrInvalidArgument,
		},
		"partial-block": {
			Layout: eckd.LayoutLDL,
			Req: ioreq(eckd.DirRead, 0, 1, eckdmem.Segment{
				Addr: 0x100000,
				Buf:  make([]byte, 1000),
			}),
			ExpErr: eckd.ErrInvalidBlockSize,
		},
		"range-mismatch": {
			Layout: eckd.LayoutLDL,
			Req: eckd.IORequest{
				Dir:       eckd.DirRead,
				NrSectors: 3 * 8,
				Segments:  []eckdmem.Segment{segment(0x100000, 2)},
			},
			ExpErr: eckd.ErrRangeMismatch,
		},
		"too-many-blocks": {
			Layout: eckd.LayoutLDL,
			Req:    ioreq(eckd.DirRead, 0, eckd.MaxBlocks+1, segment(0x100000, eckd.MaxBlocks+1)),
			ExpErr: eckd.ErrInvalidArgument,
		},
		"past-end": {
			Layout: eckd.LayoutLDL,
			Req:    ioreq(eckd.DirRead, 10*15*testBPT-1, 2, segment(0x100000, 2)),
			ExpErr: eckd.ErrInvalidArgument,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			vol := testVolume{Layout: tc.Layout}.Build(t)
			req, err := vol.BuildIORequest(ctx, tc.Req)
			assert.Nil(t, req)
			assert.ErrorIs(t, err, tc.ExpErr)
			assert.ErrorIs(t, err, syscall.EINVAL)
			assert.False(t, eckd.IsTransient(err))
			assert.Equal(t, 0, vol.Base().Inflight())
		})
	}
}

func TestBuildIORequestBusy(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	var reqs []*eckd.Request
	for i := 0; i < eckd.DefaultMaxInflight; i++ {
		req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, i, 1, segment(0x100000, 1)))
		require.NoError(t, err)
		reqs = append(reqs, req)
	}
	assert.Equal(t, eckd.DefaultMaxInflight, vol.Base().Inflight())

	_, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	assert.ErrorIs(t, err, eckd.ErrDeviceBusy)
	assert.ErrorIs(t, err, syscall.EBUSY)
	assert.True(t, eckd.IsTransient(err))
	assert.Equal(t, eckd.DefaultMaxInflight, vol.Base().Inflight())

	eckd.FreeRequest(ctx, reqs[0])
	assert.Equal(t, eckd.DefaultMaxInflight-1, vol.Base().Inflight())
	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	reqs[0] = req

	for _, req := range reqs {
		eckd.FreeRequest(ctx, req)
	}
	assert.Equal(t, 0, vol.Base().Inflight())
}

func TestBuildIORequestAlias(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Type        eckdccw.UnitType
		ExpValidity eckdccw.PrefixValidity
	}
	testcases := map[string]TestCase{
		"pav": {
			Type:        eckdccw.UnitPAVAlias,
			ExpValidity: eckdccw.ValidDefineExtent | eckdccw.ValidVerifyBase,
		},
		"hyperpav": {
			Type:        eckdccw.UnitHyperPAVAlias,
			ExpValidity: eckdccw.ValidDefineExtent | eckdccw.ValidVerifyBase | eckdccw.ValidHyperPAV,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			alias := newAlias(t, "dasda-alias", tc.Type)
			vol := testVolume{
				Config: func(cfg *eckd.DeviceConfig) {
					cfg.UsePrefix = true
					cfg.UnitAddr = 0x12
					cfg.LSS = 0x03
				},
				Options: eckd.VolumeOptions{Router: fixedRouter{alias: alias}},
				Layout:  eckd.LayoutLDL,
			}.Build(t)

			req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
			require.NoError(t, err)
			assert.Same(t, alias, req.StartDev)
			assert.Same(t, alias, req.MemDev)
			assert.Equal(t, 1, alias.Inflight())
			assert.Equal(t, 0, vol.Base().Inflight())

			require.Equal(t, eckdccw.CmdPrefix, req.Program.Ops[0].Cmd)
			pfx, ok := req.Program.Ops[0].Data.(*eckdccw.PrefixData)
			require.True(t, ok)
			assert.Equal(t, tc.ExpValidity, pfx.Validity)
			assert.Equal(t, uint8(0x12), pfx.BaseAddress)
			assert.Equal(t, uint8(0x03), pfx.BaseLSS)
			assert.Equal(t, eckdccw.PermRead, pfx.DefineExtent.Mask.Perm())

			eckd.FreeRequest(ctx, req)
			assert.Equal(t, 0, alias.Inflight())
		})
	}
}

func TestBuildIORequestClock(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	clock := &testClock{err: eckdccw.ErrClockNotSynced}
	vol := testVolume{
		Config: func(cfg *eckd.DeviceConfig) {
			cfg.Characteristics.XRCSupported = true
		},
		Options: eckd.VolumeOptions{Clock: clock},
		Layout:  eckd.LayoutLDL,
	}.Build(t)

	_, err := vol.BuildIORequest(ctx, ioreq(eckd.DirWrite, 0, 1, segment(0x100000, 1)))
	assert.ErrorIs(t, err, eckd.ErrClockNotSynced)
	assert.ErrorIs(t, err, syscall.EAGAIN)
	assert.True(t, eckd.IsTransient(err))
	assert.Equal(t, 0, vol.Base().Inflight())

	// Reads do not need a time stamp.
	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	eckd.FreeRequest(ctx, req)

	clock.mu.Lock()
	clock.err = nil
	clock.mu.Unlock()
	req, err = vol.BuildIORequest(ctx, ioreq(eckd.DirWrite, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	defer eckd.FreeRequest(ctx, req)
	assert.Equal(t, uint16(32), req.Program.Ops[0].Count)
	assert.True(t, req.Program.Ops[0].Flags.Has(eckdccw.FlagSLI))
}

func TestBuildIORequestCopyPool(t *testing.T) {
	t.Parallel()
	const high = eckdmem.Addr(1 << 32)

	t.Run("read", func(t *testing.T) {
		t.Parallel()
		ctx := dlog.NewTestContext(t, false)
		pool, err := eckdmem.NewCopyPool(0x01000000, 4)
		require.NoError(t, err)
		vol := testVolume{
			Options: eckd.VolumeOptions{Pool: pool},
			Layout:  eckd.LayoutLDL,
		}.Build(t)

		aligned := segment(high, 1)
		straddling := segment(high+0x800, 1)
		req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 2, aligned, straddling))
		require.NoError(t, err)
		assert.Equal(t, 3, pool.Free())

		ops := dataOps(req)
		require.Len(t, ops, 2)
		direct, ok := ops[0].Data.(eckdccw.Direct)
		require.True(t, ok, "copied segment is addressed directly")
		assert.Equal(t, eckdmem.Addr(0x01000000), direct.Addr&^(eckdmem.PageSize-1))
		assert.False(t, ops[0].Flags.Has(eckdccw.FlagIDA))
		_, ok = ops[1].Data.(eckdccw.Indirect)
		assert.True(t, ok, "segment that does not fit a page goes through an IDAL")
		assert.True(t, ops[1].Flags.Has(eckdccw.FlagIDA))

		// Play the device.
		for _, op := range ops {
			copy(op.Buffer(), bytes.Repeat([]byte{0xAB}, int(op.Count)))
		}
		assert.False(t, eckd.FreeRequest(ctx, req), "never submitted")
		assert.Equal(t, bytes.Repeat([]byte{0xAB}, testBlkSize), aligned.Buf)
		assert.Equal(t, bytes.Repeat([]byte{0xAB}, testBlkSize), straddling.Buf)
		assert.Equal(t, 4, pool.Free())
	})

	t.Run("write", func(t *testing.T) {
		t.Parallel()
		ctx := dlog.NewTestContext(t, false)
		pool, err := eckdmem.NewCopyPool(0x01000000, 1)
		require.NoError(t, err)
		vol := testVolume{
			Options: eckd.VolumeOptions{Pool: pool},
			Layout:  eckd.LayoutLDL,
		}.Build(t)

		first, second := segment(high, 1), segment(high+eckdmem.PageSize, 1)
		copy(first.Buf, bytes.Repeat([]byte{0x11}, testBlkSize))
		copy(second.Buf, bytes.Repeat([]byte{0x22}, testBlkSize))
		req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirWrite, 0, 2, first, second))
		require.NoError(t, err)
		assert.Equal(t, 0, pool.Free())

		ops := dataOps(req)
		require.Len(t, ops, 2)
		assert.Equal(t, first.Buf, ops[0].Buffer())
		assert.NotSame(t, &first.Buf[0], &ops[0].Buffer()[0], "data was copied")
		_, ok := ops[1].Data.(eckdccw.Indirect)
		assert.True(t, ok, "pool exhausted, so the second segment is addressed in place")
		assert.Same(t, &second.Buf[0], &ops[1].Buffer()[0])

		// Writes are not copied back.
		ops[0].Buffer()[0] = 0xFF
		eckd.FreeRequest(ctx, req)
		assert.Equal(t, byte(0x11), first.Buf[0])
		assert.Equal(t, 1, pool.Free())
	})
}

func TestFreeRequestIdempotent(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, req))

	assert.False(t, eckd.FreeRequest(ctx, req), "in progress")
	assert.Equal(t, 1, vol.Base().Inflight())

	exec.Finish(t, req, eckd.Outcome{})
	assert.True(t, eckd.FreeRequest(ctx, req))
	assert.Equal(t, 0, vol.Base().Inflight())
	assert.Equal(t, eckd.StatusFreed, req.Status())
	assert.True(t, eckd.FreeRequest(ctx, req))
	assert.Equal(t, 0, vol.Base().Inflight())
	assert.Equal(t, eckd.StatusDone, req.Result())
	assert.NoError(t, req.Err())
	assert.False(t, errors.Is(req.Err(), syscall.EIO))
}
