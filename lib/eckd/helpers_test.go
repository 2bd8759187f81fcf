// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdgeom"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

// A 3390 with 10 cylinders holds 12 blocks of 4KiB per track, 1800
// blocks in all.
const (
	testBlkSize = 4096
	testBPT     = 12
)

type testVolume struct {
	Config  func(*eckd.DeviceConfig)
	Options eckd.VolumeOptions
	Layout  eckd.LayoutMode
}

func (tv testVolume) Build(t *testing.T) *eckd.Volume {
	t.Helper()
	cfg := eckd.DeviceConfig{
		Name:            "dasda",
		Characteristics: eckdgeom.Model3390(10),
	}
	if tv.Config != nil {
		tv.Config(&cfg)
	}
	dev, err := eckd.NewDevice(cfg)
	require.NoError(t, err)
	vol, err := eckd.NewVolume(dev, tv.Options)
	require.NoError(t, err)
	if tv.Layout != eckd.LayoutUnknown {
		require.NoError(t, vol.SetLayout(tv.Layout, testBlkSize))
	}
	return vol
}

func newAlias(t *testing.T, name string, typ eckdccw.UnitType) *eckd.Device {
	t.Helper()
	dev, err := eckd.NewDevice(eckd.DeviceConfig{
		Name:            name,
		Characteristics: eckdgeom.Model3390(10),
		UnitAddr:        0x80,
		UnitType:        typ,
	})
	require.NoError(t, err)
	return dev
}

type fixedRouter struct {
	alias *eckd.Device
}

func (r fixedRouter) PickStartDevice(*eckd.Device) *eckd.Device { return r.alias }

// segment returns a zeroed segment of n blocks at addr.
func segment(addr eckdmem.Addr, n int) eckdmem.Segment {
	return eckdmem.Segment{
		Addr: addr,
		Buf:  make([]byte, n*testBlkSize),
	}
}

func ioreq(dir eckd.Direction, firstBlock, nBlocks int, segs ...eckdmem.Segment) eckd.IORequest {
	return eckd.IORequest{
		Dir:       dir,
		Sector:    uint64(firstBlock) * (testBlkSize / eckdgeom.SectorSize),
		NrSectors: uint64(nBlocks) * (testBlkSize / eckdgeom.SectorSize),
		Segments:  segs,
	}
}

func dataOps(req *eckd.Request) []eckdccw.Op {
	var ret []eckdccw.Op
	for _, op := range req.Program.Ops {
		switch op.Data.(type) {
		case eckdccw.Direct, eckdccw.Indirect:
			ret = append(ret, op)
		}
	}
	return ret
}

func locates(req *eckd.Request) []*eckdccw.LocateRecordData {
	var ret []*eckdccw.LocateRecordData
	for _, op := range req.Program.Ops {
		if lo, ok := op.Data.(*eckdccw.LocateRecordData); ok {
			ret = append(ret, lo)
		}
	}
	return ret
}

func cmds(req *eckd.Request) []eckdccw.Cmd {
	ret := make([]eckdccw.Cmd, 0, len(req.Program.Ops))
	for _, op := range req.Program.Ops {
		ret = append(ret, op.Cmd)
	}
	return ret
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
	err error
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *testClock) SyncValue() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return eckdccw.TOD(c.now), c.err
}

// fakeExecutor holds programs until the test finishes them, unless
// Auto completes them as soon as they are started.
type fakeExecutor struct {
	StartErr error
	Auto     func(*eckd.Request) eckd.Outcome

	mu         sync.Mutex
	started    []*eckd.Request
	pending    map[uint64]func(eckd.Outcome)
	terminated []uint64
}

var _ eckd.Executor = (*fakeExecutor)(nil)

func (e *fakeExecutor) Start(_ context.Context, req *eckd.Request, done func(eckd.Outcome)) error {
	if e.StartErr != nil {
		return e.StartErr
	}
	e.mu.Lock()
	e.started = append(e.started, req)
	if e.Auto == nil {
		if e.pending == nil {
			e.pending = make(map[uint64]func(eckd.Outcome))
		}
		e.pending[req.ID] = done
	}
	e.mu.Unlock()
	if e.Auto != nil {
		done(e.Auto(req))
	}
	return nil
}

func (e *fakeExecutor) Terminate(_ context.Context, req *eckd.Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = append(e.terminated, req.ID)
	return nil
}

// Finish reports the outcome of a started request.  The executor
// keeps the callback, so a test can report a second outcome.
func (e *fakeExecutor) Finish(t *testing.T, req *eckd.Request, outcome eckd.Outcome) {
	t.Helper()
	e.mu.Lock()
	done, ok := e.pending[req.ID]
	e.mu.Unlock()
	require.True(t, ok, fmt.Sprintf("request %d was never started", req.ID))
	done(outcome)
}

func (e *fakeExecutor) Started() []*eckd.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*eckd.Request(nil), e.started...)
}

func (e *fakeExecutor) Terminated() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.terminated...)
}
