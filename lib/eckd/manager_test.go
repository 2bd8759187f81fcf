// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd_test

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
)

var errMedia = errors.New("equipment check")

func TestManagerComplete(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 2, segment(0x100000, 2)))
	require.NoError(t, err)
	var calls atomic.Int32
	req.Callback = func(context.Context, *eckd.Request) { calls.Add(1) }

	require.NoError(t, mgr.Submit(ctx, req))
	assert.Equal(t, eckd.StatusInProgress, req.Status())
	require.NotNil(t, req.Image)
	assert.Equal(t, req.Image.Base, req.Image.Base&^7)
	assert.Len(t, mgr.Outstanding(), 1)

	assert.Error(t, mgr.Submit(ctx, req), "resubmitting an in-progress request")

	exec.Finish(t, req, eckd.Outcome{})
	exec.Finish(t, req, eckd.Outcome{Err: errMedia})
	require.NoError(t, req.Wait(ctx))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, eckd.StatusDone, req.Status())
	assert.NoError(t, req.Err())
	assert.Empty(t, mgr.Outstanding())
	assert.True(t, eckd.FreeRequest(ctx, req))
}

func TestManagerDeviceError(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirWrite, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, req))
	exec.Finish(t, req, eckd.Outcome{Err: errMedia, Sense: []byte{0x10}})

	assert.Equal(t, eckd.StatusError, req.Status())
	err = req.Err()
	var devErr *eckd.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "dasda", devErr.Dev)
	assert.Equal(t, []byte{0x10}, devErr.Outcome.Sense)
	assert.ErrorIs(t, err, errMedia)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Equal(t, eckd.DefaultIORetries-1, req.Retries, "no recovery configured, but the budget is still spent")
	assert.False(t, eckd.FreeRequest(ctx, req))
	assert.Equal(t, 0, vol.Base().Inflight())
}

func TestManagerStartError(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{StartErr: errMedia}
	mgr := &eckd.Manager{Executor: exec}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	var called bool
	req.Callback = func(ctx context.Context, req *eckd.Request) {
		called = true
		eckd.FreeRequest(ctx, req)
	}
	require.NoError(t, mgr.Submit(ctx, req), "start failures are reported through completion")
	assert.True(t, called)
	assert.ErrorIs(t, req.Err(), errMedia)
	assert.Equal(t, eckd.StatusFreed, req.Status())
	assert.Equal(t, 0, vol.Base().Inflight())
}

func TestManagerExpire(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	clock := &testClock{now: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec, Clock: clock, Recovery: eckd.RetryTransient{}}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	req.FailFast = true
	require.NoError(t, mgr.Submit(ctx, req))
	assert.Equal(t, clock.Now().Add(eckd.DefaultIOExpires), req.Deadline)

	assert.Equal(t, 0, mgr.ExpireOverdue(ctx, clock.Advance(time.Minute)))
	assert.Equal(t, eckd.StatusInProgress, req.Status())

	assert.Equal(t, 1, mgr.ExpireOverdue(ctx, clock.Advance(5*time.Minute)))
	assert.Equal(t, eckd.StatusTimedOut, req.Status())
	assert.Equal(t, []uint64{req.ID}, exec.Terminated())
	assert.ErrorIs(t, req.Err(), eckd.ErrTimedOut)
	assert.ErrorIs(t, req.Err(), syscall.ETIMEDOUT)
	assert.Equal(t, 0, mgr.ExpireOverdue(ctx, clock.Advance(time.Hour)))

	// A late completion from the device changes nothing.
	exec.Finish(t, req, eckd.Outcome{})
	assert.Equal(t, eckd.StatusTimedOut, req.Status())
	assert.False(t, eckd.FreeRequest(ctx, req))
}

func TestManagerRunExpiry(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec}
	vol := testVolume{
		Config: func(cfg *eckd.DeviceConfig) {
			cfg.IOExpires = time.Millisecond
		},
		Layout: eckd.LayoutLDL,
	}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, req))

	ctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error)
	go func() { errCh <- mgr.RunExpiry(ctx, time.Millisecond) }()
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	require.NoError(t, req.Wait(waitCtx))
	cancel()
	assert.NoError(t, <-errCh)
	assert.Equal(t, eckd.StatusTimedOut, req.Status())
}

func TestManagerCancelPending(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec, Recovery: eckd.RetryTransient{}}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)
	other := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	var reqs []*eckd.Request
	for i := 0; i < 2; i++ {
		req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, i, 1, segment(0x100000, 1)))
		require.NoError(t, err)
		require.NoError(t, mgr.Submit(ctx, req))
		reqs = append(reqs, req)
	}
	otherReq, err := other.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, otherReq))

	assert.Equal(t, 2, mgr.CancelPending(ctx, vol.Base()))
	for _, req := range reqs {
		assert.Equal(t, eckd.StatusError, req.Status(), "canceled requests are not retried")
		assert.ErrorIs(t, req.Err(), eckd.ErrCanceled)
		assert.ErrorIs(t, req.Err(), syscall.ECANCELED)
		eckd.FreeRequest(ctx, req)
	}
	assert.Equal(t, []uint64{reqs[0].ID, reqs[1].ID}, exec.Terminated())
	assert.Equal(t, []*eckd.Request{otherReq}, mgr.Outstanding())
	assert.Equal(t, 0, mgr.CancelPending(ctx, vol.Base()))

	require.NoError(t, mgr.Close(ctx))
	assert.Equal(t, eckd.StatusError, otherReq.Status())
	assert.Empty(t, mgr.Outstanding())
}

func TestManagerCancel(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec, Recovery: eckd.RetryTransient{}}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	var reqs []*eckd.Request
	for i := 0; i < 2; i++ {
		req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, i, 1, segment(0x100000, 1)))
		require.NoError(t, err)
		require.NoError(t, mgr.Submit(ctx, req))
		reqs = append(reqs, req)
	}

	assert.True(t, mgr.Cancel(ctx, reqs[0]))
	assert.False(t, mgr.Cancel(ctx, reqs[0]))
	assert.Equal(t, eckd.StatusError, reqs[0].Status())
	assert.ErrorIs(t, reqs[0].Err(), eckd.ErrCanceled)
	assert.Equal(t, []uint64{reqs[0].ID}, exec.Terminated())
	assert.Equal(t, eckd.StatusInProgress, reqs[1].Status(), "other requests on the device keep running")
	assert.Equal(t, []*eckd.Request{reqs[1]}, mgr.Outstanding())

	exec.Finish(t, reqs[1], eckd.Outcome{})
	assert.Equal(t, eckd.StatusDone, reqs[1].Status())
	for _, req := range reqs {
		eckd.FreeRequest(ctx, req)
	}
	assert.Equal(t, 0, vol.Base().Inflight())
}

func TestManagerResubmitAfterWait(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	var calls atomic.Int32
	req.Callback = func(context.Context, *eckd.Request) { calls.Add(1) }
	require.NoError(t, mgr.Submit(ctx, req))
	exec.Finish(t, req, eckd.Outcome{Err: errMedia})
	require.NoError(t, req.Wait(ctx))
	assert.Equal(t, int32(1), calls.Load())

	// The callback has already run, so the retry must not share
	// req's (closed) completion channel.
	nreq, err := mgr.Resubmit(ctx, req)
	require.NoError(t, err)
	require.NotSame(t, req, nreq)
	assert.Same(t, nreq, req.Latest())
	assert.Equal(t, eckd.StatusFreed, req.Status())
	assert.Equal(t, eckd.StatusInProgress, nreq.Status())

	exec.Finish(t, nreq, eckd.Outcome{})
	require.NoError(t, nreq.Wait(ctx))
	assert.Equal(t, eckd.StatusDone, nreq.Status())
	assert.NoError(t, req.Err())
	assert.Equal(t, int32(2), calls.Load())

	_, err = mgr.Resubmit(ctx, nreq)
	assert.ErrorIs(t, err, eckd.ErrInvalidArgument, "only failed requests are retried")
	assert.True(t, eckd.FreeRequest(ctx, nreq))
	assert.Equal(t, 0, vol.Base().Inflight())
}

func TestManagerRetry(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec, Recovery: eckd.RetryTransient{}}
	alias := newAlias(t, "dasda-alias", eckdccw.UnitHyperPAVAlias)
	vol := testVolume{
		Config: func(cfg *eckd.DeviceConfig) {
			cfg.UsePrefix = true
			cfg.IORetries = 2
		},
		Options: eckd.VolumeOptions{Router: fixedRouter{alias: alias}},
		Layout:  eckd.LayoutLDL,
	}.Build(t)

	seg := segment(0x100000, 1)
	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, seg))
	require.NoError(t, err)
	var calls []uint64
	req.Callback = func(_ context.Context, req *eckd.Request) { calls = append(calls, req.ID) }
	require.NoError(t, mgr.Submit(ctx, req))

	exec.Finish(t, req, eckd.Outcome{Err: errMedia})
	assert.Equal(t, eckd.StatusFreed, req.Status())
	retry := req.Latest()
	require.NotSame(t, req, retry)
	assert.Equal(t, eckd.StatusInProgress, retry.Status())
	assert.Same(t, vol.Base(), retry.StartDev, "retries start on the base device")
	assert.Same(t, alias, retry.MemDev)
	assert.Equal(t, 1, retry.Retries)
	pfx, ok := retry.Program.Ops[0].Data.(*eckdccw.PrefixData)
	require.True(t, ok)
	assert.Equal(t, eckdccw.ValidDefineExtent, pfx.Validity)
	assert.Empty(t, calls)

	// The last retry is not retried.
	exec.Finish(t, retry, eckd.Outcome{Err: errMedia})
	last := req.Latest()
	require.NotSame(t, retry, last)
	assert.Equal(t, 0, last.Retries)
	exec.Finish(t, last, eckd.Outcome{Err: errMedia})
	assert.Same(t, last, req.Latest())
	assert.Equal(t, []uint64{last.ID}, calls)
	require.NoError(t, req.Wait(ctx))
	assert.ErrorIs(t, req.Err(), errMedia)

	assert.Equal(t, 1, alias.Inflight())
	assert.False(t, eckd.FreeRequest(ctx, req))
	assert.Equal(t, 0, alias.Inflight())
}

func TestManagerRetrySucceeds(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec, Recovery: eckd.RetryTransient{}}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, req))
	exec.Finish(t, req, eckd.Outcome{Err: errMedia})
	exec.Finish(t, req.Latest(), eckd.Outcome{})
	require.NoError(t, req.Wait(ctx))
	assert.NoError(t, req.Err())
	assert.True(t, eckd.FreeRequest(ctx, req))
	assert.Equal(t, 0, vol.Base().Inflight())
}

func TestManagerFailFast(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{}
	mgr := &eckd.Manager{Executor: exec, Recovery: eckd.RetryTransient{}}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	r := ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1))
	r.FailFast = true
	req, err := vol.BuildIORequest(ctx, r)
	require.NoError(t, err)
	require.NoError(t, mgr.Submit(ctx, req))
	exec.Finish(t, req, eckd.Outcome{Err: errMedia})
	assert.Same(t, req, req.Latest())
	assert.Equal(t, eckd.StatusError, req.Status())
	eckd.FreeRequest(ctx, req)
}

func TestManagerCallbackPanic(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	exec := &fakeExecutor{Auto: func(*eckd.Request) eckd.Outcome { return eckd.Outcome{} }}
	mgr := &eckd.Manager{Executor: exec}
	vol := testVolume{Layout: eckd.LayoutLDL}.Build(t)

	req, err := vol.BuildIORequest(ctx, ioreq(eckd.DirRead, 0, 1, segment(0x100000, 1)))
	require.NoError(t, err)
	req.Callback = func(context.Context, *eckd.Request) { panic("oops") }
	require.NoError(t, mgr.Submit(ctx, req))
	require.NoError(t, req.Wait(ctx))
	assert.Equal(t, eckd.StatusDone, req.Status())
	assert.True(t, eckd.FreeRequest(ctx, req))
}
