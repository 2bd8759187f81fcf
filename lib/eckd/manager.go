// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd

import (
	"context"
	"fmt"
	"time"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
)

// Executor runs channel programs on the channel subsystem.
type Executor interface {
	// Start begins running req.Program (already packed into
	// req.Image) on req.StartDev, and arranges for done to be
	// called when it ends.  done may be called from any
	// goroutine, including before Start returns.  If Start
	// returns an error, done must not be called.
	Start(ctx context.Context, req *Request, done func(Outcome)) error
	// Terminate stops a program that was started but has not
	// yet been reported done.  Once Terminate returns, the
	// executor must not touch the request's memory, and any
	// later call to done is ignored.
	Terminate(ctx context.Context, req *Request) error
}

// RecoveryAction is what ErrorRecovery decides to do about a failed
// request.
type RecoveryAction int

const (
	RecoveryFail RecoveryAction = iota
	RecoveryRetry
)

// ErrorRecovery decides whether a failed request is worth retrying.
// It sees the request after its retry counter has been decremented.
type ErrorRecovery interface {
	Classify(ctx context.Context, req *Request) RecoveryAction
}

// RetryTransient is an ErrorRecovery that retries every device error
// and timeout, but never a canceled request.
type RetryTransient struct{}

func (RetryTransient) Classify(_ context.Context, req *Request) RecoveryAction {
	if req.Result() == StatusError && req.Outcome().Err == ErrCanceled {
		return RecoveryFail
	}
	return RecoveryRetry
}

// Manager submits requests to an Executor and sees each of them
// through to a final status exactly once, whether that comes from the
// executor, from an expiry sweep, or from cancellation.
type Manager struct {
	Executor Executor
	// Recovery may be nil, in which case failed requests are
	// never retried.
	Recovery ErrorRecovery
	// Clock may be nil, in which case the system clock is used.
	Clock eckdccw.Clock

	outstanding typedsync.Map[uint64, *Request]
}

func (m *Manager) now() time.Time {
	if m.Clock == nil {
		return time.Now()
	}
	return m.Clock.Now()
}

func (req *Request) withLog(ctx context.Context) context.Context {
	return dlog.WithField(req.StartDev.withLog(ctx), "eckd.req", req.ID)
}

// Submit packs req and hands it to the executor.  A failure to start
// the program is not returned; it is reported through the same
// completion path as any other device error.
func (m *Manager) Submit(ctx context.Context, req *Request) error {
	ctx = req.withLog(ctx)
	img, err := req.Program.Pack(req.programAddr())
	if err != nil {
		return fmt.Errorf("%v: %w", req, err)
	}
	if st := req.Status(); st != StatusFilled {
		return fmt.Errorf("%v: submit: status is %v, not %v: %w", req, st, StatusFilled, ErrInvalidArgument)
	}
	req.Image = img
	if req.Expires > 0 {
		req.Deadline = m.now().Add(req.Expires)
	}
	if !req.transition(StatusFilled, StatusInProgress, nil) {
		return fmt.Errorf("%v: submit: lost race: %w", req, ErrInvalidArgument)
	}
	m.outstanding.Store(req.ID, req)
	dlog.Tracef(ctx, "submit: %d ccws", req.Program.Len())
	if err := m.Executor.Start(ctx, req, func(outcome Outcome) { m.complete(ctx, req, outcome) }); err != nil {
		dlog.Warnf(ctx, "start: %v", err)
		m.complete(ctx, req, Outcome{Err: err})
	}
	return nil
}

func (m *Manager) complete(ctx context.Context, req *Request, outcome Outcome) {
	to := StatusDone
	if outcome.Err != nil {
		to = StatusError
	}
	if !req.transition(StatusInProgress, to, &outcome) {
		dlog.Debugf(ctx, "ignoring completion of %v", req)
		return
	}
	m.finalize(ctx, req, true)
}

func (m *Manager) finalize(ctx context.Context, req *Request, mayRetry bool) {
	m.outstanding.Delete(req.ID)
	if req.Result() != StatusDone {
		dlog.Warnf(ctx, "%v: %v", req, req.Err())
		if req.Retries > 0 {
			req.Retries--
			if mayRetry && !req.FailFast && m.Recovery != nil && m.Recovery.Classify(ctx, req) == RecoveryRetry {
				nreq, err := m.Resubmit(ctx, req)
				if err != nil {
					dlog.Errorf(ctx, "retry: %v", err)
				}
				if nreq != nil {
					return
				}
			}
		}
	}
	m.runCallback(ctx, req)
}

func (m *Manager) runCallback(ctx context.Context, req *Request) {
	defer close(req.done)
	if req.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "%v: completion callback: %v", req, derror.PanicToError(r))
		}
	}()
	req.Callback(ctx, req)
}

// Resubmit builds a new request that runs the same program as the
// failed request old, and submits it.  The new request takes over
// old's buffers, in-flight slot, callback and waiters; old becomes
// Freed.  If the program was started on an alias, the new request is
// started on the base device.  Waiters are only carried over while
// old's callback has not yet run; once it has, the new request gets
// its own.
//
// If the new request cannot be submitted, it is completed with an
// error (running its callback) and returned along with the error.
func (m *Manager) Resubmit(ctx context.Context, old *Request) (*Request, error) {
	nreq := &Request{
		ID:       lastRequestID.Add(1),
		Program:  old.Program,
		StartDev: old.StartDev,
		MemDev:   old.MemDev,
		Volume:   old.Volume,
		Dir:      old.Dir,
		Retries:  old.Retries,
		Expires:  old.Expires,
		BuildClk: m.now(),
		LPM:      old.LPM,
		FailFast: old.FailFast,
		Callback: old.Callback,
		segs:     old.segs,
		copies:   old.copies,
		counted:  old.counted,
		status:   StatusFilled,
		done:     old.done,
	}
	select {
	case <-old.done:
		nreq.done = make(chan struct{})
	default:
	}
	if result := old.Result(); result != StatusError && result != StatusTimedOut {
		return nil, fmt.Errorf("%v: resubmit: status is %v: %w", old, result, ErrInvalidArgument)
	}
	if !old.transition(old.Result(), StatusFreed, nil) {
		return nil, fmt.Errorf("%v: resubmit: already freed: %w", old, ErrInvalidArgument)
	}
	old.mu.Lock()
	old.next = nreq
	old.mu.Unlock()
	old.Program = eckdccw.Program{}
	old.segs, old.copies, old.counted = nil, nil, false

	if nreq.Volume != nil && nreq.StartDev != nreq.Volume.base {
		if len(nreq.Program.Ops) > 0 {
			if pfx, ok := nreq.Program.Ops[0].Data.(*eckdccw.PrefixData); ok {
				pfx.ResetToBase()
			}
		}
		nreq.StartDev = nreq.Volume.base
	}

	dlog.Infof(old.withLog(ctx), "retrying as request %d (%d retries left)", nreq.ID, nreq.Retries)
	if err := m.Submit(ctx, nreq); err != nil {
		nreq.transition(StatusFilled, StatusError, &Outcome{Err: err})
		m.runCallback(nreq.withLog(ctx), nreq)
		return nreq, err
	}
	return nreq, nil
}

// Cancel ends req (or the retry standing in for it) with an error,
// without retrying, if it is still in progress, and reports whether
// it did.  Other requests on the same device are left alone.
func (m *Manager) Cancel(ctx context.Context, req *Request) bool {
	return m.abort(ctx, req.Latest(), StatusError, ErrCanceled, false)
}

// CancelPending ends every in-progress request on dev with an error,
// without retrying, and returns how many it ended.  Each one is
// terminated on the executor and then goes through the normal
// completion path.
func (m *Manager) CancelPending(ctx context.Context, dev *Device) int {
	n := 0
	for _, req := range m.Outstanding() {
		if req.StartDev != dev && req.MemDev != dev {
			continue
		}
		if m.abort(ctx, req, StatusError, ErrCanceled, false) {
			n++
		}
	}
	return n
}

// ExpireOverdue ends every in-progress request whose deadline is
// before now with StatusTimedOut, and returns how many it ended.
func (m *Manager) ExpireOverdue(ctx context.Context, now time.Time) int {
	n := 0
	for _, req := range m.Outstanding() {
		if req.Expires == 0 || !now.After(req.Deadline) {
			continue
		}
		if m.abort(ctx, req, StatusTimedOut, ErrTimedOut, true) {
			n++
		}
	}
	return n
}

func (m *Manager) abort(ctx context.Context, req *Request, to Status, cause error, mayRetry bool) bool {
	ctx = req.withLog(ctx)
	if !req.transition(StatusInProgress, to, &Outcome{Err: cause}) {
		return false
	}
	if err := m.Executor.Terminate(ctx, req); err != nil {
		dlog.Errorf(ctx, "terminate: %v", err)
	}
	m.finalize(ctx, req, mayRetry)
	return true
}

// RunExpiry calls ExpireOverdue every interval until ctx is
// canceled.
func (m *Manager) RunExpiry(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.ExpireOverdue(ctx, m.now()); n > 0 {
				dlog.Warnf(ctx, "expired %d requests", n)
			}
		}
	}
}

// Outstanding returns the in-progress requests, oldest first.
func (m *Manager) Outstanding() []*Request {
	var ret []*Request
	m.outstanding.Range(func(_ uint64, req *Request) bool {
		ret = append(ret, req)
		return true
	})
	slices.SortFunc(ret, func(a, b *Request) bool {
		return a.ID < b.ID
	})
	return ret
}

// Close cancels every in-progress request.  Termination failures are
// returned together.
func (m *Manager) Close(ctx context.Context) error {
	var errs derror.MultiError
	for _, req := range m.Outstanding() {
		ctx := req.withLog(ctx)
		if !req.transition(StatusInProgress, StatusError, &Outcome{Err: ErrCanceled}) {
			continue
		}
		if err := m.Executor.Terminate(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", req, err))
		}
		m.finalize(ctx, req, false)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
