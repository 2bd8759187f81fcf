// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdsim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd"
	"git.lukeshu.com/eckd-progs-ng/lib/textui"
)

var (
	ErrNotRunning = errors.New("executor is not running")
	ErrQueueFull  = errors.New("executor queue is full")
)

type job struct {
	ctx      context.Context //nolint:containedctx // the context of the Start call, for logging
	req      *eckd.Request
	done     func(eckd.Outcome)
	canceled atomic.Bool
	// running is held while the program runs, so that Terminate
	// can wait for it to stop.
	running sync.Mutex
}

// Executor runs requests against an Image.  Start queues a request;
// the programs only run while Run is running.
type Executor struct {
	img     *Image
	workers int
	queue   chan *job

	mu      sync.Mutex
	stopped bool
	jobs    map[uint64]*job
}

var _ eckd.Executor = (*Executor)(nil)

// Executor returns an Executor for the image.  A workers or queueLen
// of 0 picks a default.
func (img *Image) Executor(workers, queueLen int) *Executor {
	if workers <= 0 {
		workers = textui.Tunable(2)
	}
	if queueLen <= 0 {
		queueLen = textui.Tunable(64)
	}
	return &Executor{
		img:     img,
		workers: workers,
		queue:   make(chan *job, queueLen),
		jobs:    make(map[uint64]*job),
	}
}

// Start implements eckd.Executor.
func (e *Executor) Start(ctx context.Context, req *eckd.Request, done func(eckd.Outcome)) error {
	j := &job{
		ctx:  ctx,
		req:  req,
		done: done,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrNotRunning
	}
	if _, dup := e.jobs[req.ID]; dup {
		return fmt.Errorf("request %d is already started", req.ID)
	}
	select {
	case e.queue <- j:
		e.jobs[req.ID] = j
		return nil
	default:
		return ErrQueueFull
	}
}

// Terminate implements eckd.Executor.  It waits for the program to
// stop at a CCW boundary; once it returns, the request's memory is no
// longer touched and its done function is not called.
func (e *Executor) Terminate(ctx context.Context, req *eckd.Request) error {
	e.mu.Lock()
	j, ok := e.jobs[req.ID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	dlog.Debugf(ctx, "terminating request %d", req.ID)
	j.canceled.Store(true)
	j.running.Lock()
	//nolint:staticcheck // SA2001: only waiting for the program to stop.
	j.running.Unlock()
	return nil
}

func (e *Executor) forget(j *job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, j.req.ID)
}

// Run runs queued programs until ctx is canceled.  A soft
// cancellation lets the programs that are already running finish;
// anything still queued then completes with ErrNotRunning.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for i := 0; i < e.workers; i++ {
		grp.Go(fmt.Sprintf("worker-%d", i), e.worker)
	}
	err := grp.Wait()

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	for {
		select {
		case j := <-e.queue:
			e.forget(j)
			if !j.canceled.Load() {
				j.done(eckd.Outcome{Err: ErrNotRunning})
			}
		default:
			return err
		}
	}
}

func (e *Executor) worker(ctx context.Context) error {
	hardCtx := dcontext.HardContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-e.queue:
			e.run(hardCtx, j)
		}
	}
}

func (e *Executor) run(ctx context.Context, j *job) {
	j.running.Lock()
	if j.canceled.Load() {
		j.running.Unlock()
		e.forget(j)
		return
	}
	ctx = dlog.WithField(ctx, "eckd.req", j.req.ID)
	outcome := e.img.execute(ctx, j.req, j.canceled.Load)
	j.running.Unlock()
	e.forget(j)
	if j.canceled.Load() {
		return
	}
	j.done(outcome)
}
