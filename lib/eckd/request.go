// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdmem"
)

// Status is where a Request is in its life.  A request only ever
// moves forward:
//
//	Filled → InProgress → Done | Error | TimedOut → Freed
type Status int32

const (
	StatusFilled Status = iota
	StatusInProgress
	StatusDone
	StatusError
	StatusTimedOut
	StatusFreed
)

var statusNames = []string{
	"filled",
	"in-progress",
	"done",
	"error",
	"timed-out",
	"freed",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Final reports whether s is one of Done, Error, or TimedOut.
func (s Status) Final() bool {
	return s == StatusDone || s == StatusError || s == StatusTimedOut
}

// Direction is the direction of a block transfer.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Outcome is what an Executor reports when a program ends.  A nil
// Err means the program completed normally.  Sense is the device's
// sense data, if any; it is not interpreted here.
type Outcome struct {
	Err   error
	Sense []byte
}

// copyBuf is the copy-pool page standing in for one caller segment.
type copyBuf struct {
	page eckdmem.Page
	seg  eckdmem.Segment
}

var lastRequestID atomic.Uint64

// Request is one channel program and everything needed to run it and
// to clean up after it.
//
// The exported fields are set when the request is built and must not
// be changed once it has been submitted.
type Request struct {
	ID      uint64
	Program eckdccw.Program
	// Image is set by Manager.Submit.
	Image *eckdccw.Image

	StartDev *Device
	MemDev   *Device
	Volume   *Volume
	Dir      Direction

	// Retries is how many more times error recovery may retry
	// the request.
	Retries int
	// Expires is how long the request may be in progress; 0 is
	// forever.
	Expires  time.Duration
	Deadline time.Time
	BuildClk time.Time
	LPM      uint8
	// FailFast requests skip error recovery.
	FailFast bool

	// Callback, if non-nil, is called once the request reaches a
	// final status.  It is responsible for calling FreeRequest.
	Callback func(context.Context, *Request)

	segs   []eckdmem.Segment
	copies []*copyBuf
	// counted is whether the request holds one of MemDev's
	// in-flight slots.
	counted bool

	mu      sync.Mutex
	status  Status
	result  Status
	outcome Outcome
	next    *Request
	done    chan struct{}
}

func newRequest(startdev *Device, vol *Volume) *Request {
	return &Request{
		ID:       lastRequestID.Add(1),
		StartDev: startdev,
		MemDev:   startdev,
		Volume:   vol,
		status:   StatusFilled,
		done:     make(chan struct{}),
	}
}

func (req *Request) String() string {
	return fmt.Sprintf("req#%d(%v %v)", req.ID, req.Dir, req.Status())
}

// Status returns the request's current status.
func (req *Request) Status() Status {
	req.mu.Lock()
	defer req.mu.Unlock()
	return req.status
}

// Result returns the final status that the request reached (even
// after it has been freed), or the current status if it has not
// reached one yet.
func (req *Request) Result() Status {
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.result.Final() {
		return req.result
	}
	return req.status
}

// Outcome returns what the executor reported.
func (req *Request) Outcome() Outcome {
	req.mu.Lock()
	defer req.mu.Unlock()
	return req.outcome
}

// Latest follows the chain of retries from req to the request that is
// currently standing in for it.
func (req *Request) Latest() *Request {
	for {
		req.mu.Lock()
		next := req.next
		req.mu.Unlock()
		if next == nil {
			return req
		}
		req = next
	}
}

// transition moves the request from one status to another, and
// reports whether it did.  Doing nothing when the request is not in
// the "from" status is what makes completion happen at most once.
func (req *Request) transition(from, to Status, outcome *Outcome) bool {
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.status != from {
		return false
	}
	req.status = to
	if to.Final() {
		req.result = to
	}
	if outcome != nil {
		req.outcome = *outcome
	}
	return true
}

// Wait blocks until the request (or the retry standing in for it)
// has reached a final status and its callback has returned.
func (req *Request) Wait(ctx context.Context) error {
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err converts the final status of the request (following retries)
// into an error.
func (req *Request) Err() error {
	req = req.Latest()
	switch req.Result() {
	case StatusDone:
		return nil
	case StatusTimedOut:
		return fmt.Errorf("device %s: request %d: %w", req.StartDev.Name(), req.ID, ErrTimedOut)
	case StatusError:
		return &DeviceError{
			Dev:     req.StartDev.Name(),
			Req:     req.ID,
			Outcome: req.Outcome(),
		}
	default:
		return fmt.Errorf("request %d is %v: %w", req.ID, req.Status(), ErrInvalidArgument)
	}
}

// Requests are packed into a synthetic low-memory window, one slot
// per request.
const (
	programWindow    = eckdmem.Addr(0x1000_0000)
	programSlotSize  = 64 * 1024
	programSlotCount = 4096
)

func (req *Request) programAddr() eckdmem.Addr {
	return programWindow.Add(int(req.ID%programSlotCount) * programSlotSize)
}
