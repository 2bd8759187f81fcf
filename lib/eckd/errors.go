// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckd

import (
	"errors"
	"fmt"
	"syscall"

	"git.lukeshu.com/eckd-progs-ng/lib/eckd/eckdccw"
)

// Each of these satisfies `errors.Is(err, syscall.Exxx)` for the
// errno named in its comment.
var (
	// ErrInvalidArgument is malformed caller input; EINVAL.
	ErrInvalidArgument error = &errnoError{"invalid argument", syscall.EINVAL}
	// ErrInvalidBlockSize is a transfer that is not a whole
	// number of blocks, or a block size that a volume may not be
	// formatted with; EINVAL.
	ErrInvalidBlockSize = fmt.Errorf("invalid block size: %w", ErrInvalidArgument)
	// ErrRangeMismatch is a block range that does not agree with
	// the memory given for it; EINVAL.
	ErrRangeMismatch = fmt.Errorf("block range does not match segments: %w", ErrInvalidArgument)
	// ErrDeviceBusy is returned when the start device already
	// has its maximum number of requests in flight; EBUSY.
	ErrDeviceBusy error = &errnoError{"device busy", syscall.EBUSY}
	// ErrClockNotSynced is returned when a write needs an XRC
	// time stamp but the sync clock is not yet synchronized;
	// EAGAIN.
	ErrClockNotSynced = eckdccw.ErrClockNotSynced
	// ErrAnalysisPending is returned by DoAnalysis when it has
	// started the layout probe; EAGAIN.
	ErrAnalysisPending error = &errnoError{"volume analysis in progress", syscall.EAGAIN}
	// ErrLayoutIncompatible means that the volume is unformatted
	// or formatted with a layout that cannot be used; EMEDIUMTYPE.
	ErrLayoutIncompatible error = &errnoError{"volume has incompatible disk layout", syscall.EMEDIUMTYPE}
	// ErrTimedOut is the error of a request that passed its
	// expiry deadline; ETIMEDOUT.
	ErrTimedOut error = &errnoError{"request timed out", syscall.ETIMEDOUT}
	// ErrCanceled is the error of a request that was canceled by
	// CancelPending; ECANCELED.
	ErrCanceled error = &errnoError{"request canceled", syscall.ECANCELED}
)

type errnoError struct {
	msg   string
	errno syscall.Errno
}

func (e *errnoError) Error() string { return e.msg }

func (e *errnoError) Is(target error) bool {
	errno, ok := target.(syscall.Errno)
	return ok && errno == e.errno
}

// IsTransient reports whether err means "try again later" rather
// than a failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrDeviceBusy) ||
		errors.Is(err, ErrClockNotSynced) ||
		errors.Is(err, ErrAnalysisPending)
}

// DeviceError is the error of a request that the device completed
// with an error status.  `errors.Is(err, syscall.EIO)` is true for
// it.
type DeviceError struct {
	Dev     string
	Req     uint64
	Outcome Outcome
}

func (e *DeviceError) Error() string {
	if e.Outcome.Err == nil {
		return fmt.Sprintf("device %s: request %d failed", e.Dev, e.Req)
	}
	return fmt.Sprintf("device %s: request %d: %v", e.Dev, e.Req, e.Outcome.Err)
}

func (e *DeviceError) Unwrap() error { return e.Outcome.Err }

func (*DeviceError) Is(target error) bool {
	return target == syscall.EIO
}
