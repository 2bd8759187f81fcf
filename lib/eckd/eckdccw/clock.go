// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdccw

import (
	"syscall"
	"time"
)

// Clock is the time source for build time stamps and for the
// synchronized time stamps that extended remote copy (XRC) requires
// on every write.
type Clock interface {
	Now() time.Time
	// SyncValue returns the synchronized TOD clock value.  It
	// returns ErrClockUnavailable if there is no synchronized
	// clock facility at all, and ErrClockNotSynced if there is
	// one but it has not yet reached sync.
	SyncValue() (uint64, error)
}

var (
	// ErrClockUnavailable is not fatal; the time stamp is simply
	// left unset.
	ErrClockUnavailable error = &errnoError{"sync clock unavailable", syscall.ENOSYS}
	// ErrClockNotSynced is transient; `errors.Is(err,
	// syscall.EAGAIN)` is true for it.
	ErrClockNotSynced error = &errnoError{"sync clock not yet synchronized", syscall.EAGAIN}
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

// Seconds from 1900-01-01 to the Unix epoch.
const todEpochDelta = 2208988800

// TOD converts t to the TOD clock format: microseconds since
// 1900-01-01, with bit 51 being one microsecond.
func TOD(t time.Time) uint64 {
	usecs := uint64(t.Unix()+todEpochDelta)*1_000_000 + uint64(t.Nanosecond()/1000)
	return usecs << 12
}

// FromTOD is the inverse of TOD.
func FromTOD(tod uint64) time.Time {
	usecs := tod >> 12
	return time.Unix(int64(usecs/1_000_000)-todEpochDelta, int64(usecs%1_000_000)*1000)
}

// SystemClock is a Clock backed by the host clock, which it treats
// as always synchronized.
type SystemClock struct{}

var _ Clock = SystemClock{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) SyncValue() (uint64, error) { return TOD(time.Now()), nil }
