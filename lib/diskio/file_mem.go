// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrClosed = errors.New("file already closed")

// MemFile is a File held in memory.  Reads past the end return
// io.EOF; writes past the end grow the file.
type MemFile struct {
	name string

	mu     sync.RWMutex
	dat    []byte
	closed bool
}

var _ Resizer = (*MemFile)(nil)

func NewMemFile(name string, size int64) *MemFile {
	return &MemFile{
		name: name,
		dat:  make([]byte, size),
	}
}

func (f *MemFile) Name() string { return f.name }

func (f *MemFile) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.dat))
}

func (f *MemFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("%s: %w", f.name, ErrClosed)
	}
	f.closed = true
	return nil
}

func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0, fmt.Errorf("%s: %w", f.name, ErrClosed)
	}
	if off < 0 {
		return 0, fmt.Errorf("%s: negative offset %d", f.name, off)
	}
	if off >= int64(len(f.dat)) {
		return 0, io.EOF
	}
	n := copy(p, f.dat[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fmt.Errorf("%s: %w", f.name, ErrClosed)
	}
	if off < 0 {
		return 0, fmt.Errorf("%s: negative offset %d", f.name, off)
	}
	if end := off + int64(len(p)); end > int64(len(f.dat)) {
		f.resize(end)
	}
	return copy(f.dat[off:], p), nil
}

func (f *MemFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("%s: %w", f.name, ErrClosed)
	}
	if size < 0 {
		return fmt.Errorf("%s: negative size %d", f.name, size)
	}
	f.resize(size)
	return nil
}

func (f *MemFile) resize(size int64) {
	if size <= int64(cap(f.dat)) {
		old := len(f.dat)
		f.dat = f.dat[:size]
		for i := old; i < len(f.dat); i++ {
			f.dat[i] = 0
		}
		return
	}
	dat := make([]byte, size)
	copy(dat, f.dat)
	f.dat = dat
}
