// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package diskio holds the random-access file interface that device
// images are stored behind.
package diskio

import (
	"io"
)

type File interface {
	Name() string
	Size() int64
	Close() error
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
}

// Resizer is a File that can change size.
type Resizer interface {
	File
	Truncate(size int64) error
}

// Syncer is a File that can flush its writes to stable storage.
type Syncer interface {
	File
	Sync() error
}

var (
	_ io.WriterAt = File(nil)
	_ io.ReaderAt = File(nil)
)
