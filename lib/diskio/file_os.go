// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"os"
)

// OSFile is a File backed by an open *os.File.
type OSFile struct {
	*os.File
}

var (
	_ Resizer = (*OSFile)(nil)
	_ Syncer  = (*OSFile)(nil)
)

func (f *OSFile) Size() int64 {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}
