// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdsim

import (
	lru "github.com/hashicorp/golang-lru"
)

// trackCache holds parsed tracks by linear track number.  It is not
// safe for concurrent use on its own; Image.mu guards it.
type trackCache struct {
	inner *lru.ARCCache
}

func newTrackCache(size int) trackCache {
	inner, err := lru.NewARC(size)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	return trackCache{inner: inner}
}

func (c trackCache) get(trk uint32) (*Track, bool) {
	val, ok := c.inner.Get(trk)
	if !ok {
		return nil, false
	}
	//nolint:forcetypeassert // Typed wrapper around untyped lib.
	return val.(*Track), true
}

func (c trackCache) add(trk uint32, val *Track) { c.inner.Add(trk, val) }
func (c trackCache) remove(trk uint32)          { c.inner.Remove(trk) }
func (c trackCache) purge()                     { c.inner.Purge() }
func (c trackCache) len() int                   { return c.inner.Len() }
