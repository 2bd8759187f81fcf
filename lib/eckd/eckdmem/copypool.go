// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package eckdmem

import (
	"fmt"
	"sync"
)

// PageSize is the size of a copy buffer.
const PageSize = 4096

// Page is one copy buffer.
type Page struct {
	Addr Addr
	Buf  []byte
}

// CopyPool is a bounded free list of page-aligned, directly
// addressable buffers.  It is safe for concurrent use.  Get never
// blocks; callers fall back to addressing caller memory directly when
// the pool is empty.
type CopyPool struct {
	base  Addr
	pages [][]byte

	mu   sync.Mutex
	free []int
}

// NewCopyPool returns a pool of n pages that the device sees at
// base, base+PageSize, and so on.
func NewCopyPool(base Addr, n int) (*CopyPool, error) {
	if base&(PageSize-1) != 0 {
		return nil, fmt.Errorf("copy pool base %v is not page aligned", base)
	}
	if end := base.Add(n * PageSize); n < 0 || end > DirectLimit {
		return nil, fmt.Errorf("copy pool [%v, %v) is not below %v", base, end, DirectLimit)
	}
	pool := &CopyPool{
		base:  base,
		pages: make([][]byte, n),
		free:  make([]int, n),
	}
	for i := range pool.pages {
		pool.pages[i] = make([]byte, PageSize)
		pool.free[i] = n - 1 - i
	}
	return pool, nil
}

// Get takes a page from the pool.  ok is false if the pool is empty
// (or nil).
func (p *CopyPool) Get() (page Page, ok bool) {
	if p == nil {
		return Page{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return Page{}, false
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return Page{
		Addr: p.base.Add(idx * PageSize),
		Buf:  p.pages[idx],
	}, true
}

// Put returns a page obtained from Get.  It panics if the page does
// not belong to the pool.
func (p *CopyPool) Put(page Page) {
	idx := int((page.Addr - p.base) / PageSize)
	if page.Addr < p.base || idx >= len(p.pages) || page.Addr&(PageSize-1) != 0 {
		panic(fmt.Errorf("should not happen: page %v does not belong to copy pool", page.Addr))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, idx)
}

// Free returns the number of pages available.
func (p *CopyPool) Free() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Cap returns the total number of pages in the pool.
func (p *CopyPool) Cap() int {
	if p == nil {
		return 0
	}
	return len(p.pages)
}
