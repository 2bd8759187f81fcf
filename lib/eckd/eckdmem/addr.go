// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package eckdmem models memory as the channel subsystem sees it:
// device-visible addresses, caller memory segments, indirect data
// address lists, and a pool of low-memory copy buffers.
package eckdmem

import (
	"fmt"

	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/eckd-progs-ng/lib/fmtutil"
)

// Addr is an absolute address as the channel subsystem sees it.
type Addr uint64

func (a Addr) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#08x", uint64(a))
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), uint64(a))
	}
}

func (a Addr) Add(n int) Addr { return a + Addr(n) }

// Segment is a piece of caller memory taking part in a transfer.
// Addr is where the device sees Buf.
type Segment struct {
	Addr Addr
	Buf  []byte
}

func (s Segment) String() string {
	return fmt.Sprintf("%v+%d", s.Addr, len(s.Buf))
}

// Slice returns the part of the segment [beg, end).
func (s Segment) Slice(beg, end int) Segment {
	return Segment{
		Addr: s.Addr.Add(beg),
		Buf:  s.Buf[beg:end],
	}
}

// A format-1 CCW has a 31-bit data address; anything above that must
// go through an indirect data address list of 64-bit words, each of
// which addresses (at most) one IDA block.
const (
	DirectLimit     = Addr(1) << 31
	IDABlockSizeLog = 12
	IDABlockSize    = 1 << IDABlockSizeLog
	IDAWordSize     = 8
)

// IDALNeeded reports whether the range [addr, addr+length) cannot be
// addressed directly by a CCW.
func IDALNeeded(addr Addr, length int) bool {
	if length == 0 {
		return addr >= DirectLimit
	}
	return addr.Add(length-1) >= DirectLimit
}

// IDALWordCount returns how many IDAL words are needed to describe
// [addr, addr+length).
func IDALWordCount(addr Addr, length int) int {
	return (int(addr&(IDABlockSize-1)) + length + (IDABlockSize - 1)) >> IDABlockSizeLog
}

var idalPool typedsync.Pool[[]Addr]

// IDALWords returns the indirect data address list for
// [addr, addr+length).  The first word is addr itself; every later
// word is the start of the next IDA block.  The list should be handed
// back with ReleaseIDAL once the channel program is done with it.
func IDALWords(addr Addr, length int) []Addr {
	n := IDALWordCount(addr, length)
	if n == 0 {
		return nil
	}
	words, ok := idalPool.Get()
	if ok && cap(words) >= n {
		words = words[:n]
	} else {
		words = make([]Addr, n)
	}
	words[0] = addr
	blk := addr &^ (IDABlockSize - 1)
	for i := 1; i < n; i++ {
		blk += IDABlockSize
		words[i] = blk
	}
	return words
}

// ReleaseIDAL returns a list obtained from IDALWords.
func ReleaseIDAL(words []Addr) {
	if words == nil {
		return
	}
	idalPool.Put(words)
}
