// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// LiveMemUse is a log field value that renders the memory the Go
// runtime has mapped, split into the part holding data, heap
// fragmentation, idle memory, and memory returned to the OS.
type LiveMemUse struct {
	mu    sync.Mutex
	stats runtime.MemStats
	last  time.Time
}

var _ fmt.Stringer = (*LiveMemUse)(nil)

var LiveMemUseUpdateInterval = Tunable(1 * time.Second)

func (o *LiveMemUse) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	// ReadMemStats stops the world.
	if now := time.Now(); now.Sub(o.last) > LiveMemUseUpdateInterval {
		runtime.ReadMemStats(&o.stats)
		o.last = now
	}
	st := &o.stats

	// Sys counts both Ready and Prepared (released to the OS but
	// still mapped) memory.
	inuse := st.HeapInuse + st.StackInuse + st.MSpanInuse + st.MCacheInuse + st.BuckHashSys + st.GCSys + st.OtherSys
	released := st.HeapReleased
	ready := st.Sys - released
	frag := st.HeapInuse - st.HeapAlloc

	return printer.Sprintf("mapped=%.1f (data:%.1f + frag:%.1f + idle:%.1f ; released:%.1f) gc=%d",
		IEC(st.Sys, "B"),
		IEC(inuse-frag, "B"),
		IEC(frag, "B"),
		IEC(ready-inuse, "B"),
		IEC(released, "B"),
		st.NumGC)
}
