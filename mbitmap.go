// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Per-page mark bitmaps.

package oilpan

import "sync/atomic"

// gcBits holds one mark bit per allocation granule of a page.
type gcBits []uint32

func newMarkBits(nbits uintptr) gcBits {
	return make(gcBits, divRoundUp(nbits, 32))
}

// markBits provides access to the mark bit for a single granule.
type markBits struct {
	wordp *uint32
	mask  uint32
	index uintptr
}

// markBitsForIndex returns the mark bit accessor for granule i of p.
func (p *page) markBitsForIndex(i uintptr) markBits {
	return markBits{&p.gcmarkBits[i/32], 1 << (i % 32), i}
}

// markBitsForOffset returns the mark bit accessor for the span whose
// header starts at byte offset off.
func (p *page) markBitsForOffset(off uintptr) markBits {
	return p.markBitsForIndex(off / allocationGranule)
}

func (m markBits) isMarked() bool {
	return atomic.LoadUint32(m.wordp)&m.mask != 0
}

// setMarked atomically sets the mark bit. Markers may run in parallel
// and mutators allocate black concurrently during marking, so bits in
// the same word may be set from multiple goroutines.
func (m markBits) setMarked() {
	for {
		old := atomic.LoadUint32(m.wordp)
		if old&m.mask != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(m.wordp, old, old|m.mask) {
			return
		}
	}
}

// clearMarked clears the mark bit without synchronization. Only the
// sweeper clears bits, and it holds exclusive sweep ownership of the
// page while doing so.
func (m markBits) clearMarked() {
	*m.wordp &^= m.mask
}
