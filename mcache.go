// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Per-mutator local allocation buffers.

package oilpan

// A lab is a mutator-local allocation buffer: a span pre-claimed from
// the free list, bump-allocated without synchronization. While a lab is
// live its span has no coherent header chain past the bump pointer;
// retire restores the chain, so every lab must be retired before its
// page can be swept.
type lab struct {
	p     *page
	off   uintptr
	limit uintptr
}

// tryAlloc bump-allocates spanSize bytes, returning the span offset.
func (l *lab) tryAlloc(spanSize uintptr) (uintptr, bool) {
	if l.p == nil || l.limit-l.off < spanSize {
		return 0, false
	}
	off := l.off
	l.off += spanSize
	return off, true
}

// set installs a new span. The previous span, if any, must have been
// retired.
func (l *lab) set(s freeSpan) {
	if l.p != nil {
		throw("lab: set over live buffer")
	}
	l.p = s.p
	l.off = s.off
	l.limit = s.off + s.size
}

// retire writes a free header over the unused tail of the buffer and
// returns it to the free list, leaving the page walkable again.
func (l *lab) retire(h *Heap) {
	if l.p == nil {
		return
	}
	if rem := l.limit - l.off; rem > 0 {
		l.p.storeHeader(l.off, objHeader{size: rem, flags: flagFree})
		h.central.add(freeSpan{l.p, l.off, rem})
	}
	l.p = nil
	l.off = 0
	l.limit = 0
}

// A Mutator is a per-thread allocation context. Each mutator owns a
// local allocation buffer; refills pull from the shared free list and
// fall back to assisted sweeping. A Mutator must not be used from more
// than one goroutine at a time.
type Mutator struct {
	heap *Heap
	lab  lab
}

// NewMutator registers a new allocation context with the heap.
func (h *Heap) NewMutator() *Mutator {
	m := &Mutator{heap: h}
	h.lock.Lock()
	h.mutators = append(h.mutators, m)
	h.lock.Unlock()
	return m
}

// retireAllLABs restores the header chains of every mutator's buffer.
// Called at sweep start while mutators are paused.
func (h *Heap) retireAllLABs() {
	h.lock.Lock()
	mutators := append([]*Mutator(nil), h.mutators...)
	h.lock.Unlock()
	for _, m := range mutators {
		m.lab.retire(h)
	}
}
