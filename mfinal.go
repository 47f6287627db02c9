// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector: finalizers.
//
// Sweep workers that meet a dead object with a non-trivial finalizer
// queue it here instead of freeing it; the finalization phase later
// runs the destructor and only then returns the memory to the free
// list. Producers are the sweep workers (any goroutine); the single
// consumer is the heap's main goroutine. Nothing outside drain ever
// removes an entry, which is what makes destructor execution
// single-threaded by construction.

package oilpan

import "sync"

// finBlockEntries is the capacity of one queue block. Blocks are
// chained when a block fills up, and recycled through a free cache
// across cycles.
const finBlockEntries = 64

// A finEntry records one dead object awaiting its destructor. Entry
// order is sweep order; consumers must not assume any inter-object
// ordering.
type finEntry struct {
	p    *page
	off  uintptr
	size uintptr
	desc DescriptorID
}

type finBlock struct {
	next *finBlock
	cnt  int
	fin  [finBlockEntries]finEntry
}

type finQueue struct {
	lock sync.Mutex
	head *finBlock // blocks with pending entries
	free *finBlock // cache of drained blocks
}

// pushBatch appends a swept page's dead-with-finalizer objects. The
// page must already be in pageSwept state: the finalization phase may
// interleave with sweeping of other pages, but never with the page it
// is finalizing objects from.
func (q *finQueue) pushBatch(entries []finEntry) {
	q.lock.Lock()
	for _, e := range entries {
		if q.head == nil || q.head.cnt == finBlockEntries {
			var b *finBlock
			if q.free != nil {
				b = q.free
				q.free = b.next
				b.cnt = 0
			} else {
				b = new(finBlock)
			}
			b.next = q.head
			q.head = b
		}
		q.head.fin[q.head.cnt] = e
		q.head.cnt++
	}
	q.lock.Unlock()
}

func (q *finQueue) empty() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.head == nil
}

// drain is the finalization phase. It runs each queued object's
// destructor and then, and only then, returns the object's span to the
// free list (or its whole page to the provider, for large objects).
// Must only be called from the heap's main goroutine. A destructor
// that panics aborts the drain; the affected span never reaches a free
// list.
func (q *finQueue) drain(h *Heap) {
	q.lock.Lock()
	fb := q.head
	q.head = nil
	q.lock.Unlock()

	for b := fb; b != nil; b = b.next {
		for i := 0; i < b.cnt; i++ {
			e := b.fin[i]
			d := h.descriptor(e.desc)
			if d.Finalizer == nil {
				throw("queued finalizer for trivially destructible object")
			}
			d.Finalizer(Object{e.p, e.off})
			e.p.storeHeader(e.off, objHeader{size: e.size, flags: flagFree})
			if e.p.large {
				h.releasePage(e.p)
			} else {
				h.central.add(freeSpan{e.p, e.off, e.size})
			}
			h.stats.objectsFinalized.Add(1)
			h.stats.bytesFreed.Add(uint64(e.size))
		}
	}

	// Recycle the drained blocks.
	if fb != nil {
		last := fb
		for last.next != nil {
			last = last.next
		}
		q.lock.Lock()
		last.next = q.free
		q.free = fb
		q.lock.Unlock()
	}
}

// Pre-finalizers are an optional earlier hook: callbacks that run on
// the main goroutine at sweep start, before any page is swept, for
// objects the marker left unreachable. Unlike finalizers they observe
// a fully intact heap. They must not allocate on this heap.
type preFinalizer struct {
	obj Object
	fn  func()
}

// RegisterPreFinalizer arranges for fn to run at the start of the
// sweep phase in which obj is found dead. Pre-finalizers run in
// reverse registration order and are unregistered after running.
// Registration from within a running pre-finalizer is not allowed.
func (h *Heap) RegisterPreFinalizer(obj Object, fn func()) {
	if fn == nil {
		throw("nil pre-finalizer")
	}
	h.prefinLock.Lock()
	h.prefin = append(h.prefin, preFinalizer{obj, fn})
	h.prefinLock.Unlock()
}

// UnregisterPreFinalizer removes a registration, typically because the
// object is being torn down through another path.
func (h *Heap) UnregisterPreFinalizer(obj Object) {
	h.prefinLock.Lock()
	for i, pf := range h.prefin {
		if pf.obj == obj {
			h.prefin = append(h.prefin[:i], h.prefin[i+1:]...)
			break
		}
	}
	h.prefinLock.Unlock()
}

// invokePreFinalizers runs the hooks registered for objects that are
// unmarked after the mark phase. Runs on the main goroutine with mark
// bits intact, before page states are reset for sweeping.
func (h *Heap) invokePreFinalizers() {
	h.prefinLock.Lock()
	pfs := h.prefin
	h.prefinLock.Unlock()

	var survivors []preFinalizer
	for i := len(pfs) - 1; i >= 0; i-- {
		pf := pfs[i]
		if pf.obj.p.markBitsForOffset(pf.obj.off).isMarked() {
			survivors = append(survivors, pf)
			continue
		}
		pf.fn()
	}
	// Restore registration order for the survivors.
	for i, j := 0, len(survivors)-1; i < j; i, j = i+1, j-1 {
		survivors[i], survivors[j] = survivors[j], survivors[i]
	}
	h.prefinLock.Lock()
	h.prefin = survivors
	h.prefinLock.Unlock()
}
