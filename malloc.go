// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package oilpan implements the sweep side of a mark-sweep garbage
// collector for a heap of manually-described objects.
//
// The heap is organized in fixed-size pages. Every allocation carries
// an embedded header (size, descriptor, flags), so a page can always
// be walked in address order. The embedder supplies the marker: it
// reports reachable objects between StartMarking and StartSweep, and
// the sweeper reclaims everything else. Sweeping proceeds in bounded
// increments, on background tasks, and inline on the allocation slow
// path when the free lists run dry.
//
// Allocation path, fastest first:
//
//	1. bump allocation from the mutator's local allocation buffer
//	2. buffer refill from the shared free lists
//	3. mutator-assisted sweeping, retrying the free lists
//	4. fresh pages from the page provider
//
// Objects whose descriptor declares a finalizer are not freed by the
// sweeper directly; they pass through a finalization queue drained
// only on the heap's main goroutine, so destructors run exactly once
// and strictly single-threaded. A destructor must not dereference
// other heap objects: finalization order across objects is
// deliberately unspecified.

package oilpan

import "errors"

// ErrOutOfMemory is returned when the page provider cannot supply
// more memory. Page providers may return it from AllocPages.
var ErrOutOfMemory = errors.New("oilpan: out of memory")

// A DescriptorID names a registered object descriptor.
type DescriptorID uint16

// NoDescriptor describes a trivially destructible object.
const NoDescriptor DescriptorID = 0

// A Descriptor describes one object type to the collector. Finalizer,
// if non-nil, runs exactly once when an object of this type is found
// dead, on the heap's main goroutine, before the memory is reused. The
// finalizer may read the object's own payload but must not dereference
// other heap objects.
type Descriptor struct {
	Finalizer func(Object)
}

// RegisterDescriptor registers d and returns its id. Descriptors are
// immutable once registered.
func (h *Heap) RegisterDescriptor(d Descriptor) DescriptorID {
	h.lock.Lock()
	defer h.lock.Unlock()
	old := *h.descriptors.Load()
	if len(old) > int(^DescriptorID(0)) {
		throw("too many descriptors")
	}
	descs := make([]Descriptor, len(old)+1)
	copy(descs, old)
	descs[len(old)] = d
	h.descriptors.Store(&descs)
	return DescriptorID(len(old))
}

func (h *Heap) descriptor(id DescriptorID) Descriptor {
	descs := *h.descriptors.Load()
	if int(id) >= len(descs) {
		throw("bad descriptor id")
	}
	return descs[id]
}

// Alloc allocates from the heap's own mutator context. See
// Mutator.Alloc.
func (h *Heap) Alloc(size uintptr, desc DescriptorID) (Object, error) {
	return h.main.Alloc(size, desc)
}

// Alloc allocates size payload bytes for an object described by desc.
// The payload is zeroed. The only error condition is page-provider
// exhaustion; everything else the allocator can do for itself,
// including sweeping on the caller's time.
func (m *Mutator) Alloc(size uintptr, desc DescriptorID) (Object, error) {
	h := m.heap
	d := h.descriptor(desc)
	spanSize := spanSizeFor(size)

	var p *page
	var off uintptr
	if spanSize > maxSmallObjectSize {
		lp, err := h.allocLarge(spanSize)
		if err != nil {
			return Object{}, err
		}
		p, off = lp, 0
	} else {
		var ok bool
		off, ok = m.lab.tryAlloc(spanSize)
		if !ok {
			if err := h.refill(m, spanSize); err != nil {
				return Object{}, err
			}
			off, ok = m.lab.tryAlloc(spanSize)
			if !ok {
				throw("refill returned undersized span")
			}
		}
		p = m.lab.p
	}

	var flags uint16
	if d.Finalizer != nil {
		flags = flagFinalizer
	}
	clear(p.data[off+headerSize : off+spanSize])
	p.storeHeader(off, objHeader{size: spanSize, desc: desc, flags: flags})

	// Allocate black while the marker runs: the marker may already
	// have passed this page, so a fresh object would otherwise be
	// swept as dead.
	if h.phase.Load() == gcPhaseMarking {
		p.markBitsForOffset(off).setMarked()
	}

	h.stats.objectsAllocated.Add(1)
	h.stats.bytesAllocated.Add(uint64(spanSize))
	return Object{p, off}, nil
}

// refill replaces m's allocation buffer with a span of at least
// spanSize bytes: from the free lists if possible, sweeping a page at
// a time on the caller's time otherwise, and growing the heap only
// once sweep work is drained. The assist is what guarantees forward
// progress with zero background sweepers.
func (h *Heap) refill(m *Mutator, spanSize uintptr) error {
	m.lab.retire(h)
	for {
		if s, ok := h.central.take(spanSize); ok {
			m.lab.set(s)
			return nil
		}
		if h.sweepone() != ^uintptr(0) {
			h.stats.sweepAssists.Add(1)
			continue
		}
		break
	}
	p, err := h.growHeap()
	if err != nil {
		return err
	}
	m.lab.set(freeSpan{p, 0, uintptr(len(p.data))})
	return nil
}

// allocLarge provisions a dedicated single-object page. Large pages
// never feed the free lists; when the object dies the whole page goes
// back to the provider.
func (h *Heap) allocLarge(spanSize uintptr) (*page, error) {
	// Bounded assist before asking the provider: dead large objects
	// release whole pages, lowering the pressure this allocation is
	// about to add.
	for i := 0; i < sweepBatchSize; i++ {
		if h.sweepone() == ^uintptr(0) {
			break
		}
		h.stats.sweepAssists.Add(1)
	}
	return h.newPage(spanSize, true)
}
