// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Page heap.
//
// See malloc.go for overview.

package oilpan

import (
	"sync"
	"sync/atomic"
)

// Page sweep states. Every page starts a collection cycle in
// pageToBeSwept and is moved to pageSweeping by exactly one claimant
// (background sweeper, incremental task, or allocating mutator), which
// moves it to pageSwept after classifying every span on it. Pages never
// regress within a cycle. Freshly provisioned pages start in pageSwept
// so that mutators may allocate from them immediately.
const (
	pageToBeSwept uint32 = iota
	pageSweeping
	pageSwept
)

// A page is a fixed extent of heap memory. The payload is fully
// described by a chain of span headers starting at offset 0: reading a
// header and stepping by its size visits every span in address order.
// Mark bits live next to the payload, one per allocation granule.
type page struct {
	heap       *Heap
	data       []byte
	gcmarkBits gcBits
	state      atomic.Uint32

	// large pages hold a single object and are returned to the page
	// provider, not the free list, when that object dies.
	large bool
}

// Span header flags.
const (
	flagFree      uint16 = 1 << iota // span is reclaimed memory, not an object
	flagFinalizer                    // object's descriptor has a non-trivial finalizer
)

// objHeader is the metadata embedded in the first headerSize bytes of
// every span. size includes the header and is a multiple of the
// allocation granule.
type objHeader struct {
	size  uintptr
	desc  DescriptorID
	flags uint16
}

func (p *page) loadHeader(off uintptr) objHeader {
	b := p.data[off : off+headerSize : off+headerSize]
	size := uintptr(b[0]) | uintptr(b[1])<<8 | uintptr(b[2])<<16 | uintptr(b[3])<<24
	desc := DescriptorID(b[4]) | DescriptorID(b[5])<<8
	flags := uint16(b[6]) | uint16(b[7])<<8
	return objHeader{size, desc, flags}
}

func (p *page) storeHeader(off uintptr, h objHeader) {
	b := p.data[off : off+headerSize : off+headerSize]
	b[0] = byte(h.size)
	b[1] = byte(h.size >> 8)
	b[2] = byte(h.size >> 16)
	b[3] = byte(h.size >> 24)
	b[4] = byte(h.desc)
	b[5] = byte(h.desc >> 8)
	b[6] = byte(h.flags)
	b[7] = byte(h.flags >> 8)
}

// An Object is a handle to an allocation. The zero Object is invalid.
type Object struct {
	p   *page
	off uintptr
}

// Size returns the payload size of the object.
func (o Object) Size() uintptr {
	h := o.header()
	return h.size - headerSize
}

// Bytes returns the object's payload. The returned slice aliases heap
// memory and must not be retained past the object's lifetime.
func (o Object) Bytes() []byte {
	h := o.header()
	return o.p.data[o.off+headerSize : o.off+h.size : o.off+h.size]
}

func (o Object) header() objHeader {
	h := o.p.loadHeader(o.off)
	if h.flags&flagFree != 0 {
		throw("access to freed object")
	}
	return h
}

// A PageProvider supplies fresh extents of memory when the free lists
// and assisted sweeping are exhausted, and takes extents back when a
// large object's page is released.
type PageProvider interface {
	AllocPages(bytes uintptr) ([]byte, error)
	FreePages(mem []byte)
}

// osPageProvider is the default provider.
type osPageProvider struct{}

func (osPageProvider) AllocPages(bytes uintptr) ([]byte, error) {
	return make([]byte, bytes), nil
}

func (osPageProvider) FreePages(mem []byte) {}

// A TaskScheduler accepts the sweeper's bounded units of work.
// Incremental tasks are intended for the embedder's main thread during
// otherwise-idle intervals; concurrent tasks run in parallel with the
// mutator. The scheduler owns policy only: dropping or delaying tasks
// never affects correctness, because the allocation path performs its
// own sweep work on demand.
type TaskScheduler interface {
	PostConcurrent(task func())
	PostIncremental(task func())
}

// defaultScheduler runs every task on its own goroutine. Incremental
// sweep tasks never run finalizers, so running them off the main
// goroutine is safe.
type defaultScheduler struct{}

func (defaultScheduler) PostConcurrent(task func())  { go task() }
func (defaultScheduler) PostIncremental(task func()) { go task() }

// HeapOptions configures a Heap. The zero value is usable.
type HeapOptions struct {
	// Provider supplies page memory. Defaults to allocating from the
	// Go heap.
	Provider PageProvider

	// Scheduler receives background and incremental sweep tasks.
	// Defaults to plain goroutines.
	Scheduler TaskScheduler

	// BackgroundSweepers is the number of concurrent sweep tasks
	// posted per cycle. With zero background sweepers all sweeping
	// happens incrementally or on the allocation path.
	BackgroundSweepers int
}

// A Heap is a sweepable heap of manually-described objects. Marking is
// the embedder's job: between StartMarking and StartSweep the embedder
// reports reachable objects via Mark, and the heap reclaims everything
// else over the following sweep phase.
//
// The goroutine that drives the collection cycle (StartMarking,
// StartSweep, SweepStep, CompleteSweep) is the heap's main goroutine;
// destructors only ever run inside those calls.
type Heap struct {
	lock     sync.Mutex // guards pages and mutators
	pages    []*page
	mutators []*Mutator

	provider  PageProvider
	scheduler TaskScheduler
	nbgsweep  int

	phase    atomic.Uint32 // gcPhaseIdle, gcPhaseMarking, gcPhaseSweeping
	sweepgen atomic.Uint32 // incremented by 2 per cycle

	descriptors atomic.Pointer[[]Descriptor]

	main    *Mutator
	central freeList
	sweep   sweepdata
	finq    finQueue

	prefinLock sync.Mutex
	prefin     []preFinalizer

	stats heapStats
}

const (
	gcPhaseIdle uint32 = iota
	gcPhaseMarking
	gcPhaseSweeping
)

// NewHeap returns an empty heap.
func NewHeap(opts HeapOptions) *Heap {
	h := &Heap{
		provider:  opts.Provider,
		scheduler: opts.Scheduler,
		nbgsweep:  opts.BackgroundSweepers,
	}
	if h.provider == nil {
		h.provider = osPageProvider{}
	}
	if h.scheduler == nil {
		h.scheduler = defaultScheduler{}
	}
	descs := []Descriptor{{}} // index 0 is NoDescriptor
	h.descriptors.Store(&descs)
	h.main = h.NewMutator()
	return h
}

// newPage provisions a page of the given payload size from the
// provider. The page starts swept, with its whole payload described by
// a single free header. Exclusive ownership of that span stays with the
// caller; it is not added to any free list here.
func (h *Heap) newPage(bytes uintptr, large bool) (*page, error) {
	mem, err := h.provider.AllocPages(bytes)
	if err != nil {
		return nil, err
	}
	if uintptr(len(mem)) != bytes {
		throw("page provider returned wrong extent size")
	}
	p := &page{heap: h, data: mem, large: large}
	p.gcmarkBits = newMarkBits(bytes / allocationGranule)
	p.state.Store(pageSwept)
	p.storeHeader(0, objHeader{size: bytes, flags: flagFree})
	h.lock.Lock()
	h.pages = append(h.pages, p)
	h.lock.Unlock()
	return p, nil
}

func (h *Heap) growHeap() (*page, error) {
	return h.newPage(pageSize, false)
}

// releasePage returns a large page's memory to the provider. Called
// once the page's single object is dead and, if applicable, finalized.
func (h *Heap) releasePage(p *page) {
	if !p.large {
		throw("releasePage on normal page")
	}
	h.lock.Lock()
	for i, q := range h.pages {
		if q == p {
			h.pages = append(h.pages[:i], h.pages[i+1:]...)
			break
		}
	}
	h.lock.Unlock()
	h.provider.FreePages(p.data)
	p.data = nil
}

// throw reports a fatal contract violation. These are programming
// errors, not recoverable conditions; the panic is not meant to be
// recovered.
func throw(s string) {
	panic("oilpan: " + s)
}
