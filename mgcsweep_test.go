// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oilpan

import (
	"sync"
	"sync/atomic"
	"testing"
)

// dropScheduler discards every posted task so tests fully control who
// sweeps and when. The scheduler owns policy, not correctness, so this
// is a legal scheduler.
type dropScheduler struct{}

func (dropScheduler) PostConcurrent(func())  {}
func (dropScheduler) PostIncremental(func()) {}

// countingProvider counts provisioning traffic.
type countingProvider struct {
	allocs atomic.Int64
	frees  atomic.Int64
}

func (c *countingProvider) AllocPages(bytes uintptr) ([]byte, error) {
	c.allocs.Add(1)
	return make([]byte, bytes), nil
}

func (c *countingProvider) FreePages(mem []byte) {
	c.frees.Add(1)
}

// centralBytesOn sums the free-list bytes registered for page p.
func centralBytesOn(h *Heap, p *page) uintptr {
	var total uintptr
	for i := range h.central.buckets {
		b := &h.central.buckets[i]
		b.lock.Lock()
		for _, s := range b.spans {
			if s.p == p {
				total += s.size
			}
		}
		b.lock.Unlock()
	}
	return total
}

// drainCentral empties the free lists, forcing the next allocation
// onto a fresh page.
func drainCentral(h *Heap) {
	for {
		if _, ok := h.central.take(allocationGranule); !ok {
			return
		}
	}
}

func mustPanic(t *testing.T, want string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic %q", want)
		}
	}()
	f()
}

// TestSweepScenario is the full classification walkthrough: a live and
// a dead-trivial object sharing a page, a dead object with a finalizer
// next to a live one, and two pages with no live objects at all.
func TestSweepScenario(t *testing.T) {
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}})
	finals := 0
	descFin := h.RegisterDescriptor(Descriptor{Finalizer: func(Object) { finals++ }})

	a, _ := h.Alloc(24, NoDescriptor)
	b, _ := h.Alloc(24, NoDescriptor)
	h.main.lab.retire(h)
	drainCentral(h)
	c, _ := h.Alloc(24, descFin)
	d, _ := h.Alloc(24, NoDescriptor)
	p0, p1 := a.p, c.p
	if b.p != p0 || d.p != p1 || p0 == p1 {
		t.Fatalf("bad page placement: a,b on %p,%p; c,d on %p,%p", a.p, b.p, c.p, d.p)
	}
	p2, err := h.growHeap()
	if err != nil {
		t.Fatal(err)
	}
	p3, err := h.growHeap()
	if err != nil {
		t.Fatal(err)
	}

	h.StartMarking()
	h.Mark(a)
	h.Mark(d)
	h.StartSweep()

	for _, p := range []*page{p0, p1, p2, p3} {
		if got := p.state.Load(); got != pageToBeSwept {
			t.Fatalf("page state = %d at sweep start, want pageToBeSwept", got)
		}
	}

	// Sweep everything without running finalizers.
	for h.sweepone() != ^uintptr(0) {
	}

	const span = 32 // 24-byte payload plus header, granule-rounded
	if got := centralBytesOn(h, p0); got != pageSize-span {
		t.Errorf("page0 free bytes = %d, want %d (B freed immediately, A live)", got, pageSize-span)
	}
	if got := centralBytesOn(h, p1); got != pageSize-2*span {
		t.Errorf("page1 free bytes = %d, want %d (C deferred to finalization)", got, pageSize-2*span)
	}
	for _, p := range []*page{p2, p3} {
		if got := centralBytesOn(h, p); got != pageSize {
			t.Errorf("empty page free bytes = %d, want %d", got, pageSize)
		}
	}
	if finals != 0 {
		t.Errorf("finalizer ran during sweep, not finalization phase")
	}
	for _, p := range []*page{p0, p1, p2, p3} {
		if got := p.state.Load(); got != pageSwept {
			t.Errorf("page state = %d after sweep, want pageSwept", got)
		}
	}
	for _, o := range []Object{a, d} {
		if o.p.markBitsForOffset(o.off).isMarked() {
			t.Errorf("surviving object still marked after sweep")
		}
	}

	h.CompleteSweep()
	if finals != 1 {
		t.Errorf("finalizer ran %d times, want 1", finals)
	}
	if got := centralBytesOn(h, p1); got != pageSize-span {
		t.Errorf("page1 free bytes after finalization = %d, want %d", got, pageSize-span)
	}
}

// TestPageClaimRace: many sweepers race to claim one page; exactly one
// wins and the rest observe it already claimed.
func TestPageClaimRace(t *testing.T) {
	for iter := 0; iter < 100; iter++ {
		p := &page{data: make([]byte, pageSize)}
		p.state.Store(pageToBeSwept)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sl := sweepLocker{valid: true}
				if _, ok := sl.tryAcquire(p); ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("claim winners = %d, want 1", wins.Load())
		}
		if got := p.state.Load(); got != pageSweeping {
			t.Fatalf("page state = %d after claim, want pageSweeping", got)
		}
	}
}

// TestProgressUnderAssist: with no background or incremental sweeping
// at all, a mutator that keeps missing the free list makes progress by
// sweeping inline, without growing the heap.
func TestProgressUnderAssist(t *testing.T) {
	provider := &countingProvider{}
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}, Provider: provider})

	const n = 1000
	for i := 0; i < n; i++ {
		if _, err := h.Alloc(240, NoDescriptor); err != nil {
			t.Fatal(err)
		}
	}
	h.StartMarking()
	h.StartSweep() // everything is garbage

	grows := provider.allocs.Load()
	for i := 0; i < n; i++ {
		if _, err := h.Alloc(240, NoDescriptor); err != nil {
			t.Fatal(err)
		}
	}
	if got := provider.allocs.Load(); got != grows {
		t.Errorf("heap grew by %d pages under assist, want 0", got-grows)
	}
	if h.Stats().SweepAssists == 0 {
		t.Errorf("no sweep assists recorded")
	}
	h.CompleteSweep()
}

// TestMarkClearingIdempotent: surviving objects end every cycle with a
// clear mark bit no matter which path swept their page.
func TestMarkClearingIdempotent(t *testing.T) {
	h := NewHeap(HeapOptions{BackgroundSweepers: 2})

	var objs []Object
	for i := 0; i < 600; i++ {
		o, err := h.Alloc(120, NoDescriptor)
		if err != nil {
			t.Fatal(err)
		}
		objs = append(objs, o)
	}

	for cycle := 0; cycle < 3; cycle++ {
		h.StartMarking()
		for _, o := range objs {
			h.Mark(o)
		}
		h.StartSweep()
		// Mix drivers: incremental steps race the background tasks.
		for !h.SweepStep(1) {
		}
		for _, o := range objs {
			if o.p.markBitsForOffset(o.off).isMarked() {
				t.Fatalf("cycle %d: surviving object still marked", cycle)
			}
		}
	}
}

// TestConcurrentSweepStress: background sweepers, an allocating
// mutator, and the main goroutine finishing the cycle all run at once.
// Every dead object with a finalizer is finalized exactly once.
func TestConcurrentSweepStress(t *testing.T) {
	h := NewHeap(HeapOptions{BackgroundSweepers: 4})

	counts := make(map[Object]*atomic.Int32)
	desc := h.RegisterDescriptor(Descriptor{Finalizer: func(o Object) {
		c, ok := counts[o]
		if !ok {
			t.Error("finalizer for unknown object")
			return
		}
		c.Add(1)
	}})

	const n = 2000
	objs := make([]Object, n)
	for i := range objs {
		o, err := h.Alloc(120, desc)
		if err != nil {
			t.Fatal(err)
		}
		objs[i] = o
		counts[o] = new(atomic.Int32)
	}

	h.StartMarking()
	for i := 0; i < n; i += 2 {
		h.Mark(objs[i])
	}
	h.StartSweep()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m := h.NewMutator()
		for i := 0; i < 500; i++ {
			if _, err := m.Alloc(120, NoDescriptor); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	h.CompleteSweep()
	<-done

	for i, o := range objs {
		got := counts[o].Load()
		want := int32(i % 2) // odd indices were left unmarked
		if got != want {
			t.Fatalf("object %d finalized %d times, want %d", i, got, want)
		}
	}
	if !h.SweepDone() {
		t.Errorf("SweepDone = false after CompleteSweep")
	}
}

// TestCycleStateMachine checks the phase contract violations throw.
func TestCycleStateMachine(t *testing.T) {
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}})
	o, _ := h.Alloc(8, NoDescriptor)

	mustPanic(t, "StartSweep without marking", func() { h.StartSweep() })
	mustPanic(t, "Mark outside marking", func() { h.Mark(o) })

	h.CompleteSweep() // no-op outside the sweep phase

	h.StartMarking()
	mustPanic(t, "StartMarking during marking", func() { h.StartMarking() })
	h.Mark(o)
	h.StartSweep()
	if !h.SweepStep(100) {
		t.Errorf("SweepStep did not finish a one-page heap")
	}
	mustPanic(t, "Mark outside marking", func() { h.Mark(o) })
}
