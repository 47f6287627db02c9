// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oilpan

import "testing"

func runCycle(h *Heap, live ...Object) {
	h.StartMarking()
	for _, o := range live {
		h.Mark(o)
	}
	h.StartSweep()
	h.CompleteSweep()
}

func TestFinalizerExactlyOnce(t *testing.T) {
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}})
	finals := 0
	desc := h.RegisterDescriptor(Descriptor{Finalizer: func(Object) { finals++ }})

	o, err := h.Alloc(48, desc)
	if err != nil {
		t.Fatal(err)
	}

	runCycle(h, o) // survives
	if finals != 0 {
		t.Fatalf("finalizer ran for a live object")
	}
	runCycle(h) // dies
	if finals != 1 {
		t.Fatalf("finalizer ran %d times, want 1", finals)
	}
	runCycle(h) // memory long since reclaimed
	if finals != 1 {
		t.Fatalf("finalizer ran again in a later cycle: %d", finals)
	}
}

// TestFinalizerReadsPayload: the destructor sees the object's payload
// intact, before the memory reenters any free list.
func TestFinalizerReadsPayload(t *testing.T) {
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}})
	var got byte
	desc := h.RegisterDescriptor(Descriptor{Finalizer: func(o Object) {
		got = o.Bytes()[0]
	}})

	o, _ := h.Alloc(16, desc)
	o.Bytes()[0] = 0xab
	runCycle(h)
	if got != 0xab {
		t.Fatalf("finalizer read %#x, want 0xab", got)
	}
}

// TestFinalizationQueueBlocks pushes well past one queue block.
func TestFinalizationQueueBlocks(t *testing.T) {
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}})
	finals := 0
	desc := h.RegisterDescriptor(Descriptor{Finalizer: func(Object) { finals++ }})

	const n = 3*finBlockEntries + 17
	for i := 0; i < n; i++ {
		if _, err := h.Alloc(32, desc); err != nil {
			t.Fatal(err)
		}
	}
	runCycle(h)
	if finals != n {
		t.Fatalf("finalized %d objects, want %d", finals, n)
	}
	if !h.finq.empty() {
		t.Fatalf("queue not empty after finalization phase")
	}
}

func TestPreFinalizer(t *testing.T) {
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}})

	dead, _ := h.Alloc(32, NoDescriptor)
	live, _ := h.Alloc(32, NoDescriptor)

	deadRuns, liveRuns := 0, 0
	var sweptWhenRun uint64
	h.RegisterPreFinalizer(dead, func() {
		deadRuns++
		sweptWhenRun = h.Stats().PagesSwept
	})
	h.RegisterPreFinalizer(live, func() { liveRuns++ })

	before := h.Stats().PagesSwept
	runCycle(h, live)
	if deadRuns != 1 {
		t.Fatalf("pre-finalizer for dead object ran %d times, want 1", deadRuns)
	}
	if sweptWhenRun != before {
		t.Errorf("pre-finalizer ran after sweeping started")
	}
	if liveRuns != 0 {
		t.Fatalf("pre-finalizer ran for a live object")
	}

	// The survivor's hook stays registered and fires when it dies.
	runCycle(h)
	if liveRuns != 1 {
		t.Fatalf("surviving registration ran %d times after death, want 1", liveRuns)
	}
	if deadRuns != 1 {
		t.Fatalf("consumed registration ran again")
	}
}

func TestUnregisterPreFinalizer(t *testing.T) {
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}})
	o, _ := h.Alloc(32, NoDescriptor)
	runs := 0
	h.RegisterPreFinalizer(o, func() { runs++ })
	h.UnregisterPreFinalizer(o)
	runCycle(h)
	if runs != 0 {
		t.Fatalf("unregistered pre-finalizer ran")
	}
}

// TestFinalizedMemoryReused: memory freed through the finalization
// phase satisfies later allocations without growing the heap.
func TestFinalizedMemoryReused(t *testing.T) {
	provider := &countingProvider{}
	h := NewHeap(HeapOptions{Scheduler: dropScheduler{}, Provider: provider})
	desc := h.RegisterDescriptor(Descriptor{Finalizer: func(Object) {}})

	for i := 0; i < 100; i++ {
		if _, err := h.Alloc(240, desc); err != nil {
			t.Fatal(err)
		}
	}
	runCycle(h)

	grows := provider.allocs.Load()
	for i := 0; i < 100; i++ {
		if _, err := h.Alloc(240, NoDescriptor); err != nil {
			t.Fatal(err)
		}
	}
	if got := provider.allocs.Load(); got != grows {
		t.Errorf("heap grew by %d pages, want reuse of finalized memory", got-grows)
	}
	if got := h.Stats().ObjectsFinalized; got != 100 {
		t.Errorf("ObjectsFinalized = %d, want 100", got)
	}
}
