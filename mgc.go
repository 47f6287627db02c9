// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector: cycle orchestration.
//
// Marking itself is external. The embedder drives a cycle as:
//
//	h.StartMarking()
//	... h.Mark(obj) for every reachable object ...
//	h.StartSweep()
//	... optionally h.SweepStep(n) from an idle loop ...
//	h.CompleteSweep()
//
// StartMarking, StartSweep, SweepStep and CompleteSweep must all run
// on the heap's main goroutine. StartMarking and StartSweep
// additionally require all mutators to be paused, marking StartSweep
// the cycle's single synchronization pause.

package oilpan

import "runtime"

// StartMarking begins a new collection cycle. Any sweeping left over
// from the previous cycle is force-completed first, so the marker
// never observes stale mark bits or half-swept pages.
func (h *Heap) StartMarking() {
	switch h.phase.Load() {
	case gcPhaseMarking:
		throw("StartMarking during marking")
	case gcPhaseSweeping:
		h.CompleteSweep()
	}
	h.phase.Store(gcPhaseMarking)
}

// Mark records obj as reachable. Only legal between StartMarking and
// StartSweep. Safe to call from parallel mark workers.
func (h *Heap) Mark(obj Object) {
	if h.phase.Load() != gcPhaseMarking {
		throw("Mark outside marking phase")
	}
	obj.p.markBitsForOffset(obj.off).setMarked()
}

// StartSweep ends the mark phase and schedules sweeping. It runs
// pre-finalizers against the final mark state, retires every
// mutator's allocation buffer, drops the now-stale free lists,
// flips every page to pageToBeSwept, and posts the cycle's
// background and incremental tasks.
func (h *Heap) StartSweep() {
	if h.phase.Load() != gcPhaseMarking {
		throw("StartSweep without a completed mark phase")
	}

	h.invokePreFinalizers()
	h.retireAllLABs()
	// Free-list entries describe memory on pages that are about to
	// become unswept; mutators must not see them. Sweeping
	// rediscovers the spans.
	h.central.clear()

	h.lock.Lock()
	pages := append([]*page(nil), h.pages...)
	h.sweepgen.Add(2)
	h.lock.Unlock()

	for _, p := range pages {
		if s := p.state.Load(); s != pageSwept {
			print("oilpan: page state=", s, " at sweep start\n")
			throw("unswept page at sweep start")
		}
		p.state.Store(pageToBeSwept)
	}

	sw := &h.sweep
	sw.pages = pages
	sw.cursor.clear()
	sw.active.reset()
	h.phase.Store(gcPhaseSweeping)

	for i := 0; i < h.nbgsweep; i++ {
		h.scheduler.PostConcurrent(h.bgsweep)
	}
	h.scheduler.PostIncremental(h.incrementalSweepTask)
}

// SweepStep performs up to maxPages pages of sweep work and drains any
// finalization work that has become ready, then reports whether the
// cycle is finished. Intended for the embedder's idle loop.
func (h *Heap) SweepStep(maxPages int) bool {
	if h.phase.Load() != gcPhaseSweeping {
		return true
	}
	for i := 0; i < maxPages; i++ {
		if h.sweepone() == ^uintptr(0) {
			break
		}
	}
	// Observe completion before draining: entries queued by sweepers
	// that finished before the isDone load are guaranteed visible to
	// the drain below.
	done := h.sweep.active.isDone()
	h.finq.drain(h)
	if done {
		h.phase.Store(gcPhaseIdle)
	}
	return done
}

// CompleteSweep synchronously finishes the cycle: it sweeps every
// remaining page, waits out background sweepers that are mid-page, and
// runs the finalization phase. Idempotent; a no-op outside the sweep
// phase.
func (h *Heap) CompleteSweep() {
	if h.phase.Load() != gcPhaseSweeping {
		return
	}
	for h.sweepone() != ^uintptr(0) {
	}
	for !h.sweep.active.isDone() {
		runtime.Gosched()
	}
	h.finq.drain(h)
	if !h.finq.empty() {
		throw("finalization queue refilled after sweep completion")
	}
	h.phase.Store(gcPhaseIdle)
}

// SweepDone reports whether all sweep work of the current cycle has
// finished. It may flip from false to true at any time while sweepers
// run, and from true to false only at StartSweep.
func (h *Heap) SweepDone() bool {
	return h.sweep.active.isDone()
}
