// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector: sweeping
//
// The sweeper reclaims memory page by page. Each page is claimed
// exactly once per cycle through a compare-and-swap on its state word;
// the claimant walks the page's spans in address order, clears the
// mark bit of every live object, coalesces dead trivially-destructible
// objects and existing gaps into maximal free runs, and queues dead
// objects with finalizers. Free runs and finalizer entries are only
// published after the page reaches pageSwept, so nothing observes a
// partially classified page.
//
// The same page-sweep routine is driven from three places: background
// tasks running concurrently with the mutator, bounded incremental
// tasks, and the allocation slow path when the free list comes up
// empty (mutator-assisted sweeping).

package oilpan

import (
	"runtime"
	"sync/atomic"
)

// sweepBatchSize is how many pages a background sweeper processes
// between yields to the Go scheduler.
const sweepBatchSize = 10

// incrementalSweepBatch is how many pages one incremental task sweeps
// before reposting itself.
const incrementalSweepBatch = 2

// State of a sweep cycle.
type sweepdata struct {
	// pages is the page set snapshotted at sweep start. Pages
	// provisioned later are born swept and are not part of the
	// cycle.
	pages []*page

	// cursor is a monotonic hint into pages: everything below it is
	// known claimed. Racing sweepers may still contend on the same
	// page past the cursor; the page-state CAS decides the winner.
	cursor sweepCursor

	// active tracks outstanding sweepers and the sweep termination
	// condition.
	active activeSweep
}

type sweepCursor struct {
	u atomic.Uint32
}

func (c *sweepCursor) load() uint32 {
	return c.u.Load()
}

// update raises the cursor to n. The cursor only ever increases within
// a cycle.
func (c *sweepCursor) update(n uint32) {
	for old := c.u.Load(); old < n && !c.u.CompareAndSwap(old, n); old = c.u.Load() {
	}
}

func (c *sweepCursor) clear() {
	c.u.Store(0)
}

const sweepDrainedMask = 1 << 31

// activeSweep is a single word holding whether the cycle's sweep work
// has been fully handed out (the high bit) and the number of sweepers
// currently running (the remaining bits). Every potential sweeper
// calls begin before looking for work and end when done; an
// outstanding sweeper blocks sweep termination.
type activeSweep struct {
	state atomic.Uint32
}

// begin registers a new sweeper and returns a sweepLocker for
// acquiring pages. If the locker is invalid, all sweep work has been
// drained, though sweepers registered earlier may still be running.
func (a *activeSweep) begin(h *Heap) sweepLocker {
	for {
		state := a.state.Load()
		if state&sweepDrainedMask != 0 {
			return sweepLocker{h.sweepgen.Load(), false}
		}
		if a.state.CompareAndSwap(state, state+1) {
			return sweepLocker{h.sweepgen.Load(), true}
		}
	}
}

// end deregisters a sweeper. Must be called once for each begin that
// returned a valid locker.
func (a *activeSweep) end(h *Heap, sl sweepLocker) {
	if sl.sweepGen != h.sweepgen.Load() {
		throw("sweeper left outstanding across sweep cycles")
	}
	for {
		state := a.state.Load()
		if (state&^sweepDrainedMask)-1 >= sweepDrainedMask {
			throw("mismatched begin/end of activeSweep")
		}
		if a.state.CompareAndSwap(state, state-1) {
			return
		}
	}
}

// markDrained marks the cycle as having handed out all of its pages.
// Returns true for the call that actually performed the transition.
func (a *activeSweep) markDrained() bool {
	for {
		state := a.state.Load()
		if state&sweepDrainedMask != 0 {
			return false
		}
		if a.state.CompareAndSwap(state, state|sweepDrainedMask) {
			return true
		}
	}
}

// sweepers returns the current number of active sweepers.
func (a *activeSweep) sweepers() uint32 {
	return a.state.Load() &^ sweepDrainedMask
}

// isDone reports whether all sweep work has been drained and no
// sweepers are outstanding, i.e. the sweep phase is completely
// finished.
func (a *activeSweep) isDone() bool {
	return a.state.Load() == sweepDrainedMask
}

// reset prepares for the next cycle. The previous cycle must be done
// and mutators paused.
func (a *activeSweep) reset() {
	a.state.Store(0)
}

// sweepLocker acquires sweep ownership of pages on behalf of one
// registered sweeper.
type sweepLocker struct {
	// sweepGen is the heap's sweep generation at registration.
	sweepGen uint32
	valid    bool
}

// pageLocked represents sweep ownership of a page.
type pageLocked struct {
	*page
}

// tryAcquire attempts to move p from pageToBeSwept to pageSweeping.
// Exactly one claimant wins; losers observe the page already claimed
// and move on.
func (l *sweepLocker) tryAcquire(p *page) (pageLocked, bool) {
	if !l.valid {
		throw("use of invalid sweepLocker")
	}
	// Check before attempting to CAS.
	if p.state.Load() != pageToBeSwept {
		return pageLocked{}, false
	}
	if !p.state.CompareAndSwap(pageToBeSwept, pageSweeping) {
		return pageLocked{}, false
	}
	return pageLocked{p}, true
}

// nextPageForSweep finds a page still awaiting sweep, starting from
// the cursor hint. Returns nil if every page has been claimed.
func (h *Heap) nextPageForSweep() *page {
	sw := &h.sweep
	for i := sw.cursor.load(); i < uint32(len(sw.pages)); i++ {
		p := sw.pages[i]
		if p.state.Load() == pageToBeSwept {
			sw.cursor.update(i)
			return p
		}
	}
	return nil
}

// sweepone sweeps one page and returns 1, or returns ^uintptr(0) if
// there was nothing to sweep.
func (h *Heap) sweepone() uintptr {
	sl := h.sweep.active.begin(h)
	if !sl.valid {
		return ^uintptr(0)
	}

	npages := ^uintptr(0)
	for {
		p := h.nextPageForSweep()
		if p == nil {
			h.sweep.active.markDrained()
			break
		}
		if pl, ok := sl.tryAcquire(p); ok {
			pl.sweep()
			npages = 1
			break
		}
		// Lost the claim race; rescan for another page.
	}

	h.sweep.active.end(h, sl)
	return npages
}

// sweep classifies every span on a claimed page. Live objects get
// their mark bit cleared and stay put. Dead trivially-destructible
// objects and pre-existing free gaps coalesce into maximal free runs.
// Dead objects with finalizers are queued; their memory stays intact
// until the finalization phase. The page transitions to pageSwept
// before any run or queue entry is published.
func (pl pageLocked) sweep() {
	p := pl.page
	h := p.heap
	if p.state.Load() != pageSweeping {
		throw("sweep: bad page state")
	}

	var frees []freeSpan
	var fins []finEntry
	nlive := 0

	n := uintptr(len(p.data))
	var runStart, runEnd uintptr
	flushRun := func() {
		if runEnd == runStart {
			return
		}
		size := runEnd - runStart
		p.storeHeader(runStart, objHeader{size: size, flags: flagFree})
		frees = append(frees, freeSpan{p, runStart, size})
	}

	for off := uintptr(0); off < n; {
		hd := p.loadHeader(off)
		if hd.size < allocationGranule || hd.size%allocationGranule != 0 || off+hd.size > n {
			throw("sweep: corrupt span header")
		}
		next := off + hd.size
		mbits := p.markBitsForOffset(off)

		switch {
		case hd.flags&flagFree != 0:
			if mbits.isMarked() {
				throw("sweep: marked free span")
			}
			// Reclaimed gap; merge it into the current run.
			if runEnd != off {
				flushRun()
				runStart = off
			}
			runEnd = next

		case mbits.isMarked():
			// Live. Clear the bit for the next cycle.
			mbits.clearMarked()
			nlive++
			flushRun()
			runStart, runEnd = next, next

		case hd.flags&flagFinalizer != 0:
			// Dead, non-trivial destructor. The memory must stay
			// readable for the finalizer, so the run breaks here.
			fins = append(fins, finEntry{p, off, hd.size, hd.desc})
			flushRun()
			runStart, runEnd = next, next

		default:
			// Dead and trivially destructible.
			h.stats.bytesFreed.Add(uint64(hd.size))
			if runEnd != off {
				flushRun()
				runStart = off
			}
			runEnd = next
		}
		off = next
	}
	flushRun()

	// Serialization point: past this store the page's memory may be
	// observed by mutators through the free list.
	p.state.Store(pageSwept)
	h.stats.pagesSwept.Add(1)

	if p.large && nlive == 0 && len(fins) == 0 {
		// The single large object died with no finalizer; hand the
		// whole page back to the provider.
		h.releasePage(p)
		return
	}
	if !p.large {
		for _, s := range frees {
			h.central.add(s)
		}
	}
	if len(fins) > 0 {
		h.finq.pushBatch(fins)
	}
}

// bgsweep is the body of one background sweep task. It sweeps until
// the cycle drains, yielding to the scheduler between batches.
func (h *Heap) bgsweep() {
	nSwept := 0
	for h.sweepone() != ^uintptr(0) {
		h.stats.backgroundSweeps.Add(1)
		nSwept++
		if nSwept%sweepBatchSize == 0 {
			runtime.Gosched()
		}
	}
}

// incrementalSweepTask sweeps a small bounded number of pages and
// reposts itself until the cycle drains. It never runs finalizers, so
// the scheduler is free to run it off the main thread.
func (h *Heap) incrementalSweepTask() {
	for i := 0; i < incrementalSweepBatch; i++ {
		if h.sweepone() == ^uintptr(0) {
			return
		}
	}
	h.scheduler.PostIncremental(h.incrementalSweepTask)
}
