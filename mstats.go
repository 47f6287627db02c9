// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Heap statistics.

package oilpan

import "sync/atomic"

// heapStats are maintained with atomic counters; writers never take a
// lock and readers get a consistent-enough snapshot for monitoring.
type heapStats struct {
	objectsAllocated atomic.Uint64
	bytesAllocated   atomic.Uint64
	bytesFreed       atomic.Uint64
	pagesSwept       atomic.Uint64
	sweepAssists     atomic.Uint64
	backgroundSweeps atomic.Uint64
	objectsFinalized atomic.Uint64
}

// HeapStats is a point-in-time snapshot of heap counters.
type HeapStats struct {
	ObjectsAllocated uint64 // objects allocated over the heap's lifetime
	BytesAllocated   uint64 // span bytes allocated, including headers
	BytesFreed       uint64 // span bytes reclaimed by the sweeper and finalization
	PagesSwept       uint64 // pages fully classified, across all cycles
	SweepAssists     uint64 // pages swept inline on the allocation path
	BackgroundSweeps uint64 // pages swept by background tasks
	ObjectsFinalized uint64 // destructors run
	HeapPages        uint64 // pages currently owned by the heap
}

// Stats returns a snapshot of the heap's counters.
func (h *Heap) Stats() HeapStats {
	h.lock.Lock()
	npages := uint64(len(h.pages))
	h.lock.Unlock()
	return HeapStats{
		ObjectsAllocated: h.stats.objectsAllocated.Load(),
		BytesAllocated:   h.stats.bytesAllocated.Load(),
		BytesFreed:       h.stats.bytesFreed.Load(),
		PagesSwept:       h.stats.pagesSwept.Load(),
		SweepAssists:     h.stats.sweepAssists.Load(),
		BackgroundSweeps: h.stats.backgroundSweeps.Load(),
		ObjectsFinalized: h.stats.objectsFinalized.Load(),
		HeapPages:        npages,
	}
}
