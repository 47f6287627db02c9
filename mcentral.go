// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Free lists: reclaimed spans, bucketed by size.
//
// Sweep workers add spans concurrently with mutators taking them, so
// each bucket carries its own lock. No lock covers the whole list;
// contention is per bucket.

package oilpan

import "sync"

// A freeSpan describes a contiguous reclaimed extent on a page. The
// span carries a free header in the page payload; ownership of the
// memory transfers with the freeSpan value.
type freeSpan struct {
	p    *page
	off  uintptr
	size uintptr
}

type freeBucket struct {
	lock  sync.Mutex
	spans []freeSpan
}

// freeList is the heap-wide registry of reclaimable spans. Bucket i
// holds spans with size in [2^i, 2^(i+1)), so every span in bucket
// sizeToTakeBucket(n) or above satisfies a request of n bytes.
type freeList struct {
	buckets [numFreeBuckets]freeBucket
}

// add registers a reclaimed span. The span's page must be in pageSwept
// state: the free list is the handoff point to mutators, and mutators
// only ever touch swept pages.
func (f *freeList) add(s freeSpan) {
	if s.size < allocationGranule || s.size%allocationGranule != 0 {
		throw("freelist: bad span size")
	}
	b := &f.buckets[sizeToBucket(s.size)]
	b.lock.Lock()
	b.spans = append(b.spans, s)
	b.lock.Unlock()
}

// take removes and returns a span of at least minSize bytes. It scans
// from the first bucket guaranteed to satisfy the request, so a
// returned span never needs a size check. Failure is the trigger for
// assisted sweeping.
func (f *freeList) take(minSize uintptr) (freeSpan, bool) {
	for i := sizeToTakeBucket(minSize); i < numFreeBuckets; i++ {
		b := &f.buckets[i]
		b.lock.Lock()
		if n := len(b.spans); n > 0 {
			s := b.spans[n-1]
			b.spans = b.spans[:n-1]
			b.lock.Unlock()
			return s, true
		}
		b.lock.Unlock()
	}
	return freeSpan{}, false
}

// clear drops every entry. Called at sweep start: entries describe
// memory on pages about to become unswept, which mutators must not
// allocate from. The memory is not lost; the spans keep their free
// headers and the sweeper rediscovers them.
func (f *freeList) clear() {
	for i := range f.buckets {
		b := &f.buckets[i]
		b.lock.Lock()
		b.spans = nil
		b.lock.Unlock()
	}
}
