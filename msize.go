// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Span size rounding and free-list bucket selection.
//
// See malloc.go for overview.

package oilpan

import "math/bits"

const (
	pageSizeLog2 = 16
	pageSize     = 1 << pageSizeLog2 // payload bytes per normal page

	// allocationGranule is the minimum span size and alignment. One
	// mark bit covers one granule.
	allocationGranule = 16

	// headerSize is the size of the object header embedded at the
	// start of every span.
	headerSize = 8

	// maxSmallObjectSize is the largest span a normal page serves.
	// Bigger requests get a dedicated large page.
	maxSmallObjectSize = pageSize / 2
)

// numFreeBuckets covers span sizes from allocationGranule up to a whole
// page payload. Bucket i holds spans with size in [2^i, 2^(i+1)).
const numFreeBuckets = pageSizeLog2 + 1

// spanSizeFor returns the span size backing a payload request: payload
// plus header, rounded up to the allocation granule.
func spanSizeFor(payload uintptr) uintptr {
	return alignUp(payload+headerSize, allocationGranule)
}

// sizeToBucket returns the bucket a span of the given size is stored in
// (floor log2).
func sizeToBucket(size uintptr) int {
	return bits.Len64(uint64(size)) - 1
}

// sizeToTakeBucket returns the first bucket whose every span is
// guaranteed to satisfy a request of the given size (ceil log2).
func sizeToTakeBucket(size uintptr) int {
	return bits.Len64(uint64(size - 1))
}

func alignUp(n, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

func divRoundUp(n, a uintptr) uintptr {
	return (n + a - 1) / a
}
