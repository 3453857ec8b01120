// Copyright 2024 The TCMalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rangetracker

import "fmt"

// RangeTracker tracks allocation of contiguous runs within a fixed
// number of slots. Set bits are allocated, clear bits free.
type RangeTracker struct {
	bits    *Bitmap
	size    uint
	nused   uint
	nallocs uint
}

// New returns a tracker over n slots, all free.
func New(n uint) *RangeTracker {
	return &RangeTracker{
		bits: NewBitmap(n),
		size: n,
	}
}

// Size returns the total number of slots.
func (t *RangeTracker) Size() uint {
	return t.size
}

// Used returns the number of allocated slots.
func (t *RangeTracker) Used() uint {
	return t.nused
}

// TotalFree returns the number of free slots.
func (t *RangeTracker) TotalFree() uint {
	return t.size - t.nused
}

// Allocs returns the number of live runs handed out by FindAndMark.
func (t *RangeTracker) Allocs() uint {
	return t.nallocs
}

// LongestFree returns the length of the longest contiguous free run.
func (t *RangeTracker) LongestFree() uint {
	longest := uint(0)
	index := uint(0)
	for {
		start, n, ok := t.bits.NextFreeRange(index)
		if !ok {
			return longest
		}
		longest = max(longest, n)
		index = start + n
	}
}

// FindAndMark claims the earliest free run of n slots and returns its
// first index.
//
// Preconditions: a free run of at least n slots exists.
func (t *RangeTracker) FindAndMark(n uint) uint {
	index, ok := t.bits.FindFreeRun(n)
	if !ok {
		panic(fmt.Sprintf("no free run of %d slots (used %d/%d)", n, t.nused, t.size))
	}
	t.bits.SetRange(index, n)
	t.nused += n
	t.nallocs++
	return index
}

// Unmark frees the run [i, i+n).
//
// Preconditions: [i, i+n) was returned by a previous FindAndMark and
// is entirely allocated.
func (t *RangeTracker) Unmark(i, n uint) {
	if t.bits.CountBits(i, n) != n {
		panic(fmt.Sprintf("Unmark of [%d, %d) covers free slots", i, i+n))
	}
	t.bits.ClearRange(i, n)
	t.nused -= n
	t.nallocs--
}

// NextFreeRange finds the first maximal free run at or after start,
// returning its first index and length, or ok == false if none.
func (t *RangeTracker) NextFreeRange(start uint) (index, n uint, ok bool) {
	return t.bits.NextFreeRange(start)
}
