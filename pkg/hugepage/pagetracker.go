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

package hugepage

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/ilist"

	"github.com/wahcheng/tcmalloc/pkg/memutil"
	"github.com/wahcheng/tcmalloc/pkg/pages"
	"github.com/wahcheng/tcmalloc/pkg/rangetracker"
)

// PageTracker keeps track of the allocation status of every page in a
// huge page. It allows allocation and deallocation of a contiguous run
// of pages.
//
// Mutating methods require the pageheap lock.
type PageTracker struct {
	ilist.Entry

	location pages.HugePage

	free *rangetracker.RangeTracker

	// releasedByPage tracks pages by whether they have been released to
	// the OS:
	//   - not yet released pages are unset (considered "free")
	//   - released pages are set
	//
	// ReleaseFree marks a range in the bitmap only after the unback of
	// that range succeeded; a range whose unback failed stays unset.
	//
	// Once released, a huge page is considered released *until* free is
	// exhausted and no releasedByPage bits are set.
	releasedByPage *rangetracker.Bitmap

	// releasedCount caches releasedByPage.CountBits(0, PagesPerHugePage).
	releasedCount uint16

	// abandonedCount is the number of pages that were abandoned to the
	// filler when the originating allocation of a donated huge page was
	// deallocated but the huge page could not be reassembled.
	abandonedCount uint16

	donated     bool
	wasDonated  bool
	wasReleased bool

	// abandoned tracks whether we accounted for the abandoned state of
	// the page, so future deallocations are not double-counted in
	// abandonedCount.
	abandoned bool

	// unbroken is true while no subrelease has ever succeeded on this
	// huge page.
	unbroken bool

	// hasDenseSpans latches on the first dense placement.
	hasDenseSpans bool
}

// NewPageTracker returns a tracker for the entirely-free, backed huge
// page p. wasDonated records whether p came from the tail of a
// multi-hugepage allocation.
func NewPageTracker(p pages.HugePage, wasDonated bool) *PageTracker {
	return &PageTracker{
		location:       p,
		free:           rangetracker.New(uint(pages.PagesPerHugePage)),
		releasedByPage: rangetracker.NewBitmap(uint(pages.PagesPerHugePage)),
		wasDonated:     wasDonated,
		unbroken:       true,
	}
}

// PageAllocation is the result of PageTracker.Get.
type PageAllocation struct {
	Page pages.PageID

	// PreviouslyUnbacked counts the pages of the returned run that were
	// released to the OS; the caller must account for them as re-backed.
	PreviouslyUnbacked pages.Length
}

// Get finds and claims the earliest run of n free pages.
//
// Preconditions: LongestFreeRange() >= n.
func (pt *PageTracker) Get(n pages.Length) PageAllocation {
	index := pt.free.FindAndMark(uint(n))

	pt.assertReleasedCount()

	unbacked := uint(0)
	// If releasedCount == 0, the invariant above guarantees the claimed
	// run has no released bits, so skip touching the bitmap.
	if pt.releasedCount > 0 {
		unbacked = pt.releasedByPage.CountBits(index, uint(n))
		pt.releasedByPage.ClearRange(index, uint(n))
		pt.releasedCount -= uint16(unbacked)
	}

	pt.assertReleasedCount()
	return PageAllocation{
		Page:               pt.location.FirstPage().Add(pages.Length(index)),
		PreviouslyUnbacked: pages.Length(unbacked),
	}
}

// Put releases the run [p, p+n) back to the tracker. No unbacking
// occurs.
//
// Preconditions: p was the result of a previous call to Get(n).
func (pt *PageTracker) Put(p pages.PageID, n pages.Length) {
	index := p.Sub(pt.location.FirstPage())
	pt.free.Unmark(uint(index), uint(n))
}

// ReleaseFree returns all unused, still-backed pages to the system and
// marks them as released. It returns the count of pages unbacked.
// Ranges whose unback fails stay marked backed.
func (pt *PageTracker) ReleaseFree(unback memutil.UnbackFunc) pages.Length {
	count := uint(0)
	index := uint(0)
	// For purposes of tracking, pages which are not yet released are
	// "free" in the releasedByPage bitmap. We subrelease these pages in
	// an iterative process:
	//
	// 1. Identify the next range of still backed pages.
	// 2. Iterate on the free tracker within this range. For any free
	//    range found, mark these as unbacked.
	// 3. Release the subrange to the OS.
	for {
		start, n, ok := pt.releasedByPage.NextFreeRange(index)
		if !ok {
			break
		}
		index = start

		// Check for freed pages in this unreleased region.
		freeIndex, freeN, ok := pt.free.NextFreeRange(index)
		if ok && freeIndex < index+n {
			// A free range overlaps with [index, index+n); release it.
			end := min(freeIndex+freeN, index+n)
			length := end - freeIndex
			if pt.releasedByPage.CountBits(freeIndex, length) != 0 {
				panic(fmt.Sprintf("free range [%d, %d) should be backed", freeIndex, end))
			}
			p := pt.location.FirstPage().Add(pages.Length(freeIndex))
			if pt.releasePages(p, pages.Length(length), unback) {
				// Mark pages as released. Amortize the update to
				// releasedCount.
				pt.releasedByPage.SetRange(freeIndex, length)
				count += length
			}
			index = end
		} else {
			// [index, index+n) did not have an overlapping free range;
			// move to the next backed range of pages.
			index += n
		}
	}

	pt.releasedCount += uint16(count)
	if pages.Length(pt.releasedCount) > pages.PagesPerHugePage {
		panic(fmt.Sprintf("released %d pages of %d", pt.releasedCount, pages.PagesPerHugePage))
	}
	pt.assertReleasedCount()
	return pages.Length(count)
}

func (pt *PageTracker) releasePages(p pages.PageID, n pages.Length, unback memutil.UnbackFunc) bool {
	success := unback(p.Addr(), uintptr(n.Bytes()))
	if success {
		pt.unbroken = false
	}
	return success
}

// AddSpanStats accumulates the tracker's free spans into small and
// large, classifying each maximal subrun by its backed/released state.
// Either argument may be nil.
func (pt *PageTracker) AddSpanStats(small *SmallSpanStats, large *LargeSpanStats) {
	index := uint(0)
	for {
		start, n, ok := pt.free.NextFreeRange(index)
		if !ok {
			return
		}
		index = start
		isReleased := pt.releasedByPage.GetBit(index)
		// Find the last bit in the run with the same released state as
		// index.
		var end uint
		if index >= uint(pages.PagesPerHugePage)-1 {
			end = uint(pages.PagesPerHugePage)
		} else if isReleased {
			end = pt.releasedByPage.FindClear(index + 1)
		} else {
			end = pt.releasedByPage.FindSet(index + 1)
		}
		n = min(end-index, n)

		if pages.Length(n) < pages.MaxPages {
			if small != nil {
				if isReleased {
					small.ReturnedLength[n]++
				} else {
					small.NormalLength[n]++
				}
			}
		} else if large != nil {
			large.Spans++
			if isReleased {
				large.ReturnedPages += pages.Length(n)
			} else {
				large.NormalPages += pages.Length(n)
			}
		}

		index += n
	}
}

// Released returns true if any unused pages have been
// returned-to-system.
func (pt *PageTracker) Released() bool {
	return pt.releasedCount > 0
}

// Donated reports whether this tracker was donated from the tail of a
// multi-hugepage allocation. Only up-to-date when the tracker is on a
// filler list; otherwise the value is meaningless.
func (pt *PageTracker) Donated() bool {
	return pt.donated
}

// SetDonated sets or resets the donated flag. The donated status is
// lost, for instance, when further allocations are made on the
// tracker.
func (pt *PageTracker) SetDonated(status bool) {
	pt.donated = status
}

// WasDonated tracks whether the page was given to the filler in the
// donated state. It is never cleared, allowing callers to track memory
// persistently donated to the filler.
func (pt *PageTracker) WasDonated() bool {
	return pt.wasDonated
}

// WasReleased reports whether the tracker refilled after being
// released.
func (pt *PageTracker) WasReleased() bool {
	return pt.wasReleased
}

// SetWasReleased sets or clears the was-released latch.
func (pt *PageTracker) SetWasReleased(status bool) {
	pt.wasReleased = status
}

// Abandoned tracks whether the page, previously donated to the filler,
// was abandoned.
func (pt *PageTracker) Abandoned() bool {
	return pt.abandoned
}

// SetAbandoned sets or clears the abandoned flag.
func (pt *PageTracker) SetAbandoned(status bool) {
	pt.abandoned = status
}

// AbandonedCount returns how many pages were provided when the
// originating allocation of a donated page was deallocated but other
// allocations were in use.
//
// Preconditions: WasDonated().
func (pt *PageTracker) AbandonedCount() pages.Length {
	return pages.Length(pt.abandonedCount)
}

// SetAbandonedCount records the abandoned page count.
//
// Preconditions: WasDonated().
func (pt *PageTracker) SetAbandonedCount(count pages.Length) {
	if !pt.wasDonated {
		panic("abandoned count on a tracker that was never donated")
	}
	pt.abandonedCount = uint16(count)
}

// LongestFreeRange returns the length of the longest contiguous free
// run.
func (pt *PageTracker) LongestFreeRange() pages.Length {
	return pages.Length(pt.free.LongestFree())
}

// NAllocs returns the number of live runs handed out by Get.
func (pt *PageTracker) NAllocs() uint {
	return pt.free.Allocs()
}

// UsedPages returns the number of allocated pages.
func (pt *PageTracker) UsedPages() pages.Length {
	return pages.Length(pt.free.Used())
}

// ReleasedPages returns the number of pages released to the OS.
func (pt *PageTracker) ReleasedPages() pages.Length {
	return pages.Length(pt.releasedCount)
}

// FreePages returns the number of unallocated pages, backed or not.
func (pt *PageTracker) FreePages() pages.Length {
	return pages.PagesPerHugePage - pt.UsedPages()
}

// Empty returns true if no pages are allocated.
func (pt *PageTracker) Empty() bool {
	return pt.free.Used() == 0
}

// Unbroken returns true while no subrelease has ever succeeded on this
// huge page.
func (pt *PageTracker) Unbroken() bool {
	return pt.unbroken
}

// Location returns the huge page whose availability is being tracked.
func (pt *PageTracker) Location() pages.HugePage {
	return pt.location
}

// HasDenseSpans reports whether a dense placement ever happened on
// this tracker.
func (pt *PageTracker) HasDenseSpans() bool {
	return pt.hasDenseSpans
}

// SetHasDenseSpans latches the dense-spans flag.
func (pt *PageTracker) SetHasDenseSpans() {
	pt.hasDenseSpans = true
}

func (pt *PageTracker) assertReleasedCount() {
	if c := pt.releasedByPage.CountBits(0, uint(pages.PagesPerHugePage)); c != uint(pt.releasedCount) {
		panic(fmt.Sprintf("released bitmap has %d bits, cached count %d", c, pt.releasedCount))
	}
}
