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

package hugeregion

import (
	"gvisor.dev/gvisor/pkg/ilist"

	"github.com/wahcheng/tcmalloc/pkg/hugepage"
	"github.com/wahcheng/tcmalloc/pkg/pages"
	"github.com/wahcheng/tcmalloc/pkg/printer"
)

// HugeRegionSet manages a set of regions to allocate from.
//
// Strategy: allocate from the most fragmented region that fits, so
// allocations tend to fill fragmented regions rather than chewing up
// ones with long runs left.
type HugeRegionSet struct {
	n           int
	usageOption UsageOption

	// list is sorted by longest free, increasing.
	list ilist.List
}

// NewHugeRegionSet returns an empty set with the given usage option.
func NewHugeRegionSet(usageOption UsageOption) *HugeRegionSet {
	return &HugeRegionSet{usageOption: usageOption}
}

// UseHugeRegionMoreOften returns true when frees retain backing and
// release happens only via ReleasePages.
func (s *HugeRegionSet) UseHugeRegionMoreOften() bool {
	return s.usageOption == UseForAllLargeAllocs
}

// MaybeGet returns a range of n free pages if some region has one,
// with fromReleased true iff the returned range is currently unbacked.
// ok is false if no region can satisfy the request.
func (s *HugeRegionSet) MaybeGet(n pages.Length) (p pages.PageID, fromReleased bool, ok bool) {
	for e := s.list.Front(); e != nil; e = e.Next() {
		region := e.(*HugeRegion)
		if p, fromReleased, ok = region.MaybeGet(n); ok {
			s.fix(region)
			return p, fromReleased, true
		}
	}
	return 0, false, false
}

// MaybePut returns an allocation to the region containing it, if any.
func (s *HugeRegionSet) MaybePut(p pages.PageID, n pages.Length) bool {
	// When regions are used for all large allocations, free-but-backed
	// huge pages are not released on the deallocation path; that
	// happens periodically via ReleasePages.
	release := !s.UseHugeRegionMoreOften()
	for e := s.list.Front(); e != nil; e = e.Next() {
		region := e.(*HugeRegion)
		if region.Contains(p) {
			region.Put(p, n, release)
			s.fix(region)
			return true
		}
	}
	return false
}

// Contribute adds region to the set.
func (s *HugeRegionSet) Contribute(region *HugeRegion) {
	s.n++
	s.addToList(region)
}

// ReleasePages releases fraction times the number of free-but-backed
// huge pages (rounded up, at least one) from each region, and returns
// the total pages released. fraction is clamped to [0, 1].
func (s *HugeRegionSet) ReleasePages(fraction float64) pages.Length {
	var released pages.Length
	for e := s.list.Front(); e != nil; e = e.Next() {
		released += e.(*HugeRegion).Release(fraction).InPages()
	}
	return released
}

// AddSpanStats accumulates every region's free spans into small and
// large.
func (s *HugeRegionSet) AddSpanStats(small *hugepage.SmallSpanStats, large *hugepage.LargeSpanStats) {
	for e := s.list.Front(); e != nil; e = e.Next() {
		e.(*HugeRegion).AddSpanStats(small, large)
	}
}

// ActiveRegions returns the number of contributed regions.
func (s *HugeRegionSet) ActiveRegions() int {
	return s.n
}

// Stats returns the summed backing stats of all regions.
func (s *HugeRegionSet) Stats() hugepage.BackingStats {
	var stats hugepage.BackingStats
	for e := s.list.Front(); e != nil; e = e.Next() {
		stats.Add(e.(*HugeRegion).Stats())
	}
	return stats
}

// FreeBacked returns the total free-but-backed huge pages across all
// regions.
func (s *HugeRegionSet) FreeBacked() pages.HugeLength {
	var n pages.HugeLength
	for e := s.list.Front(); e != nil; e = e.Next() {
		n += e.(*HugeRegion).FreeBacked()
	}
	return n
}

// Print emits the set's statistics in text form.
func (s *HugeRegionSet) Print(out *printer.Printer) {
	out.Printf("HugeRegionSet: 1 MiB+ allocations best-fit into %d MiB slabs\n",
		RegionLen.Bytes()/1024/1024)
	out.Printf("HugeRegionSet: %d total regions\n", s.n)
	var totalFree pages.Length
	var totalBacked, totalFreeBacked pages.HugeLength

	for e := s.list.Front(); e != nil; e = e.Next() {
		region := e.(*HugeRegion)
		region.Print(out)
		totalFree += region.FreePages()
		totalBacked += region.Backed()
		totalFreeBacked += region.FreeBacked()
	}

	out.Printf(
		"HugeRegionSet: %d hugepages backed, %d backed and free, "+
			"out of %d total\n",
		uint64(totalBacked), uint64(totalFreeBacked), uint64(RegionLen)*uint64(s.n))

	inPages := totalBacked.InPages()
	var frac float64
	if inPages > 0 {
		frac = float64(totalFree) / float64(inPages)
	}
	out.Printf("HugeRegionSet: %d pages free in backed region, %.4f free\n",
		uint64(totalFree), frac)
}

// PrintInPbtxt emits the set's statistics as pbtxt fields under hpaa.
func (s *HugeRegionSet) PrintInPbtxt(hpaa *printer.PbtxtRegion) {
	hpaa.PrintI64("min_huge_region_alloc_size", 1024*1024)
	hpaa.PrintI64("huge_region_size", int64(RegionLen.Bytes()))
	for e := s.list.Front(); e != nil; e = e.Next() {
		region := e.(*HugeRegion)
		hpaa.SubRegion("huge_region_details", func(detail *printer.PbtxtRegion) {
			region.PrintInPbtxt(detail)
		})
	}
}

// fix restores the list ordering after region's fragmentation changed,
// by moving it forward or backward as needed.
func (s *HugeRegionSet) fix(region *HugeRegion) {
	s.rise(region)
	s.fall(region)
}

// rise moves region forward in the list if it became more fragmented
// than its predecessors.
func (s *HugeRegionSet) rise(region *HugeRegion) {
	prev := region.Prev()
	if prev == nil {
		return // already at the front
	}
	if !region.BetterToAllocThan(prev.(*HugeRegion)) {
		return // far enough forward
	}
	s.list.Remove(region)
	for e := prev; e != nil; e = e.Prev() {
		if !region.BetterToAllocThan(e.(*HugeRegion)) {
			s.list.InsertAfter(e, region)
			return
		}
	}
	s.list.PushFront(region)
}

// fall moves region backward in the list if its neighbors became more
// fragmented than it.
func (s *HugeRegionSet) fall(region *HugeRegion) {
	next := region.Next()
	if next == nil {
		return // already at the back
	}
	if !next.(*HugeRegion).BetterToAllocThan(region) {
		return // far enough back
	}
	s.list.Remove(region)
	for e := next; e != nil; e = e.Next() {
		if !e.(*HugeRegion).BetterToAllocThan(region) {
			s.list.InsertBefore(e, region)
			return
		}
	}
	s.list.PushBack(region)
}

// addToList inserts region in its sorted place.
func (s *HugeRegionSet) addToList(region *HugeRegion) {
	for e := s.list.Front(); e != nil; e = e.Next() {
		if region.BetterToAllocThan(e.(*HugeRegion)) {
			s.list.InsertBefore(e, region)
			return
		}
	}
	// Also handles the empty-list case.
	s.list.PushBack(region)
}
