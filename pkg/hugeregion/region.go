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

// Package hugeregion implements fixed-size multi-huge-page arenas for
// allocations too large for the huge page filler but too small to
// round to whole huge pages.
package hugeregion

import (
	"fmt"
	"math"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/ilist"

	"github.com/wahcheng/tcmalloc/pkg/clock"
	"github.com/wahcheng/tcmalloc/pkg/hugepage"
	"github.com/wahcheng/tcmalloc/pkg/memutil"
	"github.com/wahcheng/tcmalloc/pkg/pages"
	"github.com/wahcheng/tcmalloc/pkg/printer"
	"github.com/wahcheng/tcmalloc/pkg/rangetracker"
)

// RegionLen is the fixed extent of every region.
const RegionLen = pages.HugeLength((1 << 30) / pages.HugePageSize) // 1 GiB

// NumHugePages is RegionLen as a plain count.
const NumHugePages = int(RegionLen)

// UsageOption selects when frees release empty huge pages.
type UsageOption uint8

const (
	// UsageDefault unbacks huge pages eagerly as frees empty them.
	UsageDefault UsageOption = iota

	// UseForAllLargeAllocs keeps freed huge pages backed; release
	// happens only via explicit ReleasePages calls.
	UseForAllLargeAllocs
)

// HugeRegion tracks allocations from a fixed-size multi-huge-page
// region. Similar to PageTracker but with a few important differences:
//
//   - it crosses multiple huge pages
//   - it backs the region on demand
//   - it supports breaking up the partially-allocated region for use
//     elsewhere
//
// This helps with fast allocation of ranges too large for the filler,
// but too small to round to a full huge page: both lengths that do fit
// in a huge page but often wouldn't fit in available gaps (1.75 MiB),
// and lengths that don't fit but would introduce unacceptable
// fragmentation (2.1 MiB).
//
// All methods require the pageheap lock, except where noted.
type HugeRegion struct {
	ilist.Entry

	tracker  *rangetracker.RangeTracker
	location pages.HugeRange

	// pagesUsed counts the allocated pages of each huge page; backed
	// records whether the huge page currently consumes physical memory.
	// A backed huge page with no pages used is idle and a release
	// candidate.
	pagesUsed   [NumHugePages]pages.Length
	backed      [NumHugePages]bool
	lastTouched [NumHugePages]int64

	nbacked pages.HugeLength

	// totalUnbacked counts huge pages ever unbacked over the region's
	// lifetime. It may be read without the pageheap lock.
	totalUnbacked atomicbitops.Uint64

	clk    clock.Clock
	unback memutil.UnbackFunc
}

// NewHugeRegion returns a region over r, which must span RegionLen
// huge pages and be entirely unbacked.
func NewHugeRegion(r pages.HugeRange, c clock.Clock, unback memutil.UnbackFunc) *HugeRegion {
	if r.Len != RegionLen {
		panic(fmt.Sprintf("region %v is not %d huge pages", r, RegionLen))
	}
	region := &HugeRegion{
		tracker:  rangetracker.New(uint(RegionLen.InPages())),
		location: r,
		clk:      c,
		unback:   unback,
	}
	now := c.Now()
	for i := range region.lastTouched {
		region.lastTouched[i] = now
	}
	return region
}

// Size returns the fixed extent of a region.
func (r *HugeRegion) Size() pages.HugeLength {
	return RegionLen
}

// MaybeGet returns a range of n free pages if available, with
// fromReleased true iff the returned range is currently unbacked.
// ok is false if no range is available.
func (r *HugeRegion) MaybeGet(n pages.Length) (p pages.PageID, fromReleased bool, ok bool) {
	if n > r.longestFree() {
		return 0, false, false
	}
	index := pages.Length(r.tracker.FindAndMark(uint(n)))

	page := r.location.Start.FirstPage().Add(index)
	fromReleased = r.inc(page, n)
	return page, fromReleased, true
}

// Put returns [p, p+n) for new allocations. If release is true, any
// huge pages made empty as a result are unbacked.
//
// Preconditions: [p, p+n) was the result of a previous MaybeGet.
func (r *HugeRegion) Put(p pages.PageID, n pages.Length, release bool) {
	index := p.Sub(r.location.Start.FirstPage())
	r.tracker.Unmark(uint(index), uint(n))

	r.dec(p, n, release)
}

// Release unbacks about fraction times the free-and-backed huge pages
// of the region, at least one. fraction is clamped to [0, 1]. It
// returns the number of huge pages released.
func (r *HugeRegion) Release(fraction float64) pages.HugeLength {
	freeYetBacked := uint64(r.FreeBacked())
	toRelease := max(uint64(math.Ceil(float64(freeYetBacked)*math.Min(math.Max(fraction, 0), 1))), 1)

	var released pages.HugeLength
	var shouldUnback [NumHugePages]bool
	for i := 0; i < NumHugePages; i++ {
		if r.backed[i] && r.pagesUsed[i] == 0 {
			shouldUnback[i] = true
			released++
		}
		if uint64(released) >= toRelease {
			break
		}
	}
	r.unbackHugepages(&shouldUnback)
	return released
}

// Contains returns true if p is located in this region.
func (r *HugeRegion) Contains(p pages.PageID) bool {
	return r.location.Contains(p)
}

// UsedPages returns the allocated pages.
func (r *HugeRegion) UsedPages() pages.Length {
	return pages.Length(r.tracker.Used())
}

// FreePages returns the free backed pages.
func (r *HugeRegion) FreePages() pages.Length {
	return r.Size().InPages() - r.UnmappedPages() - r.UsedPages()
}

// UnmappedPages returns the pages of unbacked huge pages.
func (r *HugeRegion) UnmappedPages() pages.Length {
	return (r.Size() - r.nbacked).InPages()
}

// Backed returns the number of backed huge pages.
func (r *HugeRegion) Backed() pages.HugeLength {
	var b pages.HugeLength
	for i := range r.backed {
		if r.backed[i] {
			b++
		}
	}
	return b
}

// FreeBacked returns the number of huge pages that are fully free (no
// allocated pages on them) but backed. Huge pages are released lazily
// when the use-huge-regions-more-often option is enabled.
func (r *HugeRegion) FreeBacked() pages.HugeLength {
	var n pages.HugeLength
	for i := range r.backed {
		if r.backed[i] && r.pagesUsed[i] == 0 {
			n++
		}
	}
	return n
}

// BetterToAllocThan returns true if allocations should prefer r over
// rhs. Not an operator-style total order: more fragmented regions
// (shorter longest free run) are preferred, reducing fragmentation of
// the emptier ones.
func (r *HugeRegion) BetterToAllocThan(rhs *HugeRegion) bool {
	return r.longestFree() < rhs.longestFree()
}

// AddSpanStats accumulates the region's free spans into small and
// large, classifying each maximal subrun by its backed state. Either
// argument may be nil.
func (r *HugeRegion) AddSpanStats(small *hugepage.SmallSpanStats, large *hugepage.LargeSpanStats) {
	index := uint(0)
	var f, u pages.Length
	// Complicated a bit by the backed/unbacked status of pages: an
	// unused range may cross huge pages, so it is truncated into
	// subruns of a single backedness, each with a reasonable "when".
	for {
		start, n, ok := r.tracker.NextFreeRange(index)
		if !ok {
			break
		}
		index = start
		p := r.location.Start.FirstPage().Add(pages.Length(index))
		hp := pages.HugePageContaining(p)
		i := int(hp.Sub(r.location.Start))
		backed := r.backed[i]
		var truncated pages.Length
		for n > 0 && r.backed[i] == backed {
			lim := r.location.Start.Add(pages.HugeLength(i + 1)).FirstPage()
			here := min(pages.Length(n), lim.Sub(p))
			truncated += here
			n -= uint(here)
			p = p.Add(here)
			i++
			if i >= NumHugePages && n != 0 {
				panic("free range runs off the end of the region")
			}
		}
		n = uint(truncated)
		released := !backed
		if released {
			u += pages.Length(n)
		} else {
			f += pages.Length(n)
		}
		if pages.Length(n) < pages.MaxPages {
			if small != nil {
				if released {
					small.ReturnedLength[n]++
				} else {
					small.NormalLength[n]++
				}
			}
		} else if large != nil {
			large.Spans++
			if released {
				large.ReturnedPages += pages.Length(n)
			} else {
				large.NormalPages += pages.Length(n)
			}
		}

		index += n
	}
	if f != r.FreePages() || u != r.UnmappedPages() {
		panic(fmt.Sprintf("span stats found %d free, %d unmapped; region has %d, %d",
			f, u, r.FreePages(), r.UnmappedPages()))
	}
}

// Print emits the region's statistics in text form.
func (r *HugeRegion) Print(out *printer.Printer) {
	kibUsed := r.UsedPages().Bytes() / 1024
	kibFree := r.FreePages().Bytes() / 1024
	kibLongestFree := r.longestFree().Bytes() / 1024
	unbacked := r.Size() - r.Backed()
	out.Printf(
		"HugeRegion: %d KiB used, %d KiB free, "+
			"%d KiB contiguous space, %d MiB unbacked, "+
			"%d MiB unbacked lifetime\n",
		kibUsed, kibFree, kibLongestFree, unbacked.InMiB(),
		pages.HugeLength(r.totalUnbacked.Load()).InMiB())
}

// PrintInPbtxt emits the region's statistics as pbtxt fields under
// detail.
func (r *HugeRegion) PrintInPbtxt(detail *printer.PbtxtRegion) {
	detail.PrintI64("used_bytes", int64(r.UsedPages().Bytes()))
	detail.PrintI64("free_bytes", int64(r.FreePages().Bytes()))
	detail.PrintI64("longest_free_range_bytes", int64(r.longestFree().Bytes()))
	unbacked := r.Size() - r.Backed()
	detail.PrintI64("unbacked_bytes", int64(unbacked.Bytes()))
	detail.PrintI64("total_unbacked_bytes", int64(pages.HugeLength(r.totalUnbacked.Load()).Bytes()))
	detail.PrintI64("backed_fully_free_bytes", int64(r.FreeBacked().Bytes()))
}

// Stats returns the region's backing stats.
func (r *HugeRegion) Stats() hugepage.BackingStats {
	return hugepage.BackingStats{
		SystemBytes:   r.location.Len.Bytes(),
		FreeBytes:     r.FreePages().Bytes(),
		UnmappedBytes: r.UnmappedPages().Bytes(),
	}
}

func (r *HugeRegion) longestFree() pages.Length {
	return pages.Length(r.tracker.LongestFree())
}

// averageWhens combines the touch times of two page populations,
// weighted by their sizes.
func averageWhens(a pages.Length, aWhen int64, b pages.Length, bWhen int64) int64 {
	aw := float64(a) * float64(aWhen)
	bw := float64(b) * float64(bWhen)
	return int64((aw + bw) / float64(a+b))
}

// inc adjusts per-huge-page counts for [p, p+n) being allocated,
// backing huge pages touched for the first time. It returns true iff
// any touched huge page was unbacked.
func (r *HugeRegion) inc(p pages.PageID, n pages.Length) bool {
	shouldBack := false
	now := r.clk.Now()
	for n > 0 {
		hp := pages.HugePageContaining(p)
		i := int(hp.Sub(r.location.Start))
		lim := hp.Add(1).FirstPage()
		here := min(n, lim.Sub(p))
		if r.pagesUsed[i] == 0 && !r.backed[i] {
			r.backed[i] = true
			shouldBack = true
			r.nbacked++
			r.lastTouched[i] = now
		}
		r.pagesUsed[i] += here
		if r.pagesUsed[i] > pages.PagesPerHugePage {
			panic(fmt.Sprintf("huge page %d has %d pages used", i, r.pagesUsed[i]))
		}
		p = p.Add(here)
		n -= here
	}
	return shouldBack
}

// dec adjusts per-huge-page counts for [p, p+n) being freed. If
// release is true, huge pages that become empty are unbacked.
func (r *HugeRegion) dec(p pages.PageID, n pages.Length, release bool) {
	now := r.clk.Now()
	var shouldUnback [NumHugePages]bool
	for n > 0 {
		hp := pages.HugePageContaining(p)
		i := int(hp.Sub(r.location.Start))
		lim := hp.Add(1).FirstPage()
		here := min(n, lim.Sub(p))
		if here == 0 || r.pagesUsed[i] < here || !r.backed[i] {
			panic(fmt.Sprintf("freeing %d pages on huge page %d with %d used, backed=%t",
				here, i, r.pagesUsed[i], r.backed[i]))
		}
		r.lastTouched[i] = averageWhens(
			here, now, pages.PagesPerHugePage-r.pagesUsed[i], r.lastTouched[i])
		r.pagesUsed[i] -= here
		if r.pagesUsed[i] == 0 {
			shouldUnback[i] = true
		}
		p = p.Add(here)
		n -= here
	}
	if release {
		r.unbackHugepages(&shouldUnback)
	}
}

// unbackHugepages unbacks the marked huge pages in maximal contiguous
// batches. A failed unback leaves its batch backed.
func (r *HugeRegion) unbackHugepages(shouldUnback *[NumHugePages]bool) {
	now := r.clk.Now()
	i := 0
	for i < NumHugePages {
		if !shouldUnback[i] {
			i++
			continue
		}
		j := i
		for j < NumHugePages && shouldUnback[j] {
			j++
		}

		hl := pages.HugeLength(j - i)
		p := r.location.Start.Add(pages.HugeLength(i))
		if r.unback(p.Addr(), uintptr(hl.Bytes())) {
			r.nbacked -= hl
			r.totalUnbacked.Add(uint64(hl))

			for k := i; k < j; k++ {
				r.backed[k] = false
				r.lastTouched[k] = now
			}
		}
		i = j
	}
}
