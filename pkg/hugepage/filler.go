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

// Package hugepage implements the huge page filler: the structure that
// densely packs small allocations into huge pages while adaptively
// returning unused memory to the OS.
package hugepage

import (
	"fmt"
	"math"
	"math/bits"
	"sort"
	"time"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/wahcheng/tcmalloc/pkg/clock"
	"github.com/wahcheng/tcmalloc/pkg/memutil"
	"github.com/wahcheng/tcmalloc/pkg/pages"
)

const (
	// Chunks is the number of desirability chunks each longest-free
	// bucket is subdivided into.
	Chunks = 16

	// candidatesForReleasingMemory is the number of candidate huge pages
	// selected in each iteration for releasing their free memory.
	candidatesForReleasingMemory = int(pages.PagesPerHugePage)

	// partialAllocPagesRelease is the fraction of free pages in
	// partially-released allocs targeted when releasing from them is
	// requested.
	partialAllocPagesRelease = 0.1

	// defaultWindow and defaultSummaryInterval size the stats tracker:
	// the tracker spans the window, and realized fragmentation is
	// evaluated over the summary interval.
	defaultWindow          = 10 * time.Minute
	defaultSummaryInterval = 5 * time.Minute
	defaultEpochs          = 600
)

// AllocsOption selects whether sparse and dense spans share bucketed
// tables.
type AllocsOption uint8

const (
	// UnifiedAllocs uses the same tables for sparse and dense spans.
	UnifiedAllocs AllocsOption = iota
	// SeparateAllocs segregates sparse and dense spans.
	SeparateAllocs
)

// TryGetResult is the result of HugePageFiller.TryGet. A nil Tracker
// means no huge page could satisfy the request.
type TryGetResult struct {
	Tracker      *PageTracker
	Page         pages.PageID
	FromReleased bool
}

// Options configures a HugePageFiller.
type Options struct {
	// Clock drives the stats time series. Defaults to the real clock.
	Clock *clock.Clock

	// AllocsOption selects unified or per-density tables.
	AllocsOption AllocsOption

	// ChunksPerAlloc subdivides each longest-free bucket; must be in
	// (0, Chunks]. Defaults to 8.
	ChunksPerAlloc int

	// Unback returns page ranges to the OS. Defaults to
	// memutil.MadviseDontneed.
	Unback memutil.UnbackFunc

	// Lock is the pageheap lock, held by the caller around every filler
	// operation. The filler itself only drops and reacquires it around
	// the whole-hugepage unback in Put. If nil, no lock is dropped.
	Lock *sync.Mutex

	// Window, SummaryInterval and Epochs size the stats tracker.
	// Defaults: 10 minutes, 5 minutes, 600.
	Window          time.Duration
	SummaryInterval time.Duration
	Epochs          int
}

// HugePageFiller tracks a set of unfilled huge pages, and fulfills
// allocations with a goal of filling some huge pages as tightly as
// possible and emptying out the remainder.
//
// All methods require the pageheap lock.
type HugePageFiller struct {
	lock   *sync.Mutex
	unback memutil.UnbackFunc

	allocsOption   AllocsOption
	chunksPerAlloc int

	// Huge pages are grouped first by longest-free (as a measure of
	// fragmentation), then into chunksPerAlloc chunks inside there by
	// desirability of allocation.
	//
	// regularAlloc holds huge pages from which no pages have been
	// released to the OS. donatedAlloc holds freshly donated tails of
	// multi-hugepage allocations, indexed by raw longest-free.
	//
	// regularAllocPartialReleased holds huge pages that are partially
	// allocated, partially free, and partially returned to the OS.
	// regularAllocReleased holds huge pages whose pages are either
	// allocated or returned to the OS: there are no pages that are
	// free but not returned.
	regularAlloc                [densityCount]*HintedTrackerLists
	donatedAlloc                *HintedTrackerLists
	regularAllocPartialReleased [densityCount]*HintedTrackerLists
	regularAllocReleased        [densityCount]*HintedTrackerLists

	// nUsedReleased is the number of allocated pages on the huge pages
	// of regularAllocReleased; nUsedPartialReleased likewise for
	// regularAllocPartialReleased.
	nUsedReleased        [densityCount]pages.Length
	nUsedPartialReleased [densityCount]pages.Length

	// nWasReleased counts huge pages that were fully released and later
	// became fully backed again.
	nWasReleased [densityCount]pages.HugeLength

	size pages.HugeLength

	pagesAllocated [densityCount]pages.Length
	unmapped       pages.Length

	// unmappingUnaccounted is how much we eagerly unmapped (in already
	// released huge pages becoming empty) but have not yet reported to
	// ReleasePages calls.
	unmappingUnaccounted pages.Length

	subreleaseStats SubreleaseStats

	fillerStatsTracker *FillerStatsTracker
}

// NewHugePageFiller returns an empty filler.
func NewHugePageFiller(opts Options) *HugePageFiller {
	c := clock.Real()
	if opts.Clock != nil {
		c = *opts.Clock
	}
	if opts.ChunksPerAlloc == 0 {
		opts.ChunksPerAlloc = 8
	}
	if opts.ChunksPerAlloc < 0 || opts.ChunksPerAlloc > Chunks {
		panic(fmt.Sprintf("invalid chunks per alloc: %d", opts.ChunksPerAlloc))
	}
	if opts.Unback == nil {
		opts.Unback = memutil.MadviseDontneed
	}
	if opts.Window == 0 {
		opts.Window = defaultWindow
	}
	if opts.SummaryInterval == 0 {
		opts.SummaryInterval = defaultSummaryInterval
	}
	if opts.Epochs == 0 {
		opts.Epochs = defaultEpochs
	}

	numLists := uint(pages.PagesPerHugePage) * uint(opts.ChunksPerAlloc)
	f := &HugePageFiller{
		lock:               opts.Lock,
		unback:             opts.Unback,
		allocsOption:       opts.AllocsOption,
		chunksPerAlloc:     opts.ChunksPerAlloc,
		donatedAlloc:       NewHintedTrackerLists(uint(pages.PagesPerHugePage)),
		fillerStatsTracker: NewFillerStatsTracker(c, opts.Window, opts.SummaryInterval, opts.Epochs),
	}
	for d := range f.regularAlloc {
		f.regularAlloc[d] = NewHintedTrackerLists(numLists)
		f.regularAllocPartialReleased[d] = NewHintedTrackerLists(numLists)
		f.regularAllocReleased[d] = NewHintedTrackerLists(numLists)
	}
	return f
}

// densityFor maps the caller's density hint to a table index; dense is
// honored only with separate tables.
func (f *HugePageFiller) densityFor(d AccessDensity) AccessDensity {
	if f.allocsOption == SeparateAllocs && d == DenseAccess {
		return DenseAccess
	}
	return SparseAccess
}

// TryGet finds a huge page with a free run of at least n pages, claims
// the run, and returns it. On failure the result's Tracker is nil; the
// caller is expected to obtain a new huge page upstream and Contribute
// it.
func (f *HugePageFiller) TryGet(n pages.Length, info SpanAllocInfo) TryGetResult {
	if n == 0 || n >= pages.PagesPerHugePage {
		panic(fmt.Sprintf("invalid request of %d pages", n))
	}

	// How do we choose which huge page to allocate from (among those
	// with a free range of at least n)? Our goal is to be as
	// space-efficient as possible, which leads to two priorities:
	//
	// (1) avoid fragmentation; keep free ranges in a huge page as long
	//     as possible. This maintains our ability to satisfy large
	//     requests without allocating new huge pages.
	// (2) fill mostly-full huge pages more; let mostly-empty huge pages
	//     empty out. This lets us recover totally empty huge pages (and
	//     return them to the OS).
	//
	// In practice, avoiding fragmentation is by far more important:
	// space usage can explode if we don't zealously guard large free
	// ranges.
	//
	// Our primary measure of fragmentation of a huge page is a proxy:
	// the longest free range it contains. If this is short, any free
	// space is probably fairly fragmented. It also allows us to
	// instantly know if a huge page can support a given allocation.
	//
	// We quantize the number of allocations in a huge page (chunked
	// logarithmically) and favor allocating from huge pages with many
	// allocations already present, which helps with (2) above. Using
	// the number of allocations works substantially better than the
	// number of allocated pages; to first order allocations of any size
	// are about as likely to be freed, and so (by simple binomial
	// probability distributions) we're more likely to empty out a huge
	// page with 2 5-page allocations than one with 5 1-page ones.
	//
	// Freshly donated huge pages are treated as less preferable than
	// huge pages that have been already used for small allocations,
	// regardless of their longest free range: they may yet be
	// reassembled as a single large range if the donor allocation is
	// freed.
	//
	// The lists are ordered so that earlier (nonempty) freelists are
	// preferred targets, and later freelists can always fulfill
	// requests that earlier ones could. So all we have to do is find
	// the first nonempty freelist that *could* support our allocation,
	// and it will be our best choice.
	density := f.densityFor(info.Density)
	var pt *PageTracker
	wasReleased := false
	for {
		pt = f.regularAlloc[density].GetLeast(f.listFor(n, 0))
		if pt != nil {
			break
		}
		if density == SparseAccess {
			pt = f.donatedAlloc.GetLeast(uint(n))
			if pt != nil {
				break
			}
		}
		pt = f.regularAllocPartialReleased[density].GetLeast(f.listFor(n, 0))
		if pt != nil {
			wasReleased = true
			break
		}
		pt = f.regularAllocReleased[density].GetLeast(f.listFor(n, 0))
		if pt != nil {
			wasReleased = true
			break
		}
		return TryGetResult{}
	}
	if pt.LongestFreeRange() < n {
		panic(fmt.Sprintf("tracker with longest free %d on a list serving %d", pt.LongestFreeRange(), n))
	}

	f.removeFromFillerList(pt)
	alloc := pt.Get(n)
	f.addToFillerList(pt)
	f.pagesAllocated[density] += n

	// If it was in a released state earlier, and is about to be full
	// again, record that the state has been toggled back and update the
	// stat counter.
	if wasReleased && !pt.Released() && !pt.WasReleased() {
		pt.SetWasReleased(true)
		f.nWasReleased[density]++
	}
	if f.unmapped < alloc.PreviouslyUnbacked {
		panic(fmt.Sprintf("unmapped %d below re-backed %d", f.unmapped, alloc.PreviouslyUnbacked))
	}
	f.unmapped -= alloc.PreviouslyUnbacked
	f.updateFillerStatsTracker()
	return TryGetResult{Tracker: pt, Page: alloc.Page, FromReleased: wasReleased}
}

// Put marks [p, p+n) as usable by new allocations into pt. It returns
// pt if the huge page is now empty (nil otherwise); an empty tracker
// is handed back to the caller and no longer owned by the filler.
//
// Preconditions: pt is owned by this filler (has been Contributed),
// and {pt, p, n} was the result of a previous TryGet.
func (f *HugePageFiller) Put(pt *PageTracker, p pages.PageID, n pages.Length) *PageTracker {
	f.removeFromFillerList(pt)
	pt.Put(p, n)

	density := SparseAccess
	if pt.HasDenseSpans() {
		density = DenseAccess
	}
	if f.pagesAllocated[density] < n {
		panic(fmt.Sprintf("%s pages allocated %d below freed %d", density, f.pagesAllocated[density], n))
	}
	f.pagesAllocated[density] -= n

	if pt.LongestFreeRange() == pages.PagesPerHugePage {
		f.size--
		if pt.Released() {
			freePages := pt.FreePages()
			releasedPages := pt.ReleasedPages()
			f.unmapped -= releasedPages

			if freePages > releasedPages {
				// pt is partially released. As the rest of the hugepage-aware
				// allocator works in terms of whole huge pages, release the
				// rest of the huge page, so subsequent accounting can work at
				// huge page granularity rather than retaining pt's state
				// indefinitely. The lock is dropped across the syscall; pt is
				// already off every list.
				if f.lock != nil {
					f.lock.Unlock()
				}
				success := f.unback(pt.Location().Addr(), pages.HugePageSize)
				if f.lock != nil {
					f.lock.Lock()
				}
				if success {
					f.unmappingUnaccounted += freePages - releasedPages
				}
			}
		}

		if pt.WasReleased() {
			pt.SetWasReleased(false)
			f.nWasReleased[density]--
		}

		f.updateFillerStatsTracker()
		return pt
	}
	f.addToFillerList(pt)
	f.updateFillerStatsTracker()
	return nil
}

// Contribute hands a tracker to the filler. If donated, the tracker is
// marked as having come from the tail of a multi-hugepage allocation,
// which makes it a lower-priority placement target until used.
//
// Preconditions: pt has no released pages; a donated contribution is
// sparse.
func (f *HugePageFiller) Contribute(pt *PageTracker, donated bool, info SpanAllocInfo) {
	if pt.ReleasedPages() != 0 {
		panic("contributed tracker has released pages")
	}

	density := f.densityFor(info.Density)
	f.pagesAllocated[density] += pt.UsedPages()
	if density == DenseAccess && donated {
		panic("donated huge pages cannot hold dense spans")
	}
	if donated {
		if !pt.WasDonated() {
			panic("donating a tracker not marked as donated")
		}
		f.donateToFillerList(pt)
	} else {
		if density == DenseAccess {
			pt.SetHasDenseSpans()
		}
		f.addToFillerList(pt)
	}

	f.size++
	f.updateFillerStatsTracker()
}

// Size returns the number of huge pages the filler holds.
func (f *HugePageFiller) Size() pages.HugeLength {
	return f.size
}

// PagesAllocated returns the pages allocated for the given density.
func (f *HugePageFiller) PagesAllocated(d AccessDensity) pages.Length {
	return f.pagesAllocated[d]
}

// UsedPages returns the pages allocated across both densities.
func (f *HugePageFiller) UsedPages() pages.Length {
	return f.pagesAllocated[SparseAccess] + f.pagesAllocated[DenseAccess]
}

// UnmappedPages returns the pages currently released to the OS.
func (f *HugePageFiller) UnmappedPages() pages.Length {
	return f.unmapped
}

// FreePages returns the free backed pages.
func (f *HugePageFiller) FreePages() pages.Length {
	return f.size.InPages() - f.UsedPages() - f.unmapped
}

// UsedPagesInReleased returns the allocated pages on fully-released
// huge pages.
func (f *HugePageFiller) UsedPagesInReleased() pages.Length {
	return f.nUsedReleased[SparseAccess] + f.nUsedReleased[DenseAccess]
}

// UsedPagesInPartialReleased returns the allocated pages on
// partially-released huge pages.
func (f *HugePageFiller) UsedPagesInPartialReleased() pages.Length {
	return f.nUsedPartialReleased[SparseAccess] + f.nUsedPartialReleased[DenseAccess]
}

// UsedPagesInAnySubreleased returns the allocated pages on huge pages
// with any released pages.
func (f *HugePageFiller) UsedPagesInAnySubreleased() pages.Length {
	return f.UsedPagesInReleased() + f.UsedPagesInPartialReleased()
}

// PreviouslyReleasedHugePages returns the huge pages that were
// released and later became full again.
func (f *HugePageFiller) PreviouslyReleasedHugePages() pages.HugeLength {
	return f.nWasReleased[SparseAccess] + f.nWasReleased[DenseAccess]
}

// FreePagesInPartialAllocs returns the free pages that are still
// backed on huge pages with any released pages.
func (f *HugePageFiller) FreePagesInPartialAllocs() pages.Length {
	total := f.regularAllocPartialReleased[SparseAccess].Size().InPages() +
		f.regularAllocPartialReleased[DenseAccess].Size().InPages() +
		f.regularAllocReleased[SparseAccess].Size().InPages() +
		f.regularAllocReleased[DenseAccess].Size().InPages()
	return total - f.UsedPagesInAnySubreleased() - f.UnmappedPages()
}

// HugepageFrac returns the fraction of used pages on non-released
// huge pages, and thus possibly backed by kernel huge pages. (The
// kernel may not have had 2 MiB regions of physical memory available,
// so a fraction of 1 doesn't mean everything actually *is*
// hugepage-backed.)
func (f *HugePageFiller) HugepageFrac() float64 {
	// Everything on a released huge page is either used or released, so
	// the used pages on intact huge pages are just the difference.
	used := f.UsedPages()
	usedOnRel := f.UsedPagesInAnySubreleased()
	if used < usedOnRel {
		panic(fmt.Sprintf("used %d below used-in-subreleased %d", used, usedOnRel))
	}
	denom := max(used, 1)
	frac := float64(used-usedOnRel) / float64(denom)
	return math.Min(math.Max(frac, 0), 1)
}

// SubreleaseStats returns a copy of the current subrelease stats.
func (f *HugePageFiller) SubreleaseStats() SubreleaseStats {
	return f.subreleaseStats
}

// StatsTracker exposes the filler's time-series tracker.
func (f *HugePageFiller) StatsTracker() *FillerStatsTracker {
	return f.fillerStatsTracker
}

// Stats returns the filler's backing stats.
func (f *HugePageFiller) Stats() BackingStats {
	return BackingStats{
		SystemBytes:   f.size.Bytes(),
		FreeBytes:     f.FreePages().Bytes(),
		UnmappedBytes: f.UnmappedPages().Bytes(),
	}
}

// AddSpanStats accumulates every tracker's free spans into small and
// large.
func (f *HugePageFiller) AddSpanStats(small *SmallSpanStats, large *LargeSpanStats) {
	loop := func(pt *PageTracker) { pt.AddSpanStats(small, large) }
	// The first chunksPerAlloc regular lists are known to be 100% full.
	f.donatedAlloc.Iter(loop, 0)
	for d := AccessDensity(0); d < densityCount; d++ {
		f.regularAlloc[d].Iter(loop, uint(f.chunksPerAlloc))
		f.regularAllocPartialReleased[d].Iter(loop, 0)
		f.regularAllocReleased[d].Iter(loop, 0)
	}
}

// GetDesiredSubreleasePages returns the number of pages to release
// when all remaining options involve subreleasing, applying the
// skip-subrelease policy: don't subrelease pages if that would push
// mapped memory under either the latest demand peak or the sum of the
// short-term demand fluctuation peak and the long-term demand trend.
//
// This is subtle: we want the current *mapped* pages not to go below
// the recent *demand* requirement, i.e., if we have a large amount of
// free memory right now but demand is below the requirement, we still
// want to subrelease.
func (f *HugePageFiller) GetDesiredSubreleasePages(desired, totalReleased pages.Length, intervals SkipSubreleaseIntervals) pages.Length {
	if totalReleased >= desired {
		panic(fmt.Sprintf("already released %d of desired %d", totalReleased, desired))
	}
	if !intervals.SkipSubreleaseEnabled() {
		return desired
	}
	f.updateFillerStatsTracker()

	var requiredPages pages.Length
	// There are two ways to calculate the demand requirement; the peak
	// takes priority when its interval is set.
	if intervals.PeakIntervalSet() {
		requiredPages = f.fillerStatsTracker.GetRecentPeak(intervals.PeakInterval)
	} else {
		requiredPages = f.fillerStatsTracker.GetRecentDemand(intervals.ShortInterval, intervals.LongInterval)
	}

	currentPages := f.UsedPages() + f.FreePages()

	if requiredPages != 0 {
		var newDesired pages.Length
		if requiredPages >= currentPages {
			newDesired = totalReleased
		} else {
			newDesired = totalReleased + (currentPages - requiredPages)
		}

		if newDesired >= desired {
			return desired
		}
		// The remaining target should always be at most the number of
		// free pages (the recent peak is at least the current used
		// pages), but compute the allowed release from the minimum of the
		// two rather than relying on that.
		releasablePages := min(f.FreePages(), newDesired-totalReleased)
		// Report the amount of memory that we didn't release due to this
		// mechanism, but never more than the skipped free pages. Only
		// free pages in the smaller of currentPages and requiredPages are
		// skipped; the rest are allowed to be subreleased.
		skippedPages := min(f.FreePages()-releasablePages, desired-newDesired)
		f.fillerStatsTracker.ReportSkippedSubreleasePages(skippedPages, min(currentPages, requiredPages))
		return newDesired
	}

	return desired
}

// ReleasePages tries to release desired pages by iteratively releasing
// from the emptiest possible huge page and releasing its free memory
// to the system. If releasePartialAllocPages is set, it also targets
// the free pages of partially-released allocs. The number of pages
// released may exceed desired. The target can be reduced by the
// skip-subrelease policy, which is disabled when all intervals are
// zero or when hitLimit is set.
func (f *HugePageFiller) ReleasePages(desired pages.Length, intervals SkipSubreleaseIntervals, releasePartialAllocPages, hitLimit bool) pages.Length {
	var totalReleased pages.Length

	// If releasing all free pages in partially-released allocs is
	// enabled, raise desired to cover a fraction of the releasable pages
	// there. Disabled when the memory limit was hit: OOM may be
	// imminent.
	releaseAllFromPartialAllocs := releasePartialAllocPages && !hitLimit
	if releaseAllFromPartialAllocs {
		fromPartialAllocs := pages.Length(math.Ceil(partialAllocPagesRelease * float64(f.FreePagesInPartialAllocs())))
		desired = max(desired, fromPartialAllocs)
	}

	// Claim credit for eager unmaps performed during free.
	if f.unmappingUnaccounted > 0 {
		// This may overshoot in releasing more than desired pages.
		n := f.unmappingUnaccounted
		f.unmappingUnaccounted = 0
		f.subreleaseStats.NumPagesSubreleased += n
		totalReleased += n
	}

	if totalReleased >= desired {
		return totalReleased
	}

	// Only reduce desired if skip subrelease is on. Additionally, if we
	// hit the limit, skip subrelease must not be applied: OOM may be
	// imminent.
	if intervals.SkipSubreleaseEnabled() && !hitLimit {
		desired = f.GetDesiredSubreleasePages(desired, totalReleased, intervals)
		if desired <= totalReleased {
			return totalReleased
		}
	}

	f.subreleaseStats.setLimitHit(hitLimit)

	// Release in batches of up to a huge page worth of small pages
	// (scattered over many parts of the filler), starting with huge
	// pages that already have released pages.
	//
	// The first chunksPerAlloc lists are known to be 100% full; the
	// fully-released lists hold no free backed pages at all.
	for totalReleased < desired {
		var candidates []*PageTracker
		candidates = selectCandidates(candidates, f.regularAllocPartialReleased[SparseAccess], uint(f.chunksPerAlloc))
		candidates = selectCandidates(candidates, f.regularAllocPartialReleased[DenseAccess], uint(f.chunksPerAlloc))
		candidates = boundCandidates(candidates)

		released := f.releaseCandidates(candidates, desired-totalReleased)
		f.subreleaseStats.NumPartialAllocPagesSubreleased += released
		if released == 0 {
			break
		}
		totalReleased += released
	}

	// Only consider breaking up intact huge pages once there are no
	// partially released ones left to drain. Huge pages in the sparse
	// alloc are expected to become free earlier than those in the dense
	// one.
	for totalReleased < desired {
		var candidates []*PageTracker
		candidates = selectCandidates(candidates, f.regularAlloc[SparseAccess], uint(f.chunksPerAlloc))
		candidates = selectCandidates(candidates, f.regularAlloc[DenseAccess], uint(f.chunksPerAlloc))
		candidates = selectCandidates(candidates, f.donatedAlloc, 0)
		candidates = boundCandidates(candidates)

		released := f.releaseCandidates(candidates, desired-totalReleased)
		if released == 0 {
			break
		}
		totalReleased += released
	}

	return totalReleased
}

// compareForSubrelease returns true when a is the better candidate for
// subrelease: fewer used pages (more empty), ties broken against huge
// pages holding dense spans.
func compareForSubrelease(a, b *PageTracker) bool {
	if a.UsedPages() != b.UsedPages() {
		return a.UsedPages() < b.UsedPages()
	}
	if a.HasDenseSpans() {
		return false
	}
	return b.HasDenseSpans()
}

// selectCandidates appends every releasable tracker of trackerList
// (from trackerStart on) to candidates.
func selectCandidates(candidates []*PageTracker, trackerList *HintedTrackerLists, trackerStart uint) []*PageTracker {
	trackerList.Iter(func(pt *PageTracker) {
		if pt.FreePages() == 0 || pt.FreePages() <= pt.ReleasedPages() {
			panic(fmt.Sprintf("tracker with %d free/%d released pages is not a release candidate",
				pt.FreePages(), pt.ReleasedPages()))
		}
		candidates = append(candidates, pt)
	}, trackerStart)
	return candidates
}

// boundCandidates orders candidates best-first and keeps the best
// candidatesForReleasingMemory of them.
func boundCandidates(candidates []*PageTracker) []*PageTracker {
	sort.SliceStable(candidates, func(i, j int) bool {
		return compareForSubrelease(candidates[i], candidates[j])
	})
	if len(candidates) > candidatesForReleasingMemory {
		candidates = candidates[:candidatesForReleasingMemory]
	}
	return candidates
}

// releaseCandidates releases free memory from candidates (already
// sorted best-first) until target pages have been released. It returns
// the number of pages released.
func (f *HugePageFiller) releaseCandidates(candidates []*PageTracker, target pages.Length) pages.Length {
	var totalReleased pages.Length
	var totalBroken pages.HugeLength
	var last pages.Length
	for _, best := range candidates {
		if totalReleased >= target {
			break
		}
		// The sorting criterion processes candidates in non-decreasing
		// used pages.
		if last > best.UsedPages() {
			panic("subrelease candidates out of order")
		}
		last = best.UsedPages()

		if best.Unbroken() {
			totalBroken++
		}
		f.removeFromFillerList(best)
		released := best.ReleaseFree(f.unback)
		f.unmapped += released
		if f.unmapped < best.ReleasedPages() {
			panic(fmt.Sprintf("unmapped %d below tracker released %d", f.unmapped, best.ReleasedPages()))
		}
		totalReleased += released
		f.addToFillerList(best)
	}

	f.subreleaseStats.NumPagesSubreleased += totalReleased
	f.subreleaseStats.NumHugepagesBroken += totalBroken

	// Keep separate stats if the ongoing release was triggered by
	// reaching the memory limit.
	if f.subreleaseStats.limitHit() {
		f.subreleaseStats.TotalPagesSubreleasedDueToLimit += totalReleased
		f.subreleaseStats.TotalHugepagesBrokenDueToLimit += totalBroken
	}
	return totalReleased
}

// indexFor returns the desirability chunk for pt: allocation counts
// spaced logarithmically, with at most a single allocation mapping to
// the largest chunk chunksPerAlloc-1.
func (f *HugePageFiller) indexFor(pt *PageTracker) uint {
	na := pt.NAllocs()
	if na == 0 {
		return uint(f.chunksPerAlloc - 1)
	}
	// This equals 63 - ceil(log2(na)).
	negCeilLog := bits.LeadingZeros64(2*uint64(na) - 1)

	// We want the same spread as negCeilLog, but spread over
	// [0, chunksPerAlloc) (clamped at the left edge) instead of [0, 64).
	offset := 63 - (f.chunksPerAlloc - 1)
	i := uint(max(negCeilLog, offset) - offset)
	if i >= uint(f.chunksPerAlloc) {
		panic(fmt.Sprintf("chunk %d exceeds chunks per alloc %d", i, f.chunksPerAlloc))
	}
	return i
}

// listFor returns the list index for the given longest-free run and
// desirability chunk.
func (f *HugePageFiller) listFor(longest pages.Length, chunk uint) uint {
	if chunk >= uint(f.chunksPerAlloc) || longest >= pages.PagesPerHugePage {
		panic(fmt.Sprintf("invalid list key (%d, %d)", longest, chunk))
	}
	return uint(longest)*uint(f.chunksPerAlloc) + chunk
}

// bucketLongest returns pt's longest free run as a list key. An empty
// tracker (a fresh contribution) keys as the last longest-free bucket:
// it satisfies any request, and every request is shorter than a whole
// huge page.
func bucketLongest(pt *PageTracker) pages.Length {
	return min(pt.LongestFreeRange(), pages.PagesPerHugePage-1)
}

// removeFromFillerList removes pt from whichever list currently holds
// it, maintaining the used-page counters of the released groups.
func (f *HugePageFiller) removeFromFillerList(pt *PageTracker) {
	longest := bucketLongest(pt)

	if pt.Donated() {
		f.donatedAlloc.Remove(pt, uint(longest))
		return
	}

	i := f.listFor(longest, f.indexFor(pt))
	density := f.trackerDensity(pt)

	switch {
	case !pt.Released():
		f.regularAlloc[density].Remove(pt, i)
	case pt.FreePages() <= pt.ReleasedPages():
		f.regularAllocReleased[density].Remove(pt, i)
		if f.nUsedReleased[density] < pt.UsedPages() {
			panic("released used-page accounting underflow")
		}
		f.nUsedReleased[density] -= pt.UsedPages()
	default:
		f.regularAllocPartialReleased[density].Remove(pt, i)
		if f.nUsedPartialReleased[density] < pt.UsedPages() {
			panic("partial-released used-page accounting underflow")
		}
		f.nUsedPartialReleased[density] -= pt.UsedPages()
	}
}

// addToFillerList places pt on the list matching its current state.
func (f *HugePageFiller) addToFillerList(pt *PageTracker) {
	chunk := f.indexFor(pt)
	longest := bucketLongest(pt)

	// Once a donated alloc is used in any way, it degenerates into being
	// a regular alloc. This allows the algorithm to keep using it (we
	// had to be desperate to use it in the first place), and thus
	// preserves the other donated allocs.
	pt.SetDonated(false)

	i := f.listFor(longest, chunk)
	density := f.trackerDensity(pt)

	switch {
	case !pt.Released():
		f.regularAlloc[density].Add(pt, i)
	case pt.FreePages() <= pt.ReleasedPages():
		f.regularAllocReleased[density].Add(pt, i)
		f.nUsedReleased[density] += pt.UsedPages()
	default:
		f.regularAllocPartialReleased[density].Add(pt, i)
		f.nUsedPartialReleased[density] += pt.UsedPages()
	}
}

// donateToFillerList places pt on the donated list, for use when
// donating from the tail of a multi-hugepage allocation.
func (f *HugePageFiller) donateToFillerList(pt *PageTracker) {
	longest := pt.LongestFreeRange()
	if longest >= pages.PagesPerHugePage {
		// An entirely-free huge page would be returned upstream, not
		// donated.
		panic("empty tracker donated to the filler")
	}
	// We should never be donating already-released trackers.
	if pt.Released() {
		panic("donating a released tracker")
	}
	pt.SetDonated(true)
	f.donatedAlloc.Add(pt, uint(longest))
}

func (f *HugePageFiller) trackerDensity(pt *PageTracker) AccessDensity {
	if f.allocsOption == SeparateAllocs && pt.HasDenseSpans() {
		return DenseAccess
	}
	return SparseAccess
}

// updateFillerStatsTracker reports the current state to the time
// series and rolls the per-epoch subrelease stats into their
// cumulative counterparts.
func (f *HugePageFiller) updateFillerStatsTracker() {
	stats := FillerStats{
		NumPages:      f.UsedPages(),
		FreePages:     f.FreePages(),
		UnmappedPages: f.UnmappedPages(),
		UsedPagesInSubreleasedHugePages: f.nUsedReleased[SparseAccess] +
			f.nUsedReleased[DenseAccess] +
			f.nUsedPartialReleased[SparseAccess] +
			f.nUsedPartialReleased[DenseAccess],
		NumPagesSubreleased:             f.subreleaseStats.NumPagesSubreleased,
		NumPartialAllocPagesSubreleased: f.subreleaseStats.NumPartialAllocPagesSubreleased,
		NumHugepagesBroken:              f.subreleaseStats.NumHugepagesBroken,
	}
	stats.HugePages[trackerStatsDonated] = f.donatedAlloc.Size()
	for d := AccessDensity(0); d < densityCount; d++ {
		stats.HugePages[trackerStatsRegular] += f.regularAlloc[d].Size()
		stats.HugePages[trackerStatsPartialReleased] += f.regularAllocPartialReleased[d].Size()
		stats.HugePages[trackerStatsReleased] += f.regularAllocReleased[d].Size()
	}
	f.fillerStatsTracker.Report(stats)
	f.subreleaseStats.reset()
}
