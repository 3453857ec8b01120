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
	"sort"

	"github.com/wahcheng/tcmalloc/pkg/pages"
	"github.com/wahcheng/tcmalloc/pkg/printer"
)

// densityTotal indexes the sum-over-densities slot of
// HugePageFillerStats arrays.
const densityTotal = int(densityCount)

// GetStats counts the filler's huge pages per class.
func (f *HugePageFiller) GetStats() HugePageFillerStats {
	var stats HugePageFillerStats

	// Note chunksPerAlloc, not the full list count: the *full* lists are
	// exactly those with a zero longest-free run.
	for chunk := uint(0); chunk < uint(f.chunksPerAlloc); chunk++ {
		stats.NFull[SparseAccess] += pages.HugeLength(f.regularAlloc[SparseAccess].ListLength(f.listFor(0, chunk)))
		stats.NFull[DenseAccess] += pages.HugeLength(f.regularAlloc[DenseAccess].ListLength(f.listFor(0, chunk)))
	}
	stats.NFull[densityTotal] = stats.NFull[SparseAccess] + stats.NFull[DenseAccess]

	// Only sparse allocs draw from the donated alloc.
	stats.NTotal[SparseAccess] = f.donatedAlloc.Size()
	for d := AccessDensity(0); d < densityCount; d++ {
		stats.NFullyReleased[d] = f.regularAllocReleased[d].Size()
		stats.NPartialReleased[d] = f.regularAllocPartialReleased[d].Size()
		stats.NReleased[d] = stats.NFullyReleased[d] + stats.NPartialReleased[d]
		stats.NTotal[d] += stats.NReleased[d] + f.regularAlloc[d].Size()
		stats.NPartial[d] = stats.NTotal[d] - stats.NReleased[d] - stats.NFull[d]
	}

	stats.NFullyReleased[densityTotal] = stats.NFullyReleased[SparseAccess] + stats.NFullyReleased[DenseAccess]
	stats.NPartialReleased[densityTotal] = stats.NPartialReleased[SparseAccess] + stats.NPartialReleased[DenseAccess]
	stats.NReleased[densityTotal] = stats.NReleased[SparseAccess] + stats.NReleased[DenseAccess]
	stats.NTotal[densityTotal] = f.Size()
	stats.NPartial[densityTotal] = f.Size() - stats.NReleased[densityTotal] - stats.NFull[densityTotal]
	return stats
}

// usageType classifies trackers for the fullness histograms.
type usageType int

const (
	sparseRegular usageType = iota
	denseRegular
	donatedUsage
	sparsePartialReleased
	densePartialReleased
	sparseReleased
	denseReleased
	numUsageTypes
)

func (t usageType) String() string {
	switch t {
	case sparseRegular:
		return "sparsely-accessed regular"
	case denseRegular:
		return "densely-accessed regular"
	case donatedUsage:
		return "donated"
	case sparsePartialReleased:
		return "sparsely-accessed partial released"
	case densePartialReleased:
		return "densely-accessed partial released"
	case sparseReleased:
		return "sparsely-accessed released"
	case denseReleased:
		return "densely-accessed released"
	}
	panic(fmt.Sprintf("bad usage type %d", int(t)))
}

func (t usageType) allocType() string {
	switch t {
	case sparseRegular, denseRegular:
		return "REGULAR"
	case donatedUsage:
		return "DONATED"
	case sparsePartialReleased, densePartialReleased:
		return "PARTIAL"
	case sparseReleased, denseReleased:
		return "RELEASED"
	}
	panic(fmt.Sprintf("bad usage type %d", int(t)))
}

func (t usageType) objectType() string {
	switch t {
	case sparseRegular, donatedUsage, sparsePartialReleased, sparseReleased:
		return "SPARSELY_ACCESSED"
	case denseRegular, densePartialReleased, denseReleased:
		return "DENSELY_ACCESSED"
	}
	panic(fmt.Sprintf("bad usage type %d", int(t)))
}

// usageInfo computes histograms of fullness. Because nearly empty or
// full huge pages are much more interesting, there are 4 buckets at
// each of the beginning and end of size one, with the overall space
// divided by 16 to make 16 (mostly) even buckets in the middle.
type usageInfo struct {
	freePageHisto    [numUsageTypes][]int64
	longestFreeHisto [numUsageTypes][]int64
	nallocHisto      [numUsageTypes][]int64
	bucketBounds     []uint
}

func newUsageInfo() *usageInfo {
	u := &usageInfo{}
	n := uint(pages.PagesPerHugePage)
	i := uint(0)
	for ; i <= 4 && i < n; i++ {
		u.bucketBounds = append(u.bucketBounds, i)
	}
	if i < n-4 {
		// Because PagesPerHugePage is a power of two, it must be at least
		// 16 to get here.
		step := n / 16
		// Move in step-sized increments, aligned every step, so round i
		// up to the nearest step boundary.
		i = ((i - 1) | (step - 1)) + 1
		for ; i < n-4; i += step {
			u.bucketBounds = append(u.bucketBounds, i)
		}
		i = n - 4
	}
	for ; i < n; i++ {
		u.bucketBounds = append(u.bucketBounds, i)
	}
	for t := range u.freePageHisto {
		u.freePageHisto[t] = make([]int64, len(u.bucketBounds))
		u.longestFreeHisto[t] = make([]int64, len(u.bucketBounds))
		u.nallocHisto[t] = make([]int64, len(u.bucketBounds))
	}
	return u
}

func (u *usageInfo) record(pt *PageTracker, which usageType) {
	free := uint(pages.PagesPerHugePage - pt.UsedPages())
	lf := uint(pt.LongestFreeRange())
	nalloc := pt.NAllocs()
	// The buckets *have* to differ: nalloc is in [1, 256], free pages
	// and longest free in [0, 255].
	u.freePageHisto[which][u.bucketNum(free)]++
	u.longestFreeHisto[which][u.bucketNum(lf)]++
	u.nallocHisto[which][u.bucketNum(nalloc-1)]++
}

func (u *usageInfo) bucketNum(page uint) int {
	i := sort.Search(len(u.bucketBounds), func(i int) bool { return u.bucketBounds[i] > page })
	if i == 0 {
		panic(fmt.Sprintf("value %d below the first bucket", page))
	}
	return i - 1
}

func (u *usageInfo) print(out *printer.Printer) {
	for t := usageType(0); t < numUsageTypes; t++ {
		u.printHisto(out, u.freePageHisto[t], t, "hps with a<= # of free pages <b", 0)
	}

	// For donated huge pages, the number of allocs is 1 and the longest
	// free range equals the number of free pages, so skip the next two.
	for t := usageType(0); t < numUsageTypes; t++ {
		if t == donatedUsage {
			continue
		}
		u.printHisto(out, u.longestFreeHisto[t], t, "hps with a<= longest free range <b", 0)
	}

	for t := usageType(0); t < numUsageTypes; t++ {
		if t == donatedUsage {
			continue
		}
		u.printHisto(out, u.nallocHisto[t], t, "hps with a<= # of allocations <b", 1)
	}
}

func (u *usageInfo) printInPbtxt(hpaa *printer.PbtxtRegion) {
	for t := usageType(0); t < numUsageTypes; t++ {
		hpaa.SubRegion("filler_tracker", func(scoped *printer.PbtxtRegion) {
			scoped.PrintRaw("type", t.allocType())
			scoped.PrintRaw("objects", t.objectType())
			u.printHistoInPbtxt(scoped, u.freePageHisto[t], "free_pages_histogram", 0)
			u.printHistoInPbtxt(scoped, u.longestFreeHisto[t], "longest_free_range_histogram", 0)
			u.printHistoInPbtxt(scoped, u.nallocHisto[t], "allocations_histogram", 1)
		})
	}
}

func (u *usageInfo) printHisto(out *printer.Printer, h []int64, t usageType, blurb string, offset uint) {
	out.Printf("\nHugePageFiller: # of %s %s", t, blurb)
	for i := range h {
		if i%6 == 0 {
			out.Printf("\nHugePageFiller:")
		}
		out.Printf(" <%3d<=%6d", u.bucketBounds[i]+offset, h[i])
	}
	out.Printf("\n")
}

func (u *usageInfo) printHistoInPbtxt(hpaa *printer.PbtxtRegion, h []int64, key string, offset uint) {
	for i := range h {
		upper := u.bucketBounds[i]
		if i < len(u.bucketBounds)-1 {
			upper = u.bucketBounds[i+1] - 1
		}
		value := h[i]
		lower := u.bucketBounds[i]
		hpaa.SubRegion(key, func(hist *printer.PbtxtRegion) {
			hist.PrintI64("lower_bound", int64(lower+offset))
			hist.PrintI64("upper_bound", int64(upper+offset))
			hist.PrintI64("value", value)
		})
	}
}

func (f *HugePageFiller) recordUsage(u *usageInfo) {
	record := func(which usageType) func(*PageTracker) {
		return func(pt *PageTracker) { u.record(pt, which) }
	}
	f.donatedAlloc.Iter(record(donatedUsage), 0)
	f.regularAlloc[SparseAccess].Iter(record(sparseRegular), 0)
	f.regularAlloc[DenseAccess].Iter(record(denseRegular), 0)
	f.regularAllocPartialReleased[SparseAccess].Iter(record(sparsePartialReleased), 0)
	f.regularAllocPartialReleased[DenseAccess].Iter(record(densePartialReleased), 0)
	f.regularAllocReleased[SparseAccess].Iter(record(sparseReleased), 0)
	f.regularAllocReleased[DenseAccess].Iter(record(denseReleased), 0)
}

// Print emits the filler's statistics in text form. With everything
// set, fullness histograms and the stats time series are included.
func (f *HugePageFiller) Print(out *printer.Printer, everything bool) {
	out.Printf("HugePageFiller: densely pack small requests into hugepages\n")
	stats := f.GetStats()

	// A full donated list is impossible: such a huge page would have
	// never been donated in the first place.
	if f.donatedAlloc.ListLength(0) != 0 {
		panic("full huge pages on the donated list")
	}

	out.Printf(
		"HugePageFiller: Overall, %d total, %d full, %d partial, %d released "+
			"(%d partially), 0 quarantined\n",
		uint64(f.Size()), uint64(stats.NFull[densityTotal]),
		uint64(stats.NPartial[densityTotal]), uint64(stats.NReleased[densityTotal]),
		uint64(stats.NPartialReleased[densityTotal]))

	out.Printf(
		"HugePageFiller: those with sparsely-accessed spans, %d total, "+
			"%d full, %d partial, %d released (%d partially), 0 quarantined\n",
		uint64(stats.NTotal[SparseAccess]), uint64(stats.NFull[SparseAccess]),
		uint64(stats.NPartial[SparseAccess]), uint64(stats.NReleased[SparseAccess]),
		uint64(stats.NPartialReleased[SparseAccess]))

	out.Printf(
		"HugePageFiller: those with densely-accessed spans, %d total, "+
			"%d full, %d partial, %d released (%d partially), 0 quarantined\n",
		uint64(stats.NTotal[DenseAccess]), uint64(stats.NFull[DenseAccess]),
		uint64(stats.NPartial[DenseAccess]), uint64(stats.NReleased[DenseAccess]),
		uint64(stats.NPartialReleased[DenseAccess]))

	out.Printf("HugePageFiller: %d pages free in %d hugepages, %.4f free\n",
		uint64(f.FreePages()), uint64(f.Size()),
		pagesRatio(f.FreePages(), f.Size().InPages()))

	nNonfull := stats.NPartial[densityTotal] + stats.NPartialReleased[densityTotal]
	if f.FreePages() > nNonfull.InPages() {
		panic("more free pages than non-full huge pages can hold")
	}
	out.Printf("HugePageFiller: among non-fulls, %.4f free\n",
		pagesRatio(f.FreePages(), nNonfull.InPages()))

	out.Printf(
		"HugePageFiller: %d used pages in subreleased hugepages (%d of them in "+
			"partially released)\n",
		uint64(f.UsedPagesInAnySubreleased()), uint64(f.UsedPagesInPartialReleased()))

	out.Printf(
		"HugePageFiller: %d hugepages partially released, %.4f released\n",
		uint64(stats.NReleased[densityTotal]),
		pagesRatio(f.UnmappedPages(), stats.NReleased[densityTotal].InPages()))
	out.Printf("HugePageFiller: %.4f of used pages hugepageable\n", f.HugepageFrac())
	out.Printf(
		"HugePageFiller: %d hugepages were previously released, but "+
			"later became full.\n",
		uint64(f.PreviouslyReleasedHugePages()))

	out.Printf(
		"HugePageFiller: Since startup, %d pages subreleased, %d hugepages "+
			"broken, (%d pages, %d hugepages due to reaching tcmalloc limit)\n",
		uint64(f.subreleaseStats.TotalPagesSubreleased),
		uint64(f.subreleaseStats.TotalHugepagesBroken),
		uint64(f.subreleaseStats.TotalPagesSubreleasedDueToLimit),
		uint64(f.subreleaseStats.TotalHugepagesBrokenDueToLimit))

	if !everything {
		return
	}

	usage := newUsageInfo()
	f.recordUsage(usage)

	out.Printf("\n")
	out.Printf("HugePageFiller: fullness histograms\n")
	usage.print(out)

	out.Printf("\n")
	f.fillerStatsTracker.Print(out)
}

func (f *HugePageFiller) printAllocStatsInPbtxt(field string, hpaa *printer.PbtxtRegion, stats *HugePageFillerStats, d AccessDensity) {
	hpaa.SubRegion(field, func(r *printer.PbtxtRegion) {
		r.PrintI64("full_huge_pages", int64(stats.NFull[d]))
		r.PrintI64("partial_huge_pages", int64(stats.NPartial[d]))
		r.PrintI64("released_huge_pages", int64(stats.NReleased[d]))
		r.PrintI64("partially_released_huge_pages", int64(stats.NPartialReleased[d]))
	})
}

// PrintInPbtxt emits the filler's statistics as pbtxt fields under
// hpaa.
func (f *HugePageFiller) PrintInPbtxt(hpaa *printer.PbtxtRegion) {
	stats := f.GetStats()

	if f.donatedAlloc.ListLength(0) != 0 {
		panic("full huge pages on the donated list")
	}

	hpaa.PrintI64("filler_full_huge_pages", int64(stats.NFull[densityTotal]))
	hpaa.PrintI64("filler_partial_huge_pages", int64(stats.NPartial[densityTotal]))
	hpaa.PrintI64("filler_released_huge_pages", int64(stats.NReleased[densityTotal]))
	hpaa.PrintI64("filler_partially_released_huge_pages", int64(stats.NPartialReleased[densityTotal]))

	f.printAllocStatsInPbtxt("filler_sparsely_accessed_alloc_stats", hpaa, &stats, SparseAccess)
	f.printAllocStatsInPbtxt("filler_densely_accessed_alloc_stats", hpaa, &stats, DenseAccess)

	hpaa.PrintI64("filler_free_pages", int64(f.FreePages()))
	hpaa.PrintI64("filler_used_pages_in_subreleased", int64(f.UsedPagesInAnySubreleased()))
	hpaa.PrintI64("filler_used_pages_in_partial_released", int64(f.UsedPagesInPartialReleased()))
	hpaa.PrintI64("filler_unmapped_bytes",
		int64(float64(stats.NReleased[densityTotal])*
			pagesRatio(f.UnmappedPages(), stats.NReleased[densityTotal].InPages())))
	hpaa.PrintI64("filler_hugepageable_used_bytes",
		int64(f.HugepageFrac()*float64(f.UsedPages().Bytes())))
	hpaa.PrintI64("filler_previously_released_huge_pages", int64(f.PreviouslyReleasedHugePages()))
	hpaa.PrintI64("filler_num_pages_subreleased", int64(f.subreleaseStats.TotalPagesSubreleased))
	hpaa.PrintI64("filler_num_hugepages_broken", int64(f.subreleaseStats.TotalHugepagesBroken))
	hpaa.PrintI64("filler_num_pages_subreleased_due_to_limit", int64(f.subreleaseStats.TotalPagesSubreleasedDueToLimit))
	hpaa.PrintI64("filler_num_hugepages_broken_due_to_limit", int64(f.subreleaseStats.TotalHugepagesBrokenDueToLimit))

	usage := newUsageInfo()
	f.recordUsage(usage)
	usage.printInPbtxt(hpaa)

	f.fillerStatsTracker.PrintInPbtxt(hpaa)
}
