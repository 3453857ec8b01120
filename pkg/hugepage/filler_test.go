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
	"strings"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/wahcheng/tcmalloc/pkg/clock"
	"github.com/wahcheng/tcmalloc/pkg/pages"
	"github.com/wahcheng/tcmalloc/pkg/printer"
)

// fakeClock counts in seconds (Freq 1).
type fakeClock struct {
	now int64
}

func (c *fakeClock) clock() clock.Clock {
	return clock.Clock{
		Now:  func() int64 { return c.now },
		Freq: func() float64 { return 1.0 },
	}
}

func (c *fakeClock) advance(d time.Duration) {
	c.now += int64(d.Seconds())
}

var (
	sparseInfo = SpanAllocInfo{ObjectsPerSpan: 1, Density: SparseAccess}
	denseInfo  = SpanAllocInfo{ObjectsPerSpan: 256, Density: DenseAccess}
)

type testFiller struct {
	*HugePageFiller
	clock    *fakeClock
	unbacker *fakeUnback
	nextHP   pages.HugePage

	// live tracks every tracker the filler currently owns, for
	// accounting cross-checks.
	live map[*PageTracker]bool
}

func newTestFiller(t *testing.T) *testFiller {
	t.Helper()
	c := &fakeClock{}
	u := &fakeUnback{}
	ck := c.clock()
	f := &testFiller{
		HugePageFiller: NewHugePageFiller(Options{
			Clock:        &ck,
			AllocsOption: SeparateAllocs,
			Unback:       u.unback(),
		}),
		clock:    c,
		unbacker: u,
		nextHP:   pages.HugePage(1),
		live:     map[*PageTracker]bool{},
	}
	return f
}

// contribute hands the filler a fresh tracker with used pages already
// allocated on it.
func (f *testFiller) contribute(used pages.Length, donated bool, info SpanAllocInfo) *PageTracker {
	pt := NewPageTracker(f.nextHP, donated)
	f.nextHP++
	if used > 0 {
		pt.Get(used)
	}
	f.Contribute(pt, donated, info)
	f.live[pt] = true
	return pt
}

// put frees a range and drops the tracker from the live set if the
// filler handed it back.
func (f *testFiller) put(pt *PageTracker, p pages.PageID, n pages.Length) *PageTracker {
	back := f.Put(pt, p, n)
	if back != nil {
		delete(f.live, back)
	}
	return back
}

// checkAccounting verifies the filler counters against the live
// tracker population.
func (f *testFiller) checkAccounting(t *testing.T) {
	t.Helper()
	var used, released, usedInSubreleased pages.Length
	for pt := range f.live {
		used += pt.UsedPages()
		released += pt.ReleasedPages()
		if pt.Released() {
			usedInSubreleased += pt.UsedPages()
		}
	}
	if got := f.UsedPages(); got != used {
		t.Errorf("UsedPages() = %d, trackers hold %d", got, used)
	}
	if got := f.UnmappedPages(); got != released {
		t.Errorf("UnmappedPages() = %d, trackers hold %d released", got, released)
	}
	if got := f.UsedPagesInAnySubreleased(); got != usedInSubreleased {
		t.Errorf("UsedPagesInAnySubreleased() = %d, trackers hold %d", got, usedInSubreleased)
	}
	if got, want := f.FreePages(), f.Size().InPages()-used-released; got != want {
		t.Errorf("FreePages() = %d, want size - used - unmapped = %d", got, want)
	}
}

func TestFillerGetPutEmptied(t *testing.T) {
	// Contribute an empty sparse tracker, allocate half of it, then free
	// it; the emptied tracker must be handed back.
	f := newTestFiller(t)
	pt := f.contribute(0, false, sparseInfo)
	f.checkAccounting(t)

	r := f.TryGet(128, sparseInfo)
	if r.Tracker != pt {
		t.Fatalf("TryGet(128) returned tracker %p, want the contributed %p", r.Tracker, pt)
	}
	if r.Page != pt.Location().FirstPage() {
		t.Errorf("TryGet(128) at %v, want the first page", r.Page)
	}
	if r.FromReleased {
		t.Errorf("TryGet(128) claims to come from released memory")
	}
	f.checkAccounting(t)

	back := f.put(pt, r.Page, 128)
	if back != pt {
		t.Errorf("Put of the last allocation returned %p, want %p", back, pt)
	}
	if got := f.Size(); got != 0 {
		t.Errorf("Size() = %d after the huge page emptied, want 0", got)
	}
	f.checkAccounting(t)
}

func TestFillerTieBreakByRecency(t *testing.T) {
	// Two trackers with one 8-page allocation each sit on the same list;
	// the head (most recently contributed) wins deterministically.
	f := newTestFiller(t)
	f.contribute(8, false, sparseInfo)
	b := f.contribute(8, false, sparseInfo)

	r := f.TryGet(200, sparseInfo)
	if r.Tracker != b {
		t.Errorf("TryGet(200) returned the older tracker")
	}
	f.checkAccounting(t)
}

func TestFillerReleasePages(t *testing.T) {
	// One tracker with a 64-page hole in the middle; releasing 32 pages
	// drains the hole and moves the tracker into a released alloc.
	f := newTestFiller(t)
	pt := f.contribute(0, false, sparseInfo)
	a := f.TryGet(128, sparseInfo)
	b := f.TryGet(64, sparseInfo)
	f.TryGet(64, sparseInfo)
	if a.Tracker != pt || b.Tracker != pt {
		t.Fatalf("allocations landed on distinct trackers")
	}
	f.put(pt, b.Page, 64)

	released := f.ReleasePages(32, SkipSubreleaseIntervals{}, false, false)
	if released < 32 || released > 64 {
		t.Errorf("ReleasePages(32) = %d, want within [32, 64]", released)
	}
	if got := f.UnmappedPages(); got != released {
		t.Errorf("UnmappedPages() = %d, want the released %d", got, released)
	}
	if got := f.UsedPagesInAnySubreleased(); got != 192 {
		t.Errorf("UsedPagesInAnySubreleased() = %d, want 192", got)
	}
	if !pt.Released() {
		t.Errorf("tracker not marked released")
	}
	f.checkAccounting(t)

	// A subsequent allocation from the released range reports it.
	r := f.TryGet(32, sparseInfo)
	if r.Tracker != pt || !r.FromReleased {
		t.Errorf("TryGet(32) = {%p, %v}, want the released tracker with FromReleased", r.Tracker, r.FromReleased)
	}
	f.checkAccounting(t)
}

func TestFillerPlacementPriority(t *testing.T) {
	f := newTestFiller(t)

	// A donated tracker with a long free range must lose to a regular
	// tracker with a shorter (but sufficient) one.
	donated := f.contribute(16, true, sparseInfo)
	regular := f.contribute(128, false, sparseInfo)

	r := f.TryGet(64, sparseInfo)
	if r.Tracker != regular {
		t.Errorf("TryGet(64) picked the donated tracker over a usable regular one")
	}

	// Draining the regular tracker's headroom forces the donated one
	// into use.
	r2 := f.TryGet(64, sparseInfo)
	if r2.Tracker != regular {
		t.Fatalf("TryGet(64) left the regular tracker before it was full enough")
	}
	r3 := f.TryGet(100, sparseInfo)
	if r3.Tracker != donated {
		t.Errorf("TryGet(100) did not fall back to the donated tracker")
	}
	// Donated status is lost on first use.
	if donated.Donated() {
		t.Errorf("tracker still donated after use")
	}
	f.checkAccounting(t)
}

func TestFillerReleasedIsLastResort(t *testing.T) {
	f := newTestFiller(t)

	// rel: 128 pages used, the other 128 released.
	rel := f.contribute(0, false, sparseInfo)
	if r := f.TryGet(128, sparseInfo); r.Tracker != rel {
		t.Fatalf("allocation escaped the only tracker")
	}
	if got := f.ReleasePages(128, SkipSubreleaseIntervals{}, false, false); got != 128 {
		t.Fatalf("ReleasePages(128) = %d, want 128", got)
	}

	// A fresh regular tracker must be preferred over the released one.
	reg := f.contribute(200, false, sparseInfo)
	r := f.TryGet(32, sparseInfo)
	if r.Tracker != reg {
		t.Errorf("TryGet(32) picked the released tracker over a regular one")
	}
	if r.FromReleased {
		t.Errorf("allocation from the regular tracker marked FromReleased")
	}

	// Once no regular tracker fits, the released one serves.
	r2 := f.TryGet(100, sparseInfo)
	if r2.Tracker != rel || !r2.FromReleased {
		t.Errorf("TryGet(100) = {%p, FromReleased: %t}, want the released tracker", r2.Tracker, r2.FromReleased)
	}
	f.checkAccounting(t)
}

func TestFillerDenseNeverUsesDonated(t *testing.T) {
	f := newTestFiller(t)
	f.contribute(16, true, sparseInfo)

	if r := f.TryGet(8, denseInfo); r.Tracker != nil {
		t.Errorf("dense TryGet used a donated tracker")
	}

	// Densities are segregated: a dense contribution serves dense
	// requests only.
	dense := f.contribute(8, false, denseInfo)
	r := f.TryGet(8, denseInfo)
	if r.Tracker != dense {
		t.Errorf("dense TryGet did not use the dense tracker")
	}
	if !dense.HasDenseSpans() {
		t.Errorf("dense tracker did not latch HasDenseSpans")
	}
	if r := f.TryGet(8, sparseInfo); r.Tracker == dense {
		t.Errorf("sparse TryGet drew from the dense tracker")
	}
	f.checkAccounting(t)
}

func TestFillerReleaseOrdering(t *testing.T) {
	// The emptier tracker must be released first.
	f := newTestFiller(t)
	fuller := f.contribute(200, false, sparseInfo)
	emptier := f.contribute(50, false, sparseInfo)

	released := f.ReleasePages(1, SkipSubreleaseIntervals{}, false, false)
	if released == 0 {
		t.Fatalf("ReleasePages(1) released nothing")
	}
	if len(f.unbacker.calls) == 0 {
		t.Fatalf("no unback calls recorded")
	}
	first := f.unbacker.calls[0].addr
	if want := emptier.Location().FirstPage().Add(50).Addr(); first != want {
		t.Errorf("first unback at %#x, want the emptier tracker's free run at %#x", first, want)
	}
	if fuller.Released() {
		t.Errorf("the fuller tracker was released although the emptier one sufficed")
	}
	f.checkAccounting(t)
}

func TestFillerRoundTrip(t *testing.T) {
	f := newTestFiller(t)
	pt := f.contribute(31, false, sparseInfo)

	sizeBefore := f.Size()
	usedBefore := f.UsedPages()
	freeBefore := f.FreePages()

	for i := 0; i < 10; i++ {
		r := f.TryGet(7, sparseInfo)
		if r.Tracker != pt {
			t.Fatalf("allocation escaped the only tracker")
		}
		if back := f.put(pt, r.Page, 7); back != nil {
			t.Fatalf("tracker emptied unexpectedly")
		}
	}

	if f.Size() != sizeBefore || f.UsedPages() != usedBefore || f.FreePages() != freeBefore {
		t.Errorf("filler state changed over TryGet/Put round trips: size %d->%d used %d->%d free %d->%d",
			sizeBefore, f.Size(), usedBefore, f.UsedPages(), freeBefore, f.FreePages())
	}
	f.checkAccounting(t)
}

func TestFillerHitLimitIgnoresSkipSubrelease(t *testing.T) {
	f := newTestFiller(t)

	// Build up a demand history exceeding what stays mapped, so the
	// skip policy would block any release.
	a := f.contribute(0, false, sparseInfo)
	ra := f.TryGet(250, sparseInfo)
	if ra.Tracker != a {
		t.Fatalf("allocation escaped the first tracker")
	}
	b := f.contribute(0, false, sparseInfo)
	rb := f.TryGet(100, sparseInfo)
	if rb.Tracker != b {
		t.Fatalf("allocation escaped the second tracker")
	}
	f.clock.advance(time.Second)
	f.updateFillerStatsTracker()
	if back := f.put(a, ra.Page, 250); back != a {
		t.Fatalf("first huge page did not empty")
	}

	intervals := SkipSubreleaseIntervals{PeakInterval: time.Minute}

	// The recent demand peak (350 pages) exceeds the mapped pages (one
	// huge page), so the skip policy blocks the release entirely.
	if got := f.ReleasePages(100, intervals, false, false); got != 0 {
		t.Fatalf("skip-subrelease did not block the release: %d", got)
	}

	// With hitLimit, the release must proceed regardless.
	got := f.ReleasePages(100, intervals, false, true)
	if got == 0 {
		t.Errorf("ReleasePages with hitLimit was blocked by skip-subrelease")
	}
	f.checkAccounting(t)
}

func TestFillerPutDropsLockAroundWholePageUnback(t *testing.T) {
	var mu sync.Mutex
	c := &fakeClock{}
	ck := c.clock()
	dropped := false
	f := NewHugePageFiller(Options{
		Clock:        &ck,
		AllocsOption: SeparateAllocs,
		Lock:         &mu,
		Unback: func(addr, length uintptr) bool {
			if length == pages.HugePageSize {
				// The pageheap lock must be free here.
				mu.Lock()
				dropped = true
				mu.Unlock()
			}
			return true
		},
	})

	pt := NewPageTracker(pages.HugePage(1), false)
	pt.Get(64)
	mu.Lock()
	f.Contribute(pt, false, sparseInfo)
	a := f.TryGet(64, sparseInfo)

	// Release the free half, then empty the tracker: Put must unback the
	// whole huge page with the lock dropped.
	f.ReleasePages(64, SkipSubreleaseIntervals{}, false, false)
	if !pt.Released() {
		t.Fatalf("tracker has no released pages")
	}
	first := pt.Location().FirstPage()
	f.Put(pt, first, 64)
	back := f.Put(pt, a.Page, 64)
	mu.Unlock()

	if back != pt {
		t.Errorf("emptied tracker was not handed back")
	}
	if !dropped {
		t.Errorf("whole-hugepage unback ran without dropping the lock")
	}
}

func TestFillerHugepageFrac(t *testing.T) {
	f := newTestFiller(t)
	if got := f.HugepageFrac(); got != 0 {
		t.Errorf("HugepageFrac() on an empty filler = %v, want 0", got)
	}

	intact := f.contribute(0, false, sparseInfo)
	f.TryGet(100, sparseInfo)
	if got := f.HugepageFrac(); got != 1 {
		t.Errorf("HugepageFrac() with only intact pages = %v, want 1", got)
	}
	_ = intact

	f.ReleasePages(200, SkipSubreleaseIntervals{}, false, false)
	if got := f.HugepageFrac(); got != 0 {
		t.Errorf("HugepageFrac() with all used pages subreleased = %v, want 0", got)
	}
	f.checkAccounting(t)
}

func TestFillerPartialAllocRelease(t *testing.T) {
	f := newTestFiller(t)
	pt := f.contribute(0, false, sparseInfo)
	a := f.TryGet(64, sparseInfo)
	b := f.TryGet(64, sparseInfo)
	f.TryGet(64, sparseInfo)
	_ = a

	// Subrelease the free tail, then free more pages so the tracker has
	// backed-free pages next to released ones.
	if got := f.ReleasePages(64, SkipSubreleaseIntervals{}, false, false); got != 64 {
		t.Fatalf("ReleasePages(64) = %d, want 64", got)
	}
	f.put(pt, b.Page, 64)
	if free, rel := pt.FreePages(), pt.ReleasedPages(); free <= rel {
		t.Fatalf("tracker is not partially released: free %d, released %d", free, rel)
	}

	// With releasePartialAllocPages set, a zero-desired release still
	// drains a fraction of those pages.
	released := f.ReleasePages(0, SkipSubreleaseIntervals{}, true, false)
	if released == 0 {
		t.Errorf("partial-alloc release freed nothing")
	}
	stats := f.SubreleaseStats()
	if stats.NumPartialAllocPagesSubreleased == 0 && stats.TotalPartialAllocPagesSubreleased == 0 {
		t.Errorf("partial-alloc subrelease not accounted")
	}
	f.checkAccounting(t)
}

func TestFillerPrint(t *testing.T) {
	f := newTestFiller(t)
	f.contribute(100, false, sparseInfo)
	f.contribute(50, false, denseInfo)
	f.contribute(16, true, sparseInfo)
	f.ReleasePages(32, SkipSubreleaseIntervals{}, false, false)

	var b strings.Builder
	f.Print(printer.New(&b), true)
	out := b.String()
	for _, want := range []string{
		"HugePageFiller: densely pack small requests into hugepages",
		"HugePageFiller: Overall,",
		"sparsely-accessed spans",
		"densely-accessed spans",
		"fullness histograms",
		"realized fragmentation",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Print output missing %q", want)
		}
	}
}

func TestFillerPrintInPbtxt(t *testing.T) {
	f := newTestFiller(t)
	f.contribute(100, false, sparseInfo)
	f.ReleasePages(32, SkipSubreleaseIntervals{}, false, false)

	var b strings.Builder
	f.PrintInPbtxt(printer.NewPbtxtRegion(&b))
	out := b.String()
	for _, want := range []string{
		"filler_full_huge_pages",
		"filler_partial_huge_pages",
		"filler_released_huge_pages",
		"filler_partially_released_huge_pages",
		"filler_sparsely_accessed_alloc_stats",
		"filler_densely_accessed_alloc_stats",
		"filler_skipped_subrelease",
		"skipped_subrelease_pages",
		"correctly_skipped_subrelease_pages",
		"pending_skipped_subrelease_pages",
		"filler_stats_timeseries",
		"window_ms",
		"epochs",
		"min_free_pages",
		"min_free_backed_pages",
		"measurements",
		"at_minimum_demand",
		"at_maximum_demand",
		"at_minimum_huge_pages",
		"at_maximum_huge_pages",
		"filler_tracker",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintInPbtxt output missing %q", want)
		}
	}
}
