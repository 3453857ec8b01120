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
	"strings"
	"testing"

	"github.com/wahcheng/tcmalloc/pkg/clock"
	"github.com/wahcheng/tcmalloc/pkg/hugepage"
	"github.com/wahcheng/tcmalloc/pkg/pages"
	"github.com/wahcheng/tcmalloc/pkg/printer"
)

type fakeClock struct {
	now int64
}

func (c *fakeClock) clock() clock.Clock {
	return clock.Clock{
		Now:  func() int64 { return c.now },
		Freq: func() float64 { return 1.0 },
	}
}

type fakeUnback struct {
	calls int
	bytes uintptr
	fail  bool
}

func (u *fakeUnback) unback(addr, length uintptr) bool {
	if u.fail {
		return false
	}
	u.calls++
	u.bytes += length
	return true
}

func newTestRegion(start pages.HugePage) (*HugeRegion, *fakeUnback) {
	u := &fakeUnback{}
	c := &fakeClock{}
	r := NewHugeRegion(pages.HugeRange{Start: start, Len: RegionLen}, c.clock(), u.unback)
	return r, u
}

func checkRegionConservation(t *testing.T, r *HugeRegion) {
	t.Helper()
	if got := r.UsedPages() + r.FreePages() + r.UnmappedPages(); got != r.Size().InPages() {
		t.Errorf("used %d + free %d + unmapped %d = %d, want %d",
			r.UsedPages(), r.FreePages(), r.UnmappedPages(), got, r.Size().InPages())
	}
}

func TestRegionGetPut(t *testing.T) {
	r, u := newTestRegion(0)
	checkRegionConservation(t, r)
	if got := r.UnmappedPages(); got != r.Size().InPages() {
		t.Errorf("fresh region has %d unmapped pages, want all %d", got, r.Size().InPages())
	}

	p, fromReleased, ok := r.MaybeGet(100)
	if !ok || !fromReleased {
		t.Fatalf("MaybeGet(100) = (%v, %t, %t), want a released range", p, fromReleased, ok)
	}
	if p != pages.HugePage(0).FirstPage() {
		t.Errorf("first allocation at %v, want the region start", p)
	}
	checkRegionConservation(t, r)
	if got := r.Backed(); got != 1 {
		t.Errorf("Backed() = %d after a 100-page allocation, want 1", got)
	}

	// A second allocation on the same huge page is already backed.
	p2, fromReleased, ok := r.MaybeGet(50)
	if !ok || fromReleased {
		t.Fatalf("MaybeGet(50) = (%v, %t, %t), want a backed range", p2, fromReleased, ok)
	}
	checkRegionConservation(t, r)

	// Freeing everything with release=true unbacks the huge page.
	r.Put(p, 100, true)
	checkRegionConservation(t, r)
	if u.calls != 0 {
		t.Errorf("huge page unbacked while still partially used")
	}
	r.Put(p2, 50, true)
	checkRegionConservation(t, r)
	if u.calls != 1 || u.bytes != pages.HugePageSize {
		t.Errorf("unback saw %d calls / %d bytes, want 1 call of one huge page", u.calls, u.bytes)
	}
	if got := r.Backed(); got != 0 {
		t.Errorf("Backed() = %d after the region emptied, want 0", got)
	}
}

func TestRegionPutWithoutRelease(t *testing.T) {
	r, u := newTestRegion(0)
	p, _, ok := r.MaybeGet(10)
	if !ok {
		t.Fatalf("MaybeGet(10) failed on an empty region")
	}
	r.Put(p, 10, false)
	if u.calls != 0 {
		t.Errorf("Put with release=false unbacked %d ranges", u.calls)
	}
	if got := r.FreeBacked(); got != 1 {
		t.Errorf("FreeBacked() = %d, want 1 idle huge page", got)
	}
	checkRegionConservation(t, r)
}

func TestRegionFailedUnbackKeepsBacking(t *testing.T) {
	r, u := newTestRegion(0)
	p, _, _ := r.MaybeGet(10)
	u.fail = true
	r.Put(p, 10, true)
	if got := r.Backed(); got != 1 {
		t.Errorf("Backed() = %d after failed unback, want 1", got)
	}
	checkRegionConservation(t, r)

	// A later Release picks the huge page up once unback works again.
	u.fail = false
	if got := r.Release(1.0); got != 1 {
		t.Errorf("Release(1.0) = %d, want 1", got)
	}
	if got := r.Backed(); got != 0 {
		t.Errorf("Backed() = %d after release, want 0", got)
	}
	checkRegionConservation(t, r)
}

func TestRegionReleaseFraction(t *testing.T) {
	r, _ := newTestRegion(0)
	// Back 8 huge pages, then idle them all.
	var ps []pages.PageID
	for i := 0; i < 8; i++ {
		p, _, ok := r.MaybeGet(pages.PagesPerHugePage)
		if !ok {
			t.Fatalf("MaybeGet(%d) failed", pages.PagesPerHugePage)
		}
		ps = append(ps, p)
	}
	for _, p := range ps {
		r.Put(p, pages.PagesPerHugePage, false)
	}
	if got := r.FreeBacked(); got != 8 {
		t.Fatalf("FreeBacked() = %d, want 8", got)
	}

	if got := r.Release(0.5); got != 4 {
		t.Errorf("Release(0.5) = %d, want 4", got)
	}
	if got := r.FreeBacked(); got != 4 {
		t.Errorf("FreeBacked() after half release = %d, want 4", got)
	}

	// A zero fraction still releases one huge page.
	if got := r.Release(0); got != 1 {
		t.Errorf("Release(0) = %d, want the 1-page minimum", got)
	}
	checkRegionConservation(t, r)
}

func TestRegionSetOrdering(t *testing.T) {
	// The more fragmented region (shorter longest free run) is tried
	// first.
	a, _ := newTestRegion(0)
	b, _ := newTestRegion(pages.HugePage(NumHugePages))
	total := RegionLen.InPages()
	if _, _, ok := a.MaybeGet(total - 500); !ok {
		t.Fatalf("could not fill region a")
	}
	if _, _, ok := b.MaybeGet(total - 100); !ok {
		t.Fatalf("could not fill region b")
	}

	set := NewHugeRegionSet(UsageDefault)
	set.Contribute(a)
	set.Contribute(b)

	p, _, ok := set.MaybeGet(50)
	if !ok {
		t.Fatalf("MaybeGet(50) failed with space available")
	}
	if !b.Contains(p) {
		t.Errorf("MaybeGet(50) drew from the less fragmented region")
	}

	// Drain b's remaining 50 pages; the next request must fall back to
	// a.
	if _, _, ok := set.MaybeGet(50); !ok {
		t.Fatalf("MaybeGet(50) failed with pages left in region b")
	}
	p2, _, ok := set.MaybeGet(50)
	if !ok {
		t.Fatalf("MaybeGet(50) failed with space left in region a")
	}
	if !a.Contains(p2) {
		t.Errorf("MaybeGet(50) did not fall back to region a")
	}
}

func TestRegionSetMaybePut(t *testing.T) {
	a, ua := newTestRegion(0)
	b, ub := newTestRegion(pages.HugePage(NumHugePages))
	set := NewHugeRegionSet(UsageDefault)
	set.Contribute(a)
	set.Contribute(b)

	p, _, ok := set.MaybeGet(10)
	if !ok {
		t.Fatalf("MaybeGet(10) failed")
	}
	if !set.MaybePut(p, 10) {
		t.Errorf("MaybePut did not find the owning region")
	}
	// Default usage: the emptied huge page is unbacked eagerly.
	if ua.calls+ub.calls != 1 {
		t.Errorf("eager release made %d unback calls, want 1", ua.calls+ub.calls)
	}

	outside := pages.HugePage(10 * NumHugePages).FirstPage()
	if set.MaybePut(outside, 1) {
		t.Errorf("MaybePut accepted a page owned by no region")
	}
}

func TestRegionSetLazyRelease(t *testing.T) {
	a, u := newTestRegion(0)
	set := NewHugeRegionSet(UseForAllLargeAllocs)
	set.Contribute(a)

	p, _, ok := set.MaybeGet(pages.PagesPerHugePage)
	if !ok {
		t.Fatalf("MaybeGet failed")
	}
	if !set.MaybePut(p, pages.PagesPerHugePage) {
		t.Fatalf("MaybePut failed")
	}
	if u.calls != 0 {
		t.Errorf("lazy mode unbacked on free")
	}
	if got := set.ReleasePages(1.0); got != pages.PagesPerHugePage {
		t.Errorf("ReleasePages(1.0) = %d pages, want %d", got, pages.PagesPerHugePage)
	}
	if u.calls == 0 {
		t.Errorf("explicit release did not unback")
	}
}

func TestRegionAddSpanStats(t *testing.T) {
	r, _ := newTestRegion(0)
	head, _, _ := r.MaybeGet(5)
	if _, _, ok := r.MaybeGet(pages.PagesPerHugePage + 10); !ok {
		t.Fatalf("MaybeGet failed on an empty region")
	}
	r.Put(head, 5, false)

	var small hugepage.SmallSpanStats
	var large hugepage.LargeSpanStats
	r.AddSpanStats(&small, &large)
	if got := small.NormalLength[5]; got != 1 {
		t.Errorf("backed 5-page spans = %d, want 1", got)
	}
	if large.Spans == 0 {
		t.Errorf("no large span found for the unbacked remainder")
	}
}

func TestRegionSetPrint(t *testing.T) {
	a, _ := newTestRegion(0)
	set := NewHugeRegionSet(UsageDefault)
	set.Contribute(a)
	set.MaybeGet(100)

	var b strings.Builder
	set.Print(printer.New(&b))
	out := b.String()
	for _, want := range []string{"HugeRegionSet:", "HugeRegion:", "total regions"} {
		if !strings.Contains(out, want) {
			t.Errorf("Print output missing %q", want)
		}
	}

	b.Reset()
	set.PrintInPbtxt(printer.NewPbtxtRegion(&b))
	out = b.String()
	for _, want := range []string{
		"min_huge_region_alloc_size",
		"huge_region_size",
		"huge_region_details",
		"used_bytes",
		"backed_fully_free_bytes",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("PrintInPbtxt output missing %q", want)
		}
	}
}
