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

	"github.com/wahcheng/tcmalloc/pkg/pages"
)

// AccessDensity is the caller's access-pattern hint: dense spans hold
// many small, frequently touched allocations; sparse spans few or
// large ones. The filler segregates buckets by density so dense pages
// do not poison sparse-workload locality.
type AccessDensity uint8

const (
	// SparseAccess predicts few or large objects on the span.
	SparseAccess AccessDensity = iota

	// DenseAccess predicts many small, frequently accessed objects.
	DenseAccess

	densityCount
)

// String implements fmt.Stringer.
func (d AccessDensity) String() string {
	switch d {
	case SparseAccess:
		return "sparse"
	case DenseAccess:
		return "dense"
	}
	panic(fmt.Sprintf("invalid access density: %d", d))
}

// SpanAllocInfo describes the span an allocation will carve out:
// how many objects it will hold and how densely they will be
// accessed.
type SpanAllocInfo struct {
	ObjectsPerSpan uint64
	Density        AccessDensity
}

// SmallSpanStats accumulates per-length counts of free spans shorter
// than MaxPages, split by backed (normal) and released (returned)
// state.
type SmallSpanStats struct {
	NormalLength   [pages.MaxPages]int64
	ReturnedLength [pages.MaxPages]int64
}

// LargeSpanStats aggregates free spans of MaxPages or longer.
type LargeSpanStats struct {
	Spans         int64
	NormalPages   pages.Length
	ReturnedPages pages.Length
}

// BackingStats summarizes a structure's address-space footprint.
type BackingStats struct {
	SystemBytes   uint64
	FreeBytes     uint64
	UnmappedBytes uint64
}

// Add accumulates o into s.
func (s *BackingStats) Add(o BackingStats) {
	s.SystemBytes += o.SystemBytes
	s.FreeBytes += o.FreeBytes
	s.UnmappedBytes += o.UnmappedBytes
}

// SubreleaseStats tracks the filler's subrelease activity, split
// between the current stats epoch and cumulative-since-startup
// totals.
type SubreleaseStats struct {
	TotalPagesSubreleased             pages.Length // cumulative since startup
	TotalPartialAllocPagesSubreleased pages.Length // cumulative since startup
	NumPagesSubreleased               pages.Length
	NumPartialAllocPagesSubreleased   pages.Length
	TotalHugepagesBroken              pages.HugeLength // cumulative since startup
	NumHugepagesBroken                pages.HugeLength

	isLimitHit bool

	// Limit-related stats are cumulative since startup only.
	TotalPagesSubreleasedDueToLimit pages.Length
	TotalHugepagesBrokenDueToLimit  pages.HugeLength
}

func (s *SubreleaseStats) reset() {
	s.TotalPagesSubreleased += s.NumPagesSubreleased
	s.TotalPartialAllocPagesSubreleased += s.NumPartialAllocPagesSubreleased
	s.TotalHugepagesBroken += s.NumHugepagesBroken
	s.NumPagesSubreleased = 0
	s.NumPartialAllocPagesSubreleased = 0
	s.NumHugepagesBroken = 0
}

// setLimitHit must be called at the beginning of each subrelease
// request.
func (s *SubreleaseStats) setLimitHit(value bool) {
	s.isLimitHit = value
}

// limitHit only has a well-defined meaning within releaseCandidates
// where setLimitHit has been called earlier.
func (s *SubreleaseStats) limitHit() bool {
	return s.isLimitHit
}

// HugePageFillerStats records the number of huge pages the filler
// holds in each class. Each array is indexed by AccessDensity, with an
// extra slot for the sum over both densities.
type HugePageFillerStats struct {
	// NFullyReleased counts huge pages whose free pages are all returned
	// to the OS.
	NFullyReleased [densityCount + 1]pages.HugeLength
	// NPartialReleased counts huge pages with both free-backed and
	// returned pages.
	NPartialReleased [densityCount + 1]pages.HugeLength
	// NReleased is NFullyReleased + NPartialReleased.
	NReleased [densityCount + 1]pages.HugeLength
	// NTotal counts every huge page of the class.
	NTotal [densityCount + 1]pages.HugeLength
	// NFull counts huge pages with no free pages at all.
	NFull [densityCount + 1]pages.HugeLength
	// NPartial counts partially allocated but unreleased huge pages.
	NPartial [densityCount + 1]pages.HugeLength
}

// safeDiv evaluates a/b, avoiding division by zero.
func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func pagesRatio(a, b pages.Length) float64 {
	return safeDiv(float64(a), float64(b))
}
