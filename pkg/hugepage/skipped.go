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
	"time"

	"github.com/wahcheng/tcmalloc/pkg/clock"
	"github.com/wahcheng/tcmalloc/pkg/pages"
	"github.com/wahcheng/tcmalloc/pkg/timeseries"
)

// This file and the stats tracker implement the adaptive hugepage
// subrelease mechanism and realized fragmentation metric described in
// "Adaptive Hugepage Subrelease for Non-moving Memory Allocators in
// Warehouse-Scale Computers" (ISMM 2021).

// SkippedSubreleaseDecision aggregates skipped-subrelease decisions:
// how many pages were not released, over how many decisions.
type SkippedSubreleaseDecision struct {
	Pages pages.Length
	Count uint64
}

func (d *SkippedSubreleaseDecision) add(o SkippedSubreleaseDecision) {
	d.Pages += o.Pages
	d.Count += o.Count
}

// skippedSubreleaseUpdate is one report into the correctness tracker.
type skippedSubreleaseUpdate struct {
	// decision is a subrelease decision that was made at this time step:
	// how much did we decide not to release?
	decision SkippedSubreleaseDecision

	// numPagesAtDecision is what our future demand has to be for the
	// decision to be correct. If there were multiple subrelease
	// decisions in the same epoch, use the max.
	numPagesAtDecision pages.Length

	// correctnessIntervalEpochs is how long from the time of the
	// decision we have before the decision will be determined incorrect.
	correctnessIntervalEpochs int64

	// confirmedPeak, when set, confirms a demand peak at this level:
	// all earlier subrelease decisions with numPagesAtDecision <=
	// confirmedPeak are confirmed correct and don't need to be
	// considered again.
	confirmedPeak pages.Length
}

// skippedSubreleaseEntry is one epoch's aggregate.
type skippedSubreleaseEntry struct {
	decisions                 SkippedSubreleaseDecision
	maxNumPagesAtDecision     pages.Length
	correctnessIntervalEpochs int64
	maxConfirmedPeak          pages.Length
}

func reportSkippedSubrelease(e *skippedSubreleaseEntry, u skippedSubreleaseUpdate) {
	e.decisions.add(u.decision)
	e.correctnessIntervalEpochs = max(e.correctnessIntervalEpochs, u.correctnessIntervalEpochs)
	e.maxNumPagesAtDecision = max(e.maxNumPagesAtDecision, u.numPagesAtDecision)
	e.maxConfirmedPeak = max(e.maxConfirmedPeak, u.confirmedPeak)
}

func (e *skippedSubreleaseEntry) empty() bool {
	return e.decisions.Count == 0 && e.maxNumPagesAtDecision == 0 && e.maxConfirmedPeak == 0
}

// SkippedSubreleaseCorrectnessTracker records skipped-release
// decisions over time, later marking each correct or incorrect by the
// demand peaks it observes.
type SkippedSubreleaseCorrectnessTracker struct {
	epochLength time.Duration

	// lastConfirmedPeak is the largest peak processed this epoch,
	// required to avoid double-counting correctly predicted decisions.
	lastConfirmedPeak pages.Length

	totalSkipped     SkippedSubreleaseDecision
	correctlySkipped SkippedSubreleaseDecision
	pendingSkipped   SkippedSubreleaseDecision

	tracker *timeseries.Tracker[skippedSubreleaseEntry, skippedSubreleaseUpdate]
}

// NewSkippedSubreleaseCorrectnessTracker returns a tracker dividing
// window into epochs slots under c.
func NewSkippedSubreleaseCorrectnessTracker(c clock.Clock, window time.Duration, epochs int) *SkippedSubreleaseCorrectnessTracker {
	return &SkippedSubreleaseCorrectnessTracker{
		epochLength: window / time.Duration(epochs),
		tracker: timeseries.New(c, window, epochs,
			skippedSubreleaseEntry{},
			reportSkippedSubrelease,
			(*skippedSubreleaseEntry).empty),
	}
}

// ReportSkippedSubreleasePages records that skippedPages were not
// released because demand peaked at peakPages; the decision is judged
// by peaks arriving within expectedTimeUntilNextPeak.
func (t *SkippedSubreleaseCorrectnessTracker) ReportSkippedSubreleasePages(skippedPages, peakPages pages.Length, expectedTimeUntilNextPeak time.Duration) {
	decision := SkippedSubreleaseDecision{Pages: skippedPages, Count: 1}
	t.totalSkipped.add(decision)
	t.pendingSkipped.add(decision)

	t.tracker.Report(skippedSubreleaseUpdate{
		decision:                  decision,
		numPagesAtDecision:        peakPages,
		correctnessIntervalEpochs: int64(expectedTimeUntilNextPeak / t.epochLength),
	})
}

// ReportUpdatedPeak advances the tracker with a newly observed demand
// peak and re-evaluates all pending decisions against it.
func (t *SkippedSubreleaseCorrectnessTracker) ReportUpdatedPeak(currentPeak pages.Length) {
	// Record this peak for the current epoch (so we don't double-count
	// correct predictions later) and advance the tracker.
	if t.tracker.Report(skippedSubreleaseUpdate{confirmedPeak: currentPeak}) {
		// Also keep track of the largest peak we have confirmed this
		// epoch.
		t.lastConfirmedPeak = 0
	}

	// Recompute currently pending decisions.
	t.pendingSkipped = SkippedSubreleaseDecision{}
	largestPeakAlreadyConfirmed := t.lastConfirmedPeak

	t.tracker.IterBackwards(func(offset int, _ int64, e *skippedSubreleaseEntry) {
		// Do not clear any decisions in the current epoch.
		if offset == 0 {
			return
		}

		if e.decisions.Count > 0 &&
			e.maxNumPagesAtDecision > largestPeakAlreadyConfirmed &&
			int64(offset) <= e.correctnessIntervalEpochs {
			if e.maxNumPagesAtDecision <= currentPeak {
				// We can confirm a subrelease decision as correct and it
				// had not been confirmed correct by an earlier peak yet.
				t.correctlySkipped.add(e.decisions)
			} else {
				t.pendingSkipped.add(e.decisions)
			}
		}

		// Did we clear any earlier decisions based on a peak in this
		// epoch? Keep track of the peak, so we do not clear them again.
		largestPeakAlreadyConfirmed = max(largestPeakAlreadyConfirmed, e.maxConfirmedPeak)
	}, -1)

	t.lastConfirmedPeak = max(t.lastConfirmedPeak, currentPeak)
}

// TotalSkipped returns the cumulative skipped decisions.
func (t *SkippedSubreleaseCorrectnessTracker) TotalSkipped() SkippedSubreleaseDecision {
	return t.totalSkipped
}

// CorrectlySkipped returns the decisions confirmed correct by a later
// peak.
func (t *SkippedSubreleaseCorrectnessTracker) CorrectlySkipped() SkippedSubreleaseDecision {
	return t.correctlySkipped
}

// PendingSkipped returns the decisions still awaiting a confirming
// peak.
func (t *SkippedSubreleaseCorrectnessTracker) PendingSkipped() SkippedSubreleaseDecision {
	return t.pendingSkipped
}
