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
	"github.com/wahcheng/tcmalloc/pkg/printer"
	"github.com/wahcheng/tcmalloc/pkg/timeseries"
)

// SkipSubreleaseIntervals configures the skip-subrelease policy.
type SkipSubreleaseIntervals struct {
	// PeakInterval locates the recent demand peak.
	PeakInterval time.Duration
	// ShortInterval locates recent short-term demand fluctuation.
	ShortInterval time.Duration
	// LongInterval locates the recent long-term demand trend.
	LongInterval time.Duration
}

// PeakIntervalSet returns true if the peak interval is set.
func (i SkipSubreleaseIntervals) PeakIntervalSet() bool {
	return i.PeakInterval != 0
}

// SkipSubreleaseEnabled returns true if any interval is set.
func (i SkipSubreleaseIntervals) SkipSubreleaseEnabled() bool {
	return i.PeakInterval != 0 || i.ShortInterval != 0 || i.LongInterval != 0
}

// trackerStatsType indexes the huge-page classes recorded in
// FillerStats.
type trackerStatsType int

const (
	trackerStatsRegular trackerStatsType = iota
	trackerStatsDonated
	trackerStatsPartialReleased
	trackerStatsReleased
	numTrackerStatsTypes
)

// FillerStats is one demand sample reported to the stats tracker.
type FillerStats struct {
	NumPages                        pages.Length
	FreePages                       pages.Length
	UnmappedPages                   pages.Length
	UsedPagesInSubreleasedHugePages pages.Length
	HugePages                       [numTrackerStatsTypes]pages.HugeLength
	NumPagesSubreleased             pages.Length
	NumPartialAllocPagesSubreleased pages.Length
	NumHugepagesBroken              pages.HugeLength
}

func (s *FillerStats) totalHugePages() pages.HugeLength {
	var total pages.HugeLength
	for _, hp := range s.HugePages {
		total += hp
	}
	return total
}

// statsType indexes the four "interesting points" within each epoch at
// which we snapshot filler statistics: at min/max demand of pages and
// at min/max use of huge pages. This approximates the envelope of the
// different metrics.
type statsType int

const (
	statsAtMinDemand statsType = iota
	statsAtMaxDemand
	statsAtMinHugePages
	statsAtMaxHugePages
	numStatsTypes
)

var statsTypeLabels = [numStatsTypes]string{
	"at_minimum_demand",
	"at_maximum_demand",
	"at_minimum_huge_pages",
	"at_maximum_huge_pages",
}

// fillerStatsEntry is one epoch's aggregate of filler stats.
type fillerStatsEntry struct {
	stats                           [numStatsTypes]FillerStats
	minFreePages                    pages.Length
	minFreeBackedPages              pages.Length
	numPagesSubreleased             pages.Length
	numPartialAllocPagesSubreleased pages.Length
	numHugepagesBroken              pages.HugeLength
}

var nilFillerStatsEntry = fillerStatsEntry{
	minFreePages:       pages.MaxLength,
	minFreeBackedPages: pages.MaxLength,
}

func (e *fillerStatsEntry) empty() bool {
	return e.minFreePages == pages.MaxLength
}

func reportFillerStats(e *fillerStatsEntry, s FillerStats) {
	if e.empty() {
		for i := range e.stats {
			e.stats[i] = s
		}
	}
	if s.NumPages < e.stats[statsAtMinDemand].NumPages {
		e.stats[statsAtMinDemand] = s
	}
	if s.NumPages > e.stats[statsAtMaxDemand].NumPages {
		e.stats[statsAtMaxDemand] = s
	}
	if s.totalHugePages() < e.stats[statsAtMinHugePages].totalHugePages() {
		e.stats[statsAtMinHugePages] = s
	}
	if s.totalHugePages() > e.stats[statsAtMaxHugePages].totalHugePages() {
		e.stats[statsAtMaxHugePages] = s
	}

	e.minFreePages = min(e.minFreePages, s.FreePages+s.UnmappedPages)
	e.minFreeBackedPages = min(e.minFreeBackedPages, s.FreePages)

	e.numPagesSubreleased += s.NumPagesSubreleased
	e.numPartialAllocPagesSubreleased += s.NumPartialAllocPagesSubreleased
	e.numHugepagesBroken += s.NumHugepagesBroken
}

// NumberOfFreePages reports free pages split by backedness.
type NumberOfFreePages struct {
	Free       pages.Length
	FreeBacked pages.Length
}

// FillerStatsTracker tracks filler statistics over a time window,
// recording per-epoch min/max demand and huge-page envelopes. It
// drives the skip-subrelease policy and the realized fragmentation
// metric.
type FillerStatsTracker struct {
	// summaryInterval is the window over which realized fragmentation
	// is reported and skipped subreleases are judged by default.
	summaryInterval time.Duration

	window      time.Duration
	epochLength time.Duration

	tracker           *timeseries.Tracker[fillerStatsEntry, FillerStats]
	skippedSubrelease *SkippedSubreleaseCorrectnessTracker

	// Records most recent intervals for skipping subreleases, plus
	// expected next peak interval for evaluating skipped subreleases.
	// Reporting and debugging only.
	lastSkipSubreleaseIntervals SkipSubreleaseIntervals
	lastNextPeakInterval        time.Duration
}

// NewFillerStatsTracker returns a tracker with the given window and
// epoch count. summaryInterval must not exceed the window; it is used
// both for realized fragmentation and for judging the correctness of
// skipped subreleases, so the window must cover it.
func NewFillerStatsTracker(c clock.Clock, window, summaryInterval time.Duration, epochs int) *FillerStatsTracker {
	if summaryInterval > window {
		panic("summary interval exceeds the tracker window")
	}
	return &FillerStatsTracker{
		summaryInterval: summaryInterval,
		window:          window,
		epochLength:     window / time.Duration(epochs),
		tracker: timeseries.New(c, window, epochs,
			nilFillerStatsEntry,
			reportFillerStats,
			(*fillerStatsEntry).empty),
		skippedSubrelease: NewSkippedSubreleaseCorrectnessTracker(c, window, epochs),
	}
}

// Report folds one demand sample into the current epoch. On an epoch
// boundary, if skipped subrelease decisions are pending, the larger of
// the sample's demand and the just-finished epoch's demand peak is fed
// to the correctness tracker.
func (t *FillerStatsTracker) Report(stats FillerStats) {
	if t.tracker.Report(stats) {
		if t.PendingSkipped().Count > 0 {
			// Consider the peak within the just completed epoch to confirm
			// the correctness of any recent subrelease decisions.
			prev := t.tracker.EpochAtOffset(1)
			t.skippedSubrelease.ReportUpdatedPeak(max(stats.NumPages, prev.stats[statsAtMaxDemand].NumPages))
		}
	}
}

// GetRecentPeak calculates the demand peak within the last
// peakInterval, for skipping subrelease decisions. If our allocated
// memory is below that peak, we stop subreleasing.
func (t *FillerStatsTracker) GetRecentPeak(peakInterval time.Duration) pages.Length {
	t.lastSkipSubreleaseIntervals.PeakInterval = min(peakInterval, t.window)
	var maxDemandPages pages.Length

	numEpochs := int(min(int64(peakInterval/t.epochLength), int64(t.tracker.Epochs())))
	t.tracker.IterBackwards(func(_ int, _ int64, e *fillerStatsEntry) {
		if !e.empty() {
			maxDemandPages = max(maxDemandPages, e.stats[statsAtMaxDemand].NumPages)
		}
	}, numEpochs)

	return maxDemandPages
}

// GetRecentDemand calculates the demand requirement for skip
// subrelease: the sum of the short-term demand fluctuation peak (the
// largest max-min demand difference within shortInterval) and the
// long-term demand trend (the largest min demand within longInterval),
// capped by the largest demand peak in the whole window. When both are
// set, shortInterval should be shorter or equal to longInterval to
// avoid realized fragmentation caused by non-recent demand spikes.
func (t *FillerStatsTracker) GetRecentDemand(shortInterval, longInterval time.Duration) pages.Length {
	if shortInterval != 0 && longInterval != 0 && shortInterval > longInterval {
		panic("short interval exceeds long interval")
	}
	t.lastSkipSubreleaseIntervals.ShortInterval = min(shortInterval, t.window)
	t.lastSkipSubreleaseIntervals.LongInterval = min(longInterval, t.window)

	var shortTermFluctuationPages, longTermTrendPages pages.Length
	shortEpochs := int(min(int64(shortInterval/t.epochLength), int64(t.tracker.Epochs())))
	longEpochs := int(min(int64(longInterval/t.epochLength), int64(t.tracker.Epochs())))

	t.tracker.IterBackwards(func(_ int, _ int64, e *fillerStatsEntry) {
		if !e.empty() {
			demandDifference := e.stats[statsAtMaxDemand].NumPages - e.stats[statsAtMinDemand].NumPages
			shortTermFluctuationPages = max(shortTermFluctuationPages, demandDifference)
		}
	}, shortEpochs)
	t.tracker.IterBackwards(func(_ int, _ int64, e *fillerStatsEntry) {
		if !e.empty() {
			longTermTrendPages = max(longTermTrendPages, e.stats[statsAtMinDemand].NumPages)
		}
	}, longEpochs)

	// Since we are taking the sum of peaks, we can end up with a demand
	// that is larger than the largest peak encountered so far, which
	// could lead to OOMs. Cap it to the largest peak observed in our
	// time series.
	var demandPeak pages.Length
	t.tracker.IterBackwards(func(_ int, _ int64, e *fillerStatsEntry) {
		if !e.empty() {
			demandPeak = max(demandPeak, e.stats[statsAtMaxDemand].NumPages)
		}
	}, -1)

	return min(demandPeak, shortTermFluctuationPages+longTermTrendPages)
}

// ReportSkippedSubreleasePages reports a skipped subrelease, evaluated
// by coming peaks within the realized fragmentation interval. The
// skipped pages only create realized fragmentation if peaks in that
// interval stay below peakPages.
func (t *FillerStatsTracker) ReportSkippedSubreleasePages(skipped, peakPages pages.Length) {
	t.ReportSkippedSubreleasePagesWithin(skipped, peakPages, t.summaryInterval)
}

// ReportSkippedSubreleasePagesWithin reports a skipped subrelease
// evaluated by coming peaks within the given interval.
func (t *FillerStatsTracker) ReportSkippedSubreleasePagesWithin(skipped, peakPages pages.Length, nextPeakInterval time.Duration) {
	if skipped == 0 {
		return
	}
	t.lastNextPeakInterval = nextPeakInterval
	t.skippedSubrelease.ReportSkippedSubreleasePages(skipped, peakPages, nextPeakInterval)
}

// TotalSkipped returns the cumulative skipped decisions.
func (t *FillerStatsTracker) TotalSkipped() SkippedSubreleaseDecision {
	return t.skippedSubrelease.TotalSkipped()
}

// CorrectlySkipped returns the skipped decisions confirmed correct.
func (t *FillerStatsTracker) CorrectlySkipped() SkippedSubreleaseDecision {
	return t.skippedSubrelease.CorrectlySkipped()
}

// PendingSkipped returns the skipped decisions still unconfirmed.
func (t *FillerStatsTracker) PendingSkipped() SkippedSubreleaseDecision {
	return t.skippedSubrelease.PendingSkipped()
}

// MinFreePages returns the minimum number of free pages throughout the
// given window, total and backed-only.
func (t *FillerStatsTracker) MinFreePages(window time.Duration) NumberOfFreePages {
	mins := NumberOfFreePages{
		Free:       pages.MaxLength,
		FreeBacked: pages.MaxLength,
	}
	numEpochs := int(min(max(int64(window/t.epochLength), 0), int64(t.tracker.Epochs())))
	t.tracker.IterBackwards(func(_ int, _ int64, e *fillerStatsEntry) {
		if !e.empty() {
			mins.Free = min(mins.Free, e.minFreePages)
			mins.FreeBacked = min(mins.FreeBacked, e.minFreeBackedPages)
		}
	}, numEpochs)
	if mins.Free == pages.MaxLength {
		mins.Free = 0
	}
	if mins.FreeBacked == pages.MaxLength {
		mins.FreeBacked = 0
	}
	return mins
}

// Print writes the time-series summary in text form.
func (t *FillerStatsTracker) Print(out *printer.Printer) {
	freePages := t.MinFreePages(t.summaryInterval)
	out.Printf("HugePageFiller: time series over %d min interval\n\n",
		int64(t.summaryInterval.Minutes()))

	// Realized fragmentation is equivalent to backed minimum free pages
	// over the summary interval. It is printed for convenience but not
	// included in pbtxt.
	out.Printf("HugePageFiller: realized fragmentation: %.1f MiB\n",
		freePages.FreeBacked.InMiB())
	out.Printf("HugePageFiller: minimum free pages: %d (%d backed)\n",
		uint64(freePages.Free), uint64(freePages.FreeBacked))

	atPeakDemand := nilFillerStatsEntry
	atPeakHps := nilFillerStatsEntry
	t.tracker.IterBackwards(func(_ int, _ int64, e *fillerStatsEntry) {
		if e.empty() {
			return
		}
		if atPeakDemand.empty() ||
			atPeakDemand.stats[statsAtMaxDemand].NumPages < e.stats[statsAtMaxDemand].NumPages {
			atPeakDemand = *e
		}
		if atPeakHps.empty() ||
			atPeakHps.stats[statsAtMaxHugePages].totalHugePages() < e.stats[statsAtMaxHugePages].totalHugePages() {
			atPeakHps = *e
		}
	}, int(t.summaryInterval/t.epochLength))

	printEntryStats := func(label string, e *fillerStatsEntry) {
		s := &e.stats[statsAtMaxDemand]
		out.Printf(
			"HugePageFiller: at peak %s: %d pages (and %d free, %d unmapped)\n"+
				"HugePageFiller: at peak %s: %d hps (%d regular, %d donated, "+
				"%d partial, %d released)\n",
			label, uint64(s.NumPages), uint64(s.FreePages), uint64(s.UnmappedPages),
			label, uint64(s.totalHugePages()),
			uint64(s.HugePages[trackerStatsRegular]),
			uint64(s.HugePages[trackerStatsDonated]),
			uint64(s.HugePages[trackerStatsPartialReleased]),
			uint64(s.HugePages[trackerStatsReleased]))
	}
	printEntryStats("demand", &atPeakDemand)
	printEntryStats("hps", &atPeakHps)

	out.Printf(
		"\nHugePageFiller: Since the start of the execution, %d subreleases (%d"+
			" pages) were skipped due to either recent (%ds) peaks, or the sum of"+
			" short-term (%ds) fluctuations and long-term (%ds) trends.\n",
		t.TotalSkipped().Count, uint64(t.TotalSkipped().Pages),
		int64(t.lastSkipSubreleaseIntervals.PeakInterval.Seconds()),
		int64(t.lastSkipSubreleaseIntervals.ShortInterval.Seconds()),
		int64(t.lastSkipSubreleaseIntervals.LongInterval.Seconds()))

	skippedPages := t.TotalSkipped().Pages - t.PendingSkipped().Pages
	correctlySkippedPagesPercentage := safeDiv(100*float64(t.CorrectlySkipped().Pages), float64(skippedPages))

	skippedCount := t.TotalSkipped().Count - t.PendingSkipped().Count
	correctlySkippedCountPercentage := safeDiv(100*float64(t.CorrectlySkipped().Count), float64(skippedCount))

	out.Printf(
		"HugePageFiller: %.4f%% of decisions confirmed correct, %d "+
			"pending (%.4f%% of pages, %d pending), as per anticipated %ds realized "+
			"fragmentation.\n",
		correctlySkippedCountPercentage, t.PendingSkipped().Count,
		correctlySkippedPagesPercentage, uint64(t.PendingSkipped().Pages),
		int64(t.lastNextPeakInterval.Seconds()))

	// Subrelease stats.
	var totalSubreleased, totalPartialAllocSubreleased pages.Length
	var totalBroken pages.HugeLength
	t.tracker.Iter(func(_ int, _ int64, e *fillerStatsEntry) {
		totalSubreleased += e.numPagesSubreleased
		totalPartialAllocSubreleased += e.numPartialAllocPagesSubreleased
		totalBroken += e.numHugepagesBroken
	}, true)
	out.Printf(
		"HugePageFiller: Subrelease stats last %d min: total "+
			"%d pages subreleased (%d pages from partial allocs), "+
			"%d hugepages broken\n",
		int64(t.window.Minutes()), uint64(totalSubreleased),
		uint64(totalPartialAllocSubreleased), uint64(totalBroken))
}

// PrintInPbtxt writes the skipped-subrelease summary and the
// time-series measurements under hpaa.
func (t *FillerStatsTracker) PrintInPbtxt(hpaa *printer.PbtxtRegion) {
	hpaa.SubRegion("filler_skipped_subrelease", func(r *printer.PbtxtRegion) {
		r.PrintI64("skipped_subrelease_interval_ms",
			t.lastSkipSubreleaseIntervals.PeakInterval.Milliseconds())
		r.PrintI64("skipped_subrelease_short_interval_ms",
			t.lastSkipSubreleaseIntervals.ShortInterval.Milliseconds())
		r.PrintI64("skipped_subrelease_long_interval_ms",
			t.lastSkipSubreleaseIntervals.LongInterval.Milliseconds())
		r.PrintI64("skipped_subrelease_pages", int64(t.TotalSkipped().Pages))
		r.PrintI64("correctly_skipped_subrelease_pages", int64(t.CorrectlySkipped().Pages))
		r.PrintI64("pending_skipped_subrelease_pages", int64(t.PendingSkipped().Pages))
		r.PrintI64("skipped_subrelease_count", int64(t.TotalSkipped().Count))
		r.PrintI64("correctly_skipped_subrelease_count", int64(t.CorrectlySkipped().Count))
		r.PrintI64("pending_skipped_subrelease_count", int64(t.PendingSkipped().Count))
		r.PrintI64("next_peak_interval_ms", t.lastNextPeakInterval.Milliseconds())
	})

	hpaa.SubRegion("filler_stats_timeseries", func(r *printer.PbtxtRegion) {
		r.PrintI64("window_ms", t.epochLength.Milliseconds())
		r.PrintI64("epochs", int64(t.tracker.Epochs()))

		freePages := t.MinFreePages(t.summaryInterval)
		r.PrintI64("min_free_pages_interval_ms", t.summaryInterval.Milliseconds())
		r.PrintI64("min_free_pages", int64(freePages.Free))
		r.PrintI64("min_free_backed_pages", int64(freePages.FreeBacked))

		t.tracker.Iter(func(offset int, ts int64, e *fillerStatsEntry) {
			r.SubRegion("measurements", func(m *printer.PbtxtRegion) {
				m.PrintI64("epoch", int64(offset))
				m.PrintI64("timestamp_ms", ts/int64(time.Millisecond))
				m.PrintI64("min_free_pages", int64(e.minFreePages))
				m.PrintI64("min_free_backed_pages", int64(e.minFreeBackedPages))
				m.PrintI64("num_pages_subreleased", int64(e.numPagesSubreleased))
				m.PrintI64("num_hugepages_broken", int64(e.numHugepagesBroken))
				m.PrintI64("partial_alloc_pages_subreleased", int64(e.numPartialAllocPagesSubreleased))
				for i := statsType(0); i < numStatsTypes; i++ {
					stats := e.stats[i]
					m.SubRegion(statsTypeLabels[i], func(sr *printer.PbtxtRegion) {
						sr.PrintI64("num_pages", int64(stats.NumPages))
						sr.PrintI64("regular_huge_pages", int64(stats.HugePages[trackerStatsRegular]))
						sr.PrintI64("donated_huge_pages", int64(stats.HugePages[trackerStatsDonated]))
						sr.PrintI64("partial_released_huge_pages", int64(stats.HugePages[trackerStatsPartialReleased]))
						sr.PrintI64("released_huge_pages", int64(stats.HugePages[trackerStatsReleased]))
						sr.PrintI64("used_pages_in_subreleased_huge_pages", int64(stats.UsedPagesInSubreleasedHugePages))
					})
				}
			})
		}, true)
	})
}
