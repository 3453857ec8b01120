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

// Package timeseries provides a fixed-capacity circular buffer of
// per-epoch aggregates keyed by a monotonic clock.
package timeseries

import (
	"time"

	"github.com/wahcheng/tcmalloc/pkg/clock"
)

// Tracker aggregates updates of type U into per-epoch entries of type
// E. The window is divided into a fixed number of epochs; entries
// older than the window are discarded as the clock advances.
//
// E's zero behavior is defined by the nil entry supplied at
// construction; entries are reset to it when their epoch expires.
type Tracker[E any, U any] struct {
	clock      clock.Clock
	epochTicks int64
	epochs     int

	nilEntry E
	report   func(*E, U)
	empty    func(*E) bool

	entries   []E
	lastEpoch int64
}

// New returns a tracker dividing window into epochs slots. report
// folds an update into an entry; empty reports whether an entry has
// received no updates.
func New[E any, U any](c clock.Clock, window time.Duration, epochs int, nilEntry E, report func(*E, U), empty func(*E) bool) *Tracker[E, U] {
	t := &Tracker[E, U]{
		clock:      c,
		epochTicks: max(c.Ticks(window/time.Duration(epochs)), 1),
		epochs:     epochs,
		nilEntry:   nilEntry,
		report:     report,
		empty:      empty,
		entries:    make([]E, epochs),
	}
	for i := range t.entries {
		t.entries[i] = nilEntry
	}
	t.lastEpoch = c.Now() / t.epochTicks
	return t
}

// Epochs returns the number of epochs tracked.
func (t *Tracker[E, U]) Epochs() int {
	return t.epochs
}

// EpochLength returns the duration of one epoch.
func (t *Tracker[E, U]) EpochLength() time.Duration {
	return time.Duration(float64(t.epochTicks) / t.clock.Freq() * float64(time.Second))
}

// UpdateClock advances the tracker to the current epoch, discarding
// entries that fell out of the window. It returns true if at least one
// epoch boundary was crossed.
func (t *Tracker[E, U]) UpdateClock() bool {
	epoch := t.clock.Now() / t.epochTicks
	if epoch <= t.lastEpoch {
		return false
	}
	delta := epoch - t.lastEpoch
	if delta >= int64(t.epochs) {
		for i := range t.entries {
			t.entries[i] = t.nilEntry
		}
	} else {
		for e := t.lastEpoch + 1; e <= epoch; e++ {
			t.entries[t.slot(e)] = t.nilEntry
		}
	}
	t.lastEpoch = epoch
	return true
}

// Report folds update into the current epoch's entry, advancing the
// epoch first if the clock moved. It returns true iff the report
// crossed an epoch boundary.
func (t *Tracker[E, U]) Report(update U) bool {
	advanced := t.UpdateClock()
	t.report(&t.entries[t.slot(t.lastEpoch)], update)
	return advanced
}

// IterBackwards invokes fn on up to n of the most recent entries,
// newest first. offset 0 is the current epoch; ts is the nanosecond
// timestamp of the entry's epoch start. n < 0 visits the whole window.
func (t *Tracker[E, U]) IterBackwards(fn func(offset int, ts int64, e *E), n int) {
	if n < 0 || n > t.epochs {
		n = t.epochs
	}
	for offset := 0; offset < n; offset++ {
		epoch := t.lastEpoch - int64(offset)
		if epoch < 0 {
			return
		}
		fn(offset, t.epochNanos(epoch), &t.entries[t.slot(epoch)])
	}
}

// Iter invokes fn on the tracked entries in chronological order.
// offset counts from the oldest tracked epoch.
func (t *Tracker[E, U]) Iter(fn func(offset int, ts int64, e *E), skipEmpty bool) {
	oldest := max(t.lastEpoch-int64(t.epochs)+1, 0)
	for epoch := oldest; epoch <= t.lastEpoch; epoch++ {
		e := &t.entries[t.slot(epoch)]
		if skipEmpty && t.empty(e) {
			continue
		}
		fn(int(epoch-oldest), t.epochNanos(epoch), e)
	}
}

// EpochAtOffset returns a copy of the entry offset epochs before the
// current one, or the nil entry if the offset leaves the window.
func (t *Tracker[E, U]) EpochAtOffset(offset int) E {
	epoch := t.lastEpoch - int64(offset)
	if offset < 0 || offset >= t.epochs || epoch < 0 {
		return t.nilEntry
	}
	return t.entries[t.slot(epoch)]
}

func (t *Tracker[E, U]) slot(epoch int64) int {
	return int(epoch % int64(t.epochs))
}

func (t *Tracker[E, U]) epochNanos(epoch int64) int64 {
	return int64(float64(epoch*t.epochTicks) / t.clock.Freq() * 1e9)
}
