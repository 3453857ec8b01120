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

// Package clock provides the monotonic clock consumed by the
// time-series trackers. The clock is injected at construction so tests
// can substitute a manually advanced one.
package clock

import "time"

// Clock measures monotonic time in ticks. Freq returns the number of
// ticks per second, allowing durations to be converted to tick counts.
type Clock struct {
	Now  func() int64
	Freq func() float64
}

var base = time.Now()

// Real returns a nanosecond-granularity monotonic clock.
func Real() Clock {
	return Clock{
		Now:  func() int64 { return int64(time.Since(base)) },
		Freq: func() float64 { return 1e9 },
	}
}

// Ticks converts d to a tick count under c.
func (c Clock) Ticks(d time.Duration) int64 {
	return int64(d.Seconds() * c.Freq())
}
