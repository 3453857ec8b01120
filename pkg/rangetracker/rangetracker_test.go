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

package rangetracker

import "testing"

func TestBitmapSetClearCount(t *testing.T) {
	for _, tc := range []struct {
		name string
		i, n uint
	}{
		{"single", 3, 1},
		{"withinWord", 5, 20},
		{"wordAligned", 64, 64},
		{"crossOneBoundary", 60, 10},
		{"crossManyBoundaries", 10, 200},
		{"full", 0, 256},
		{"tail", 250, 6},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBitmap(256)
			b.SetRange(tc.i, tc.n)
			if got := b.CountBits(0, 256); got != tc.n {
				t.Errorf("CountBits(0, 256) = %d, want %d", got, tc.n)
			}
			if got := b.CountBits(tc.i, tc.n); got != tc.n {
				t.Errorf("CountBits(%d, %d) = %d, want %d", tc.i, tc.n, got, tc.n)
			}
			for i := uint(0); i < 256; i++ {
				want := i >= tc.i && i < tc.i+tc.n
				if got := b.GetBit(i); got != want {
					t.Fatalf("GetBit(%d) = %t, want %t", i, got, want)
				}
			}
			b.ClearRange(tc.i, tc.n)
			if !b.IsZero() {
				t.Errorf("bitmap not zero after ClearRange")
			}
		})
	}
}

func TestBitmapFindSetClear(t *testing.T) {
	b := NewBitmap(192)
	b.SetRange(70, 10)

	if got := b.FindSet(0); got != 70 {
		t.Errorf("FindSet(0) = %d, want 70", got)
	}
	if got := b.FindSet(75); got != 75 {
		t.Errorf("FindSet(75) = %d, want 75", got)
	}
	if got := b.FindSet(80); got != 192 {
		t.Errorf("FindSet(80) = %d, want 192 (none)", got)
	}
	if got := b.FindClear(70); got != 80 {
		t.Errorf("FindClear(70) = %d, want 80", got)
	}
	if got := b.FindClear(0); got != 0 {
		t.Errorf("FindClear(0) = %d, want 0", got)
	}
}

func TestBitmapNextFreeRange(t *testing.T) {
	b := NewBitmap(128)
	b.SetRange(0, 10)
	b.SetRange(50, 14)
	b.SetRange(120, 8)

	type run struct{ index, n uint }
	want := []run{{10, 40}, {64, 56}}
	start := uint(0)
	var got []run
	for {
		index, n, ok := b.NextFreeRange(start)
		if !ok {
			break
		}
		got = append(got, run{index, n})
		start = index + n
	}
	if len(got) != len(want) {
		t.Fatalf("free runs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("free run %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBitmapFindFreeRun(t *testing.T) {
	b := NewBitmap(256)
	b.SetRange(0, 4)
	b.SetRange(10, 4)
	b.SetRange(100, 100)

	for _, tc := range []struct {
		n     uint
		want  uint
		found bool
	}{
		{1, 4, true},
		{6, 4, true},
		{7, 14, true},
		{86, 14, true},
		{56, 14, true},
		{57, 14, true},
	} {
		got, ok := b.FindFreeRun(tc.n)
		if ok != tc.found || (ok && got != tc.want) {
			t.Errorf("FindFreeRun(%d) = (%d, %t), want (%d, %t)", tc.n, got, ok, tc.want, tc.found)
		}
	}
}

func TestRangeTrackerBasic(t *testing.T) {
	tr := New(256)
	if got := tr.LongestFree(); got != 256 {
		t.Errorf("LongestFree() = %d, want 256", got)
	}

	a := tr.FindAndMark(100)
	if a != 0 {
		t.Errorf("first FindAndMark(100) = %d, want 0", a)
	}
	b := tr.FindAndMark(100)
	if b != 100 {
		t.Errorf("second FindAndMark(100) = %d, want 100", b)
	}
	if got := tr.Used(); got != 200 {
		t.Errorf("Used() = %d, want 200", got)
	}
	if got := tr.Allocs(); got != 2 {
		t.Errorf("Allocs() = %d, want 2", got)
	}
	if got := tr.LongestFree(); got != 56 {
		t.Errorf("LongestFree() = %d, want 56", got)
	}

	tr.Unmark(a, 100)
	if got := tr.LongestFree(); got != 100 {
		t.Errorf("LongestFree() after Unmark = %d, want 100", got)
	}
	if got, want := tr.Used(), uint(100); got != want {
		t.Errorf("Used() = %d, want %d", got, want)
	}
	if got := tr.Allocs(); got != 1 {
		t.Errorf("Allocs() = %d, want 1", got)
	}

	// The freed prefix is preferred again (earliest fit).
	c := tr.FindAndMark(50)
	if c != 0 {
		t.Errorf("FindAndMark(50) = %d, want 0", c)
	}
}

func TestRangeTrackerFirstFitSkipsShortRuns(t *testing.T) {
	tr := New(256)
	head := tr.FindAndMark(8)
	tr.FindAndMark(239)
	tr.Unmark(head, 8)

	// The 8-page hole at the front is too short; the tail run wins.
	got := tr.FindAndMark(9)
	if got != 247 {
		t.Errorf("FindAndMark(9) = %d, want 247", got)
	}
}
