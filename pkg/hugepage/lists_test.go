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
	"testing"

	"github.com/wahcheng/tcmalloc/pkg/pages"
)

func TestHintedTrackerListsGetLeast(t *testing.T) {
	h := NewHintedTrackerLists(64)
	a := NewPageTracker(pages.HugePage(1), false)
	b := NewPageTracker(pages.HugePage(2), false)
	c := NewPageTracker(pages.HugePage(3), false)

	h.Add(a, 10)
	h.Add(b, 40)
	h.Add(c, 40)

	if got := h.GetLeast(0); got != a {
		t.Errorf("GetLeast(0) = %p, want the tracker on list 10", got)
	}
	if got := h.GetLeast(11); got != c {
		t.Errorf("GetLeast(11) returned the older tracker on list 40")
	}
	if got := h.GetLeast(41); got != nil {
		t.Errorf("GetLeast(41) = %p, want nil", got)
	}
	if got := h.Size(); got != 3 {
		t.Errorf("Size() = %d, want 3", got)
	}

	h.Remove(a, 10)
	if got := h.GetLeast(0); got != c {
		t.Errorf("GetLeast(0) after removal = %p, want the head of list 40", got)
	}
	if got := h.ListLength(40); got != 2 {
		t.Errorf("ListLength(40) = %d, want 2", got)
	}
	h.Remove(c, 40)
	h.Remove(b, 40)
	if got := h.GetLeast(0); got != nil {
		t.Errorf("GetLeast(0) on emptied lists = %p, want nil", got)
	}
	if got := h.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0", got)
	}
}

func TestHintedTrackerListsIter(t *testing.T) {
	h := NewHintedTrackerLists(8)
	trackers := []*PageTracker{
		NewPageTracker(pages.HugePage(1), false),
		NewPageTracker(pages.HugePage(2), false),
		NewPageTracker(pages.HugePage(3), false),
	}
	h.Add(trackers[0], 1)
	h.Add(trackers[1], 3)
	h.Add(trackers[2], 7)

	var visited []*PageTracker
	h.Iter(func(pt *PageTracker) { visited = append(visited, pt) }, 2)
	if len(visited) != 2 || visited[0] != trackers[1] || visited[1] != trackers[2] {
		t.Errorf("Iter(2) visited %d trackers in the wrong order", len(visited))
	}
}
