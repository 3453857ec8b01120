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

	"gvisor.dev/gvisor/pkg/ilist"

	"github.com/wahcheng/tcmalloc/pkg/pages"
	"github.com/wahcheng/tcmalloc/pkg/rangetracker"
)

// trackerList is one intrusive list of PageTrackers plus its length.
type trackerList struct {
	list ilist.List
	n    int
}

// HintedTrackerLists is a fixed array of tracker lists plus a bitmap
// summarizing which lists are non-empty, so the least non-empty list
// at or after a start index is found by a bitmap scan.
type HintedTrackerLists struct {
	lists    []trackerList
	nonempty *rangetracker.Bitmap
	size     pages.HugeLength
}

// NewHintedTrackerLists returns n empty lists.
func NewHintedTrackerLists(n uint) *HintedTrackerLists {
	return &HintedTrackerLists{
		lists:    make([]trackerList, n),
		nonempty: rangetracker.NewBitmap(n),
	}
}

// Size returns the total number of trackers across all lists.
func (h *HintedTrackerLists) Size() pages.HugeLength {
	return h.size
}

// Add prepends pt to list i.
func (h *HintedTrackerLists) Add(pt *PageTracker, i uint) {
	l := &h.lists[i]
	l.list.PushFront(pt)
	l.n++
	h.nonempty.SetBit(i)
	h.size++
}

// Remove removes pt from list i.
//
// Preconditions: pt is on list i.
func (h *HintedTrackerLists) Remove(pt *PageTracker, i uint) {
	l := &h.lists[i]
	if l.n == 0 {
		panic(fmt.Sprintf("removing tracker from empty list %d", i))
	}
	l.list.Remove(pt)
	l.n--
	if l.n == 0 {
		h.nonempty.ClearBit(i)
	}
	h.size--
}

// GetLeast returns the head of the lowest-indexed non-empty list with
// index >= start, without removing it, or nil if every such list is
// empty. The caller learns the list index from the tracker's own key.
func (h *HintedTrackerLists) GetLeast(start uint) *PageTracker {
	i := h.nonempty.FindSet(start)
	if i >= h.nonempty.Size() {
		return nil
	}
	return h.lists[i].list.Front().(*PageTracker)
}

// Iter invokes fn on every tracker of every list with index >= start,
// heads to tails. fn must not mutate list membership.
func (h *HintedTrackerLists) Iter(fn func(*PageTracker), start uint) {
	i := h.nonempty.FindSet(start)
	for i < h.nonempty.Size() {
		for e := h.lists[i].list.Front(); e != nil; e = e.Next() {
			fn(e.(*PageTracker))
		}
		i = h.nonempty.FindSet(i + 1)
	}
}

// ListLength returns the number of trackers on list i.
func (h *HintedTrackerLists) ListLength(i uint) int {
	return h.lists[i].n
}
