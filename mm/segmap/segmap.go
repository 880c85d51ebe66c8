// Copyright 2018 The gVisor Authors.
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

// Package segmap is the segment map: a sorted, non-overlapping set of
// half-open virtual-page ranges, each carrying a region.Handler. It is
// backed by github.com/google/btree, the general-purpose ecosystem
// equivalent of the teacher's generated augmented-interval-tree
// vmaSet/pmaSet, giving O(log n) lookup/insert/split.
package segmap

import (
	"sort"

	"github.com/google/btree"

	"ftl-os.dev/ftlos/mm/region"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/kernerr"
)

const degree = 32

// segItem is one segment-map entry, ordered by its range's start.
type segItem struct {
	r region.Range
	h region.Handler
}

// Less implements btree.Item.
func (s *segItem) Less(than btree.Item) bool {
	return s.r.Start < than.(*segItem).r.Start
}

// Map is the segment map.
type Map struct {
	bt *btree.BTree
}

// New returns an empty segment map.
func New() *Map {
	return &Map{bt: btree.New(degree)}
}

// segmentBefore returns the last segment whose Start <= addr, or nil.
func (m *Map) segmentBefore(addr pagetables.VAddr) *segItem {
	var found *segItem
	pivot := &segItem{r: region.Range{Start: addr}}
	m.bt.DescendLessOrEqual(pivot, func(i btree.Item) bool {
		found = i.(*segItem)
		return false
	})
	return found
}

// Lookup returns the segment containing addr, if any.
func (m *Map) Lookup(addr pagetables.VAddr) (region.Range, region.Handler, bool) {
	s := m.segmentBefore(addr)
	if s == nil || !s.r.Contains(addr) {
		return region.Range{}, nil, false
	}
	return s.r, s.h, true
}

// Overlapping returns every segment overlapping r, in ascending order.
func (m *Map) Overlapping(r region.Range) []region.Range {
	var out []region.Range
	// Start one segment before r.Start in case it extends into r.
	start := r.Start
	if before := m.segmentBefore(r.Start); before != nil {
		start = before.r.Start
	}
	m.bt.AscendGreaterOrEqual(&segItem{r: region.Range{Start: start}}, func(i btree.Item) bool {
		s := i.(*segItem)
		if s.r.Start >= r.End {
			return false
		}
		if s.r.Overlaps(r) {
			out = append(out, s.r)
		}
		return true
	})
	return out
}

// Insert adds a new segment, failing with kernerr.AlreadyExists if it
// overlaps an existing one.
func (m *Map) Insert(r region.Range, h region.Handler) error {
	if len(m.Overlapping(r)) > 0 {
		return kernerr.AlreadyExists
	}
	m.bt.ReplaceOrInsert(&segItem{r: r, h: h})
	return nil
}

// Remove deletes the segment with the exact range r.
func (m *Map) Remove(r region.Range) {
	m.bt.Delete(&segItem{r: r})
}

// SplitAt splits whichever segment contains addr into two segments at
// addr, using the handler's SplitLeft/SplitRight. It is a no-op if
// addr is already a segment boundary or unmapped.
func (m *Map) SplitAt(addr pagetables.VAddr) {
	r, h, ok := m.Lookup(addr)
	if !ok || addr == r.Start || addr == r.End {
		return
	}
	left := region.Range{Start: r.Start, End: addr}
	right := region.Range{Start: addr, End: r.End}
	m.bt.Delete(&segItem{r: r})
	m.bt.ReplaceOrInsert(&segItem{r: left, h: h.SplitLeft(addr, true)})
	m.bt.ReplaceOrInsert(&segItem{r: right, h: h.SplitRight(addr, true)})
}

// Ascend calls f for every segment in ascending address order, stopping
// early if f returns false. Used by Stat and tests asserting
// disjointness.
func (m *Map) Ascend(f func(r region.Range, h region.Handler) bool) {
	m.bt.Ascend(func(i btree.Item) bool {
		s := i.(*segItem)
		return f(s.r, s.h)
	})
}

// CheckDisjoint verifies that every segment's range is disjoint from
// every other segment's range, returning an error naming the first
// violation found. It is O(n log n) and intended for tests, not the
// hot path.
func (m *Map) CheckDisjoint() error {
	var ranges []region.Range
	m.Ascend(func(r region.Range, h region.Handler) bool {
		ranges = append(ranges, r)
		return true
	})
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].Overlaps(ranges[i]) {
			return kernerr.AlreadyExists
		}
	}
	return nil
}

// Len returns the number of segments.
func (m *Map) Len() int { return m.bt.Len() }
