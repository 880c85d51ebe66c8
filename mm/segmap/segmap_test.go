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

package segmap

import (
	"testing"

	"ftl-os.dev/ftlos/mm/region"
	"ftl-os.dev/ftlos/pagetables"
)

func mustMap(t *testing.T, m *Map, start, end pagetables.VAddr, perm pagetables.Perm) {
	t.Helper()
	r := region.Range{Start: start, End: end}
	if err := m.Insert(r, region.NewLazyAnonymous(perm)); err != nil {
		t.Fatalf("Insert(%v): %v", r, err)
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	m := New()
	mustMap(t, m, 0, 0x3000, pagetables.ReadWrite)
	r := region.Range{Start: 0x1000, End: 0x2000}
	if err := m.Insert(r, region.NewLazyAnonymous(pagetables.ReadWrite)); err == nil {
		t.Errorf("Insert over an existing segment succeeded, want kernerr.AlreadyExists")
	}
}

func TestLookupAndOverlapping(t *testing.T) {
	m := New()
	mustMap(t, m, 0, 0x1000, pagetables.ReadOnly)
	mustMap(t, m, 0x2000, 0x3000, pagetables.ReadWrite)

	if _, _, ok := m.Lookup(0x1500); ok {
		t.Errorf("Lookup found a segment in the unmapped gap")
	}
	if r, _, ok := m.Lookup(0x500); !ok || r.Start != 0 {
		t.Errorf("Lookup(0x500) = %v, %v; want the first segment", r, ok)
	}

	overlap := m.Overlapping(region.Range{Start: 0x800, End: 0x2500})
	if len(overlap) != 2 {
		t.Errorf("Overlapping returned %d segments, want 2", len(overlap))
	}
}

func TestSplitAt(t *testing.T) {
	m := New()
	mustMap(t, m, 0, 0x3000, pagetables.ReadWrite)

	m.SplitAt(0x1000)
	if m.Len() != 2 {
		t.Fatalf("Len() = %d after split, want 2", m.Len())
	}
	r1, _, ok := m.Lookup(0x500)
	if !ok || r1.End != 0x1000 {
		t.Errorf("left half range = %v, want end 0x1000", r1)
	}
	r2, _, ok := m.Lookup(0x1500)
	if !ok || r2.Start != 0x1000 || r2.End != 0x3000 {
		t.Errorf("right half range = %v, want [0x1000, 0x3000)", r2)
	}

	if err := m.CheckDisjoint(); err != nil {
		t.Errorf("CheckDisjoint after split: %v", err)
	}
}

func TestSplitAtBoundaryIsNoop(t *testing.T) {
	m := New()
	mustMap(t, m, 0, 0x1000, pagetables.ReadWrite)
	m.SplitAt(0)
	m.SplitAt(0x1000)
	if m.Len() != 1 {
		t.Errorf("SplitAt at an existing boundary changed segment count to %d, want 1", m.Len())
	}
}

func TestRemove(t *testing.T) {
	m := New()
	r := region.Range{Start: 0, End: 0x1000}
	mustMap(t, m, r.Start, r.End, pagetables.ReadWrite)
	m.Remove(r)
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Remove, want 0", m.Len())
	}
}
