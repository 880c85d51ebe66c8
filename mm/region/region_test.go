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

package region

import (
	"testing"

	"ftl-os.dev/ftlos/mm/sharedpages"
	"ftl-os.dev/ftlos/pagetables"
)

func newEnv() Env {
	return Env{
		PT:     pagetables.New(1),
		Alloc:  pagetables.NewFrameAllocator(),
		Shared: sharedpages.New(),
	}
}

func TestLazyAnonymousPageFaultAllocatesOnce(t *testing.T) {
	env := newEnv()
	h := NewLazyAnonymous(pagetables.ReadWrite)

	outcome, af, err := h.PageFault(env, 0, AccessType{Write: true})
	if err != nil || outcome != Resolved || af != nil {
		t.Fatalf("first fault = (%v, %v, %v), want (Resolved, nil, nil)", outcome, af, err)
	}
	if got := env.Alloc.Allocated(); got != 1 {
		t.Fatalf("Allocated() = %d, want 1", got)
	}

	outcome, _, err = h.PageFault(env, 0, AccessType{Write: true})
	if err != nil || outcome != Resolved {
		t.Fatalf("second fault on already-mapped page = (%v, %v), want Resolved", outcome, err)
	}
	if got := env.Alloc.Allocated(); got != 1 {
		t.Errorf("Allocated() = %d after re-fault, want still 1 (no double allocation)", got)
	}
}

func TestLazyAnonymousPermissionFault(t *testing.T) {
	env := newEnv()
	h := NewLazyAnonymous(pagetables.ReadOnly)
	outcome, _, err := h.PageFault(env, 0, AccessType{Write: true})
	if outcome != Permission || err != ErrPermission {
		t.Errorf("write fault on read-only handler = (%v, %v), want (Permission, ErrPermission)", outcome, err)
	}
}

func TestLazyAnonymousUnmapOneReleasesFrame(t *testing.T) {
	env := newEnv()
	h := NewLazyAnonymous(pagetables.ReadWrite)
	if _, _, err := h.PageFault(env, 0, AccessType{Write: true}); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	if err := h.UnmapOne(env, 0); err != nil {
		t.Fatalf("UnmapOne: %v", err)
	}
	if _, ok := env.PT.Lookup(0); ok {
		t.Errorf("PTE still present after UnmapOne")
	}
	if got := env.Alloc.Allocated(); got != 0 {
		t.Errorf("Allocated() = %d after UnmapOne, want 0", got)
	}
}

func TestLazyAnonymousUnmapOneSharedFrame(t *testing.T) {
	env := newEnv()
	h := NewLazyAnonymous(pagetables.ReadWrite)
	if _, _, err := h.PageFault(env, 0, AccessType{Write: true}); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	pte, _ := env.PT.Lookup(0)
	env.Shared.Share(pte.Frame, "test")
	pte.Perm.Shared = true
	env.PT.Insert(0, pte)

	if err := h.UnmapOne(env, 0); err != nil {
		t.Fatalf("UnmapOne: %v", err)
	}
	// One reference remains in the shared table (the other address
	// space), so the frame must not be freed back to the allocator yet.
	if got := env.Alloc.Allocated(); got != 1 {
		t.Errorf("Allocated() = %d after unmapping one of two sharers, want 1", got)
	}
}

func TestDirectMappedCapabilities(t *testing.T) {
	unique := NewDirectMapped(pagetables.ReadWrite, true)
	if !unique.Capabilities().UniqueWritable {
		t.Errorf("unique DirectMapped should be UniqueWritable")
	}
	shared := NewDirectMapped(pagetables.ReadWrite, false)
	if !shared.Capabilities().UsingCOW {
		t.Errorf("non-unique DirectMapped should be UsingCOW")
	}
}

func TestRangeOverlapsAndContains(t *testing.T) {
	r := Range{Start: 0x1000, End: 0x2000}
	if !r.Contains(0x1500) {
		t.Errorf("Contains(0x1500) = false, want true")
	}
	if r.Contains(0x2000) {
		t.Errorf("Contains(end) = true, want false (half-open)")
	}
	if !r.Overlaps(Range{Start: 0x1800, End: 0x3000}) {
		t.Errorf("Overlaps should report true for a partial overlap")
	}
	if r.Overlaps(Range{Start: 0x2000, End: 0x3000}) {
		t.Errorf("adjacent ranges should not overlap")
	}
}
