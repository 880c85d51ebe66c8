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

package addrspace

import (
	"testing"

	"ftl-os.dev/ftlos/mm/region"
	"ftl-os.dev/ftlos/mm/sharedpages"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/kernerr"
)

func newTestAS(t *testing.T) *AddressSpace {
	t.Helper()
	alloc := pagetables.NewFrameAllocator()
	shared := sharedpages.New()
	return New(alloc, shared, 16)
}

func TestMapThenFault(t *testing.T) {
	as := newTestAS(t)
	r := region.Range{Start: 0, End: pagetables.PageSize}
	if err := as.Map(r, region.NewLazyAnonymous(pagetables.ReadWrite)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	result, pending, err := as.HandleFault(0, region.AccessType{Write: true})
	if err != nil || result != FaultResolved || pending != nil {
		t.Fatalf("HandleFault = (%v, %v, %v), want (FaultResolved, nil, nil)", result, pending, err)
	}
}

func TestFaultOnUnmappedAddressIsTerminal(t *testing.T) {
	as := newTestAS(t)
	result, _, err := as.HandleFault(0x9000, region.AccessType{Read: true})
	if result != FaultTerminal || err != kernerr.BadAddress {
		t.Errorf("HandleFault on unmapped addr = (%v, %v), want (FaultTerminal, kernerr.BadAddress)", result, err)
	}
}

func TestUnmapSplitsNeighbors(t *testing.T) {
	as := newTestAS(t)
	r := region.Range{Start: 0, End: 3 * pagetables.PageSize}
	if err := as.Map(r, region.NewLazyAnonymous(pagetables.ReadWrite)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	mid := region.Range{Start: pagetables.PageSize, End: 2 * pagetables.PageSize}
	if err := as.Unmap(mid); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := as.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants after partial unmap: %v", err)
	}
	stats := as.StatAll()
	if len(stats) != 2 {
		t.Errorf("StatAll returned %d segments after punching a hole, want 2", len(stats))
	}
}

func TestMprotectRejectsEscalationBeyondCapability(t *testing.T) {
	as := newTestAS(t)
	r := region.Range{Start: 0, End: pagetables.PageSize}
	if err := as.Map(r, region.NewLazyAnonymous(pagetables.ReadOnly)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Mprotect(r, pagetables.Perm{Read: true, Write: true}); err != kernerr.PermissionDenied {
		t.Errorf("Mprotect escalating beyond MapPerm = %v, want kernerr.PermissionDenied", err)
	}
}

func TestForkSharesCOWFrame(t *testing.T) {
	as := newTestAS(t)
	r := region.Range{Start: 0, End: pagetables.PageSize}
	if err := as.Map(r, region.NewLazyAnonymous(pagetables.ReadWrite)); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, _, err := as.HandleFault(0, region.AccessType{Write: true}); err != nil {
		t.Fatalf("initial fault: %v", err)
	}

	child, err := as.Fork(32)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	parentPTE, ok := as.pt.Lookup(0)
	if !ok {
		t.Fatalf("parent PTE missing after fork")
	}
	if !parentPTE.Perm.Shared {
		t.Errorf("parent PTE should be marked shared after fork, got %+v", parentPTE.Perm)
	}
	if parentPTE.Perm.Write {
		t.Errorf("parent PTE should lose write permission after fork (COW), got %+v", parentPTE.Perm)
	}

	childPTE, ok := child.pt.Lookup(0)
	if !ok || childPTE.Frame != parentPTE.Frame {
		t.Errorf("child should share the parent's frame immediately after fork, got %+v", childPTE)
	}

	// Child writes: must unshare rather than corrupt the parent's frame.
	result, _, err := child.HandleFault(0, region.AccessType{Write: true})
	if err != nil || result != FaultResolved {
		t.Fatalf("child write fault = (%v, %v), want FaultResolved", result, err)
	}
	childPTE, _ = child.pt.Lookup(0)
	parentPTE, _ = as.pt.Lookup(0)
	if childPTE.Frame == parentPTE.Frame && childPTE.Perm.Write {
		t.Errorf("child still aliases the parent's frame after a COW write fault")
	}
}

func TestPendingFaultCompleteDetectsStaleVersion(t *testing.T) {
	as := newTestAS(t)
	r := region.Range{Start: 0, End: pagetables.PageSize}
	reader := constReader{}
	if err := as.Map(r, region.NewFileBacked(pagetables.ReadOnly, reader, 0, r.Start)); err != nil {
		t.Fatalf("Map: %v", err)
	}

	_, pending, err := as.HandleFault(0, region.AccessType{Read: true})
	if err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if pending == nil {
		t.Fatalf("expected an async fault for a file-backed page")
	}

	if err := as.Unmap(r); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if err := pending.Complete(); err != kernerr.BadAddress {
		t.Errorf("Complete after concurrent unmap = %v, want kernerr.BadAddress", err)
	}
}

type constReader struct{}

func (constReader) ReadBlock(offset int64, buf []byte) (int, error) {
	return len(buf), nil
}
