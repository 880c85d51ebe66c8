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

// Package addrspace is the address-space core structure: it owns a
// page table and a segment map, and mediates every
// map/unmap/mprotect/fork/page-fault operation. Lock order follows
// general gVisor mm-subsystem convention: address-space lock, then
// shared-page-table per-entry locks; never the reverse.
package addrspace

import (
	"golang.org/x/sync/singleflight"

	"ftl-os.dev/ftlos/mm/region"
	"ftl-os.dev/ftlos/mm/segmap"
	"ftl-os.dev/ftlos/mm/sharedpages"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/atomicbitops"
	"ftl-os.dev/ftlos/pkg/kernerr"
	"ftl-os.dev/ftlos/pkg/log"
	"ftl-os.dev/ftlos/pkg/sync"
)

// MaxUserAddress bounds the simulated user address range.
const MaxUserAddress = pagetables.VAddr(1) << 38

// AddressSpace is one process's user address space.
//
// +stateify savable
type AddressSpace struct {
	// mu is the short-hold spinlock guarding the page-table root: it is
	// mutated only under the owning address space's spinlock, which
	// must never be held across a suspension point.
	mu sync.Mutex

	pt      *pagetables.PageTables
	alloc   *pagetables.FrameAllocator
	shared  *sharedpages.Table
	segs    *segmap.Map
	version atomicbitops.Uint64

	// loads coalesces concurrent async-phase page-fault I/O for the same
	// page: two harts racing PendingFault.Complete on the same address
	// share a single in-flight AsyncFault.Load call rather than each
	// issuing their own read, the same coalescing role golang.org/x/sync's
	// singleflight plays in kernel/rcu.Manager.Quiesce.
	loads singleflight.Group
}

// New returns an empty address space sharing alloc and shared with
// sibling address spaces in the same kernel instance.
func New(alloc *pagetables.FrameAllocator, shared *sharedpages.Table, maxASID pagetables.ASID) *AddressSpace {
	return &AddressSpace{
		pt:     pagetables.New(pagetables.AllocASID(maxASID)),
		alloc:  alloc,
		shared: shared,
		segs:   segmap.New(),
	}
}

// ASID returns the address space's page-table ASID.
func (as *AddressSpace) ASID() pagetables.ASID { return as.pt.ASID() }

// Version returns the current structural version counter, which
// increments on every structural mutation of the segment map.
func (as *AddressSpace) Version() uint64 { return as.version.Load() }

func (as *AddressSpace) env() region.Env {
	return region.Env{PT: as.pt, Alloc: as.alloc, Shared: as.shared}
}

func (as *AddressSpace) bumpVersionLocked() {
	as.version.Store(as.version.Load() + 1)
}

// Map installs a new segment over r with handler h. r must not overlap
// any existing segment.
func (as *AddressSpace) Map(r region.Range, h region.Handler) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.segs.Insert(r, h); err != nil {
		return err
	}
	if err := h.Init(as.env(), r); err != nil {
		as.segs.Remove(r)
		return err
	}
	as.bumpVersionLocked()
	return nil
}

// Unmap releases every page in r, splitting partially-overlapping
// segments at r's boundaries first.
func (as *AddressSpace) Unmap(r region.Range) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.segs.SplitAt(r.Start)
	as.segs.SplitAt(r.End)
	for _, seg := range as.segs.Overlapping(r) {
		if seg.Start < r.Start || seg.End > r.End {
			// Partially overlapping segment that SplitAt could not split
			// because it lies across a different boundary; skip it, it
			// will be handled on a subsequent call covering it fully.
			continue
		}
		_, h, ok := as.segs.Lookup(seg.Start)
		if !ok {
			continue
		}
		if err := h.Unmap(as.env(), seg); err != nil {
			return err
		}
		as.segs.Remove(seg)
	}
	as.bumpVersionLocked()
	return nil
}

// Mprotect updates the permission bits of every mapped page in r.
// Unmapped holes within r are skipped.
func (as *AddressSpace) Mprotect(r region.Range, perm pagetables.Perm) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.segs.SplitAt(r.Start)
	as.segs.SplitAt(r.End)
	for addr := r.Start.Page(); addr < r.End; addr += pagetables.PageSize {
		_, h, ok := as.segs.Lookup(addr)
		if !ok {
			continue
		}
		max := h.Capabilities().MapPerm
		if perm.Write && !max.Write {
			return kernerr.PermissionDenied
		}
		if perm.Execute && !max.Execute {
			return kernerr.PermissionDenied
		}
		pte, ok := as.pt.Lookup(addr)
		if !ok {
			continue
		}
		newPerm := perm
		newPerm.Shared = pte.Perm.Shared
		if pte.Perm.Shared {
			// A COW page cannot be granted write access by mprotect
			// alone; the next write fault still takes the COW path.
			newPerm.Write = false
		}
		as.pt.ModifyPerm(addr, newPerm)
	}
	as.bumpVersionLocked()
	return nil
}

// Stat reports every segment in ascending address order, mirroring
// /proc/[pid]/maps.
type Stat struct {
	Range region.Range
	Kind  string
}

// StatAll returns a snapshot of every segment, used by tests to assert
// the disjointness invariant without reaching into private fields.
func (as *AddressSpace) StatAll() []Stat {
	as.mu.Lock()
	defer as.mu.Unlock()
	var out []Stat
	as.segs.Ascend(func(r region.Range, h region.Handler) bool {
		out = append(out, Stat{Range: r, Kind: h.Kind()})
		return true
	})
	return out
}

// CheckInvariants verifies the segment-disjointness invariant, logging
// and returning an error on overlap, for use in tests. It does not
// inspect PTE write bits or shared-page accounting.
func (as *AddressSpace) CheckInvariants() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.segs.CheckDisjoint(); err != nil {
		log.Warningf("address space invariant violated: overlapping segments")
		return err
	}
	return nil
}
