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

// Package pagetables is the page-table facade named after and modeled
// on gVisor's ring0/pagetables package: it allocates and frees 4 KiB
// frames, inserts/removes/clones page-table entries, and assigns ASIDs.
// The physical frame pool it allocates from stands in for the real
// physical-memory layer, which sits out of scope as an external
// collaborator (boot loader, early trampolines).
package pagetables

import (
	"fmt"

	"ftl-os.dev/ftlos/pkg/atomicbitops"
	"ftl-os.dev/ftlos/pkg/kernerr"
	"ftl-os.dev/ftlos/pkg/sync"
)

// PageSize is the frame size the facade hands out. RISC-V Sv39 base
// pages are 4 KiB; huge pages are outside this spec's scope.
const PageSize = 4096

// VAddr is a user virtual address, always a multiple of PageSize when
// used as a page-table key.
type VAddr uintptr

// Page truncates v down to its containing page.
func (v VAddr) Page() VAddr { return v &^ (PageSize - 1) }

// FrameID identifies a physical page frame.
type FrameID uint64

// Perm is the permission bits of a page-table entry.
type Perm struct {
	Read, Write, Execute bool
	// Shared mirrors the shared-page table's bookkeeping: set whenever
	// the frame backing this PTE is also referenced from another
	// address space's page tables.
	Shared bool
}

// ReadOnly is a convenience permission set.
var ReadOnly = Perm{Read: true}

// ReadWrite is a convenience permission set.
var ReadWrite = Perm{Read: true, Write: true}

// PTE is one page-table entry.
type PTE struct {
	Frame FrameID
	Perm  Perm
}

// ASID is an address-space identifier, used to avoid TLB flushes on
// context switch when the hardware supports it.
type ASID uint16

// NoASID indicates the hardware has no spare ASID for this address
// space. This facade models no TLB, and kernel/taskwrap performs no TLB
// flush for NoASID address spaces.
const NoASID ASID = 0

var nextASID = atomicbitops.FromUint32(uint32(NoASID) + 1)

// AllocASID hands out a fresh ASID, wrapping to NoASID (forcing a TLB
// flush) once the hardware-defined space is exhausted.
func AllocASID(maxASID ASID) ASID {
	for {
		cur := nextASID.Load()
		next := cur + 1
		if ASID(cur) > maxASID {
			next = uint32(NoASID) + 1
		}
		if nextASID.CompareAndSwap(cur, next) {
			if ASID(cur) > maxASID {
				return NoASID
			}
			return ASID(cur)
		}
	}
}

// FrameAllocator is the simulated physical frame pool. It is the
// facade's only stand-in for a boot-time physical memory map.
type FrameAllocator struct {
	mu     sync.Mutex
	next   FrameID
	free   []FrameID
	nAlloc int
}

// NewFrameAllocator returns an allocator starting at frame 1 (frame 0 is
// reserved to mean "no frame", mirroring a null PTE).
func NewFrameAllocator() *FrameAllocator {
	return &FrameAllocator{next: 1}
}

// Alloc returns a fresh or recycled frame.
func (a *FrameAllocator) Alloc() (FrameID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		f := a.free[n-1]
		a.free = a.free[:n-1]
		a.nAlloc++
		return f, nil
	}
	f := a.next
	a.next++
	a.nAlloc++
	return f, nil
}

// Free returns a frame to the pool. Callers (the shared-page table, the
// region handlers) must not call Free while any PTE still refers to the
// frame.
func (a *FrameAllocator) Free(f FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nAlloc--
	a.free = append(a.free, f)
}

// Allocated returns the number of frames currently handed out, for
// leak-detecting tests.
func (a *FrameAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nAlloc
}

// PageTables is one address space's root page table: a map from
// page-aligned virtual address to PTE, plus the ASID assigned to it.
//
// +stateify savable
type PageTables struct {
	mu      sync.RWMutex
	entries map[VAddr]PTE
	asid    ASID
}

// New returns an empty set of page tables.
func New(asid ASID) *PageTables {
	return &PageTables{
		entries: make(map[VAddr]PTE),
		asid:    asid,
	}
}

// ASID returns the address-space identifier for pt.
func (pt *PageTables) ASID() ASID { return pt.asid }

// Insert installs a PTE at addr, overwriting any existing entry. addr
// must be page-aligned.
func (pt *PageTables) Insert(addr VAddr, pte PTE) error {
	if addr != addr.Page() {
		return kernerr.InvalidArgument
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entries[addr] = pte
	return nil
}

// Lookup returns the PTE installed at addr, if any.
func (pt *PageTables) Lookup(addr VAddr) (PTE, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	pte, ok := pt.entries[addr.Page()]
	return pte, ok
}

// Remove clears any PTE at addr. It is a no-op if none exists.
func (pt *PageTables) Remove(addr VAddr) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.entries, addr.Page())
}

// ModifyPerm updates the permission bits of the PTE at addr in place,
// used by mprotect. It returns false if no PTE exists.
func (pt *PageTables) ModifyPerm(addr VAddr, perm Perm) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok := pt.entries[addr.Page()]
	if !ok {
		return false
	}
	pte.Perm = perm
	pt.entries[addr.Page()] = pte
	return true
}

// Clone copies every PTE in [start, end) from pt into dst. The region
// handlers' CopyMap implementations insert PTEs themselves and do not
// call it. The caller is responsible for
// adjusting permissions and shared-page accounting before or after
// calling Clone, depending on the handler's capability set.
func (pt *PageTables) Clone(dst *PageTables, start, end VAddr) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	for addr, pte := range pt.entries {
		if addr >= start.Page() && addr < end.Page() {
			dst.entries[addr] = pte
		}
	}
}

// RemoveRange clears every PTE in [start, end), returning the frames
// that were mapped so the caller can release shared-page or frame-pool
// references.
func (pt *PageTables) RemoveRange(start, end VAddr) []FrameID {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var freed []FrameID
	for addr, pte := range pt.entries {
		if addr >= start.Page() && addr < end.Page() {
			freed = append(freed, pte.Frame)
			delete(pt.entries, addr)
		}
	}
	return freed
}

// String is used by tests to dump table contents on failure.
func (pt *PageTables) String() string {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return fmt.Sprintf("PageTables{asid=%d, entries=%d}", pt.asid, len(pt.entries))
}
