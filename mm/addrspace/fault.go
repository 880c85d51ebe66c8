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
	"strconv"

	"ftl-os.dev/ftlos/mm/region"
	"ftl-os.dev/ftlos/mm/sharedpages"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/kernerr"
)

// FaultResult is the outcome of HandleFault's synchronous phase.
type FaultResult int

const (
	// FaultResolved means the PTE was installed; resume user.
	FaultResolved FaultResult = iota
	// FaultTerminal means the thread must be killed: segment absent, or
	// a permission mismatch not redeemable by COW.
	FaultTerminal
	// FaultAsync means the caller must drive PendingFault to completion.
	FaultAsync
)

// PendingFault is returned when a fault needs out-of-line I/O. No
// address-space lock is held once this is returned.
type PendingFault struct {
	as *AddressSpace
	af *region.AsyncFault
}

// HandleFault implements the two-phase page-fault protocol. The
// synchronous phase runs under as.mu; if the segment's handler needs
// I/O, the lock is dropped before returning FaultAsync.
func (as *AddressSpace) HandleFault(addr pagetables.VAddr, access region.AccessType) (FaultResult, *PendingFault, error) {
	as.mu.Lock()

	r, h, ok := as.segs.Lookup(addr)
	if !ok {
		as.mu.Unlock()
		return FaultTerminal, nil, kernerr.BadAddress
	}
	_ = r

	if pte, ok := as.pt.Lookup(addr); ok && pte.Perm.Shared && access.Write {
		outcome, err := as.resolveCOWLocked(addr, pte)
		as.mu.Unlock()
		if err != nil {
			return FaultTerminal, nil, err
		}
		return outcome, nil, nil
	}

	outcome, af, err := h.PageFault(as.env(), addr, access)
	switch outcome {
	case region.Resolved:
		as.mu.Unlock()
		return FaultResolved, nil, nil
	case region.Permission:
		as.mu.Unlock()
		return FaultTerminal, nil, err
	case region.NeedsAsync:
		af.Version = as.Version()
		as.mu.Unlock()
		return FaultAsync, &PendingFault{as: as, af: af}, nil
	default:
		as.mu.Unlock()
		return FaultTerminal, nil, kernerr.BadAddress
	}
}

// resolveCOWLocked resolves a write fault on a shared, read-only PTE:
// the caller must hold as.mu.
func (as *AddressSpace) resolveCOWLocked(addr pagetables.VAddr, pte pagetables.PTE) (FaultResult, error) {
	switch as.shared.DecRef(pte.Frame) {
	case sharedpages.BecameUnique:
		as.pt.ModifyPerm(addr, pagetables.Perm{Read: true, Write: true, Execute: pte.Perm.Execute})
		return FaultResolved, nil
	default: // StillShared
		frame, err := as.alloc.Alloc()
		if err != nil {
			return FaultTerminal, err
		}
		if err := as.pt.Insert(addr.Page(), pagetables.PTE{
			Frame: frame,
			Perm:  pagetables.Perm{Read: true, Write: true, Execute: pte.Perm.Execute},
		}); err != nil {
			return FaultTerminal, err
		}
		return FaultResolved, nil
	}
}

// Complete drives a PendingFault's I/O to completion. It must be called
// with no address-space lock held; it performs the read, then
// re-acquires the lock to validate the version and install the PTE.
//
// If the address space's version has changed since the fault began
// (e.g. a concurrent munmap removed the segment), Complete discards the
// loaded data and returns kernerr.BadAddress: the caller must treat
// this as a terminal fault and fail cleanly rather than retry
// indefinitely against a segment that is no longer there.
//
// The actual I/O is routed through as.loads, a singleflight.Group keyed
// by page address, so that two harts racing PendingFault.Complete on
// the same address perform exactly one AsyncFault.Load call and both
// resume with its result, rather than each issuing their own read.
func (pf *PendingFault) Complete() error {
	as := pf.as
	key := strconv.FormatUint(uint64(pf.af.Addr.Page()), 16)
	v, err, _ := as.loads.Do(key, func() (any, error) { return pf.af.Load() })
	if err != nil {
		return err
	}
	data := v.([]byte)
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.Version() != pf.af.Version {
		return kernerr.BadAddress
	}
	return pf.af.Resume(as.env(), data)
}
