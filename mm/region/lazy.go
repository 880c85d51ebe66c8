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
	"ftl-os.dev/ftlos/mm/sharedpages"
	"ftl-os.dev/ftlos/pagetables"
)

// LazyAnonymous is the "lazy" variant: pages are allocated and zeroed
// only on first touch. Its Init does nothing. It is COW-capable so
// that fork can share its frames until a writer forces a private copy.
type LazyAnonymous struct {
	perm pagetables.Perm
}

// NewLazyAnonymous returns a lazy-anonymous handler with the given
// mapping permissions.
func NewLazyAnonymous(perm pagetables.Perm) *LazyAnonymous {
	return &LazyAnonymous{perm: perm}
}

// Kind implements Handler.
func (h *LazyAnonymous) Kind() string { return "lazy-anonymous" }

// Capabilities implements Handler.
func (h *LazyAnonymous) Capabilities() Capabilities {
	return Capabilities{
		MapPerm:  h.perm,
		UsingCOW: true,
		MayShare: true,
	}
}

// Init implements Handler: lazy handlers populate nothing eagerly.
func (h *LazyAnonymous) Init(env Env, r Range) error { return nil }

// Map implements Handler: re-establishing a lazy mapping after a split
// is also a no-op; pages are (re-)created on the next fault.
func (h *LazyAnonymous) Map(env Env, r Range) error { return nil }

// CopyMap implements Handler: for fork, unmapped lazy pages need
// nothing copied; already-faulted-in pages are shared COW, moving the
// underlying frame into the shared-page table with refcount 2. This
// mirrors DirectMapped.CopyMap's COW branch since LazyAnonymous is
// always COW-capable and carries no handler-private per-page state.
func (h *LazyAnonymous) CopyMap(env Env, src *pagetables.PageTables, r Range) error {
	for addr := r.Start.Page(); addr < r.End; addr += pagetables.PageSize {
		pte, ok := src.Lookup(addr)
		if !ok {
			continue
		}
		sharedPerm := pte.Perm
		sharedPerm.Write = false
		sharedPerm.Shared = true
		if !env.Shared.IsShared(pte.Frame) {
			env.Shared.Share(pte.Frame, h.Kind())
		} else {
			env.Shared.AddRef(pte.Frame)
		}
		if err := env.PT.Insert(addr, pagetables.PTE{Frame: pte.Frame, Perm: sharedPerm}); err != nil {
			return err
		}
		src.ModifyPerm(addr, sharedPerm)
	}
	return nil
}

// PageFault implements Handler: allocate, zero, and map a fresh frame
// on first touch. COW write-faults on an already-shared frame are
// resolved by the address-space core (mm/addrspace), which owns the
// shared-page table and is the only caller with enough context to
// decide between "take back unique ownership" and "copy privately."
func (h *LazyAnonymous) PageFault(env Env, addr pagetables.VAddr, access AccessType) (Outcome, *AsyncFault, error) {
	if access.Write && !h.perm.Write {
		return Permission, nil, ErrPermission
	}
	if access.Execute && !h.perm.Execute {
		return Permission, nil, ErrPermission
	}
	if _, ok := env.PT.Lookup(addr); ok {
		// Already mapped: a write-fault on a COW page is handled by the
		// address-space core before ever reaching here.
		return Resolved, nil, nil
	}
	frame, err := env.Alloc.Alloc()
	if err != nil {
		return Permission, nil, err
	}
	if err := env.PT.Insert(addr.Page(), pagetables.PTE{Frame: frame, Perm: h.perm}); err != nil {
		return Permission, nil, err
	}
	return Resolved, nil, nil
}

// Unmap implements Handler.
func (h *LazyAnonymous) Unmap(env Env, r Range) error {
	return unmapRange(h, env, r)
}

// UnmapOne implements Handler: release the frame, consulting
// shared-page accounting in case a fork made it shared.
func (h *LazyAnonymous) UnmapOne(env Env, addr pagetables.VAddr) error {
	pte, ok := env.PT.Lookup(addr)
	if !ok {
		return nil
	}
	env.PT.Remove(addr)
	if pte.Perm.Shared {
		if env.Shared.DecRef(pte.Frame) == sharedpages.BecameUnique {
			env.Alloc.Free(pte.Frame)
		}
		return nil
	}
	env.Alloc.Free(pte.Frame)
	return nil
}

// SplitLeft implements Handler: lazy handlers are stateless per range,
// so splitting just returns an equivalent handler.
func (h *LazyAnonymous) SplitLeft(at pagetables.VAddr, all bool) Handler {
	return &LazyAnonymous{perm: h.perm}
}

// SplitRight implements Handler.
func (h *LazyAnonymous) SplitRight(at pagetables.VAddr, all bool) Handler {
	return &LazyAnonymous{perm: h.perm}
}

// Clone implements Handler.
func (h *LazyAnonymous) Clone() Handler {
	return &LazyAnonymous{perm: h.perm}
}
