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

// DirectMapped is the "direct-mapped" variant: every page in the
// segment's range is allocated and mapped eagerly at Init. It is used
// for things like a thread's initial stack or a loaded ELF segment
// that the caller wants resident immediately rather than demand-faulted.
type DirectMapped struct {
	perm   pagetables.Perm
	unique bool
}

// NewDirectMapped returns a direct-mapped handler. If unique is true,
// the handler is UniqueWritable: fork deep-copies its frames rather
// than sharing them.
func NewDirectMapped(perm pagetables.Perm, unique bool) *DirectMapped {
	return &DirectMapped{perm: perm, unique: unique}
}

// Kind implements Handler.
func (h *DirectMapped) Kind() string { return "direct-mapped" }

// Capabilities implements Handler.
func (h *DirectMapped) Capabilities() Capabilities {
	return Capabilities{
		MapPerm:        h.perm,
		UniqueWritable: h.unique,
		UsingCOW:       !h.unique,
		MayShare:       !h.unique,
		Executable:     h.perm.Execute,
	}
}

// Init implements Handler: eagerly allocate and map every page in r.
func (h *DirectMapped) Init(env Env, r Range) error {
	return h.Map(env, r)
}

// Map implements Handler.
func (h *DirectMapped) Map(env Env, r Range) error {
	for addr := r.Start.Page(); addr < r.End; addr += pagetables.PageSize {
		if _, ok := env.PT.Lookup(addr); ok {
			continue
		}
		frame, err := env.Alloc.Alloc()
		if err != nil {
			return err
		}
		if err := env.PT.Insert(addr, pagetables.PTE{Frame: frame, Perm: h.perm}); err != nil {
			return err
		}
	}
	return nil
}

// CopyMap implements Handler: fork either deep-copies (UniqueWritable)
// or shares (COW) every page.
func (h *DirectMapped) CopyMap(env Env, src *pagetables.PageTables, r Range) error {
	for addr := r.Start.Page(); addr < r.End; addr += pagetables.PageSize {
		pte, ok := src.Lookup(addr)
		if !ok {
			continue
		}
		if h.unique {
			frame, err := env.Alloc.Alloc()
			if err != nil {
				return err
			}
			// The caller (mm/addrspace) is responsible for actually
			// copying the byte contents between frames; this facade
			// has no physical backing store to copy from.
			if err := env.PT.Insert(addr, pagetables.PTE{Frame: frame, Perm: h.perm}); err != nil {
				return err
			}
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

// PageFault implements Handler: direct-mapped pages are always present
// after Init/CopyMap, except for a COW write-fault which the
// address-space core resolves.
func (h *DirectMapped) PageFault(env Env, addr pagetables.VAddr, access AccessType) (Outcome, *AsyncFault, error) {
	if access.Write && !h.perm.Write {
		return Permission, nil, ErrPermission
	}
	if _, ok := env.PT.Lookup(addr); ok {
		return Resolved, nil, nil
	}
	return Permission, nil, ErrPermission
}

// Unmap implements Handler.
func (h *DirectMapped) Unmap(env Env, r Range) error {
	return unmapRange(h, env, r)
}

// UnmapOne implements Handler.
func (h *DirectMapped) UnmapOne(env Env, addr pagetables.VAddr) error {
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

// SplitLeft implements Handler.
func (h *DirectMapped) SplitLeft(at pagetables.VAddr, all bool) Handler {
	return &DirectMapped{perm: h.perm, unique: h.unique}
}

// SplitRight implements Handler.
func (h *DirectMapped) SplitRight(at pagetables.VAddr, all bool) Handler {
	return &DirectMapped{perm: h.perm, unique: h.unique}
}

// Clone implements Handler.
func (h *DirectMapped) Clone() Handler {
	return &DirectMapped{perm: h.perm, unique: h.unique}
}
