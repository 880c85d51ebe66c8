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
	"ftl-os.dev/ftlos/pkg/sync"
)

// FileBacked is the "file-backed" variant: pages are demand-loaded via
// the async page-fault path. MarkDirty records written pages; unmap
// discards that record and does not write any page back to the file.
type FileBacked struct {
	perm   pagetables.Perm
	reader BlockReader
	// base is the file offset corresponding to the start of this
	// handler's original range, before any split.
	base int64
	// rangeStart is the virtual address this handler's base offset
	// corresponds to, used to compute per-page file offsets after a
	// split shifts the handler's covered range.
	rangeStart pagetables.VAddr

	mu    sync.Mutex
	dirty map[pagetables.VAddr]bool
}

// NewFileBacked returns a file-backed handler whose pages are read
// through r, with the segment's first byte at file offset base.
func NewFileBacked(perm pagetables.Perm, r BlockReader, base int64, rangeStart pagetables.VAddr) *FileBacked {
	return &FileBacked{
		perm:       perm,
		reader:     r,
		base:       base,
		rangeStart: rangeStart,
		dirty:      make(map[pagetables.VAddr]bool),
	}
}

// Kind implements Handler.
func (h *FileBacked) Kind() string { return "file-backed" }

// Capabilities implements Handler.
func (h *FileBacked) Capabilities() Capabilities {
	return Capabilities{
		MapPerm:  h.perm,
		UsingCOW: true,
		MayShare: true,
	}
}

// Init implements Handler: file-backed segments are never eagerly
// populated; every page is demand-loaded.
func (h *FileBacked) Init(env Env, r Range) error { return nil }

// Map implements Handler.
func (h *FileBacked) Map(env Env, r Range) error { return nil }

// CopyMap implements Handler: unfaulted pages need nothing copied;
// already-resident pages are shared COW like lazy-anonymous ones.
func (h *FileBacked) CopyMap(env Env, src *pagetables.PageTables, r Range) error {
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

func (h *FileBacked) fileOffset(addr pagetables.VAddr) int64 {
	return h.base + int64(addr.Page()-h.rangeStart)
}

// PageFault implements Handler's two-phase protocol: a page not yet
// resident returns NeedsAsync with an AsyncFault that performs the
// block read outside the address-space lock.
func (h *FileBacked) PageFault(env Env, addr pagetables.VAddr, access AccessType) (Outcome, *AsyncFault, error) {
	if access.Write && !h.perm.Write {
		return Permission, nil, ErrPermission
	}
	if _, ok := env.PT.Lookup(addr); ok {
		return Resolved, nil, nil
	}
	offset := h.fileOffset(addr)
	reader := h.reader
	af := &AsyncFault{
		Addr: addr,
		Load: func() ([]byte, error) {
			buf := make([]byte, pagetables.PageSize)
			if _, err := reader.ReadBlock(offset, buf); err != nil {
				return nil, err
			}
			return buf, nil
		},
		Resume: func(env Env, data []byte) error {
			if _, ok := env.PT.Lookup(addr); ok {
				// Another hart's concurrent fault already installed this
				// page; nothing to do.
				return nil
			}
			frame, err := env.Alloc.Alloc()
			if err != nil {
				return err
			}
			return env.PT.Insert(addr, pagetables.PTE{Frame: frame, Perm: h.perm})
		},
	}
	return NeedsAsync, af, nil
}

// Unmap implements Handler: releases every page in r. Dirty pages are
// not written back.
func (h *FileBacked) Unmap(env Env, r Range) error {
	return unmapRange(h, env, r)
}

// UnmapOne implements Handler.
func (h *FileBacked) UnmapOne(env Env, addr pagetables.VAddr) error {
	pte, ok := env.PT.Lookup(addr)
	if !ok {
		return nil
	}
	h.mu.Lock()
	isDirty := h.dirty[addr.Page()]
	delete(h.dirty, addr.Page())
	h.mu.Unlock()
	_ = isDirty // the dirty record is dropped here; this handler holds
	// only a BlockReader and has no writer to write the page back through.
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

// MarkDirty records that addr's page has been written since it was
// loaded; UnmapOne clears the record when it releases the page.
func (h *FileBacked) MarkDirty(addr pagetables.VAddr) {
	h.mu.Lock()
	h.dirty[addr.Page()] = true
	h.mu.Unlock()
}

// SplitLeft implements Handler.
func (h *FileBacked) SplitLeft(at pagetables.VAddr, all bool) Handler {
	return &FileBacked{perm: h.perm, reader: h.reader, base: h.base, rangeStart: h.rangeStart, dirty: make(map[pagetables.VAddr]bool)}
}

// SplitRight implements Handler.
func (h *FileBacked) SplitRight(at pagetables.VAddr, all bool) Handler {
	return &FileBacked{perm: h.perm, reader: h.reader, base: h.base, rangeStart: h.rangeStart, dirty: make(map[pagetables.VAddr]bool)}
}

// Clone implements Handler.
func (h *FileBacked) Clone() Handler {
	return &FileBacked{perm: h.perm, reader: h.reader, base: h.base, rangeStart: h.rangeStart, dirty: make(map[pagetables.VAddr]bool)}
}
