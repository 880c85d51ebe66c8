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

// Package region implements the polymorphic segment handlers:
// lazy-anonymous, direct-mapped, and file-backed. A closed tagged
// interface is used instead of open inheritance so that dispatch on
// map/unmap/fault/COW-split is exhaustive over the three variants.
package region

import (
	"ftl-os.dev/ftlos/mm/sharedpages"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/kernerr"
)

// Range is a half-open range of page-aligned virtual addresses.
type Range struct {
	Start, End pagetables.VAddr
}

// Length returns the number of bytes spanned by r.
func (r Range) Length() uintptr { return uintptr(r.End - r.Start) }

// Contains reports whether addr falls within r.
func (r Range) Contains(addr pagetables.VAddr) bool {
	return addr >= r.Start && addr < r.End
}

// Overlaps reports whether r and o share any address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// AccessType describes the kind of access that caused a page fault.
type AccessType struct {
	Read, Write, Execute bool
}

// Capabilities is a handler variant's fixed capability set.
type Capabilities struct {
	MapPerm        pagetables.Perm
	UniqueWritable bool
	UsingCOW       bool
	SharedAlways   bool
	MayShare       bool
	Executable     bool
}

// Outcome classifies the result of a page-fault handling attempt.
type Outcome int

const (
	// Resolved means a PTE was installed synchronously; resume user.
	Resolved Outcome = iota
	// Permission means the fault is terminal: a permission violation
	// not redeemable by COW.
	Permission
	// NeedsAsync means the caller must drop the address-space lock and
	// drive the returned AsyncFault to completion.
	NeedsAsync
)

// BlockReader is the external collaborator a file-backed handler reads
// through. It stands in for the FAT32 + block-device stack, which
// sits out of scope beyond this interface.
type BlockReader interface {
	ReadBlock(offset int64, buf []byte) (int, error)
}

// Env bundles the page-table, frame allocator, and shared-page table
// that every handler operation needs, so that Handler methods don't
// carry a five-argument parameter list.
type Env struct {
	PT     *pagetables.PageTables
	Alloc  *pagetables.FrameAllocator
	Shared *sharedpages.Table
}

// AsyncFault is returned by PageFault when a fault cannot be resolved
// without I/O. It closes over everything needed
// to retry: the fault address, the address-space version observed when
// the fault began, and handler-private state (e.g. the block offset to
// read). The caller drives Complete() with no address-space lock held,
// then re-acquires the lock and calls Resume.
type AsyncFault struct {
	Addr    pagetables.VAddr
	Version uint64
	// Load performs the actual I/O and returns the frame's contents.
	// It must not touch the address space or any of its locks.
	Load func() ([]byte, error)
	// Resume installs the PTE for Addr using the loaded bytes, once the
	// caller has confirmed Version is still current. It is called with
	// the address-space lock held.
	Resume func(env Env, data []byte) error
}

// Handler is the polymorphic segment handler.
type Handler interface {
	// Kind names the variant for diagnostics and Stat().
	Kind() string

	// Capabilities returns this handler's fixed capability set.
	Capabilities() Capabilities

	// Init is called once when the segment is first mapped. Direct-mapped
	// handlers eagerly populate PTEs here; lazy handlers do nothing.
	Init(env Env, r Range) error

	// Map (re-)establishes PTEs for r, e.g. after a split.
	Map(env Env, r Range) error

	// CopyMap migrates r's mapping from src into env.PT as part of fork.
	CopyMap(env Env, src *pagetables.PageTables, r Range) error

	// PageFault handles a fault at addr within this handler's range.
	PageFault(env Env, addr pagetables.VAddr, access AccessType) (Outcome, *AsyncFault, error)

	// Unmap releases every page in r via UnmapOne.
	Unmap(env Env, r Range) error

	// UnmapOne releases the single page at addr, walking shared-page
	// accounting as needed.
	UnmapOne(env Env, addr pagetables.VAddr) error

	// SplitLeft returns a handler governing [start, at); all indicates
	// whether the handler had committed state only representable once
	// (used by file-backed handlers splitting their backing offset).
	SplitLeft(at pagetables.VAddr, all bool) Handler

	// SplitRight returns a handler governing [at, end).
	SplitRight(at pagetables.VAddr, all bool) Handler

	// Clone returns a deep copy of handler-private state, for address
	// space fork.
	Clone() Handler
}

// ErrPermission is returned by PageFault for an unmapped or
// permission-mismatched access; callers translate it to a terminal
// fault.
var ErrPermission = kernerr.PermissionDenied
