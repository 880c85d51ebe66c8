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

// Package sharedpages is the refcounted table of physical frames shared
// by more than one address space. A frame absent from the table is
// uniquely owned; a frame present in it is shared, and the owning
// PTEs carry pagetables.Perm.Shared.
package sharedpages

import (
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/sync"
)

// entry is one shared-page-table row, individually lockable so that
// concurrent DecRef/AddRef calls on unrelated frames never contend.
type entry struct {
	mu       sync.Mutex
	refcount int
	// origin identifies which region handler first made this frame
	// shared, for diagnostics only.
	origin string
}

// Table is the shared-page table, one per kernel (not per address
// space): frames may be shared across arbitrarily many address spaces.
type Table struct {
	mu      sync.Mutex
	entries map[pagetables.FrameID]*entry
}

// New returns an empty shared-page table.
func New() *Table {
	return &Table{entries: make(map[pagetables.FrameID]*entry)}
}

// lockedEntry returns (creating if necessary) the entry for f, along
// with the entry's own lock held.
func (t *Table) lockedEntry(f pagetables.FrameID, origin string) *entry {
	t.mu.Lock()
	e, ok := t.entries[f]
	if !ok {
		e = &entry{origin: origin}
		t.entries[f] = e
	}
	t.mu.Unlock()
	e.mu.Lock()
	return e
}

// Share marks f as shared between two address spaces for the first
// time, setting refcount to 2: one reference for each side of the
// fork that now maps the same frame read-only.
func (t *Table) Share(f pagetables.FrameID, origin string) {
	e := t.lockedEntry(f, origin)
	defer e.mu.Unlock()
	e.refcount = 2
}

// AddRef increments f's refcount for a new sharer (e.g. a fork of an
// address space whose PTE already maps f shared).
func (t *Table) AddRef(f pagetables.FrameID) {
	e := t.lockedEntry(f, "")
	defer e.mu.Unlock()
	e.refcount++
}

// IsShared reports whether f currently has a shared-page-table entry.
func (t *Table) IsShared(f pagetables.FrameID) bool {
	t.mu.Lock()
	_, ok := t.entries[f]
	t.mu.Unlock()
	return ok
}

// Refcount returns f's current refcount, or 0 if f is not shared.
func (t *Table) Refcount(f pagetables.FrameID) int {
	t.mu.Lock()
	e, ok := t.entries[f]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refcount
}

// DecRefResult is the outcome of releasing one sharer's reference.
type DecRefResult int

const (
	// StillShared means at least one other owner still references the
	// frame after this decrement; the entry stays in the table at its
	// new refcount and the caller must not mutate the frame in place.
	StillShared DecRefResult = iota
	// BecameUnique means this decrement dropped the refcount to zero:
	// the caller was the last remaining reference, the entry has been
	// removed from the table, and the caller may take back unique
	// ownership of the very same frame rather than copying.
	BecameUnique
)

// DecRef releases one sharer's reference to f. Callers branch on the
// result: on a COW write fault this decides whether to reclaim the
// existing frame in place (BecameUnique, no other address space can
// observe the mutation) or allocate a fresh frame and copy privately,
// leaving the original shared for the remaining owner(s) (StillShared).
// The same decision applies when freeing a mapping: a frame must be
// released to the allocator exactly once, by whichever unmap call
// drives its refcount to zero.
func (t *Table) DecRef(f pagetables.FrameID) DecRefResult {
	e := t.lockedEntry(f, "")
	defer e.mu.Unlock()
	e.refcount--
	if e.refcount <= 0 {
		t.mu.Lock()
		delete(t.entries, f)
		t.mu.Unlock()
		return BecameUnique
	}
	return StillShared
}
