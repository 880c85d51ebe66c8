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
	"ftl-os.dev/ftlos/mm/region"
	"ftl-os.dev/ftlos/pagetables"
)

// Fork creates a new address space that is a copy-on-write clone of as:
// every segment's handler is cloned and its mapping migrated via
// CopyMap, which makes COW-capable handlers share their frames
// (refcount 2, write bit cleared on both sides), shared_always
// handlers share directly, and unique_writable handlers deep-copy.
//
// Fork does not suspend internally (there is no I/O in this simulated
// facade's copy path), so it is safe to hold the parent's lock for its
// duration: the child is created and populated before it is visible to
// any other hart, so it needs no lock of its own yet.
func (as *AddressSpace) Fork(maxASID pagetables.ASID) (*AddressSpace, error) {
	child := New(as.alloc, as.shared, maxASID)

	as.mu.Lock()
	defer as.mu.Unlock()

	type seg struct {
		r region.Range
		h region.Handler
	}
	var all []seg
	as.segs.Ascend(func(r region.Range, h region.Handler) bool {
		all = append(all, seg{r: r, h: h})
		return true
	})

	for _, s := range all {
		clone := s.h.Clone()
		if err := child.segs.Insert(s.r, clone); err != nil {
			return nil, err
		}
		if err := clone.CopyMap(child.env(), as.pt, s.r); err != nil {
			return nil, err
		}
	}
	child.bumpVersionLocked()
	return child, nil
}
