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

package sharedpages

import (
	"sync"
	"testing"

	"ftl-os.dev/ftlos/pagetables"
)

func TestShareAndDecRef(t *testing.T) {
	tbl := New()
	f := pagetables.FrameID(42)
	tbl.Share(f, "test")

	if !tbl.IsShared(f) {
		t.Fatalf("expected frame to be shared after Share")
	}
	if got := tbl.Refcount(f); got != 2 {
		t.Fatalf("Refcount = %d, want 2", got)
	}

	if res := tbl.DecRef(f); res != BecameUnique {
		t.Errorf("first DecRef = %v, want BecameUnique", res)
	}
	if tbl.IsShared(f) {
		t.Errorf("frame still shared after refcount reached 1")
	}
}

func TestAddRefKeepsStillShared(t *testing.T) {
	tbl := New()
	f := pagetables.FrameID(7)
	tbl.Share(f, "origin")
	tbl.AddRef(f)
	if got := tbl.Refcount(f); got != 3 {
		t.Fatalf("Refcount = %d, want 3", got)
	}
	if res := tbl.DecRef(f); res != StillShared {
		t.Errorf("DecRef = %v, want StillShared", res)
	}
	if res := tbl.DecRef(f); res != StillShared {
		t.Errorf("DecRef = %v, want StillShared (refcount 1 remains)", res)
	}
	if res := tbl.DecRef(f); res != BecameUnique {
		t.Errorf("DecRef = %v, want BecameUnique", res)
	}
}

func TestConcurrentDecRefExactlyOneWinner(t *testing.T) {
	tbl := New()
	f := pagetables.FrameID(1)
	const sharers = 8
	for i := 1; i < sharers; i++ {
		tbl.AddRef(f)
	}
	tbl.Share(f, "origin") // sets refcount to 2; simulate more sharers via AddRef below
	for i := 0; i < sharers-2; i++ {
		tbl.AddRef(f)
	}

	var wg sync.WaitGroup
	results := make([]DecRefResult, sharers)
	for i := 0; i < sharers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = tbl.DecRef(f)
		}()
	}
	wg.Wait()

	unique := 0
	for _, r := range results {
		if r == BecameUnique {
			unique++
		}
	}
	if unique != 1 {
		t.Errorf("expected exactly one BecameUnique result, got %d of %d", unique, sharers)
	}
}
