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

package proc

import (
	"testing"

	"ftl-os.dev/ftlos/kernel/sched"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/kernerr"
)

type exitState struct{}

func (exitState) Execute(t *sched.Thread) (sched.RunState, sched.Disposition) {
	return nil, sched.Exited
}

func TestAddThreadAndExit(t *testing.T) {
	alloc := pagetables.NewFrameAllocator()
	p := New(alloc, 8)

	th := p.AddThread(exitState{})
	if len(p.Threads) != 1 {
		t.Fatalf("Threads = %d after AddThread, want 1", len(p.Threads))
	}

	Exit(th, 0)
	if len(p.Threads) != 0 {
		t.Errorf("Threads = %d after Exit, want 0", len(p.Threads))
	}
	if !p.exited {
		t.Errorf("process not marked exited after its last thread exited")
	}
}

func TestForkClonesRegisterFrameIndependently(t *testing.T) {
	alloc := pagetables.NewFrameAllocator()
	parent := New(alloc, 8)
	caller := parent.AddThread(exitState{})
	caller.Reg.GPR[0] = 42

	child, childThread, err := Fork(parent, caller, exitState{}, 16)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.Parent != parent {
		t.Errorf("child.Parent not set to parent")
	}

	childThread.Reg.GPR[0] = 99
	if caller.Reg.GPR[0] != 42 {
		t.Errorf("mutating the child's register frame aliased the parent's: got %d, want 42", caller.Reg.GPR[0])
	}
}

func TestReapBeforeExitReturnsWouldBlock(t *testing.T) {
	alloc := pagetables.NewFrameAllocator()
	parent := New(alloc, 8)
	caller := parent.AddThread(exitState{})

	child, _, err := Fork(parent, caller, exitState{}, 16)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if _, err := Reap(parent, child.PID); err != kernerr.WouldBlock {
		t.Errorf("Reap before exit = %v, want kernerr.WouldBlock", err)
	}
}

func TestReapUnknownChildReturnsNotFound(t *testing.T) {
	alloc := pagetables.NewFrameAllocator()
	parent := New(alloc, 8)
	if _, err := Reap(parent, 99999); err != kernerr.NotFound {
		t.Errorf("Reap on unknown pid = %v, want kernerr.NotFound", err)
	}
}
