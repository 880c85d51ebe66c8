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

package harts

import "testing"

func TestIRQNestingDepth(t *testing.T) {
	c := Register(1)
	if c.IRQsDisabled() {
		t.Fatalf("IRQsDisabled() = true before any DisableIRQ")
	}
	c.DisableIRQ()
	c.DisableIRQ()
	if !c.IRQsDisabled() {
		t.Errorf("IRQsDisabled() = false after two DisableIRQ calls")
	}
	c.EnableIRQ()
	if !c.IRQsDisabled() {
		t.Errorf("IRQsDisabled() = false after only one matching EnableIRQ of two")
	}
	c.EnableIRQ()
	if c.IRQsDisabled() {
		t.Errorf("IRQsDisabled() = true after fully matched EnableIRQ calls")
	}
}

func TestEnableIRQUnderflowPanics(t *testing.T) {
	c := Register(2)
	defer func() {
		if recover() == nil {
			t.Errorf("EnableIRQ without a matching DisableIRQ did not panic")
		}
	}()
	c.EnableIRQ()
}

func TestRegisterBeyondMaxHartsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Register(MaxHarts) did not panic")
		}
	}()
	Register(MaxHarts)
}

func TestDrainDeferredClearsBatch(t *testing.T) {
	c := Register(3)
	var ran []int
	c.BufferDeferred(1, func(p uintptr) { ran = append(ran, int(p)) })
	c.BufferDeferred(2, func(p uintptr) { ran = append(ran, int(p)) })

	fns := c.DrainDeferred()
	if len(fns) != 2 {
		t.Fatalf("DrainDeferred returned %d entries, want 2", len(fns))
	}
	for _, f := range fns {
		f()
	}
	if len(ran) != 2 {
		t.Errorf("running drained entries invoked %d drops, want 2", len(ran))
	}
	if got := c.DrainDeferred(); got != nil {
		t.Errorf("DrainDeferred after a full drain returned %v, want nil", got)
	}
}
