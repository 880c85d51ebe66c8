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

// Package taskwrap provides the outermost RunState that every Thread's
// state machine runs inside of: on every resumption it installs the
// thread's address space and identity into the executing hart's local
// context, and restores whatever was there before on every suspension,
// exit, or panic, using pkg/cleanup's scope-exit semantics so a
// panicking handler still leaves hart-local state consistent for the
// next thread the run loop picks up.
package taskwrap

import (
	"ftl-os.dev/ftlos/kernel/harts"
	"ftl-os.dev/ftlos/kernel/rcu"
	"ftl-os.dev/ftlos/kernel/sched"
	"ftl-os.dev/ftlos/mm/addrspace"
	"ftl-os.dev/ftlos/pkg/cleanup"
)

var activeAS [harts.MaxHarts]*addrspace.AddressSpace

// Active returns the address space presently installed on hart id, or
// nil if none. Used by syscall and page-fault handlers that need to
// reach the current thread's address space without threading it
// through every call.
func Active(id harts.ID) *addrspace.AddressSpace {
	return activeAS[id]
}

// outer is the wrapper RunState. It is re-created around the inner
// state on every Continue/Suspended return so that the install/restore
// pair brackets every single hart-bound execution slice, not just the
// first one in a thread's lifetime.
type outer struct {
	inner sched.RunState
	as    *addrspace.AddressSpace
}

// Wrap returns a RunState that installs as on the executing hart for
// the duration of every slice of inner's execution.
func Wrap(inner sched.RunState, as *addrspace.AddressSpace) sched.RunState {
	if inner == nil {
		return nil
	}
	return outer{inner: inner, as: as}
}

// Execute implements sched.RunState. Every slice of inner's execution
// runs inside an RCU read-side critical section: the hart marks itself
// present before the slice and absent after, and any
// deferred-release entries it buffered during the slice are flushed to
// the RCU manager's pending list at the same boundary, so a grace
// period started from another hart never waits past this thread's next
// resumption and never strands a batch across more than one task
// switch.
func (o outer) Execute(t *sched.Thread) (sched.RunState, sched.Disposition) {
	h := harts.Local(t.Hart)

	prevAS := activeAS[t.Hart]
	prevTask := h.Current()

	c := cleanup.Make(func() {
		activeAS[t.Hart] = prevAS
		h.SetCurrent(prevTask)
	})
	defer c.Clean()

	activeAS[t.Hart] = o.as
	h.SetCurrent(t)

	rcu.Enter(h)
	defer func() {
		rcu.Exit(h)
		rcu.FlushHart(h)
	}()

	next, disp := o.inner.Execute(t)
	if disp == sched.Exited {
		return next, disp
	}
	return Wrap(next, o.as), disp
}
