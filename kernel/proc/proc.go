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

// Package proc holds the process and thread lifecycle objects: a
// Process's immutable identity and "alive" bookkeeping (children, exit
// state), and a Thread's thread-local context save area layered on top
// of kernel/sched.Thread. Grounded on the teacher's pkg/sentry/kernel
// TaskSet/ThreadGroup split between process-wide and per-task state.
package proc

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"ftl-os.dev/ftlos/kernel/sched"
	"ftl-os.dev/ftlos/kernel/taskwrap"
	"ftl-os.dev/ftlos/mm/addrspace"
	"ftl-os.dev/ftlos/mm/sharedpages"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/kernerr"
	"ftl-os.dev/ftlos/pkg/log"
	"ftl-os.dev/ftlos/pkg/sync"
)

// PID identifies a Process.
type PID int32

// TID identifies a Thread within its Process.
type TID int32

// RegFrame is the thread-local saved register context, restored on
// resumption from a trap/syscall/page-fault suspension point. The
// field set is a stand-in for the RISC-V 64 general-purpose +
// program-counter state; this facade does not encode the hardware
// trap frame layout.
type RegFrame struct {
	GPR [32]uint64
	PC  uint64
}

// Thread is one schedulable unit of execution within a Process. It
// embeds a *sched.Thread (the run-state machine and wake word) and adds
// the thread-local save area and process back-reference that the
// run-state implementations in this package close over.
type Thread struct {
	*sched.Thread

	TID TID
	Reg RegFrame

	Proc *Process
}

// Process is the alive-bookkeeping and identity object shared by every
// Thread that belongs to it. AS and the shared page table are shared
// by every sibling Thread; Threads is the live set.
type Process struct {
	mu sync.Mutex

	PID     PID
	Parent  *Process
	AS      *addrspace.AddressSpace
	shared  *sharedpages.Table
	Threads map[TID]*Thread

	nextTID TID

	// exited is set once every thread has exited; the Process remains a
	// zombie until its parent Reaps it.
	exited   bool
	exitCode int

	children map[PID]*Process
}

var (
	procTableMu sync.Mutex
	procTable   = map[PID]*Process{}
	nextPID     PID = 1
)

func allocPID() PID {
	procTableMu.Lock()
	defer procTableMu.Unlock()
	pid := nextPID
	nextPID++
	return pid
}

// New creates the initial (pid-1-equivalent) process with a fresh,
// empty address space and a fresh shared-page table. Used only at
// boot; every other process is created by Fork, which shares the
// parent's shared-page table so COW refcounts remain meaningful across
// the whole process tree.
func New(alloc *pagetables.FrameAllocator, maxASID pagetables.ASID) *Process {
	shared := sharedpages.New()
	p := &Process{
		PID:      allocPID(),
		AS:       addrspace.New(alloc, shared, maxASID),
		shared:   shared,
		Threads:  make(map[TID]*Thread),
		children: make(map[PID]*Process),
	}
	procTableMu.Lock()
	procTable[p.PID] = p
	procTableMu.Unlock()
	return p
}

// AddThread creates a new Thread in p running initial, wrapped in the
// outermost task-context installer (kernel/taskwrap), and returns it
// unstarted: the caller must still hand it to a scheduler via Enqueue.
func (p *Process) AddThread(initial sched.RunState) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	tid := p.nextTID
	p.nextTID++

	wrapped := taskwrap.Wrap(initial, p.AS)
	st := sched.NewThread(wrapped)
	t := &Thread{Thread: st, TID: tid, Proc: p}
	p.Threads[tid] = t
	return t
}

// removeThread drops t from its process's live set, used by exit
// handling.
func (p *Process) removeThread(tid TID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Threads, tid)
	if len(p.Threads) == 0 {
		p.exited = true
	}
}

// Exit marks t as exited and removes it from its process. If it was
// the last live thread, the process itself becomes a zombie awaiting
// reap by its parent.
func Exit(t *Thread, code int) {
	t.Proc.removeThread(t.TID)
	t.Proc.mu.Lock()
	t.Proc.exitCode = code
	t.Proc.mu.Unlock()
	log.Debugf("thread %d in process %d exited with code %d", t.TID, t.Proc.PID, code)
}

// Fork creates a child Process that is a copy-on-write clone of
// parent's address space (mm/addrspace.Fork) and a single child
// thread, childInitial, with the parent's register frame deep-copied
// via mohae/deepcopy so that mutating the child's saved registers
// (e.g. to zero the fork return value) never aliases the parent's. The
// caller supplies childInitial because only the syscall handler knows
// what run state the child should resume from (typically "return 0
// from fork").
func Fork(parent *Process, caller *Thread, childInitial sched.RunState, maxASID pagetables.ASID) (*Process, *Thread, error) {
	childAS, err := parent.AS.Fork(maxASID)
	if err != nil {
		return nil, nil, err
	}

	child := &Process{
		PID:      allocPID(),
		Parent:   parent,
		AS:       childAS,
		shared:   parent.shared,
		Threads:  make(map[TID]*Thread),
		children: make(map[PID]*Process),
	}
	procTableMu.Lock()
	procTable[child.PID] = child
	procTableMu.Unlock()
	parent.mu.Lock()
	parent.children[child.PID] = child
	parent.mu.Unlock()

	childThread := child.AddThread(childInitial)
	childThread.Reg = deepcopy.Copy(caller.Reg).(RegFrame)

	return child, childThread, nil
}

// Reap removes a zombie child from parent's child table and returns its
// exit code. It returns kernerr.WouldBlock if the child is a known
// child but has not exited yet, and kernerr.NotFound if child is not a
// child of parent at all.
func Reap(parent *Process, child PID) (int, error) {
	parent.mu.Lock()
	c, ok := parent.children[child]
	parent.mu.Unlock()
	if !ok {
		return 0, kernerr.NotFound
	}
	c.mu.Lock()
	exited := c.exited
	code := c.exitCode
	c.mu.Unlock()
	if !exited {
		return 0, kernerr.WouldBlock
	}
	parent.mu.Lock()
	delete(parent.children, child)
	parent.mu.Unlock()
	procTableMu.Lock()
	delete(procTable, child)
	procTableMu.Unlock()
	return code, nil
}

// String renders a Thread for diagnostics.
func (t *Thread) String() string {
	return fmt.Sprintf("thread(pid=%d,tid=%d,hart=%d)", t.Proc.PID, t.TID, t.Hart)
}
