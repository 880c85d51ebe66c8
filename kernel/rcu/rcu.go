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

// Package rcu implements epoch-based deferred reclamation: readers mark
// themselves present in the current epoch by setting their hart's
// participation bit, writers register a deferred-drop entry and
// request a grace period, and the grace period ends once every hart
// that was present at registration time has moved on to a later epoch.
package rcu

import (
	"fmt"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/singleflight"

	"ftl-os.dev/ftlos/kernel/harts"
	"ftl-os.dev/ftlos/pkg/atomicbitops"
	"ftl-os.dev/ftlos/pkg/log"
	"ftl-os.dev/ftlos/pkg/sync"
)

// wordSize and wordAlign bound what may be registered as a deferred
// object pointer: registrations must be machine-word-sized and aligned
// so the type-erased (pointer, drop-function) pair round-trips through
// uintptr without risking a non-pointer value being mistaken for a
// live reference by any future precise scanner.
const (
	wordSize  = unsafe.Sizeof(uintptr(0))
	wordAlign = unsafe.Alignof(uintptr(0))
)

// Manager is one kernel instance's grace-period tracker. The flags word
// packs two 32-bit fields into a single atomic word (harts.MaxHarts is
// 32, so one word covers every hart): the high 32 bits are the "epoch
// parity" bit per hart currently participating in the *current* epoch,
// the low 32 bits are hart presence (hart has called Enter and not yet
// Exit).
type Manager struct {
	// flags is the packed atomic word: bits [0,32) are "hart present",
	// bits [32,64) are "hart has acknowledged the current epoch".
	flags atomicbitops.Uint64

	mu      sync.Mutex
	current []deferred // registered before the in-flight grace period began
	pending []deferred // registered during the in-flight grace period

	group singleflight.Group
}

type deferred struct {
	ptr  uintptr
	drop func(uintptr)
}

// New returns an empty grace-period manager.
func New() *Manager {
	return &Manager{}
}

func presentBit(h uint) uint64  { return 1 << h }
func ackBit(h uint) uint64      { return 1 << (h + 32) }

// Enter marks the calling hart as present in a read-side critical
// section. Readers must call Exit before suspending the calling task:
// a hart inside a read-side critical section must never suspend its
// task while still marked present.
func Enter(h *harts.Context) {
	m := Current()
	for {
		old := m.flags.Load()
		new := old | presentBit(h.RCUBit())
		if m.flags.CompareAndSwap(old, new) {
			return
		}
	}
}

// Exit clears the calling hart's presence bit, also acknowledging the
// current epoch on its behalf.
func Exit(h *harts.Context) {
	m := Current()
	bit := h.RCUBit()
	for {
		old := m.flags.Load()
		new := (old &^ presentBit(bit)) | ackBit(bit)
		if m.flags.CompareAndSwap(old, new) {
			return
		}
	}
}

// checkRegisterable panics unless ptr is exactly pointer-word-sized and
// aligned, since a misregistered object would silently corrupt the
// type-erased drop call.
func checkRegisterable(ptr unsafe.Pointer) {
	if sz := unsafe.Sizeof(ptr); sz != wordSize {
		panic(fmt.Sprintf("rcu: pointer size %d does not match machine word size %d", sz, wordSize))
	}
	if uintptr(ptr)%uintptr(wordAlign) != 0 {
		panic(fmt.Sprintf("rcu: pointer %#x is not word-aligned", uintptr(ptr)))
	}
}

// batchThreshold bounds how many entries a hart buffers locally before
// Register proactively flushes, in case a task runs many registrations
// in a row without ever reaching a task-switch boundary (SPEC_FULL.md's
// bootcfg.Config.RCUBatchThreshold). 0 (the zero value before
// SetBatchThreshold is called) means "never flush early here," relying
// solely on taskwrap's per-switch flush and Quiesce's own sweep.
var batchThreshold int

// SetBatchThreshold configures the per-hart early-flush threshold from
// boot configuration. Called once at boot from cmd/ftlctl's main, the
// way bootcfg's other tunables (sched.Scheduler.StealBatch) are threaded
// into their owning package.
func SetBatchThreshold(n int) { batchThreshold = n }

// Register registers ptr for deferred reclamation via drop, buffering
// the entry on h's hart-local queue rather than touching the manager's
// pending list directly. A hart buffers deferred releases locally and
// flushes to the global pending list only at well-defined epoch
// boundaries (task switch), amortizing atomic-RMW cost to near zero.
// The object is dropped by the second Quiesce after its entry reaches
// the manager's pending list: the first moves it into the current
// batch, the second waits for every present hart to exit and drops it.
//
// h's batch reaches the manager's pending list either when the
// outermost task wrapper flushes it at h's next task-switch boundary
// (kernel/taskwrap.outer.Execute), when Quiesce itself sweeps every
// registered hart's batch before computing the grace period, or, if
// SetBatchThreshold was configured and h's local batch has reached
// it, immediately here — bounding how large an unflushed batch can grow
// between task switches for a task that performs many registrations in
// one run slice.
//
// ptr must be exactly pointer-word-sized and aligned; Register panics
// otherwise.
func Register(h *harts.Context, ptr unsafe.Pointer, drop func(unsafe.Pointer)) {
	checkRegisterable(ptr)
	n := h.BufferDeferred(uintptr(ptr), func(p uintptr) { drop(unsafe.Pointer(p)) })
	if batchThreshold > 0 && n >= batchThreshold {
		Current().FlushHart(h)
	}
}

// FlushHart moves every entry h has buffered locally since its last
// flush into the default manager's pending list. The outermost task
// wrapper calls this once per resumption, right after Exit, so that a
// hart's batch never sits unflushed across more than one task switch.
func FlushHart(h *harts.Context) {
	Current().FlushHart(h)
}

// FlushHart is the Manager method behind the package-level FlushHart.
func (m *Manager) FlushHart(h *harts.Context) {
	raw := h.DrainDeferred()
	if len(raw) == 0 {
		return
	}
	m.mu.Lock()
	for _, fn := range raw {
		fn := fn
		m.pending = append(m.pending, deferred{drop: func(uintptr) { fn() }})
	}
	m.mu.Unlock()
}

// Quiesce advances the grace period by one rotation: it sweeps every
// registered hart's local batch into pending, moves pending into the
// current batch, and, if the batch that was current before this call is
// non-empty, waits for every present hart to exit (polling through
// cenkalti/backoff with a zero initial interval and no elapsed-time
// limit) and then drops that earlier batch. An entry is therefore
// dropped by the second Quiesce after it reaches pending. Concurrent
// callers coalesce onto a single in-flight rotation via singleflight,
// so that readers never block on reclamation and
// writers sharing a grace period request coalesce rather than each
// running their own epoch scan.
func (m *Manager) Quiesce() {
	_, _, _ = m.group.Do("quiesce", func() (any, error) {
		m.rotate()
		return nil, nil
	})
}

// Current returns the package-level default manager used by Enter/Exit/
// Register. Kernels needing more than one independent domain should use
// New and the Manager methods directly; the package-level functions
// exist because readers (page-fault and syscall paths) do not carry a
// Manager reference through every call site, mirroring how the teacher's
// kernel.Kernel stashes singletons reachable from ambient context.
func Current() *Manager {
	return defaultManager
}

var defaultManager = New()

// pendingLen reports how many entries are in the manager's pending list,
// for tests asserting the early-flush threshold in Register.
func (m *Manager) pendingLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) rotate() {
	harts.ForEach(m.FlushHart)

	m.mu.Lock()
	batch := m.current
	m.current = m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 0
	b.MaxElapsedTime = 0
	op := func() error {
		if m.flags.Load()&0xFFFFFFFF != 0 {
			return fmt.Errorf("harts still present")
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		log.Warningf("rcu: grace period wait gave up: %v", err)
	}

	// Clear acknowledgment bits for the next epoch.
	for {
		old := m.flags.Load()
		new := old &^ 0xFFFFFFFF00000000
		if m.flags.CompareAndSwap(old, new) {
			break
		}
	}

	for _, d := range batch {
		d.drop(d.ptr)
	}
}
