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

// Package sched implements the cooperative, stackless task executor: a
// fixed pool of hart-bound run loops pull Threads from per-hart queues
// (falling back to a global queue, then to work-stealing) and drive each
// one's RunState machine until it suspends or exits, never blocking a
// hart's own goroutine on a Thread's behalf.
//
// The state machine shape is grounded on the teacher's
// pkg/sentry/kernel taskRunState pattern ("a reified state in the task
// state machine" whose execute method returns the following state);
// this package generalizes that into a poll-driven loop instead of one
// goroutine per task, since the executor must stay stackless with
// respect to user threads.
package sched

import (
	"math/rand"

	"ftl-os.dev/ftlos/kernel/harts"
	"ftl-os.dev/ftlos/pkg/atomicbitops"
	"ftl-os.dev/ftlos/pkg/sync"
)

// RunState is a reified step of a Thread's execution. Execute runs one
// slice of work and returns the following state together with a
// Disposition saying whether the run loop should tail-call straight
// into that state (Continue) or stop running the thread for now.
type RunState interface {
	// Execute runs one non-blocking slice of thread state. The returned
	// RunState is always what the thread should resume from next time
	// it runs, regardless of Disposition (ignored when Disposition is
	// Exited). Continue means the run loop should call Execute again
	// immediately, in the same hart slice. Suspended means the thread
	// is now waiting on an external event (trap completion, syscall
	// I/O, page-fault I/O); it will run again, starting from the
	// returned state, only once something calls
	// (*Scheduler).WakeAndEnqueue (or (*Thread).Wake and enqueues it).
	Execute(t *Thread) (RunState, Disposition)
}

// Disposition says what the run loop should do after an Execute call
// returns.
type Disposition int

const (
	// Continue means the run loop should tail-call into the returned
	// state without returning control to the scheduler.
	Continue Disposition = iota
	// Suspended means the thread gave up the hart voluntarily and must
	// be woken externally; Wake and endRun together guarantee a wake
	// racing with the suspend is never lost.
	Suspended
	// Exited means the thread will never run again.
	Exited
)

// wakeState is the four-state wake protocol: idle (not runnable, not
// queued), pending (woken but not yet queued, or already queued —
// both collapse to this state), running (on a hart), and after (woken
// while running — must be re-queued exactly once when the current run
// slice finishes, without a second concurrent enqueue).
type wakeState int32

const (
	wsIdle wakeState = iota
	wsPending
	wsRunning
	wsAfter
)

// Thread is one user thread under cooperative scheduling. It carries
// the reified state machine plus the wake-state word that guarantees
// at-most-one queue presence and exactly-one-run-per-wake.
type Thread struct {
	state RunState
	wake  atomicbitops.Int32

	// Hart is a soft affinity hint: the hart this thread last ran on,
	// preferred when re-enqueuing to improve cache locality.
	Hart harts.ID
}

// NewThread returns a Thread ready to run starting from initial.
func NewThread(initial RunState) *Thread {
	t := &Thread{state: initial}
	t.wake.Store(int32(wsPending))
	return t
}

// Wake transitions a Thread back towards running. If the thread is
// idle, it moves to pending and the caller must enqueue it. If the
// thread is already running (on some hart, concurrently with this
// call), it moves to "after" instead, and the *running* hart's own run
// loop is responsible for re-enqueuing it once its current slice
// returns Suspended. This is what prevents a wake arriving between a
// thread deciding to suspend and actually leaving the run queue from
// being lost: the wake is recorded in the atomic word rather than by
// directly touching a queue that the sleeping thread might no longer
// be in.
//
// Wake reports whether the caller must enqueue t itself.
func (t *Thread) Wake() (shouldEnqueue bool) {
	for {
		old := wakeState(t.wake.Load())
		switch old {
		case wsIdle:
			if t.wake.CompareAndSwap(int32(old), int32(wsPending)) {
				return true
			}
		case wsRunning:
			if t.wake.CompareAndSwap(int32(old), int32(wsAfter)) {
				return false
			}
		case wsPending, wsAfter:
			// Already guaranteed to run again; at-most-one queue
			// presence means nothing further to do.
			return false
		}
	}
}

// beginRun transitions a Thread that a run loop just dequeued from
// pending to running. Called only by the run loop that owns the
// dequeue.
func (t *Thread) beginRun() {
	t.wake.Store(int32(wsRunning))
}

// endRun transitions out of running after one execute() call returns a
// Suspended disposition. It reports whether the thread must be
// re-enqueued immediately (a wake arrived mid-run) rather than going
// idle.
func (t *Thread) endRun() (requeue bool) {
	for {
		old := wakeState(t.wake.Load())
		switch old {
		case wsRunning:
			if t.wake.CompareAndSwap(int32(old), int32(wsIdle)) {
				return false
			}
		case wsAfter:
			if t.wake.CompareAndSwap(int32(old), int32(wsPending)) {
				return true
			}
		default:
			// Should not happen: only the running hart mutates out of
			// wsRunning/wsAfter.
			panic("sched: endRun on thread not in running/after state")
		}
	}
}

// queue is a simple mutex-protected FIFO. Bounded stealing latency is
// all that's required here, not a lock-free ring buffer, so a plain
// slice behind pkg/sync.Mutex (matching the teacher's preference for
// straightforward locking over lock-free structures outside the
// hot fault path) is sufficient.
type queue struct {
	mu    sync.Mutex
	items []*Thread
}

func (q *queue) push(t *Thread) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

func (q *queue) pop() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t
}

// popBack removes from the tail, used by stealers so that the queue's
// owner (popping from the front) and thieves (popping from the back)
// contend on opposite ends.
func (q *queue) popBack(max int) []*Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	stolen := append([]*Thread(nil), q.items[len(q.items)-n:]...)
	q.items = q.items[:len(q.items)-n]
	return stolen
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Scheduler owns the per-hart local queues and a global overflow
// queue. One Scheduler serves an entire kernel instance.
type Scheduler struct {
	local  []*queue
	global queue

	// StealBatch bounds how many threads a single steal attempt moves,
	// matching SPEC_FULL.md's bootcfg.Config.StealBatch.
	StealBatch int
}

// New returns a Scheduler with nHarts local queues.
func New(nHarts int, stealBatch int) *Scheduler {
	s := &Scheduler{local: make([]*queue, nHarts), StealBatch: stealBatch}
	for i := range s.local {
		s.local[i] = &queue{}
	}
	return s
}

// Enqueue places t on its preferred hart's local queue, or the global
// queue if Hart is not below the scheduler's hart count. A new Thread's
// Hart is 0, so it goes to hart 0's local queue unless the caller sets
// Hart first.
func (s *Scheduler) Enqueue(t *Thread) {
	if int(t.Hart) < len(s.local) {
		s.local[t.Hart].push(t)
		return
	}
	s.global.push(t)
}

// WakeAndEnqueue wakes t and enqueues it if Wake reports that the
// caller must do so.
func (s *Scheduler) WakeAndEnqueue(t *Thread) {
	if t.Wake() {
		s.Enqueue(t)
	}
}

// dequeue returns the next Thread to run on hart id: its own local
// queue first, then the global overflow queue, then a random steal
// attempt from another hart. Checking the global queue before stealing
// ensures a hart that can always find something to steal never starves
// threads waiting there, such as off-hart wakes with no local affinity.
func (s *Scheduler) dequeue(id harts.ID) *Thread {
	local := s.local[id]
	if t := local.pop(); t != nil {
		return t
	}
	if t := s.global.pop(); t != nil {
		return t
	}
	return s.steal(id)
}

func (s *Scheduler) steal(id harts.ID) *Thread {
	n := len(s.local)
	if n <= 1 {
		return nil
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		victim := (start + i) % n
		if harts.ID(victim) == id {
			continue
		}
		stolen := s.local[victim].popBack(s.StealBatch)
		if len(stolen) == 0 {
			continue
		}
		// Keep the first for ourselves; re-home the rest onto our own
		// queue so future steals/locality checks see them there.
		for _, t := range stolen[1:] {
			t.Hart = id
			s.local[id].push(t)
		}
		return stolen[0]
	}
	return nil
}

// RunOne drains and executes exactly one dequeued Thread's run slices
// until it suspends or exits, on the calling goroutine (which must be
// the run loop goroutine pinned to hart id). It reports whether a
// thread was found to run.
func (s *Scheduler) RunOne(id harts.ID) bool {
	t := s.dequeue(id)
	if t == nil {
		return false
	}
	t.Hart = id
	t.beginRun()

	if !s.runSlices(t) {
		// Panic inside Execute is fatal to this thread only; the
		// thread's queue presence is still retired via endRun so no
		// other hart can observe it as wedged in wsRunning/wsAfter
		// forever.
		t.state = nil
		t.endRun()
	}
	return true
}

// runSlices drives t's state machine until it suspends or exits,
// reporting false if Execute panicked. A panicking thread is dropped by
// the caller rather than propagated, so one bad task never brings down
// a hart's run loop.
func (s *Scheduler) runSlices(t *Thread) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	state := t.state
	for {
		next, disp := state.Execute(t)
		switch disp {
		case Continue:
			state = next
			continue
		case Exited:
			t.state = nil
			return true
		default: // Suspended
			t.state = next
			if requeue := t.endRun(); requeue {
				s.Enqueue(t)
			}
			return true
		}
	}
}
