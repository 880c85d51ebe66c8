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

package sched

import (
	"testing"

	"ftl-os.dev/ftlos/kernel/harts"
)

type countState struct {
	n *int
}

func (c countState) Execute(t *Thread) (RunState, Disposition) {
	*c.n++
	return nil, Exited
}

type twoStepState struct {
	step *int
}

func (s twoStepState) Execute(t *Thread) (RunState, Disposition) {
	*s.step++
	if *s.step == 1 {
		return s, Suspended
	}
	return nil, Exited
}

func TestRunOneExecutesToExit(t *testing.T) {
	s := New(1, 4)
	var n int
	th := NewThread(countState{n: &n})
	th.Hart = 0
	s.Enqueue(th)

	if !s.RunOne(0) {
		t.Fatalf("RunOne reported no thread found")
	}
	if n != 1 {
		t.Errorf("state executed %d times, want 1", n)
	}
	if s.RunOne(0) {
		t.Errorf("RunOne found a second thread on an empty queue")
	}
}

func TestSuspendedThreadDoesNotAutoRequeue(t *testing.T) {
	s := New(1, 4)
	var step int
	th := NewThread(twoStepState{step: &step})
	th.Hart = 0
	s.Enqueue(th)

	s.RunOne(0)
	if step != 1 {
		t.Fatalf("step = %d after first run, want 1", step)
	}
	if s.RunOne(0) {
		t.Errorf("suspended thread was still runnable without a Wake")
	}
}

func TestWakeAndEnqueueResumesSuspendedThread(t *testing.T) {
	s := New(1, 4)
	var step int
	th := NewThread(twoStepState{step: &step})
	th.Hart = 0
	s.Enqueue(th)
	s.RunOne(0)

	s.WakeAndEnqueue(th)
	if !s.RunOne(0) {
		t.Fatalf("RunOne did not find the woken thread")
	}
	if step != 2 {
		t.Errorf("step = %d after resume, want 2", step)
	}
}

func TestWakeWhileRunningSetsAfterAndRequeues(t *testing.T) {
	var step int
	th := NewThread(twoStepState{step: &step})
	th.Hart = 0
	th.beginRun() // simulate the thread already being dequeued and running

	if requeue := th.Wake(); requeue {
		t.Fatalf("Wake on a running thread reported shouldEnqueue=true, want false")
	}
	if requeue := th.endRun(); !requeue {
		t.Errorf("endRun after a mid-run Wake reported requeue=false, want true")
	}
}

type panicState struct{}

func (panicState) Execute(t *Thread) (RunState, Disposition) {
	panic("boom")
}

func TestPanicInThreadIsFatalToThatThreadOnly(t *testing.T) {
	s := New(1, 4)
	panicker := NewThread(panicState{})
	panicker.Hart = 0
	s.Enqueue(panicker)

	var n int
	survivor := NewThread(countState{n: &n})
	survivor.Hart = 0
	s.Enqueue(survivor)

	if !s.RunOne(0) {
		t.Fatalf("RunOne reported no thread found for the panicking thread")
	}
	if !s.RunOne(0) {
		t.Fatalf("RunOne did not find the thread queued after the panicking one")
	}
	if n != 1 {
		t.Errorf("survivor executed %d times, want 1 (hart must keep running after a peer panics)", n)
	}
}

func TestWorkStealingDrainsOverloadedHart(t *testing.T) {
	const nHarts = 4
	const threads = 40
	s := New(nHarts, 8)

	var ran int
	for i := 0; i < threads; i++ {
		th := NewThread(countState{n: &ran})
		th.Hart = 0
		s.Enqueue(th)
	}

	for round := 0; ran < threads && round < threads*4; round++ {
		for h := 0; h < nHarts; h++ {
			s.RunOne(harts.ID(h))
		}
	}
	if ran != threads {
		t.Errorf("ran %d/%d threads, want all of them drained via stealing", ran, threads)
	}
}
