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

package futex

import (
	"testing"

	"ftl-os.dev/ftlos/kernel/sched"
)

type noopState struct{}

func (noopState) Execute(t *sched.Thread) (sched.RunState, sched.Disposition) {
	return nil, sched.Suspended
}

func TestWaitJoinsBucketOnMatch(t *testing.T) {
	m := New()
	var word uint32 = 1
	th := sched.NewThread(noopState{})

	if ok := m.Wait(&word, 1, th); !ok {
		t.Fatalf("Wait reported false when the expected value matched")
	}
	if got := m.WaitQueueLen(&word); got != 1 {
		t.Errorf("WaitQueueLen = %d, want 1", got)
	}
}

func TestWaitFailsOnStaleExpectedValue(t *testing.T) {
	m := New()
	var word uint32 = 2
	th := sched.NewThread(noopState{})

	if ok := m.Wait(&word, 1, th); ok {
		t.Errorf("Wait succeeded despite a stale expected value")
	}
	if got := m.WaitQueueLen(&word); got != 0 {
		t.Errorf("WaitQueueLen = %d after a rejected Wait, want 0", got)
	}
}

func TestWakeDrainsUpToN(t *testing.T) {
	m := New()
	s := sched.New(1, 4)
	var word uint32 = 1
	threads := make([]*sched.Thread, 3)
	for i := range threads {
		threads[i] = sched.NewThread(noopState{})
		threads[i].Hart = 0
		if !m.Wait(&word, 1, threads[i]) {
			t.Fatalf("Wait[%d] rejected a matching value", i)
		}
	}

	woken := m.Wake(s, &word, 2)
	if woken != 2 {
		t.Errorf("Wake returned %d, want 2", woken)
	}
	if got := m.WaitQueueLen(&word); got != 1 {
		t.Errorf("WaitQueueLen after partial Wake = %d, want 1", got)
	}
}
