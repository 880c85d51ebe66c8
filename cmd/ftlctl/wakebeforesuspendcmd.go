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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"ftl-os.dev/ftlos/kernel/harts"
	"ftl-os.dev/ftlos/kernel/sched"
	"ftl-os.dev/ftlos/pkg/bootcfg"
)

// suspendOnceState suspends exactly once (reporting the suspension to
// the caller via suspended), then completes on its second Execute call.
type suspendOnceState struct {
	suspended *bool
	done      *bool
}

func (s suspendOnceState) Execute(t *sched.Thread) (sched.RunState, sched.Disposition) {
	if !*s.suspended {
		*s.suspended = true
		return s, sched.Suspended
	}
	*s.done = true
	return nil, sched.Exited
}

// wakeBeforeSuspendCmd implements subcommands.Command for
// "wake-before-suspend": a Thread suspends itself, WakeAndEnqueue is
// called once RunOne has returned and the thread is idle, and the demo
// checks that the wake re-enqueues it so its second slice runs. The
// wake is not issued while the thread is still running.
type wakeBeforeSuspendCmd struct{}

func (*wakeBeforeSuspendCmd) Name() string { return "wake-before-suspend" }
func (*wakeBeforeSuspendCmd) Synopsis() string {
	return "race a Wake against a Thread's own suspend decision"
}
func (*wakeBeforeSuspendCmd) Usage() string        { return "wake-before-suspend\n" }
func (*wakeBeforeSuspendCmd) SetFlags(*flag.FlagSet) {}

func (c *wakeBeforeSuspendCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(bootcfg.Config)
	for i := 0; i < cfg.Harts; i++ {
		harts.Register(harts.ID(i))
	}
	s := sched.New(cfg.Harts, cfg.StealBatch)

	var suspended, done bool
	th := sched.NewThread(suspendOnceState{suspended: &suspended, done: &done})
	th.Hart = 0
	s.Enqueue(th)

	// First slice: the thread suspends itself and RunOne's endRun moves
	// it to idle. The wake below therefore takes the idle-to-pending
	// path and enqueues the thread; the running-to-after path is not
	// exercised here.
	s.RunOne(0)
	s.WakeAndEnqueue(th)

	// Second slice: thread should run again from where it left off and
	// now complete.
	ran := s.RunOne(0)

	fmt.Printf("ran second slice=%v done=%v\n", ran, done)
	if !ran || !done {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
