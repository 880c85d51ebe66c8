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

// workStealCmd implements subcommands.Command for "work-steal": it
// loads one hart's queue with threads and leaves every other hart
// empty, then lets every hart run one slice each, demonstrating that
// idle harts steal from the overloaded one instead of starving.
type workStealCmd struct {
	threads int
}

func (*workStealCmd) Name() string     { return "work-steal" }
func (*workStealCmd) Synopsis() string { return "demonstrate work-stealing across idle harts" }
func (*workStealCmd) Usage() string {
	return "work-steal [-threads N]\n"
}

func (c *workStealCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.threads, "threads", 64, "number of runnable threads to load onto hart 0")
}

type countingState struct{ ran *int }

func (s countingState) Execute(t *sched.Thread) (sched.RunState, sched.Disposition) {
	*s.ran++
	return nil, sched.Exited
}

func (c *workStealCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(bootcfg.Config)
	for i := 0; i < cfg.Harts; i++ {
		harts.Register(harts.ID(i))
	}
	s := sched.New(cfg.Harts, cfg.StealBatch)

	var ran int
	for i := 0; i < c.threads; i++ {
		th := sched.NewThread(countingState{ran: &ran})
		th.Hart = 0
		s.Enqueue(th)
	}

	for round := 0; ran < c.threads; round++ {
		progressed := false
		for hart := 0; hart < cfg.Harts; hart++ {
			if s.RunOne(harts.ID(hart)) {
				progressed = true
			}
		}
		if !progressed {
			break
		}
		if round > 4*c.threads {
			break // safety valve against an infinite loop bug
		}
	}

	fmt.Printf("ran %d/%d threads across %d harts\n", ran, c.threads, cfg.Harts)
	if ran != c.threads {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
