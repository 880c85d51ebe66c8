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

	"ftl-os.dev/ftlos/kernel/proc"
	"ftl-os.dev/ftlos/mm/region"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/bootcfg"
	"ftl-os.dev/ftlos/pkg/kernerr"
)

// munmapRaceCmd implements subcommands.Command for "munmap-race": a
// fault is dispatched to NeedsAsync, then (simulating a concurrent hart)
// the segment is unmapped before the pending fault completes. The
// stale fault must fail cleanly rather than install a PTE into a
// segment that no longer exists.
type munmapRaceCmd struct{}

func (*munmapRaceCmd) Name() string     { return "munmap-race" }
func (*munmapRaceCmd) Synopsis() string { return "unmap a segment while its async fault is in flight" }
func (*munmapRaceCmd) Usage() string    { return "munmap-race\n" }
func (*munmapRaceCmd) SetFlags(*flag.FlagSet) {}

func (c *munmapRaceCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(bootcfg.Config)
	alloc := pagetables.NewFrameAllocator()
	p := proc.New(alloc, pagetables.ASID(cfg.Harts))

	r := region.Range{Start: 0, End: pagetables.PageSize}
	h := region.NewFileBacked(pagetables.ReadOnly, &fakeBlockReader{}, 0, r.Start)
	if err := p.AS.Map(r, h); err != nil {
		fmt.Println("map failed:", err)
		return subcommands.ExitFailure
	}

	_, pending, err := p.AS.HandleFault(0, region.AccessType{Read: true})
	if err != nil {
		fmt.Println("fault dispatch failed:", err)
		return subcommands.ExitFailure
	}
	if pending == nil {
		fmt.Println("expected an async fault, got a synchronous resolution")
		return subcommands.ExitFailure
	}

	if err := p.AS.Unmap(r); err != nil {
		fmt.Println("unmap failed:", err)
		return subcommands.ExitFailure
	}

	err = pending.Complete()
	fmt.Println("stale fault completion result:", err)
	if err != kernerr.BadAddress {
		fmt.Println("expected kernerr.BadAddress, got something else")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
