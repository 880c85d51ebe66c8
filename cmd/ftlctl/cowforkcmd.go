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
)

// cowForkCmd implements subcommands.Command for "cow-fork": it maps a
// lazy-anonymous segment, faults one page in, forks, and prints the
// outcome of the parent's initial write fault and of the child's write
// fault after the fork.
type cowForkCmd struct{}

func (*cowForkCmd) Name() string     { return "cow-fork" }
func (*cowForkCmd) Synopsis() string { return "demonstrate copy-on-write fork and first-write unsharing" }
func (*cowForkCmd) Usage() string    { return "cow-fork\n" }
func (*cowForkCmd) SetFlags(*flag.FlagSet) {}

func (c *cowForkCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(bootcfg.Config)
	alloc := pagetables.NewFrameAllocator()

	parent := proc.New(alloc, pagetables.ASID(cfg.Harts))
	r := region.Range{Start: 0, End: pagetables.PageSize}
	h := region.NewLazyAnonymous(pagetables.ReadWrite)
	if err := parent.AS.Map(r, h); err != nil {
		fmt.Println("map failed:", err)
		return subcommands.ExitFailure
	}

	result, _, err := parent.AS.HandleFault(0, region.AccessType{Write: true})
	if err != nil {
		fmt.Println("initial fault failed:", err)
		return subcommands.ExitFailure
	}
	fmt.Println("initial fault outcome:", result)

	child, err := parent.AS.Fork(pagetables.ASID(cfg.Harts + 1))
	if err != nil {
		fmt.Println("fork failed:", err)
		return subcommands.ExitFailure
	}

	result, _, err = child.HandleFault(0, region.AccessType{Write: true})
	if err != nil {
		fmt.Println("child write fault failed:", err)
		return subcommands.ExitFailure
	}
	fmt.Println("child write-fault outcome after fork:", result)
	return subcommands.ExitSuccess
}
