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
	"unsafe"

	"github.com/google/subcommands"

	"ftl-os.dev/ftlos/kernel/harts"
	"ftl-os.dev/ftlos/kernel/rcu"
	"ftl-os.dev/ftlos/pkg/bootcfg"
)

// gracePeriodCmd implements subcommands.Command for "grace-period": a
// reader enters a read-side critical section on hart 0, registers a
// deferred drop from inside it, and exits; two Quiesce calls then move
// the entry from pending into the current batch and drop it.
type gracePeriodCmd struct{}

func (*gracePeriodCmd) Name() string     { return "grace-period" }
func (*gracePeriodCmd) Synopsis() string { return "demonstrate an RCU grace period waiting on a reader" }
func (*gracePeriodCmd) Usage() string    { return "grace-period\n" }
func (*gracePeriodCmd) SetFlags(*flag.FlagSet) {}

func (c *gracePeriodCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(bootcfg.Config)
	for i := 0; i < cfg.Harts; i++ {
		harts.Register(harts.ID(i))
	}
	h0 := harts.Local(0)

	rcu.Enter(h0)
	fmt.Println("reader entered on hart 0")

	var dropped int
	obj := new(int)
	rcu.Register(h0, unsafe.Pointer(obj), func(unsafe.Pointer) {
		dropped++
	})

	rcu.Exit(h0)
	fmt.Println("reader exited; quiescing")

	rcu.Current().Quiesce()
	rcu.Current().Quiesce()

	fmt.Printf("dropped=%d\n", dropped)
	if dropped != 1 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
