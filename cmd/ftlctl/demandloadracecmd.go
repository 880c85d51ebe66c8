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
	"sync"
	"sync/atomic"

	"github.com/google/subcommands"

	"ftl-os.dev/ftlos/kernel/proc"
	"ftl-os.dev/ftlos/mm/region"
	"ftl-os.dev/ftlos/pagetables"
	"ftl-os.dev/ftlos/pkg/bootcfg"
)

// fakeBlockReader answers every ReadBlock with a fixed byte pattern,
// standing in for the out-of-scope block-device stack, and counts how
// many times it was actually called so the demo can assert the
// single-read guarantee rather than just the end state.
type fakeBlockReader struct {
	reads atomic.Int64
}

func (r *fakeBlockReader) ReadBlock(offset int64, buf []byte) (int, error) {
	r.reads.Add(1)
	for i := range buf {
		buf[i] = byte(offset)
	}
	return len(buf), nil
}

// demandLoadRaceCmd implements subcommands.Command for
// "demand-load-race": two concurrent faulters race to complete the
// async load of the same file-backed page. Exactly one disk read must
// occur and both faulters must observe success with identical frame
// contents, regardless of which Complete call runs first.
type demandLoadRaceCmd struct{}

func (*demandLoadRaceCmd) Name() string { return "demand-load-race" }
func (*demandLoadRaceCmd) Synopsis() string {
	return "race two concurrent faulters against the same file-backed page"
}
func (*demandLoadRaceCmd) Usage() string        { return "demand-load-race\n" }
func (*demandLoadRaceCmd) SetFlags(*flag.FlagSet) {}

func (c *demandLoadRaceCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	cfg := args[0].(bootcfg.Config)
	alloc := pagetables.NewFrameAllocator()
	p := proc.New(alloc, pagetables.ASID(cfg.Harts))

	reader := &fakeBlockReader{}
	r := region.Range{Start: 0, End: pagetables.PageSize}
	h := region.NewFileBacked(pagetables.ReadOnly, reader, 0, r.Start)
	if err := p.AS.Map(r, h); err != nil {
		fmt.Println("map failed:", err)
		return subcommands.ExitFailure
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, pending, err := p.AS.HandleFault(0, region.AccessType{Read: true})
			if err != nil {
				errs[i] = err
				return
			}
			if pending != nil {
				errs[i] = pending.Complete()
				return
			}
			_ = result
		}()
	}
	wg.Wait()

	for i, err := range errs {
		fmt.Printf("faulter %d: err=%v\n", i, err)
	}
	fmt.Printf("disk reads performed: %d\n", reader.reads.Load())
	if reader.reads.Load() != 1 {
		fmt.Println("expected exactly one disk read")
		return subcommands.ExitFailure
	}
	for _, err := range errs {
		if err != nil {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}
