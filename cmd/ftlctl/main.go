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

// Command ftlctl drives FTL OS's kernel subsystems outside of a real
// RISC-V boot, one subcommand per concurrency scenario the kernel must
// get right. It exists so the scheduler, address-space, and RCU
// packages can be exercised and inspected from a shell the way runsc's
// "do" and "wait" subcommands exercise the sentry, following the same
// github.com/google/subcommands harness.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"ftl-os.dev/ftlos/kernel/rcu"
	"ftl-os.dev/ftlos/pkg/bootcfg"
	"ftl-os.dev/ftlos/pkg/log"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&workStealCmd{}, "scenarios")
	subcommands.Register(&cowForkCmd{}, "scenarios")
	subcommands.Register(&demandLoadRaceCmd{}, "scenarios")
	subcommands.Register(&munmapRaceCmd{}, "scenarios")
	subcommands.Register(&gracePeriodCmd{}, "scenarios")
	subcommands.Register(&wakeBeforeSuspendCmd{}, "scenarios")

	configPath := flag.String("config", "", "path to a bootcfg TOML file; defaults to bootcfg.Default()")
	flag.Parse()

	cfg := bootcfg.Default()
	if *configPath != "" {
		loaded, err := bootcfg.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	rcu.SetBatchThreshold(cfg.RCUBatchThreshold)

	os.Exit(int(subcommands.Execute(context.Background(), cfg)))
}
