// Copyright 2020 The gVisor Authors.
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

// Package bootcfg holds the boot-time tunables of an FTL OS instance,
// loaded from a TOML file the way runsc/config loads its flag/file-driven
// configuration.
package bootcfg

import (
	"github.com/BurntSushi/toml"
)

// Config holds the tunables that affect scheduling and reclamation
// policy but never correctness: every kernel invariant must hold for
// any values here within their documented ranges.
type Config struct {
	// Harts is the number of harts (logical CPUs) to simulate. Must be
	// between 1 and harts.MaxHarts.
	Harts int `toml:"harts"`

	// StealBatch bounds how many tasks may be moved from a victim's local
	// queue in one steal.
	StealBatch int `toml:"steal_batch"`

	// RCUBatchThreshold is how many deferred objects a hart buffers
	// locally before flushing to the global pending list, amortizing
	// atomic-RMW cost.
	RCUBatchThreshold int `toml:"rcu_batch_threshold"`

	// LogLevel is one of "debug", "info", "warning".
	LogLevel string `toml:"log_level"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Harts:             4,
		StealBatch:        32,
		RCUBatchThreshold: 64,
		LogLevel:          "info",
	}
}

// Load reads a TOML file at path into a Config seeded with Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
