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

// Package sync re-exports the standard library's synchronization
// primitives under the kernel's own package path, so that every lock in
// the kernel is visibly a "kernel lock" at the call site and so that
// lock-ordering annotations can be hung off these types later without
// touching call sites.
package sync

import "sync"

// Mutex is a short-hold spinlock-equivalent. A Mutex must never be held
// across a task suspension point; catching misuse that way is left to
// the race detector and to code review, since Go lacks a non-Send
// marker to enforce it statically.
type Mutex = sync.Mutex

// RWMutex is used where readers significantly outnumber writers, e.g. a
// page table's PTE map (pagetables.PageTables).
type RWMutex = sync.RWMutex

// WaitGroup tracks outstanding goroutines.
type WaitGroup = sync.WaitGroup

// Cond is a condition variable.
type Cond = sync.Cond

// Once runs an initializer exactly once.
type Once = sync.Once

// Map is a concurrent map.
type Map = sync.Map
