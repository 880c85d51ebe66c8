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

// Package atomicbitops provides typed atomic integers, so that every
// atomically-accessed word in the kernel (the run-state word, the RCU
// epoch word, the address-space version counter) carries its width and signedness in its
// type rather than being accessed through untyped unsafe.Pointer games.
package atomicbitops

import "sync/atomic"

// Int32 is an atomic int32.
type Int32 struct {
	v atomic.Int32
}

// FromInt32 returns an Int32 initialized to v.
func FromInt32(v int32) Int32 {
	var i Int32
	i.v.Store(v)
	return i
}

// Load reads the value.
func (i *Int32) Load() int32 { return i.v.Load() }

// Store writes the value.
func (i *Int32) Store(v int32) { i.v.Store(v) }

// Add adds delta and returns the new value.
func (i *Int32) Add(delta int32) int32 { return i.v.Add(delta) }

// CompareAndSwap performs a CAS.
func (i *Int32) CompareAndSwap(old, new int32) bool { return i.v.CompareAndSwap(old, new) }

// Swap exchanges the value and returns the previous one.
func (i *Int32) Swap(new int32) int32 { return i.v.Swap(new) }

// Uint32 is an atomic uint32.
type Uint32 struct {
	v atomic.Uint32
}

// FromUint32 returns a Uint32 initialized to v.
func FromUint32(v uint32) Uint32 {
	var u Uint32
	u.v.Store(v)
	return u
}

// Load reads the value.
func (u *Uint32) Load() uint32 { return u.v.Load() }

// Store writes the value.
func (u *Uint32) Store(v uint32) { u.v.Store(v) }

// Add adds delta and returns the new value.
func (u *Uint32) Add(delta uint32) uint32 { return u.v.Add(delta) }

// CompareAndSwap performs a CAS.
func (u *Uint32) CompareAndSwap(old, new uint32) bool { return u.v.CompareAndSwap(old, new) }

// Uint64 is an atomic uint64, used for the RCU manager's single-word
// flags.
type Uint64 struct {
	v atomic.Uint64
}

// FromUint64 returns a Uint64 initialized to v.
func FromUint64(v uint64) Uint64 {
	var u Uint64
	u.v.Store(v)
	return u
}

// Load reads the value.
func (u *Uint64) Load() uint64 { return u.v.Load() }

// Store writes the value.
func (u *Uint64) Store(v uint64) { u.v.Store(v) }

// CompareAndSwap performs a CAS; callers retry in a loop on failure.
func (u *Uint64) CompareAndSwap(old, new uint64) bool { return u.v.CompareAndSwap(old, new) }
