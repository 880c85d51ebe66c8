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

// Package cleanup provides scope-exit cleanup, used wherever a sequence of
// fallible steps must be unwound on any early return, including a panic.
// This is the mechanism behind the outermost task wrapper's guarantee that
// a panic mid-poll still restores the previous hart context.
package cleanup

// Cleanup runs a function unless it is released or already clean. This is
// used to simplify functions with complex cleanup.
type Cleanup struct {
	cleanup func()
}

// Make returns a Cleanup that will run f unless Release or Clean is
// called first.
func Make(f func()) Cleanup {
	return Cleanup{cleanup: f}
}

// Clean runs any cleanup if it hasn't already been released, and marks
// the Cleanup as released so it can be deferred again without harm.
func (c *Cleanup) Clean() {
	if c.cleanup != nil {
		c.cleanup()
		c.cleanup = nil
	}
}

// Release prevents Clean from running the cleanup function.
func (c *Cleanup) Release() Cleanup {
	c.cleanup = nil
	return *c
}

// Add adds a function to be called when the existing cleanup runs. Added
// functions run in the reverse of the order in which they were added, like
// defer.
func (c *Cleanup) Add(f func()) {
	if c.cleanup == nil {
		c.cleanup = f
		return
	}
	cleanup := c.cleanup
	c.cleanup = func() {
		f()
		cleanup()
	}
}
