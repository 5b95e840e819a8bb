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

package kernel

import (
	"runtime"
)

// TaskContext is a suspended flow of control: the idle loop of a hart, or a
// task's kernel thread.
//
// Calling convention. Every context runs on a goroutine of its own, and at
// most one goroutine per hart is runnable at any instant; all others are
// parked in their context's resume channel. A switch resumes the target and
// then parks (switchContext) or terminates (moveToContext) the caller. All
// register state lives on the parked goroutine's stack, so nothing is saved
// explicitly; the user-visible registers that must survive a context being
// replaced (entry, sp, a0, a1) are kept in the trap frame at the base of the
// task's kernel stack.
//
// A switch is the only suspension point. The caller must not hold any lock
// across it: the context that runs next may need the same lock, and the
// caller may be resumed on a different hart.
type TaskContext struct {
	// resume receives one token per resumption. It is buffered so that the
	// resumer never waits for the target to park.
	resume chan struct{}

	// entry is run on a new goroutine the first time the context is
	// resumed. It is nil for contexts that already have a goroutine.
	entry func()
}

// newTaskContext returns a context that will run entry when first resumed.
func newTaskContext(entry func()) *TaskContext {
	return &TaskContext{
		resume: make(chan struct{}, 1),
		entry:  entry,
	}
}

// newIdleContext returns the context of the calling goroutine.
func newIdleContext() *TaskContext {
	return &TaskContext{resume: make(chan struct{}, 1)}
}

// wake makes c runnable.
func (c *TaskContext) wake() {
	if entry := c.entry; entry != nil {
		c.entry = nil
		go entry()
		return
	}
	c.resume <- struct{}{}
}

// park blocks the calling goroutine until c is woken.
func (c *TaskContext) park() {
	<-c.resume
}

// switchContext suspends the caller into from and resumes to. It returns
// when from is resumed.
func switchContext(from, to *TaskContext) {
	to.wake()
	from.park()
}

// moveToContext resumes to and terminates the calling goroutine. Deferred
// calls of the caller run before it exits.
func moveToContext(to *TaskContext) {
	to.wake()
	runtime.Goexit()
}
