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
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"rvkernel.dev/rvkernel/pkg/log"
)

// Idle harts poll the ready queue with exponential backoff between these
// bounds.
const (
	idleMinInterval = 50 * time.Microsecond
	idleMaxInterval = 10 * time.Millisecond
)

func newIdleBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = idleMinInterval
	b.MaxInterval = idleMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// runTasks is the scheduler loop of hart c. It returns when the kernel halts
// or ctx is cancelled.
func (k *Kernel) runTasks(ctx context.Context, c *CpuLocal) error {
	c.mu.Lock()
	c.idle = newIdleContext()
	c.mu.Unlock()
	k.kernelMS.Activate(c.mmu)
	log.Infof("Hart %d started", c.id)

	b := newIdleBackOff()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := k.readyQueue.Fetch(c.id)
		if t == nil {
			if k.readyQueue.Halted() {
				log.Infof("Hart %d halted", c.id)
				return nil
			}
			timer.Reset(b.NextBackOff())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-k.readyQueue.Done():
			case <-timer.C:
			}
			continue
		}
		b.Reset()
		k.dispatch(c, t)
	}
}

// dispatch runs t on hart c until it switches back, then requeues or reaps
// it.
func (k *Kernel) dispatch(c *CpuLocal, t *Task) {
	c.mu.Lock()
	t.mu.Lock()
	t.status = TaskRunning
	t.cpu = c
	next := t.ctx
	ms := t.ms
	t.mu.Unlock()
	ms.Activate(c.mmu)
	c.current = t
	idle := c.idle
	c.mu.Unlock()

	contextSwitches.Increment()
	switchContext(idle, next)

	// Back in the idle context. The task is switched out and cannot run
	// anywhere until it is pushed again.
	c.mu.Lock()
	k.kernelMS.Activate(c.mmu)
	t = c.takeCurrent()
	c.needResched.Store(false)
	switch status := t.Status(); status {
	case TaskReady:
		k.readyQueue.Push(t)
		c.mu.Unlock()
	case TaskDying:
		if t == k.init && !k.conf.TestMode {
			c.mu.Unlock()
			log.Infof("Init exited with code %d, halting", t.ExitCode())
			k.Halt()
			// The kernel's own reference keeps init until Release.
			t.DecRef()
			return
		}
		k.handleZombie(t)
		c.mu.Unlock()
		tasksReaped.Increment()
		t.DecRef()
	default:
		c.mu.Unlock()
		panic(fmt.Sprintf("hart %d: %v switched out in state %v", c.id, t, status))
	}
}

// entry returns the body of a task goroutine running main.
func (t *Task) entry(main func(*UserContext) int32) func() {
	return func() {
		uc := &UserContext{t: t}
		uc.exit(main(uc))
	}
}

// suspendCurrentTask marks t, the task running on its hart, ready and
// switches to the hart's idle context. It returns when t is dispatched
// again, possibly on another hart.
func (k *Kernel) suspendCurrentTask(t *Task) {
	c := t.currentCPU()
	c.mu.Lock()
	if c.current != t {
		panic(fmt.Sprintf("hart %d: suspend of %v, which is not current", c.id, t))
	}
	t.mu.Lock()
	t.status = TaskReady
	from := t.ctx
	t.mu.Unlock()
	idle := c.idle
	c.mu.Unlock()
	switchContext(from, idle)
}

// exitCurrentTask marks t dying with code and switches to the idle context
// of its hart. It does not return.
func (k *Kernel) exitCurrentTask(t *Task, code int32) {
	c := t.currentCPU()
	c.mu.Lock()
	if c.current != t {
		panic(fmt.Sprintf("hart %d: exit of %v, which is not current", c.id, t))
	}
	t.mu.Lock()
	t.status = TaskDying
	t.exitCode = code
	t.mu.Unlock()
	idle := c.idle
	c.mu.Unlock()
	log.Debugf("Task %d exited with code %d", t.PID(), code)
	moveToContext(idle)
}

// execNewTask switches from the calling goroutine to t's replacement
// context on the same hart, without going through the scheduler. It does
// not return.
func (k *Kernel) execNewTask(t *Task) {
	c := t.currentCPU()
	c.mu.Lock()
	if c.current != t {
		panic(fmt.Sprintf("hart %d: exec of %v, which is not current", c.id, t))
	}
	t.mu.Lock()
	next := t.ctx
	t.mu.Unlock()
	c.mu.Unlock()
	moveToContext(next)
}
