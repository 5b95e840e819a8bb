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

// Harts and the ready queue.

import (
	"fmt"
	"sync"
	"sync/atomic"

	"rvkernel.dev/rvkernel/pkg/ring0/pagetables"
)

// CpuLocal is the per-hart scheduling state: the task the hart is running,
// and the hart's idle context, which is the scheduler loop itself.
//
// Invariant: a task is current on at most one hart.
type CpuLocal struct {
	// id is the hart number. Immutable.
	id int

	// mmu is the hart's MMU. Immutable.
	mmu *pagetables.MMU

	// needResched is set by the preemption timer and consumed by the
	// running task at its next syscall or memory access.
	needResched atomic.Bool

	mu sync.Mutex

	// current is the task running on the hart, nil if idle. It holds the
	// scheduler's reference while the task is switched in.
	//
	// +checklocks:mu
	current *Task

	// idle is the scheduler loop's context.
	//
	// +checklocks:mu
	idle *TaskContext
}

func newCpuLocal(id int) *CpuLocal {
	return &CpuLocal{
		id:  id,
		mmu: pagetables.NewMMU(id),
	}
}

// ID returns the hart number.
func (c *CpuLocal) ID() int {
	return c.id
}

// MMU returns the hart's MMU.
func (c *CpuLocal) MMU() *pagetables.MMU {
	return c.mmu
}

// Current returns the task running on the hart, or nil. The result is only
// a snapshot.
func (c *CpuLocal) Current() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// takeCurrent clears and returns the current task.
//
// +checklocks:c.mu
func (c *CpuLocal) takeCurrent() *Task {
	t := c.current
	if t == nil {
		panic(fmt.Sprintf("hart %d switched back from no task", c.id))
	}
	c.current = nil
	return t
}

// ReadyQueue is the global FIFO of runnable tasks, shared by all harts.
//
// The queue also tracks which harts found it empty. Once every hart is idle
// with nothing queued no task can become runnable again, and the queue
// halts: Fetch returns nil from then on and Done is closed.
type ReadyQueue struct {
	mu sync.Mutex

	// +checklocks:mu
	tasks []*Task

	// idle marks the harts whose last Fetch came back empty.
	//
	// +checklocks:mu
	idle []bool

	// +checklocks:mu
	numIdle int

	// +checklocks:mu
	halted bool

	// done is closed on halt.
	done chan struct{}
}

// NewReadyQueue returns an empty queue serving numCPUs harts.
func NewReadyQueue(numCPUs int) *ReadyQueue {
	return &ReadyQueue{
		idle: make([]bool, numCPUs),
		done: make(chan struct{}),
	}
}

// Push appends t. The queue takes over the caller's reference.
func (q *ReadyQueue) Push(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

// Fetch removes and returns the oldest task on behalf of hart cpu, or nil.
func (q *ReadyQueue) Fetch(cpu int) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.halted {
		return nil
	}
	if len(q.tasks) == 0 {
		if !q.idle[cpu] {
			q.idle[cpu] = true
			q.numIdle++
		}
		if q.numIdle == len(q.idle) {
			q.haltLocked()
		}
		return nil
	}
	if q.idle[cpu] {
		q.idle[cpu] = false
		q.numIdle--
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t
}

// Drain removes and returns every queued task, with the scheduler's
// references. It is meant for after the harts stopped.
func (q *ReadyQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// Len returns the number of queued tasks.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Halt stops the queue. It is idempotent.
func (q *ReadyQueue) Halt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.haltLocked()
}

// +checklocks:q.mu
func (q *ReadyQueue) haltLocked() {
	if !q.halted {
		q.halted = true
		close(q.done)
	}
}

// Halted returns true once the queue halted.
func (q *ReadyQueue) Halted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

// Done returns a channel closed on halt.
func (q *ReadyQueue) Done() <-chan struct{} {
	return q.done
}
