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
	"fmt"
	"sync"
	"time"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/refs"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/mm"
)

// TaskStatus is the scheduling state of a task.
type TaskStatus int

// Task states. A task moves UnInit -> Ready <-> Running -> Dying -> Zombie.
const (
	// TaskUnInit is the state of a task under construction.
	TaskUnInit TaskStatus = iota

	// TaskReady is the state of a task waiting in the ready queue.
	TaskReady

	// TaskRunning is the state of a task that is current on a hart.
	TaskRunning

	// TaskDying is the state of a task that exited and has not been
	// switched out yet.
	TaskDying

	// TaskZombie is the state of a reaped task whose parent has not
	// collected its exit code.
	TaskZombie
)

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	switch s {
	case TaskUnInit:
		return "UnInit"
	case TaskReady:
		return "Ready"
	case TaskRunning:
		return "Running"
	case TaskDying:
		return "Dying"
	case TaskZombie:
		return "Zombie"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// Task is a process: a kernel stack, an address space and a place in the
// process tree.
//
// Each task runs on a goroutine of its own, the task goroutine, which
// executes the current program's Main. The task goroutine only runs while
// the task is current on some hart; see TaskContext.
//
// References: the scheduler holds one reference from creation until the task
// is reaped, and the parent's children list holds one until the parent
// collects the exit code. The parent pointer is weak. When the last
// reference is dropped the kernel stack, PID, address space and file
// descriptors are released.
type Task struct {
	refs.AtomicRefCount

	// k is the owning kernel. Immutable.
	k *Kernel

	// pid is the task's ID. It is released when the task is destroyed.
	// Immutable.
	pid *PID

	// kstack holds the first trap frame. Immutable.
	kstack *KernelStack

	// signals is shared with the kernel's SignalTable. Immutable.
	signals *Signals

	// startTime is when the task was created. Immutable.
	startTime time.Time

	mu sync.Mutex

	// status is the scheduling state.
	//
	// +checklocks:mu
	status TaskStatus

	// ctx is the context the task resumes in. Exec replaces it.
	//
	// +checklocks:mu
	ctx *TaskContext

	// cpu is the hart the task was last dispatched on.
	//
	// +checklocks:mu
	cpu *CpuLocal

	// dir is the working directory.
	//
	// +checklocks:mu
	dir string

	// ppid is the reported parent ID, NoParent if none.
	//
	// +checklocks:mu
	ppid ThreadID

	// parent is a weak back reference, nil if none.
	//
	// +checklocks:mu
	parent *refs.WeakRef[*Task]

	// children hold a reference each.
	//
	// +checklocks:mu
	children []*Task

	// exitCode is valid once status is TaskDying.
	//
	// +checklocks:mu
	exitCode int32

	// heapTop is the program break. The heap shares the stack area, growing
	// up from riscv.UserStackOffset toward the stack pointer.
	//
	// +checklocks:mu
	heapTop riscv.Addr

	// ms is the address space.
	//
	// +checklocks:mu
	ms *mm.MemorySet

	// fds is the descriptor table.
	//
	// +checklocks:mu
	fds *FDTable

	// name is the name of the program being run.
	//
	// +checklocks:mu
	name string
}

// Kernel returns the task's kernel.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// PID returns the task's ID.
func (t *Task) PID() ThreadID {
	return t.pid.TID()
}

// Signals returns the task's signal state.
func (t *Task) Signals() *Signals {
	return t.signals
}

// StartTime returns when the task was created.
func (t *Task) StartTime() time.Time {
	return t.startTime
}

// Name returns the name of the program the task runs.
func (t *Task) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// PPID returns the reported parent ID. A task without a parent reports
// InitTID.
func (t *Task) PPID() ThreadID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ppid == NoParent {
		return InitTID
	}
	return t.ppid
}

// Parent returns the parent task with a reference the caller must drop, or
// false if there is none or it is gone.
func (t *Task) Parent() (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.parent.Get()
}

// ChildIDs returns the IDs of the task's children, in the order they were
// added.
func (t *Task) ChildIDs() []ThreadID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]ThreadID, 0, len(t.children))
	for _, c := range t.children {
		ids = append(ids, c.PID())
	}
	return ids
}

// Status returns the scheduling state.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// ExitCode returns the exit code. It is meaningful once the task is dying.
func (t *Task) ExitCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// CodeIfExited returns the exit code if the task is a zombie. It does not
// block: if the task's lock is held, the task is reported as running.
func (t *Task) CodeIfExited() (int32, bool) {
	if !t.mu.TryLock() {
		return 0, false
	}
	defer t.mu.Unlock()
	if t.status != TaskZombie {
		return 0, false
	}
	return t.exitCode, true
}

// Dir returns the working directory.
func (t *Task) Dir() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir
}

// SetDir changes the working directory.
func (t *Task) SetDir(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dir = dir
}

// MemorySet returns the address space.
func (t *Task) MemorySet() *mm.MemorySet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms
}

// FDTable returns the descriptor table.
func (t *Task) FDTable() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fds
}

// FirstContext returns the trap frame saved on the kernel stack.
func (t *Task) FirstContext() TrapFrame {
	return t.kstack.FirstContext()
}

// currentCPU returns the hart the task runs on.
func (t *Task) currentCPU() *CpuLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cpu == nil {
		panic(fmt.Sprintf("task %d was never dispatched", t.PID()))
	}
	return t.cpu
}

// HeapTop returns the program break.
func (t *Task) HeapTop() riscv.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heapTop
}

// SetHeapTop moves the program break to newTop if it stays at or above
// riscv.UserStackOffset and below the user stack pointer, and returns the
// break in effect afterwards.
func (t *Task) SetHeapTop(newTop riscv.Addr) riscv.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if newTop >= riscv.UserStackOffset && newTop < t.kstack.FirstContext().SP() {
		t.heapTop = newTop
	}
	return t.heapTop
}

// Mmap maps [start, end) with flags holding a copy of data at its start and
// returns the address it was placed at. A range shorter than data fails
// without touching the address space.
func (t *Task) Mmap(start, end riscv.Addr, flags riscv.PTEFlags, data []byte, anywhere bool) (riscv.Addr, error) {
	if end > start && uint64(end-start) < uint64(len(data)) {
		return 0, fmt.Errorf("mmap of %d bytes into [%#x, %#x): %w", len(data), start, end, kernerr.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.PushWithData(start, end, flags, data, anywhere)
}

// Munmap unmaps [start, end).
func (t *Task) Munmap(start, end riscv.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.Pop(start, end)
}

// MProtect changes the protection of [start, end).
func (t *Task) MProtect(start, end riscv.Addr, flags riscv.PTEFlags) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.MProtect(start, end, flags)
}

// HandlePageFault resolves a user fault at va.
func (t *Task) HandlePageFault(va riscv.Addr, access riscv.AccessType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ms.HandlePageFault(va, access)
}

// WaitChild collects a zombie child. pid selects the child, or any child if
// it is negative. It returns kernerr.ErrNoChild if no child matches and
// kernerr.ErrWouldBlock if none of the matching children has exited.
func (t *Task) WaitChild(pid ThreadID) (ThreadID, int32, error) {
	t.mu.Lock()
	found := false
	for i, c := range t.children {
		if pid >= 0 && c.PID() != pid {
			continue
		}
		found = true
		code, ok := c.CodeIfExited()
		if !ok {
			continue
		}
		t.children = append(t.children[:i], t.children[i+1:]...)
		t.mu.Unlock()
		tid := c.PID()
		c.DecRef()
		return tid, code, nil
	}
	t.mu.Unlock()
	if !found {
		return 0, 0, kernerr.ErrNoChild
	}
	return 0, 0, kernerr.ErrWouldBlock
}

// DecRef drops a reference and destroys the task when it was the last.
func (t *Task) DecRef() {
	t.AtomicRefCount.DecRef(t.destroy)
}

// destroy releases everything the task owns.
func (t *Task) destroy() {
	refs.Unregister(t)
	t.mu.Lock()
	ms, fds := t.ms, t.fds
	t.ms, t.fds = nil, nil
	for _, c := range t.children {
		c.DecRef()
	}
	t.children = nil
	t.mu.Unlock()

	if fds != nil {
		fds.RemoveAll()
	}
	if ms != nil {
		ms.Release()
	}
	t.kstack.Release()
	// Reaped tasks were deregistered already. Init halting the kernel and
	// tasks left queued at halt are never reaped.
	t.k.signals.Deregister(t.PID())
	log.Debugf("Task %d destroyed", t.PID())
	t.pid.Release()
	tasksDestroyed.Increment()
}

// RefType implements refs.CheckedObject.RefType.
func (t *Task) RefType() string {
	return "kernel.Task"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (t *Task) LeakMessage() string {
	return fmt.Sprintf("[kernel.Task %p] task %d (%s) in state %v: %d refs", t, t.PID(), t.Name(), t.Status(), t.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (t *Task) LogRefs() bool {
	return false
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s)", t.PID(), t.Name())
}
