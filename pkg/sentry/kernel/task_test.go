// Copyright 2024 The gVisor Authors.
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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
)

func nop(*UserContext) int32 { return 0 }

// kill marks t dying with code, as exiting on a hart would.
func kill(t *Task, code int32) {
	t.mu.Lock()
	t.status = TaskDying
	t.exitCode = code
	t.mu.Unlock()
}

func mustFork(t *testing.T, parent *Task) *Task {
	t.Helper()
	child, err := parent.Fork(0, nop)
	if err != nil {
		t.Fatalf("Fork of %v: %v", parent, err)
	}
	return child
}

func areaNames(task *Task) []string {
	var names []string
	for _, v := range task.MemorySet().Areas() {
		names = append(names, v.Name())
	}
	return names
}

func TestHandleZombieReparents(t *testing.T) {
	k := newTestKernel(t, Config{}, testProgram("init", nop))
	init, err := k.CreateInit("init", nil)
	if err != nil {
		t.Fatalf("CreateInit: %v", err)
	}
	a := mustFork(t, init)
	b := mustFork(t, a)
	c := mustFork(t, a)

	if got := b.PPID(); got != a.PID() {
		t.Errorf("b.PPID() = %d, want %d", got, a.PID())
	}
	kill(a, 1)
	k.handleZombie(a)

	if got := a.Status(); got != TaskZombie {
		t.Errorf("a.Status() = %v, want %v", got, TaskZombie)
	}
	for _, child := range []*Task{b, c} {
		if got := child.PPID(); got != InitTID {
			t.Errorf("%v.PPID() = %d, want %d", child, got, InitTID)
		}
		if p, ok := child.Parent(); !ok || p != init {
			t.Errorf("%v.Parent() = %v, %t, want init", child, p, ok)
		} else {
			p.DecRef()
		}
	}
	if diff := cmp.Diff([]ThreadID{a.PID(), b.PID(), c.PID()}, init.ChildIDs()); diff != "" {
		t.Errorf("init children (-want +got):\n%s", diff)
	}
	if got := a.ChildIDs(); len(got) != 0 {
		t.Errorf("a still has children %v", got)
	}
	if _, ok := k.SignalTable().Lookup(a.PID()); ok {
		t.Errorf("zombie still registered for signals")
	}

	if _, _, err := init.WaitChild(b.PID()); !errors.Is(err, kernerr.ErrWouldBlock) {
		t.Errorf("WaitChild(b): got %v, want %v", err, kernerr.ErrWouldBlock)
	}
	pid, code, err := init.WaitChild(-1)
	if err != nil || pid != a.PID() || code != 1 {
		t.Errorf("WaitChild(-1) = %d, %d, %v, want %d, 1, nil", pid, code, err, a.PID())
	}
	// Drop the scheduler's reference, as dispatch does.
	apid := a.PID()
	a.DecRef()
	if k.PIDs().InUse(apid) {
		t.Errorf("PID %d still in use after the last reference was dropped", apid)
	}

	for _, child := range []*Task{b, c} {
		kill(child, 2)
		k.handleZombie(child)
		if _, code, err := init.WaitChild(child.PID()); err != nil || code != 2 {
			t.Errorf("WaitChild(%v) = %d, %v", child, code, err)
		}
		child.DecRef()
	}
	if _, _, err := init.WaitChild(-1); !errors.Is(err, kernerr.ErrNoChild) {
		t.Errorf("WaitChild on no children: got %v, want %v", err, kernerr.ErrNoChild)
	}
	// Init is still in the ready queue, holding the scheduler's reference.
	if got := k.ReadyQueue().Fetch(0); got != init {
		t.Fatalf("Fetch() = %v, want init", got)
	}
	init.DecRef()
	k.checkReleased(t)
}

func TestHandleZombieTestModeOrphans(t *testing.T) {
	k := newTestKernel(t, Config{TestMode: true}, testProgram("init", nop))
	init, err := k.CreateInit("init", nil)
	if err != nil {
		t.Fatalf("CreateInit: %v", err)
	}
	a := mustFork(t, init)
	b := mustFork(t, a)

	kill(a, 3)
	k.handleZombie(a)
	if _, ok := b.Parent(); ok {
		t.Errorf("orphan still has a parent")
	}
	if got := b.PPID(); got != InitTID {
		t.Errorf("orphan PPID() = %d, want %d", got, InitTID)
	}
	if diff := cmp.Diff([]ThreadID{a.PID()}, init.ChildIDs()); diff != "" {
		t.Errorf("init children (-want +got):\n%s", diff)
	}
	want := []ExitReport{{PID: a.PID(), Name: "init", Code: 3}}
	if diff := cmp.Diff(want, k.TestResults()); diff != "" {
		t.Errorf("TestResults (-want +got):\n%s", diff)
	}

	init.WaitChild(a.PID())
	a.DecRef()
	kill(b, 0)
	k.handleZombie(b)
	b.DecRef()
	k.ReadyQueue().Fetch(0).DecRef()
	k.checkReleased(t)
}

func TestCodeIfExited(t *testing.T) {
	k := newTestKernel(t, Config{}, testProgram("init", nop))
	task, err := k.FromAppName("init", nil)
	if err != nil {
		t.Fatalf("FromAppName: %v", err)
	}
	if _, ok := task.CodeIfExited(); ok {
		t.Errorf("CodeIfExited of a ready task succeeded")
	}
	kill(task, 4)
	if _, ok := task.CodeIfExited(); ok {
		t.Errorf("CodeIfExited of a dying task succeeded")
	}
	k.handleZombie(task)
	task.mu.Lock()
	if _, ok := task.CodeIfExited(); ok {
		t.Errorf("CodeIfExited succeeded with the task locked")
	}
	task.mu.Unlock()
	if code, ok := task.CodeIfExited(); !ok || code != 4 {
		t.Errorf("CodeIfExited() = %d, %t, want 4, true", code, ok)
	}
	task.DecRef()
	k.checkReleased(t)
}

func TestMmapRejectsShortRange(t *testing.T) {
	k := newTestKernel(t, Config{}, testProgram("init", nop))
	task, err := k.FromAppName("init", nil)
	if err != nil {
		t.Fatalf("FromAppName: %v", err)
	}
	before := areaNames(task)
	start := riscv.Addr(0x1000_0000)
	if _, err := task.Mmap(start, start+riscv.PageSize, riscv.ReadWrite, make([]byte, riscv.PageSize+1), false); !errors.Is(err, kernerr.ErrInvalidArgument) {
		t.Errorf("Mmap: got %v, want %v", err, kernerr.ErrInvalidArgument)
	}
	if diff := cmp.Diff(before, areaNames(task)); diff != "" {
		t.Errorf("areas changed by a rejected Mmap (-want +got):\n%s", diff)
	}
	got, err := task.Mmap(start, start+riscv.PageSize, riscv.ReadWrite, make([]byte, riscv.PageSize), false)
	if err != nil || got != start {
		t.Errorf("Mmap of an exact fit = %#x, %v, want %#x", got, err, start)
	}
	task.DecRef()
	k.checkReleased(t)
}

func TestSetHeapTop(t *testing.T) {
	k := newTestKernel(t, Config{}, testProgram("init", nop))
	task, err := k.FromAppName("init", nil)
	if err != nil {
		t.Fatalf("FromAppName: %v", err)
	}
	defer func() {
		task.DecRef()
		k.checkReleased(t)
	}()
	sp := task.FirstContext().SP()
	for _, tc := range []struct {
		name string
		top  riscv.Addr
		want riscv.Addr
	}{
		{name: "initial", top: riscv.UserStackOffset, want: riscv.UserStackOffset},
		{name: "grow", top: riscv.UserStackOffset + 3*riscv.PageSize, want: riscv.UserStackOffset + 3*riscv.PageSize},
		{name: "below stack area", top: riscv.UserStackOffset - 1, want: riscv.UserStackOffset + 3*riscv.PageSize},
		{name: "at stack pointer", top: sp, want: riscv.UserStackOffset + 3*riscv.PageSize},
		{name: "just below stack pointer", top: sp - 1, want: sp - 1},
		{name: "shrink", top: riscv.UserStackOffset + 1, want: riscv.UserStackOffset + 1},
	} {
		if got := task.SetHeapTop(tc.top); got != tc.want {
			t.Errorf("%s: SetHeapTop(%#x) = %#x, want %#x", tc.name, tc.top, got, tc.want)
		}
	}
}

func TestForkState(t *testing.T) {
	k := newTestKernel(t, Config{}, testProgram("init", nop))
	parent, err := k.FromAppName("init", []string{"init", "x"})
	if err != nil {
		t.Fatalf("FromAppName: %v", err)
	}
	parent.SetDir("/srv")
	parent.SetHeapTop(riscv.UserStackOffset + riscv.PageSize)
	parent.Signals().SetAction(10, SigAction{Handler: 0x1234})

	const stack = riscv.UserStackOffset + 0x1000
	child, err := parent.Fork(stack, nop)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if got := child.Dir(); got != "/srv" {
		t.Errorf("child Dir() = %q", got)
	}
	if got := child.HeapTop(); got != riscv.UserStackOffset+riscv.PageSize {
		t.Errorf("child HeapTop() = %#x", got)
	}
	if got := child.Signals().Action(10); got.Handler != 0x1234 {
		t.Errorf("child action = %+v", got)
	}
	parent.Signals().SetAction(10, SigAction{})
	if got := child.Signals().Action(10); got.Handler != 0x1234 {
		t.Errorf("child action changed with the parent's: %+v", got)
	}
	tf := child.FirstContext()
	if tf.A0() != 0 || tf.SP() != stack {
		t.Errorf("child frame a0 = %d, sp = %#x, want 0, %#x", tf.A0(), tf.SP(), stack)
	}
	if got, want := tf.A1(), parent.FirstContext().A1(); got != want {
		t.Errorf("child argv = %#x, want %#x", got, want)
	}
	if got, want := child.FDTable().Size(), 3; got != want {
		t.Errorf("child has %d descriptors, want %d", got, want)
	}
	if diff := cmp.Diff(areaNames(parent), areaNames(child)); diff != "" {
		t.Errorf("child areas (-parent +child):\n%s", diff)
	}

	kill(child, 0)
	k.handleZombie(child)
	parent.WaitChild(child.PID())
	child.DecRef()
	parent.DecRef()
	k.checkReleased(t)
}

func TestForkOfDyingTask(t *testing.T) {
	k := newTestKernel(t, Config{}, testProgram("init", nop))
	task, err := k.FromAppName("init", nil)
	if err != nil {
		t.Fatalf("FromAppName: %v", err)
	}
	if _, err := task.Fork(0, nil); !errors.Is(err, kernerr.ErrInvalidArgument) {
		t.Errorf("Fork without main: got %v, want %v", err, kernerr.ErrInvalidArgument)
	}
	kill(task, 0)
	if _, err := task.Fork(0, nop); !errors.Is(err, kernerr.ErrInvalidArgument) {
		t.Errorf("Fork of a dying task: got %v, want %v", err, kernerr.ErrInvalidArgument)
	}
	k.handleZombie(task)
	task.DecRef()
	k.checkReleased(t)
}

func TestDispatchUnexpectedStatus(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status TaskStatus
	}{
		{name: "running", status: TaskRunning},
		{name: "uninit", status: TaskUnInit},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// The task hands the hart back without going through yield or
			// exit, leaving its status as set here.
			k := newTestKernel(t, Config{}, testProgram("init", func(uc *UserContext) int32 {
				c := uc.t.currentCPU()
				uc.t.mu.Lock()
				uc.t.status = tc.status
				uc.t.mu.Unlock()
				c.mu.Lock()
				idle := c.idle
				c.mu.Unlock()
				moveToContext(idle)
				return 0
			}))
			task, err := k.FromAppName("init", nil)
			if err != nil {
				t.Fatalf("FromAppName: %v", err)
			}
			c := k.CPUs()[0]
			c.mu.Lock()
			c.idle = newIdleContext()
			c.mu.Unlock()

			msg := func() (msg string) {
				defer func() {
					msg = fmt.Sprint(recover())
				}()
				k.dispatch(c, task)
				return ""
			}()
			want := fmt.Sprintf("switched out in state %v", tc.status)
			if !strings.Contains(msg, want) {
				t.Errorf("dispatch panic: got %q, want it to contain %q", msg, want)
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.current != nil {
				t.Errorf("hart still has %v current after the panic", c.current)
			}
		})
	}
}
