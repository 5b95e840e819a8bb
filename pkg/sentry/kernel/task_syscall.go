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
	"encoding/binary"
	goerrors "errors"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/riscv"
)

// syscallNames are the values of the syscall field of the syscall counter.
var syscallNames = []string{
	"getpid", "getppid", "yield", "exit", "fork", "exec", "wait",
	"mmap", "munmap", "mprotect", "brk",
	"sigaction", "sigprocmask", "kill",
	"read", "write", "close", "dup", "chdir", "getcwd",
}

// maxArgLen bounds each argument string read back from the user stack.
const maxArgLen = 4096

// faultLog reports user faults. A looping program can fault far more often
// than anyone wants to read about.
var faultLog = log.BasicRateLimitedLogger(time.Second)

// UserContext is the interface between a user program and the kernel: its
// system calls and its accesses to user memory. It is only valid on the
// goroutine of the task it was created for, while that task runs.
//
// Exit, Exec and fatal faults do not return: they end the calling goroutine
// with runtime.Goexit. Programs must not defer calls into the UserContext.
type UserContext struct {
	t *Task
}

// Task returns the calling task.
func (uc *UserContext) Task() *Task {
	return uc.t
}

// enter is the common system call prologue. The task is preempted here if
// its time slice ran out, and pending signals are delivered.
func (uc *UserContext) enter(sysno string) {
	syscallCount.Increment(sysno)
	uc.checkPreempt()
	uc.deliverSignals()
}

func (uc *UserContext) checkPreempt() {
	c := uc.t.currentCPU()
	if c.needResched.Swap(false) {
		uc.t.k.suspendCurrentTask(uc.t)
	}
}

// defaultIgnored are the signals whose default action is to do nothing.
var defaultIgnored = SignalSetOf(unix.SIGCHLD) | SignalSetOf(unix.SIGURG) | SignalSetOf(unix.SIGWINCH) | SignalSetOf(unix.SIGCONT)

// deliverSignals acts on every deliverable pending signal. User handlers
// cannot be entered, so signals with a handler are dropped.
func (uc *UserContext) deliverSignals() {
	for {
		sig, act, ok := uc.t.signals.Dequeue()
		if !ok {
			return
		}
		switch {
		case act.Handler == SigIgn:
		case act.Handler == SigDfl:
			if defaultIgnored&SignalSetOf(sig) != 0 {
				continue
			}
			log.Debugf("Task %d killed by %v", uc.t.PID(), sig)
			uc.exit(-int32(sig))
		default:
			log.Warningf("Task %d: dropping %v, handler %#x cannot run", uc.t.PID(), sig, act.Handler)
		}
	}
}

// Getpid returns the caller's ID.
func (uc *UserContext) Getpid() ThreadID {
	uc.enter("getpid")
	return uc.t.PID()
}

// Getppid returns the ID of the caller's parent, or InitTID if it has none.
func (uc *UserContext) Getppid() ThreadID {
	uc.enter("getppid")
	return uc.t.PPID()
}

// Args returns the arguments the program was started with, read from the
// argv vector on the user stack.
func (uc *UserContext) Args() ([]string, error) {
	ms := uc.t.MemorySet()
	argv := riscv.Addr(uc.t.FirstContext().A1())
	var args []string
	var ptr [8]byte
	for {
		if _, err := ms.CopyIn(argv, ptr[:]); err != nil {
			return nil, err
		}
		addr := binary.LittleEndian.Uint64(ptr[:])
		if addr == 0 {
			return args, nil
		}
		s, err := ms.CopyInString(riscv.Addr(addr), maxArgLen)
		if err != nil {
			return nil, err
		}
		args = append(args, s)
		argv += riscv.Addr(len(ptr))
	}
}

// Yield gives up the hart.
func (uc *UserContext) Yield() {
	uc.enter("yield")
	uc.t.k.suspendCurrentTask(uc.t)
}

// Exit terminates the caller with code. It does not return.
func (uc *UserContext) Exit(code int32) {
	uc.enter("exit")
	uc.exit(code)
}

func (uc *UserContext) exit(code int32) {
	uc.t.k.exitCurrentTask(uc.t, code)
}

// Fork creates a child running main on a copy of the caller's address
// space, and returns its ID.
func (uc *UserContext) Fork(main func(*UserContext) int32) (ThreadID, error) {
	return uc.ForkWithStack(0, main)
}

// ForkWithStack is Fork with the child's stack pointer set to stack, unless
// it is zero.
func (uc *UserContext) ForkWithStack(stack riscv.Addr, main func(*UserContext) int32) (ThreadID, error) {
	uc.enter("fork")
	child, err := uc.t.Fork(stack, main)
	if err != nil {
		return 0, err
	}
	tid := child.PID()
	uc.t.k.Start(child)
	return tid, nil
}

// Exec replaces the caller's program. It only returns if the program cannot
// be found or is malformed, and then the caller is untouched. If loading
// fails past that point the caller is killed.
func (uc *UserContext) Exec(name string, args []string) error {
	uc.enter("exec")
	t := uc.t
	p, args, err := t.k.resolveProgram(name, args)
	if err != nil {
		return err
	}
	if err := t.commitExec(p, args); err != nil {
		log.Warningf("Task %d: exec %q failed after clearing the image: %v", t.PID(), name, err)
		uc.exit(-int32(kernerr.ToErrno(err)))
	}
	t.k.execNewTask(t)
	panic("unreachable")
}

// Wait blocks until a child exits and returns its ID and exit code. pid
// selects the child, or any child if it is negative.
func (uc *UserContext) Wait(pid ThreadID) (ThreadID, int32, error) {
	uc.enter("wait")
	for {
		tid, code, err := uc.t.WaitChild(pid)
		if !goerrors.Is(err, kernerr.ErrWouldBlock) {
			return tid, code, err
		}
		uc.t.k.suspendCurrentTask(uc.t)
		uc.deliverSignals()
	}
}

// Mmap maps length bytes with the PROT_* protection prot, holding a copy of
// data at the start. The mapping is placed exactly at addr if fixed is set,
// and at or above it otherwise.
func (uc *UserContext) Mmap(addr riscv.Addr, length uint64, prot uint32, data []byte, fixed bool) (riscv.Addr, error) {
	uc.enter("mmap")
	end, ok := addr.AddLength(length)
	if length == 0 || !ok {
		return 0, fmt.Errorf("mmap %#x+%#x: %w", addr, length, kernerr.ErrInvalidArgument)
	}
	return uc.t.Mmap(addr, end, riscv.ProtToFlags(prot), data, !fixed)
}

// Munmap unmaps [addr, addr+length).
func (uc *UserContext) Munmap(addr riscv.Addr, length uint64) error {
	uc.enter("munmap")
	end, ok := addr.AddLength(length)
	if length == 0 || !ok {
		return fmt.Errorf("munmap %#x+%#x: %w", addr, length, kernerr.ErrInvalidArgument)
	}
	return uc.t.Munmap(addr, end)
}

// Mprotect changes the protection of [addr, addr+length) to prot.
func (uc *UserContext) Mprotect(addr riscv.Addr, length uint64, prot uint32) error {
	uc.enter("mprotect")
	end, ok := addr.AddLength(length)
	if length == 0 || !ok {
		return fmt.Errorf("mprotect %#x+%#x: %w", addr, length, kernerr.ErrInvalidArgument)
	}
	return uc.t.MProtect(addr, end, riscv.ProtToFlags(prot))
}

// Brk moves the program break to top and returns the break in effect. Zero
// queries it.
func (uc *UserContext) Brk(top riscv.Addr) riscv.Addr {
	uc.enter("brk")
	if top == 0 {
		return uc.t.HeapTop()
	}
	return uc.t.SetHeapTop(top)
}

// Sigaction installs act for sig and returns the previous action.
func (uc *UserContext) Sigaction(sig unix.Signal, act SigAction) (SigAction, error) {
	uc.enter("sigaction")
	return uc.t.signals.SetAction(sig, act)
}

// Sigprocmask replaces the blocked set and returns the previous one.
func (uc *UserContext) Sigprocmask(set SignalSet) SignalSet {
	uc.enter("sigprocmask")
	return uc.t.signals.SetBlocked(set)
}

// Kill sends sig to the task with ID tid. A signal sent to the caller is
// delivered at its next system call.
func (uc *UserContext) Kill(tid ThreadID, sig unix.Signal) error {
	uc.enter("kill")
	return uc.t.k.signals.Send(tid, sig)
}

// Read reads from fd into p.
func (uc *UserContext) Read(fd int32, p []byte) (int, error) {
	uc.enter("read")
	f, _, err := uc.t.FDTable().Get(fd)
	if err != nil {
		return 0, err
	}
	defer f.DecRef()
	return f.Read(p)
}

// Write writes p to fd.
func (uc *UserContext) Write(fd int32, p []byte) (int, error) {
	uc.enter("write")
	f, _, err := uc.t.FDTable().Get(fd)
	if err != nil {
		return 0, err
	}
	defer f.DecRef()
	return f.Write(p)
}

// WriteUser writes n bytes of user memory at addr to fd. A fault on the
// buffer is a fault of the caller.
func (uc *UserContext) WriteUser(fd int32, addr riscv.Addr, n int) (int, error) {
	buf := make([]byte, n)
	uc.Load(addr, buf)
	return uc.Write(fd, buf)
}

// Close closes fd.
func (uc *UserContext) Close(fd int32) error {
	uc.enter("close")
	return uc.t.FDTable().Remove(fd)
}

// Dup returns a new descriptor, the lowest free one, for the file behind fd.
func (uc *UserContext) Dup(fd int32) (int32, error) {
	uc.enter("dup")
	fds := uc.t.FDTable()
	f, _, err := fds.Get(fd)
	if err != nil {
		return 0, err
	}
	defer f.DecRef()
	return fds.NewFD(0, f, FDFlags{})
}

// Chdir changes the working directory to dir, which must be absolute. No
// file system backs it.
func (uc *UserContext) Chdir(dir string) error {
	uc.enter("chdir")
	if !strings.HasPrefix(dir, "/") {
		return fmt.Errorf("chdir %q: %w", dir, kernerr.ErrInvalidArgument)
	}
	uc.t.SetDir(path.Clean(dir))
	return nil
}

// Getcwd returns the working directory.
func (uc *UserContext) Getcwd() string {
	uc.enter("getcwd")
	return uc.t.Dir()
}

// Load reads user memory at addr into dst as the program would, through
// the hart's MMU.
func (uc *UserContext) Load(addr riscv.Addr, dst []byte) {
	uc.access(addr, len(dst), riscv.LoadAccess, func(done int, b []byte) {
		copy(dst[done:], b)
	})
}

// Store writes src to user memory at addr.
func (uc *UserContext) Store(addr riscv.Addr, src []byte) {
	uc.access(addr, len(src), riscv.StoreAccess, func(done int, b []byte) {
		copy(b, src[done:])
	})
}

// LoadUint64 reads a little endian doubleword.
func (uc *UserContext) LoadUint64(addr riscv.Addr) uint64 {
	var b [8]byte
	uc.Load(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// StoreUint64 writes a little endian doubleword.
func (uc *UserContext) StoreUint64(addr riscv.Addr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	uc.Store(addr, b[:])
}

// FetchInstruction reads the instruction word at addr, which needs execute
// permission.
func (uc *UserContext) FetchInstruction(addr riscv.Addr) uint32 {
	var b [4]byte
	uc.access(addr, len(b), riscv.ExecuteAccess, func(done int, p []byte) {
		copy(b[done:], p)
	})
	return binary.LittleEndian.Uint32(b[:])
}

// access calls fn with the kernel view of each page-bounded chunk of
// [addr, addr+n), translating through the MMU and faulting pages in as
// needed.
func (uc *UserContext) access(addr riscv.Addr, n int, at riscv.AccessType, fn func(done int, b []byte)) {
	mem := uc.t.k.mem
	for done := 0; done < n; {
		va := addr + riscv.Addr(done)
		pa, ok := uc.t.currentCPU().mmu.Translate(va, at)
		if !ok {
			uc.pageFault(va, at)
			continue
		}
		pgoff := va.PageOffset()
		chunk := min(riscv.PageSize-int(pgoff), n-done)
		fn(done, mem.PageBytes(pa)[pgoff:pgoff+uint64(chunk)])
		done += chunk
	}
}

// pageFault handles a fault of the caller at va. It returns if the fault
// was resolved and the access can be retried, and kills the caller
// otherwise.
func (uc *UserContext) pageFault(va riscv.Addr, at riscv.AccessType) {
	t := uc.t
	err := t.HandlePageFault(va, at)
	switch {
	case err == nil:
		pageFaults.Increment("resolved")
	case goerrors.Is(err, kernerr.ErrTrapAtValidPage):
		panic(fmt.Sprintf("task %d: %v", t.PID(), err))
	case goerrors.Is(err, kernerr.ErrOutOfMemory):
		pageFaults.Increment("oom")
		faultLog.Warningf("Task %d out of memory at %#x", t.PID(), va)
		uc.exit(-int32(unix.SIGKILL))
	default:
		pageFaults.Increment("segv")
		faultLog.Infof("Task %d segfault: %v", t.PID(), err)
		uc.exit(-int32(unix.SIGSEGV))
	}
}
