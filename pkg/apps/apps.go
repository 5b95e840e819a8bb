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

// Package apps contains the built-in user programs.
//
// Every program has a flat image whose text is a couple of instructions, so
// that its address space looks like that of a real program, and a Main that
// implements its behavior against the kernel's UserContext.
package apps

import (
	"errors"
	"fmt"
	"strings"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/kernel"
	"rvkernel.dev/rvkernel/pkg/sentry/loader"
)

// text is "li a7, 93; ecall", an exit system call.
var text = []byte{0x93, 0x08, 0xd0, 0x05, 0x73, 0x00, 0x00, 0x00}

// DefaultRun are the programs init runs when it is given none.
var DefaultRun = []string{"hello", "greet", "forktree", "lazy", "orphan", "yield", "spin", "segv", "kill"}

// scratch is where programs build buffers they write out of user memory. It
// is inside the lazily backed stack area, below the initial stack pointer.
const scratch = riscv.UserStackOffset + 0x10000

func program(name string, main func(uc *kernel.UserContext) int32) *kernel.Program {
	return &kernel.Program{Name: name, Image: loader.BuildImage(0, 0, text), Main: main}
}

// Programs returns every built-in program.
func Programs() []*kernel.Program {
	return []*kernel.Program{
		program("init", initMain),
		program("hello", helloMain),
		program("echo", echoMain),
		{Name: "greet", Image: []byte("#!echo hello from a script\n")},
		program("forktree", forktreeMain),
		program("orphan", orphanMain),
		program("lazy", lazyMain),
		program("segv", segvMain),
		program("yield", yieldMain),
		program("spin", spinMain),
		program("kill", killMain),
	}
}

// Register adds every built-in program to r.
func Register(r *kernel.Registry) error {
	for _, p := range Programs() {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// printf formats to standard output by way of user memory, the way a
// program's write(2) would.
func printf(uc *kernel.UserContext, format string, v ...any) {
	b := []byte(fmt.Sprintf(format, v...))
	uc.Store(scratch, b)
	uc.WriteUser(1, scratch, len(b))
}

// initMain runs each program named in its arguments, or DefaultRun, one at a
// time, and then reaps whatever was reparented to it.
func initMain(uc *kernel.UserContext) int32 {
	args, err := uc.Args()
	if err != nil {
		return 1
	}
	run := args[1:]
	if len(run) == 0 {
		run = DefaultRun
	}
	for _, name := range run {
		pid, err := uc.Fork(func(uc *kernel.UserContext) int32 {
			err := uc.Exec(name, nil)
			printf(uc, "init: exec %s: %v\n", name, err)
			return 127
		})
		if err != nil {
			printf(uc, "init: fork: %v\n", err)
			return 1
		}
		_, code, err := uc.Wait(pid)
		if err != nil {
			printf(uc, "init: wait %d: %v\n", pid, err)
			return 1
		}
		printf(uc, "init: %s (pid %d) exited with code %d\n", name, pid, code)
	}
	for {
		pid, code, err := uc.Wait(-1)
		if errors.Is(err, kernerr.ErrNoChild) {
			return 0
		}
		if err != nil {
			return 1
		}
		printf(uc, "init: reaped orphan %d with code %d\n", pid, code)
	}
}

func helloMain(uc *kernel.UserContext) int32 {
	printf(uc, "Hello, world!\n")
	return 0
}

func echoMain(uc *kernel.UserContext) int32 {
	args, err := uc.Args()
	if err != nil {
		return 1
	}
	printf(uc, "%s\n", strings.Join(args[1:], " "))
	return 0
}

// forktreeDepth is the depth of the tree forktree builds.
const forktreeDepth = 3

// forktreeMain builds a binary tree of tasks. Every task exits with the
// number of tasks in its subtree.
func forktreeMain(uc *kernel.UserContext) int32 {
	n := forktree(uc, forktreeDepth)
	printf(uc, "forktree: %d tasks\n", n)
	return 0
}

func forktree(uc *kernel.UserContext, depth int) int32 {
	if depth == 0 {
		return 1
	}
	var pids []kernel.ThreadID
	for i := 0; i < 2; i++ {
		pid, err := uc.Fork(func(uc *kernel.UserContext) int32 {
			return forktree(uc, depth-1)
		})
		if err != nil {
			return -1
		}
		pids = append(pids, pid)
	}
	total := int32(1)
	for _, pid := range pids {
		_, code, err := uc.Wait(pid)
		if err != nil || code < 0 {
			return -1
		}
		total += code
	}
	return total
}

// orphanMain exits while its child still runs. The child reports once init
// has adopted it.
func orphanMain(uc *kernel.UserContext) int32 {
	parent := uc.Getpid()
	if _, err := uc.Fork(func(uc *kernel.UserContext) int32 {
		for uc.Getppid() == parent {
			uc.Yield()
		}
		printf(uc, "orphan: adopted by %d\n", uc.Getppid())
		return 3
	}); err != nil {
		return 1
	}
	return 0
}

// lazyPages is the size of the area lazy maps.
const lazyPages = 64

// lazyMain maps a large area and touches only a few of its pages.
func lazyMain(uc *kernel.UserContext) int32 {
	const length = lazyPages * riscv.PageSize
	addr, err := uc.Mmap(0x2000_0000, length, 0x3, nil, false)
	if err != nil {
		printf(uc, "lazy: mmap: %v\n", err)
		return 1
	}
	var sum uint64
	for i := uint64(0); i < lazyPages; i += 16 {
		va := addr + riscv.Addr(i*riscv.PageSize)
		uc.StoreUint64(va, i)
		sum += uc.LoadUint64(va)
	}
	if err := uc.Munmap(addr, length); err != nil {
		printf(uc, "lazy: munmap: %v\n", err)
		return 1
	}
	printf(uc, "lazy: sum %d\n", sum)
	return 0
}

// segvMain reads below every mapping.
func segvMain(uc *kernel.UserContext) int32 {
	uc.LoadUint64(0x10)
	printf(uc, "segv: survived\n")
	return 0
}

func yieldMain(uc *kernel.UserContext) int32 {
	for i := 0; i < 3; i++ {
		printf(uc, "yield: %d\n", i)
		uc.Yield()
	}
	return 0
}

// spinIterations is the number of system calls spin makes without
// yielding. With preemption enabled other tasks keep running meanwhile.
const spinIterations = 20000

func spinMain(uc *kernel.UserContext) int32 {
	var sum int64
	for i := 0; i < spinIterations; i++ {
		sum += int64(uc.Getpid())
	}
	printf(uc, "spin: done, checksum %d\n", sum)
	return 0
}

// killMain terminates a child that never exits on its own.
func killMain(uc *kernel.UserContext) int32 {
	pid, err := uc.Fork(func(uc *kernel.UserContext) int32 {
		for {
			uc.Yield()
		}
	})
	if err != nil {
		return 1
	}
	uc.Kill(pid, 15)
	_, code, err := uc.Wait(pid)
	if err != nil {
		return 1
	}
	printf(uc, "kill: child exited with code %d\n", code)
	return 0
}
