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
	"encoding/binary"
	"fmt"
	"time"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/refs"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/loader"
	"rvkernel.dev/rvkernel/pkg/sentry/mm"
)

// maxInterpreterDepth bounds the chain of interpreter scripts an exec may
// follow.
const maxInterpreterDepth = 4

// TaskConfig defines the configuration of a new Task (see below).
type TaskConfig struct {
	// Parent is the new task's parent. Parent may be nil. If it is not, the
	// caller must hold Parent.mu.
	Parent *Task

	// MemorySet is the new task's address space. Ownership is transferred
	// to newTask.
	MemorySet *mm.MemorySet

	// KernelStack is the new task's kernel stack, with its first trap frame
	// pushed. Ownership is transferred to newTask.
	KernelStack *KernelStack

	// Signals is the new task's signal state.
	Signals *Signals

	// FDTable is the new task's descriptor table. Ownership is transferred
	// to newTask.
	FDTable *FDTable

	// Dir is the working directory.
	Dir string

	// HeapTop is the initial program break.
	HeapTop riscv.Addr

	// Name is the name of the program.
	Name string

	// Main is run by the task goroutine.
	Main func(*UserContext) int32
}

// newTask creates a ready task from cfg, holding the scheduler's reference,
// and a second reference for the parent's children list if there is a
// parent.
func (k *Kernel) newTask(cfg *TaskConfig) *Task {
	t := &Task{
		k:         k,
		pid:       k.pids.Allocate(),
		kstack:    cfg.KernelStack,
		signals:   cfg.Signals,
		startTime: time.Now(),
		status:    TaskUnInit,
		dir:       cfg.Dir,
		ppid:      NoParent,
		heapTop:   cfg.HeapTop,
		ms:        cfg.MemorySet,
		fds:       cfg.FDTable,
		name:      cfg.Name,
	}
	t.InitRefs()
	t.ctx = newTaskContext(t.entry(cfg.Main))
	if p := cfg.Parent; p != nil {
		t.ppid = p.PID()
		t.parent = refs.NewWeakRef(p)
		t.IncRef()
		p.children = append(p.children, t)
	}
	k.signals.Register(t.PID(), t.signals)
	refs.Register(t)
	t.status = TaskReady
	tasksCreated.Increment()
	return t
}

// resolveProgram looks name up, following interpreter scripts, and returns
// the program to run with its final argument list. Empty args default to the
// program name.
func (k *Kernel) resolveProgram(name string, args []string) (*Program, []string, error) {
	if len(args) == 0 {
		args = []string{name}
	}
	for depth := 0; depth <= maxInterpreterDepth; depth++ {
		p, err := k.programs.Lookup(name)
		if err != nil {
			return nil, nil, err
		}
		if !loader.IsInterpreterScript(p.Image) {
			if err := k.loader.Validate(p.Image); err != nil {
				return nil, nil, fmt.Errorf("program %q: %w", name, err)
			}
			return p, args, nil
		}
		if name, args, err = loader.ParseInterpreterScript(p.Name, p.Image, args); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("more than %d interpreters: %w", maxInterpreterDepth, kernerr.ErrMalformedImage)
}

// loadProgram maps p into ms and returns the first trap frame for it.
func (k *Kernel) loadProgram(p *Program, ms *mm.MemorySet, args []string) (TrapFrame, error) {
	entry, sp, err := k.loader.Load(p.Image, ms, args)
	if err != nil {
		return TrapFrame{}, err
	}
	var argc [8]byte
	if _, err := ms.CopyIn(sp, argc[:]); err != nil {
		return TrapFrame{}, err
	}
	return newUserTrapFrame(entry, sp, binary.LittleEndian.Uint64(argc[:]), uint64(sp)+uint64(len(argc))), nil
}

// FromAppName creates a parentless task running the program called name
// with args. The task is not queued; see Kernel.Start.
func (k *Kernel) FromAppName(name string, args []string) (*Task, error) {
	p, args, err := k.resolveProgram(name, args)
	if err != nil {
		return nil, err
	}
	ms, err := mm.NewMemorySet(k.mem)
	if err != nil {
		return nil, err
	}
	tf, err := k.loadProgram(p, ms, args)
	if err != nil {
		ms.Release()
		return nil, err
	}
	kstack, err := NewKernelStack(k.mem, k.conf.KernelStackPages)
	if err != nil {
		ms.Release()
		return nil, err
	}
	kstack.PushFirstContext(tf)

	t := k.newTask(&TaskConfig{
		MemorySet:   ms,
		KernelStack: kstack,
		Signals:     NewSignals(),
		FDTable:     k.newStdioTable(),
		Dir:         "/",
		HeapTop:     riscv.UserStackOffset,
		Name:        p.Name,
		Main:        p.Main,
	})
	log.Infof("Created task %d running %q %q", t.PID(), p.Name, args)
	return t, nil
}

// newStdioTable returns a table with the console on descriptors 0, 1 and 2.
func (k *Kernel) newStdioTable() *FDTable {
	fds := NewFDTable()
	for fd, name := range []string{"stdin", "stdout", "stderr"} {
		f := newConsoleFile(k.console, name)
		if err := fds.NewFDAt(int32(fd), f, FDFlags{}); err != nil {
			panic(fmt.Sprintf("installing %s: %v", name, err))
		}
		f.DecRef()
	}
	return fds
}
