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

// Package kernel schedules tasks on the harts of a simulated RISC-V machine
// and manages their lifecycle: creation from a program, fork, exec, exit and
// reaping.
//
// Lock order (outermost locks must be taken first):
//
// CpuLocal.mu
//   Task.mu
//     mm.MemorySet.mu
//       mm.PMAHandle.mu
//         pagetables.PageTables.mu
//           pagetables.MMU.mu
//
// A task's lock and the locks of its children or of init are never both
// taken by blocking: see handleZombie and Task.WaitChild. ReadyQueue.mu,
// SignalTable.mu, Signals.mu, FDTable.mu and Kernel.mu are leaves.
//
// No lock is held across a context switch.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/loader"
	"rvkernel.dev/rvkernel/pkg/sentry/mm"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

// DefaultKernelStackPages is the kernel stack size used when
// Config.KernelStackPages is zero.
const DefaultKernelStackPages = 2

// Config configures a Kernel.
type Config struct {
	// NumCPUs is the number of harts, between 1 and riscv.MaxCPUs.
	NumCPUs int

	// TimeSlice is the preemption period. Zero disables preemption.
	TimeSlice time.Duration

	// KernelStackPages is the size of each task's kernel stack in pages.
	KernelStackPages int

	// TestMode changes how exits are handled: children of an exiting task
	// are not handed to init, init's exit does not halt the kernel, and
	// every reaped task's exit code is recorded (see TestResults).
	TestMode bool

	// Console backs the standard descriptors of every task. Nil discards
	// output.
	Console *Console

	// Programs are the programs tasks can run. Required.
	Programs *Registry

	// Loader loads program images. Nil selects loader.Flat.
	Loader Loader
}

// ExitReport records the exit of a task reaped in test mode.
type ExitReport struct {
	PID  ThreadID
	Name string
	Code int32
}

// Kernel is the process-wide kernel state: harts, ready queue, PID and
// signal tables and the init task. It must be created by New.
type Kernel struct {
	// mem is the physical allocator. Immutable.
	mem *pgalloc.Allocator

	// conf is the configuration. Immutable.
	conf Config

	// kernelMS is the address space without user mappings that harts
	// switch to when no task runs. Immutable.
	kernelMS *mm.MemorySet

	// cpus are the harts. Immutable.
	cpus []*CpuLocal

	readyQueue *ReadyQueue
	pids       *PIDAllocator
	signals    *SignalTable
	programs   *Registry
	loader     Loader
	console    *Console

	// init is the task orphans are handed to. It is set by CreateInit
	// before Run and immutable afterwards.
	init *Task

	mu sync.Mutex

	// exits are the exit reports collected in test mode.
	//
	// +checklocks:mu
	exits []ExitReport
}

// New returns a kernel allocating from mem.
func New(mem *pgalloc.Allocator, conf Config) (*Kernel, error) {
	if conf.NumCPUs < 1 || conf.NumCPUs > riscv.MaxCPUs {
		return nil, fmt.Errorf("%d harts, want 1 to %d: %w", conf.NumCPUs, riscv.MaxCPUs, kernerr.ErrInvalidArgument)
	}
	if conf.Programs == nil {
		return nil, fmt.Errorf("no program registry: %w", kernerr.ErrInvalidArgument)
	}
	if conf.TimeSlice < 0 {
		return nil, fmt.Errorf("negative time slice %v: %w", conf.TimeSlice, kernerr.ErrInvalidArgument)
	}
	if conf.KernelStackPages == 0 {
		conf.KernelStackPages = DefaultKernelStackPages
	}
	if conf.Console == nil {
		conf.Console = NewConsole(nil, nil)
	}
	if conf.Loader == nil {
		conf.Loader = loader.Flat{}
	}
	kernelMS, err := mm.NewMemorySet(mem)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		mem:        mem,
		conf:       conf,
		kernelMS:   kernelMS,
		readyQueue: NewReadyQueue(conf.NumCPUs),
		pids:       NewPIDAllocator(),
		signals:    NewSignalTable(),
		programs:   conf.Programs,
		loader:     conf.Loader,
		console:    conf.Console,
	}
	for i := 0; i < conf.NumCPUs; i++ {
		k.cpus = append(k.cpus, newCpuLocal(i))
	}
	return k, nil
}

// CreateInit creates the init task running name with args and queues it.
// The kernel keeps a reference on init, dropped by Release.
func (k *Kernel) CreateInit(name string, args []string) (*Task, error) {
	if k.init != nil {
		return nil, fmt.Errorf("init already exists: %w", kernerr.ErrInvalidArgument)
	}
	t, err := k.FromAppName(name, args)
	if err != nil {
		return nil, err
	}
	if t.PID() != InitTID {
		panic(fmt.Sprintf("init created with PID %d", t.PID()))
	}
	t.IncRef()
	k.init = t
	k.Start(t)
	return t, nil
}

// Start queues a new task. The queue takes over the scheduler's reference.
func (k *Kernel) Start(t *Task) {
	k.readyQueue.Push(t)
}

// Run runs every hart until the kernel halts or ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(WithKernel(ctx, k))
	for _, c := range k.cpus {
		c := c
		g.Go(func() error {
			return k.runTasks(ctx, c)
		})
		if k.conf.TimeSlice > 0 {
			g.Go(func() error {
				return k.preemptTimer(ctx, c)
			})
		}
	}
	log.Infof("Kernel running on %d harts", len(k.cpus))
	err := g.Wait()
	log.Infof("Kernel stopped, %d frames in use, %d live tasks", k.mem.Allocated(), k.pids.Live())
	return err
}

// Halt stops every hart once its current task switches out.
func (k *Kernel) Halt() {
	k.readyQueue.Halt()
}

// Halted returns true once the kernel halted.
func (k *Kernel) Halted() bool {
	return k.readyQueue.Halted()
}

// Release drops the kernel's reference on init and the scheduler's
// references on tasks still queued when the kernel halted. It must only be
// called after Run returned.
func (k *Kernel) Release() {
	for _, t := range k.readyQueue.Drain() {
		log.Debugf("Releasing task %d, queued at halt", t.PID())
		t.DecRef()
	}
	if k.init != nil {
		k.init.DecRef()
		k.init = nil
	}
}

// InitTask returns the init task, or nil.
func (k *Kernel) InitTask() *Task {
	return k.init
}

// CPUs returns the harts.
func (k *Kernel) CPUs() []*CpuLocal {
	return k.cpus
}

// ReadyQueue returns the ready queue.
func (k *Kernel) ReadyQueue() *ReadyQueue {
	return k.readyQueue
}

// PIDs returns the PID allocator.
func (k *Kernel) PIDs() *PIDAllocator {
	return k.pids
}

// SignalTable returns the signal table.
func (k *Kernel) SignalTable() *SignalTable {
	return k.signals
}

// Programs returns the program registry.
func (k *Kernel) Programs() *Registry {
	return k.programs
}

// Allocator returns the physical allocator.
func (k *Kernel) Allocator() *pgalloc.Allocator {
	return k.mem
}

// SendSignal sends sig to the task with ID tid.
func (k *Kernel) SendSignal(tid ThreadID, sig unix.Signal) error {
	return k.signals.Send(tid, sig)
}

func (k *Kernel) recordExit(r ExitReport) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.exits = append(k.exits, r)
	log.Infof("Test %q (PID %d) exited with code %d", r.Name, r.PID, r.Code)
}

// TestResults returns the exit reports recorded in test mode, in reaping
// order.
func (k *Kernel) TestResults() []ExitReport {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]ExitReport(nil), k.exits...)
}
