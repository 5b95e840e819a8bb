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

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/riscv"
)

// Fork creates a child of t with a copy of t's address space, signal state
// and descriptors. The child resumes in main with a0 cleared in its first
// trap frame, on userStack if it is non-zero. Every resident page is copied;
// there is no copy-on-write.
//
// The child is not queued; see Kernel.Start.
func (t *Task) Fork(userStack riscv.Addr, main func(*UserContext) int32) (*Task, error) {
	if main == nil {
		return nil, fmt.Errorf("fork without an entry: %w", kernerr.ErrInvalidArgument)
	}
	k := t.k

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == TaskDying || t.status == TaskZombie {
		// t.mu is held: format the fields, not t.
		return nil, fmt.Errorf("fork of task %d (%s) in state %v: %w", t.pid.TID(), t.name, t.status, kernerr.ErrInvalidArgument)
	}
	ms, err := t.ms.CopyAsFork()
	if err != nil {
		return nil, err
	}
	kstack, err := NewKernelStack(k.mem, k.conf.KernelStackPages)
	if err != nil {
		ms.Release()
		return nil, err
	}
	tf := t.kstack.FirstContext()
	tf.SetA0(0)
	if userStack != 0 {
		tf.SetSP(userStack)
	}
	kstack.PushFirstContext(tf)

	child := k.newTask(&TaskConfig{
		Parent:      t,
		MemorySet:   ms,
		KernelStack: kstack,
		Signals:     t.signals.Clone(),
		FDTable:     t.fds.Fork(),
		Dir:         t.dir,
		HeapTop:     t.heapTop,
		Name:        t.name,
		Main:        main,
	})
	log.Debugf("Task %d forked %d, %d pages copied", t.PID(), child.PID(), ms.Resident())
	return child, nil
}
