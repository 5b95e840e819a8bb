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

// Exec replaces a task's image in place: the PID, parent, children and
// descriptors not marked close-on-exec survive, the address space is cleared
// and reloaded, signal dispositions are reset and the task resumes in the new
// program's Main.

import (
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/riscv"
)

// Exec replaces t's image with the program called name, run with args
// (default: the name alone). Lookup and image validation happen first, and
// their failures leave t untouched. A failure after that leaves t without a
// user image.
//
// If t is running, the caller must then switch to t's new context; see
// UserContext.Exec.
func (t *Task) Exec(name string, args []string) error {
	p, args, err := t.k.resolveProgram(name, args)
	if err != nil {
		return err
	}
	return t.commitExec(p, args)
}

// commitExec is the part of Exec that cannot be undone.
func (t *Task) commitExec(p *Program, args []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heapTop = riscv.UserStackOffset
	t.ms.ClearUser()
	t.signals.Clear()
	t.fds.OnExec()
	tf, err := t.k.loadProgram(p, t.ms, args)
	if err != nil {
		return err
	}
	t.kstack.PushFirstContext(tf)
	t.ms.FlushTLB()
	t.name = p.Name
	t.ctx = newTaskContext(t.entry(p.Main))
	log.Debugf("Task %d exec %q %q", t.PID(), p.Name, args)
	return nil
}
