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
	"runtime"

	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/refs"
)

// handleZombie reaps t, a dying task that was just switched out: its
// children are handed to init, it becomes a zombie and its signals are
// deregistered. The caller holds the lock of the hart t ran on.
//
// Children are moved with TryLock on the child and then on init, retrying
// from the child on any failure. Blocking here would deadlock: a dying child
// holds its own lock for the whole of its reaping while it waits for init,
// and its dying parent would wait for the child while holding init. Because
// the tasks form a tree, some reaper always has no child competing for init,
// completes and releases the locks others need.
func (k *Kernel) handleZombie(t *Task) {
	var orphans []*Task
	init := k.init

	t.mu.Lock()
	for _, child := range t.children {
		for {
			if child.mu.TryLock() {
				if t.ppid == NoParent || k.conf.TestMode || init == nil {
					child.ppid = NoParent
					child.parent = nil
					child.mu.Unlock()
					orphans = append(orphans, child)
					break
				}
				if init.mu.TryLock() {
					child.parent = refs.NewWeakRef(init)
					child.ppid = init.PID()
					init.children = append(init.children, child)
					init.mu.Unlock()
					child.mu.Unlock()
					break
				}
				child.mu.Unlock()
			}
			reparentRetries.Increment()
			runtime.Gosched()
		}
	}
	t.children = nil
	t.status = TaskZombie
	k.signals.Deregister(t.PID())
	if k.conf.TestMode {
		k.recordExit(ExitReport{PID: t.PID(), Name: t.name, Code: t.exitCode})
	}
	t.mu.Unlock()

	// Nobody will wait for these; the references held for the old parent
	// go away with it.
	for _, child := range orphans {
		child.DecRef()
	}
	log.Debugf("Reaped %d, %d orphans", t.PID(), len(orphans))
}
