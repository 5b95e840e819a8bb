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
	"rvkernel.dev/rvkernel/pkg/metric"
)

var (
	tasksCreated    = metric.MustCreateNewUint64Metric("/kernel/tasks_created", "Number of tasks created.")
	tasksReaped     = metric.MustCreateNewUint64Metric("/kernel/tasks_reaped", "Number of dying tasks turned into zombies.")
	tasksDestroyed  = metric.MustCreateNewUint64Metric("/kernel/tasks_destroyed", "Number of tasks whose resources were freed.")
	contextSwitches = metric.MustCreateNewUint64Metric("/kernel/context_switches", "Number of switches from a hart's idle loop to a task.")
	reparentRetries = metric.MustCreateNewUint64Metric("/kernel/reparent_retries", "Number of failed attempts to lock a child and init while reparenting.")

	pageFaults = metric.MustCreateNewUint64Metric("/kernel/page_faults", "Number of user page faults, by outcome.",
		metric.NewField("result", "resolved", "segv", "oom"))

	syscallCount = metric.MustCreateNewUint64Metric("/kernel/syscalls", "Number of system calls, by name.",
		metric.NewField("syscall", syscallNames...))
)
