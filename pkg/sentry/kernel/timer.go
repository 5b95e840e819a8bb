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
	"context"
	"time"
)

// preemptTimer requests a reschedule of hart c every time slice. The request
// is honored at the running task's next system call. It returns when the
// kernel halts or ctx is cancelled.
func (k *Kernel) preemptTimer(ctx context.Context, c *CpuLocal) error {
	ticker := time.NewTicker(k.conf.TimeSlice)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-k.readyQueue.Done():
			return nil
		case <-ticker.C:
			if c.Current() != nil {
				c.needResched.Store(true)
			}
		}
	}
}
