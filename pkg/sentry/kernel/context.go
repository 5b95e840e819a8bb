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
)

// contextID is the kernel package's type for context.Context.Value keys.
type contextID int

const (
	// CtxKernel is a Context.Value key for a Kernel.
	CtxKernel contextID = iota

	// CtxTask is a Context.Value key for a Task.
	CtxTask
)

// WithKernel returns a copy of ctx carrying k.
func WithKernel(ctx context.Context, k *Kernel) context.Context {
	return context.WithValue(ctx, CtxKernel, k)
}

// KernelFromContext returns the Kernel in which ctx is executing, or nil if
// there is no such Kernel.
func KernelFromContext(ctx context.Context) *Kernel {
	if v := ctx.Value(CtxKernel); v != nil {
		return v.(*Kernel)
	}
	return nil
}

// WithTask returns a copy of ctx carrying t.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, CtxTask, t)
}

// TaskFromContext returns the Task associated with ctx, or nil if there is
// no such Task.
func TaskFromContext(ctx context.Context) *Task {
	if v := ctx.Value(CtxTask); v != nil {
		return v.(*Task)
	}
	return nil
}
