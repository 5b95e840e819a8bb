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
	"io"
	"sync"

	"rvkernel.dev/rvkernel/pkg/refs"
)

// Console is the kernel's byte sink and source, shared by every task's
// standard descriptors.
type Console struct {
	mu sync.Mutex
	in io.Reader
	w  io.Writer
}

// NewConsole returns a console reading from in and writing to w. Either may
// be nil.
func NewConsole(in io.Reader, w io.Writer) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{in: in, w: w}
}

// Write writes p in one piece.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

// Read reads from the console input.
func (c *Console) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in == nil {
		return 0, io.EOF
	}
	return c.in.Read(p)
}

// consoleFile is a File view of the console. The console outlives every
// task, so the reference count only tracks sharing.
type consoleFile struct {
	refs.AtomicRefCount
	*Console
	name string
}

func newConsoleFile(c *Console, name string) *consoleFile {
	f := &consoleFile{Console: c, name: name}
	f.InitRefs()
	return f
}

// DecRef implements refs.RefCounter.DecRef.
func (f *consoleFile) DecRef() {
	f.AtomicRefCount.DecRef(nil)
}

// Name implements File.Name.
func (f *consoleFile) Name() string {
	return f.name
}
