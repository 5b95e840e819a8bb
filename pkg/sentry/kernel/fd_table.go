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
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/refs"
)

// File is an open file shared by descriptors, possibly of several tasks.
type File interface {
	refs.RefCounter
	io.Reader
	io.Writer

	// Name identifies the file in debug output.
	Name() string
}

// FDFlags define flags for an individual descriptor.
type FDFlags struct {
	// CloseOnExec indicates the descriptor should be closed on exec.
	CloseOnExec bool
}

// descriptor holds the details about a file descriptor, namely a pointer to
// the file itself and the descriptor flags.
//
// Note that this is immutable and can only be changed via operations on the
// FDTable.
type descriptor struct {
	file  File
	flags FDFlags
}

// FDTable is used to manage File references and flags.
type FDTable struct {
	mu sync.Mutex

	// +checklocks:mu
	descriptors map[int32]descriptor
}

// NewFDTable returns an empty table.
func NewFDTable() *FDTable {
	return &FDTable{descriptors: make(map[int32]descriptor)}
}

// Size returns the number of open descriptors.
func (f *FDTable) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.descriptors)
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	fds := make([]int32, 0, len(f.descriptors))
	for fd := range f.descriptors {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	var b bytes.Buffer
	for _, fd := range fds {
		fmt.Fprintf(&b, "\tfd:%d => name %s\n", fd, f.descriptors[fd].file.Name())
	}
	return b.String()
}

// NewFD installs file at the lowest free descriptor at or above minFD and
// returns it. The table takes a reference on file.
func (f *FDTable) NewFD(minFD int32, file File, flags FDFlags) (int32, error) {
	if minFD < 0 {
		return -1, fmt.Errorf("fd %d: %w", minFD, kernerr.ErrBadFD)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fd := minFD
	for {
		if _, ok := f.descriptors[fd]; !ok {
			break
		}
		fd++
	}
	file.IncRef()
	f.descriptors[fd] = descriptor{file: file, flags: flags}
	return fd, nil
}

// NewFDAt installs file at fd, closing whatever was there.
func (f *FDTable) NewFDAt(fd int32, file File, flags FDFlags) error {
	if fd < 0 {
		return fmt.Errorf("fd %d: %w", fd, kernerr.ErrBadFD)
	}
	file.IncRef()
	f.mu.Lock()
	old, ok := f.descriptors[fd]
	f.descriptors[fd] = descriptor{file: file, flags: flags}
	f.mu.Unlock()
	if ok {
		old.file.DecRef()
	}
	return nil
}

// Get returns a reference to the file at fd. The caller must DecRef it.
func (f *FDTable) Get(fd int32) (File, FDFlags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.descriptors[fd]
	if !ok {
		return nil, FDFlags{}, fmt.Errorf("fd %d: %w", fd, kernerr.ErrBadFD)
	}
	d.file.IncRef()
	return d.file, d.flags, nil
}

// Remove closes fd.
func (f *FDTable) Remove(fd int32) error {
	f.mu.Lock()
	d, ok := f.descriptors[fd]
	delete(f.descriptors, fd)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("fd %d: %w", fd, kernerr.ErrBadFD)
	}
	d.file.DecRef()
	return nil
}

// removeIf closes every descriptor for which pred holds.
func (f *FDTable) removeIf(pred func(descriptor) bool) {
	var dropped []File
	f.mu.Lock()
	for fd, d := range f.descriptors {
		if pred(d) {
			delete(f.descriptors, fd)
			dropped = append(dropped, d.file)
		}
	}
	f.mu.Unlock()
	for _, file := range dropped {
		file.DecRef()
	}
}

// RemoveAll closes every descriptor.
func (f *FDTable) RemoveAll() {
	f.removeIf(func(descriptor) bool { return true })
}

// OnExec closes the descriptors marked close-on-exec.
func (f *FDTable) OnExec() {
	f.removeIf(func(d descriptor) bool { return d.flags.CloseOnExec })
}

// Fork returns a copy of the table sharing every open file.
func (f *FDTable) Fork() *FDTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := NewFDTable()
	for fd, d := range f.descriptors {
		d.file.IncRef()
		clone.descriptors[fd] = d
	}
	return clone
}
