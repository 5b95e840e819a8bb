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
	"fmt"
	"sort"
	"sync"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/loader"
	"rvkernel.dev/rvkernel/pkg/sentry/mm"
)

// Program is a built-in user program.
//
// Image is loaded into the address space of the task that executes the
// program. An image starting with "#!" is an interpreter script: executing
// it executes the program it names instead, and Main is unused. Otherwise
// Main is the program's behavior: it runs on the task's kernel
// thread and reaches the task's memory and the kernel only through its
// UserContext. The value it returns is the exit code.
type Program struct {
	Name  string
	Image []byte
	Main  func(uc *UserContext) int32
}

// Loader populates an address space from a program image.
type Loader interface {
	// Validate returns an error if image cannot be loaded.
	Validate(image []byte) error

	// Load maps image into ms with args on the initial stack, and returns
	// the entry point and initial stack pointer.
	Load(image []byte, ms *mm.MemorySet, args []string) (entry, sp riscv.Addr, err error)
}

// Registry holds the programs available to exec.
type Registry struct {
	mu sync.RWMutex

	// +checklocks:mu
	programs map[string]*Program
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]*Program)}
}

// Register adds p. Names are unique.
func (r *Registry) Register(p *Program) error {
	if p.Name == "" || p.Main == nil && !loader.IsInterpreterScript(p.Image) {
		return fmt.Errorf("program %q: %w", p.Name, kernerr.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[p.Name]; ok {
		return fmt.Errorf("program %q registered twice: %w", p.Name, kernerr.ErrInvalidArgument)
	}
	r.programs[p.Name] = p
	return nil
}

// MustRegister calls Register and panics on failure.
func (r *Registry) MustRegister(p *Program) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the program called name.
func (r *Registry) Lookup(name string) (*Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, kernerr.ErrNoSuchProgram)
	}
	return p, nil
}

// Names returns the registered program names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.programs))
	for name := range r.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
