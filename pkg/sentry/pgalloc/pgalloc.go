// Copyright 2021 The gVisor Authors.
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

// Package pgalloc contains the physical page allocator.
//
// Physical memory is simulated by a byte arena covering [base, base+frames*
// PageSize). Frames are handed out one page at a time; free frames are kept
// ordered so that allocation always returns the lowest free address, which
// keeps runs reproducible.
package pgalloc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/metric"
	"rvkernel.dev/rvkernel/pkg/riscv"
)

// freeTreeDegree is the B-tree degree of the free frame set.
const freeTreeDegree = 16

var (
	allocations = metric.MustCreateNewUint64Metric("/memory/frame_allocations", "Number of physical frames allocated.")
	exhaustions = metric.MustCreateNewUint64Metric("/memory/frame_exhaustions", "Number of frame allocations that failed for lack of memory.")
)

// Allocator hands out page frames from simulated RAM.
type Allocator struct {
	// base is the physical address of the first frame. Immutable.
	base riscv.PhysAddr

	// ram is the backing store of all frames. Immutable slice header; the
	// bytes of a frame belong to whoever holds its Frame.
	ram []byte

	mu sync.Mutex

	// free holds the page numbers of free frames, relative to base.
	//
	// +checklocks:mu
	free *btree.BTreeG[uint64]

	// allocated is the number of frames currently handed out.
	//
	// +checklocks:mu
	allocated int
}

// New returns an Allocator managing frames pages of RAM starting at base.
func New(base riscv.PhysAddr, frames int) (*Allocator, error) {
	if base.PageOffset() != 0 {
		return nil, fmt.Errorf("RAM base %#x is not page aligned", base)
	}
	if frames <= 0 {
		return nil, fmt.Errorf("invalid frame count %d", frames)
	}
	a := &Allocator{
		base: base,
		ram:  make([]byte, frames*riscv.PageSize),
		free: btree.NewG[uint64](freeTreeDegree, func(a, b uint64) bool { return a < b }),
	}
	for i := 0; i < frames; i++ {
		a.free.ReplaceOrInsert(uint64(i))
	}
	log.Debugf("pgalloc: %d frames at %#x", frames, base)
	return a, nil
}

// Allocate returns a zeroed frame. ok is false if physical memory is
// exhausted.
func (a *Allocator) Allocate() (f *Frame, ok bool) {
	a.mu.Lock()
	idx, ok := a.free.DeleteMin()
	if ok {
		a.allocated++
	}
	a.mu.Unlock()
	if !ok {
		exhaustions.Increment()
		return nil, false
	}
	allocations.Increment()
	f = &Frame{
		a:  a,
		pa: a.base + riscv.PhysAddr(idx*riscv.PageSize),
	}
	f.Zero()
	return f, true
}

// release returns the frame at pa to the free set.
func (a *Allocator) release(pa riscv.PhysAddr) {
	idx := uint64(pa-a.base) / riscv.PageSize
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.free.ReplaceOrInsert(idx); dup {
		panic(fmt.Sprintf("frame %#x released while free", pa))
	}
	a.allocated--
}

// Contains returns true if pa lies in the RAM managed by a.
func (a *Allocator) Contains(pa riscv.PhysAddr) bool {
	return pa >= a.base && uint64(pa-a.base) < uint64(len(a.ram))
}

// PageBytes returns the byte view of the page containing pa. This is the
// simulated equivalent of the kernel's linear mapping of physical memory.
func (a *Allocator) PageBytes(pa riscv.PhysAddr) []byte {
	if !a.Contains(pa) {
		panic(fmt.Sprintf("physical address %#x outside RAM [%#x, %#x)", pa, a.base, a.base+riscv.PhysAddr(len(a.ram))))
	}
	off := uint64(pa.RoundDown() - a.base)
	return a.ram[off : off+riscv.PageSize : off+riscv.PageSize]
}

// Allocated returns the number of frames currently allocated.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Free returns the number of free frames.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Len()
}

// TotalFrames returns the number of frames managed by a.
func (a *Allocator) TotalFrames() int {
	return len(a.ram) / riscv.PageSize
}

// Frame is an exclusively owned physical page.
type Frame struct {
	a        *Allocator
	pa       riscv.PhysAddr
	released atomic.Bool
}

// PhysAddr returns the physical address of the frame.
func (f *Frame) PhysAddr() riscv.PhysAddr {
	return f.pa
}

// Bytes returns the contents of the frame.
func (f *Frame) Bytes() []byte {
	return f.a.PageBytes(f.pa)
}

// Zero clears the frame.
func (f *Frame) Zero() {
	clear(f.Bytes())
}

// Release returns the frame to its allocator. The frame must not be used
// afterwards; releasing it twice panics.
func (f *Frame) Release() {
	if f.released.Swap(true) {
		panic(fmt.Sprintf("frame %#x released twice", f.pa))
	}
	f.a.release(f.pa)
}
