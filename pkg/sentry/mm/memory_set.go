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

// Package mm implements the memory areas of a user address space.
//
// A MemorySet owns a page table and a set of disjoint VMAs. Each VMA maps a
// virtual range onto a PMArea, which owns the physical frames. Pages of lazy
// areas are backed on first touch by the page fault handler.
//
// Lock order:
//
//	MemorySet.mu
//	  PMAHandle.mu
//	    pagetables.PageTables.mu
//	      pagetables.MMU.mu
package mm

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/ring0/pagetables"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

// areaTreeDegree is the B-tree degree of the area index.
const areaTreeDegree = 8

func vmaLess(a, b *VMA) bool {
	return a.start < b.start
}

// pivot returns a key for tree lookups by address.
func pivot(va riscv.Addr) *VMA {
	return &VMA{start: va}
}

// MemorySet is a user address space.
type MemorySet struct {
	// mem provides frames for areas and tables. Immutable.
	mem *pgalloc.Allocator

	mu sync.Mutex

	// pt is the address space's page table.
	//
	// +checklocks:mu
	pt *pagetables.PageTables

	// areas holds the VMAs ordered by start address. They never overlap.
	//
	// +checklocks:mu
	areas *btree.BTreeG[*VMA]
}

// NewMemorySet returns an empty address space.
func NewMemorySet(mem *pgalloc.Allocator) (*MemorySet, error) {
	pt, err := pagetables.New(mem)
	if err != nil {
		return nil, err
	}
	return &MemorySet{
		mem:   mem,
		pt:    pt,
		areas: btree.NewG[*VMA](areaTreeDegree, vmaLess),
	}, nil
}

// Allocator returns the allocator backing the address space.
func (ms *MemorySet) Allocator() *pgalloc.Allocator {
	return ms.mem
}

// PageTables returns the page table of the address space.
func (ms *MemorySet) PageTables() *pagetables.PageTables {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.pt
}

// Activate installs the address space on the hart owning m.
func (ms *MemorySet) Activate(m *pagetables.MMU) {
	ms.PageTables().Activate(m)
}

// FlushTLB invalidates every cached translation of the address space.
func (ms *MemorySet) FlushTLB() {
	ms.PageTables().FlushTLBAll()
}

// +checklocks:ms.mu
func (ms *MemorySet) findLocked(va riscv.Addr) (*VMA, bool) {
	var found *VMA
	ms.areas.DescendLessOrEqual(pivot(va), func(v *VMA) bool {
		found = v
		return false
	})
	if found == nil || !found.Contains(va) {
		return nil, false
	}
	return found, true
}

// FindArea returns the area containing va.
func (ms *MemorySet) FindArea(va riscv.Addr) (*VMA, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.findLocked(va)
}

// overlappingLocked returns the areas intersecting ar, in address order.
//
// +checklocks:ms.mu
func (ms *MemorySet) overlappingLocked(ar riscv.AddrRange) []*VMA {
	var out []*VMA
	ms.areas.DescendLessOrEqual(pivot(ar.Start), func(v *VMA) bool {
		if v.start < ar.Start && v.end > ar.Start {
			out = append(out, v)
		}
		return false
	})
	ms.areas.AscendRange(pivot(ar.Start), pivot(ar.End), func(v *VMA) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Push maps vma into the address space. It fails with ErrOverlap if vma
// intersects an existing area.
func (ms *MemorySet) Push(vma *VMA) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.pushLocked(vma)
}

// +checklocks:ms.mu
func (ms *MemorySet) pushLocked(vma *VMA) error {
	if len(ms.overlappingLocked(vma.Range())) != 0 {
		return fmt.Errorf("push %v: %w", vma, kernerr.ErrOverlap)
	}
	if err := vma.MapArea(ms.pt); err != nil {
		// Drop whatever entries were installed before the failure; the
		// frames stay with the caller.
		for va := vma.start; va < vma.end; va += riscv.PageSize {
			ms.pt.Unmap(va)
		}
		ms.pt.FlushTLBAll()
		return err
	}
	ms.areas.ReplaceOrInsert(vma)
	return nil
}

// findFreeLocked returns the lowest address at or above from where length
// bytes fit between existing areas.
//
// +checklocks:ms.mu
func (ms *MemorySet) findFreeLocked(length uint64, from riscv.Addr) (riscv.Addr, bool) {
	cand := from
	ms.areas.Ascend(func(v *VMA) bool {
		if v.end <= cand {
			return true
		}
		if end, ok := cand.AddLength(length); ok && v.start >= end {
			return false
		}
		cand = v.end
		return true
	})
	end, ok := cand.AddLength(length)
	if !ok || end > riscv.MaxUserAddress {
		return 0, false
	}
	return cand, true
}

// PushWithData maps a new lazy area over [start, end) holding a copy of data
// at its beginning, and returns its start.
//
// If anywhere is set, start is a hint: the area is placed at the first free
// range at or above it. Otherwise the area is placed exactly at start, and
// any existing mapping in the way is removed once the new area is filled.
func (ms *MemorySet) PushWithData(start, end riscv.Addr, flags riscv.PTEFlags, data []byte, anywhere bool) (riscv.Addr, error) {
	if end <= start {
		return 0, fmt.Errorf("mmap [%#x, %#x): %w", start, end, kernerr.ErrInvalidRange)
	}
	length, ok := riscv.Addr(end - start).RoundUp()
	if !ok {
		return 0, fmt.Errorf("mmap [%#x, %#x): %w", start, end, kernerr.ErrInvalidRange)
	}
	if uint64(len(data)) > uint64(length) {
		return 0, fmt.Errorf("mmap of %d bytes into %#x bytes: %w", len(data), length, kernerr.ErrInvalidArgument)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ar := riscv.AddrRange{Start: start.RoundDown(), End: start.RoundDown() + length}
	if anywhere {
		hint := max(start.RoundDown(), riscv.MinUserAddress)
		addr, ok := ms.findFreeLocked(uint64(length), hint)
		if !ok {
			if addr, ok = ms.findFreeLocked(uint64(length), riscv.MinUserAddress); !ok {
				return 0, fmt.Errorf("no room for %#x bytes: %w", length, kernerr.ErrOutOfMemory)
			}
		}
		ar = riscv.AddrRange{Start: addr, End: addr + length}
	} else {
		if !start.IsPageAligned() || ar.Start < riscv.MinUserAddress || ar.End > riscv.MaxUserAddress || ar.End < ar.Start {
			return 0, fmt.Errorf("fixed mmap at %v: %w", ar, kernerr.ErrInvalidRange)
		}
	}

	// Fill the new area before anything in the way is unmapped, so that
	// running out of frames leaves the address space as it was.
	vma, err := NewLazyVMA(ms.mem, ar.Start, uint64(length), flags, "mmap")
	if err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if _, err := vma.pma.Write(0, data); err != nil {
			vma.pma.pma.Release()
			return 0, err
		}
	}
	if !anywhere {
		if err := ms.popLocked(ar); err != nil {
			vma.pma.pma.Release()
			return 0, err
		}
	}
	if err := ms.pushLocked(vma); err != nil {
		vma.pma.pma.Release()
		return 0, err
	}
	return ar.Start, nil
}

// Pop unmaps [start, end), splitting areas that straddle the bounds. Areas
// are not required to exist in the range.
func (ms *MemorySet) Pop(start, end riscv.Addr) error {
	if !start.IsPageAligned() || end <= start {
		return fmt.Errorf("munmap [%#x, %#x): %w", start, end, kernerr.ErrInvalidRange)
	}
	rend, ok := end.RoundUp()
	if !ok {
		return fmt.Errorf("munmap [%#x, %#x): %w", start, end, kernerr.ErrInvalidRange)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.popLocked(riscv.AddrRange{Start: start, End: rend})
}

// isolateLocked splits the areas straddling the bounds of ar, so that every
// area is either inside or outside of it, and returns those inside.
//
// +checklocks:ms.mu
func (ms *MemorySet) isolateLocked(ar riscv.AddrRange) ([]*VMA, error) {
	var inside []*VMA
	for _, v := range ms.overlappingLocked(ar) {
		if v.start < ar.Start {
			right, err := v.Split(ar.Start)
			if err != nil {
				return nil, err
			}
			ms.areas.ReplaceOrInsert(right)
			v = right
		}
		if v.end > ar.End {
			tail, err := v.Split(ar.End)
			if err != nil {
				return nil, err
			}
			ms.areas.ReplaceOrInsert(tail)
		}
		inside = append(inside, v)
	}
	return inside, nil
}

// +checklocks:ms.mu
func (ms *MemorySet) popLocked(ar riscv.AddrRange) error {
	inside, err := ms.isolateLocked(ar)
	if err != nil {
		return err
	}
	defer ms.pt.FlushTLBAll()
	for _, v := range inside {
		ms.areas.Delete(v)
		if err := v.Remove(ms.pt); err != nil {
			return err
		}
	}
	return nil
}

// MProtect changes the protection of [start, end), which must be fully
// mapped. Only backed pages are touched; lazy pages pick up the new flags
// when they fault.
func (ms *MemorySet) MProtect(start, end riscv.Addr, flags riscv.PTEFlags) error {
	if !start.IsPageAligned() || end <= start {
		return fmt.Errorf("mprotect [%#x, %#x): %w", start, end, kernerr.ErrInvalidRange)
	}
	rend, ok := end.RoundUp()
	if !ok {
		return fmt.Errorf("mprotect [%#x, %#x): %w", start, end, kernerr.ErrInvalidRange)
	}
	ar := riscv.AddrRange{Start: start, End: rend}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	next := ar.Start
	for _, v := range ms.overlappingLocked(ar) {
		if v.start > next {
			break
		}
		next = v.end
	}
	if next < ar.End {
		return fmt.Errorf("mprotect %v: hole at %#x: %w", ar, next, kernerr.ErrPageNotMapped)
	}
	inside, err := ms.isolateLocked(ar)
	if err != nil {
		return err
	}
	defer ms.pt.FlushTLBAll()
	for _, v := range inside {
		if err := v.Modify(flags, ms.pt); err != nil {
			return err
		}
	}
	return nil
}

// HandlePageFault resolves a user fault at va. A fault outside every area
// fails with ErrPageNotMapped.
func (ms *MemorySet) HandlePageFault(va riscv.Addr, access riscv.AccessType) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	v, ok := ms.findLocked(va)
	if !ok {
		return fmt.Errorf("fault at %#x: %w", va, kernerr.ErrPageNotMapped)
	}
	return v.HandlePageFault(uint64(va-v.start), access, ms.pt)
}

// CopyAsFork returns a copy of the address space in which every backed page
// has been duplicated into a frame of its own.
func (ms *MemorySet) CopyAsFork() (*MemorySet, error) {
	child, err := NewMemorySet(ms.mem)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var ferr error
	ms.areas.Ascend(func(v *VMA) bool {
		var nv *VMA
		if nv, ferr = v.CopyWithData(ms.mem); ferr != nil {
			return false
		}
		if ferr = child.Push(nv); ferr != nil {
			nv.pma.pma.Release()
			return false
		}
		return true
	})
	if ferr != nil {
		child.Release()
		return nil, ferr
	}
	return child, nil
}

// removeIfLocked unmaps every area for which pred holds.
//
// +checklocks:ms.mu
func (ms *MemorySet) removeIfLocked(pred func(*VMA) bool) {
	var doomed []*VMA
	ms.areas.Ascend(func(v *VMA) bool {
		if pred(v) {
			doomed = append(doomed, v)
		}
		return true
	})
	for _, v := range doomed {
		ms.areas.Delete(v)
		if err := v.Remove(ms.pt); err != nil {
			panic(fmt.Sprintf("removing %v: %v", v, err))
		}
	}
	ms.pt.FlushTLBAll()
}

// ClearUser unmaps every user area, as exec does before loading a new image.
func (ms *MemorySet) ClearUser() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.removeIfLocked((*VMA).IsUser)
}

// Release unmaps everything and frees the page table. The address space must
// not be active on any hart.
func (ms *MemorySet) Release() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.pt == nil {
		return
	}
	ms.removeIfLocked(func(*VMA) bool { return true })
	ms.pt.Release()
	ms.pt = nil
	log.Debugf("mm: released address space, %d frames in use", ms.mem.Allocated())
}

// Areas returns the areas in address order.
func (ms *MemorySet) Areas() []*VMA {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*VMA, 0, ms.areas.Len())
	ms.areas.Ascend(func(v *VMA) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Resident returns the number of backed pages across all areas.
func (ms *MemorySet) Resident() int {
	n := 0
	for _, v := range ms.Areas() {
		n += v.pma.Resident()
	}
	return n
}
