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

package mm

import (
	"errors"
	"fmt"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/ring0/pagetables"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

// PageTable is the page table interface VMAs mutate.
type PageTable interface {
	// Map installs va -> pa. Empty flags install a not-present
	// placeholder.
	Map(va riscv.Addr, pa riscv.PhysAddr, flags riscv.PTEFlags) error

	// Unmap removes the entry for va.
	Unmap(va riscv.Addr) error

	// Entry returns the entry for va, if one exists.
	Entry(va riscv.Addr) (pagetables.Entry, bool)

	// FlushTLB invalidates the translation of va.
	FlushTLB(va riscv.Addr)

	// FlushTLBAll invalidates every translation of the table.
	FlushTLBAll()
}

// PhysMem is the kernel's byte view of physical memory.
type PhysMem interface {
	PageBytes(pa riscv.PhysAddr) []byte
}

// faultFlags are added to the area's flags when a fault installs a page.
const faultFlags = riscv.Valid | riscv.Accessed | riscv.Dirty

// VMA binds a page aligned virtual range and a protection to a PMArea.
//
// Invariant: End()-Start() == pma.Size().
type VMA struct {
	start riscv.Addr
	end   riscv.Addr
	flags riscv.PTEFlags
	pma   *PMAHandle
	name  string
}

// NewVMA returns a VMA over [start, end), aligned outward to page
// boundaries, backed by pma.
func NewVMA(start, end riscv.Addr, flags riscv.PTEFlags, pma *PMAHandle, name string) (*VMA, error) {
	if start >= end {
		return nil, fmt.Errorf("vma %q [%#x, %#x): %w", name, start, end, kernerr.ErrInvalidRange)
	}
	start = start.RoundDown()
	end, ok := end.RoundUp()
	if !ok {
		return nil, fmt.Errorf("vma %q end %#x wraps: %w", name, end, kernerr.ErrInvalidRange)
	}
	if size := pma.Size(); uint64(end-start) != size {
		return nil, fmt.Errorf("vma %q [%#x, %#x) over area of size %#x: %w", name, start, end, size, kernerr.ErrSizeMismatch)
	}
	return &VMA{
		start: start,
		end:   end,
		flags: flags,
		pma:   pma,
		name:  name,
	}, nil
}

// NewLazyVMA returns a VMA of size bytes at start backed by a new lazy area.
func NewLazyVMA(mem *pgalloc.Allocator, start riscv.Addr, size uint64, flags riscv.PTEFlags, name string) (*VMA, error) {
	pages := int((size + riscv.PageSize - 1) / riscv.PageSize)
	pma, err := NewLazy(mem, pages)
	if err != nil {
		return nil, err
	}
	end, ok := start.AddLength(size)
	if !ok {
		return nil, fmt.Errorf("vma %q at %#x of size %#x: %w", name, start, size, kernerr.ErrInvalidRange)
	}
	return NewVMA(start, end, flags, NewPMAHandle(pma), name)
}

// Start returns the first address of the area.
func (v *VMA) Start() riscv.Addr { return v.start }

// End returns the exclusive end of the area.
func (v *VMA) End() riscv.Addr { return v.end }

// Range returns [Start(), End()).
func (v *VMA) Range() riscv.AddrRange { return riscv.AddrRange{Start: v.start, End: v.end} }

// Flags returns the protection of the area.
func (v *VMA) Flags() riscv.PTEFlags { return v.flags }

// Name returns the name given to the area.
func (v *VMA) Name() string { return v.name }

// PMA returns the backing area handle.
func (v *VMA) PMA() *PMAHandle { return v.pma }

// Contains returns true if va lies in the area.
func (v *VMA) Contains(va riscv.Addr) bool {
	return v.start <= va && va < v.end
}

// Overlaps returns true if the area intersects ar aligned outward.
func (v *VMA) Overlaps(ar riscv.AddrRange) bool {
	start := ar.Start.RoundDown()
	end, ok := ar.End.RoundUp()
	if !ok {
		end = riscv.Addr(^uint64(0)).RoundDown()
	}
	return v.start < end && start < v.end
}

// IsUser returns true if the area is accessible from user mode.
func (v *VMA) IsUser() bool {
	return v.flags.Contains(riscv.User)
}

// pageIndex returns the PMA page index of va.
func (v *VMA) pageIndex(va riscv.Addr) int {
	return int((va - v.start) / riscv.PageSize)
}

// MapArea installs the area into pt. Backed pages get present entries with
// the area's flags; unbacked pages get placeholders so that faults on them
// reach HandlePageFault. Nothing is allocated.
func (v *VMA) MapArea(pt PageTable) error {
	v.pma.mu.Lock()
	defer v.pma.mu.Unlock()
	for va := v.start; va < v.end; va += riscv.PageSize {
		pa, ok, err := v.pma.pma.Frame(v.pageIndex(va), false)
		if err != nil {
			return err
		}
		if ok {
			err = pt.Map(va, pa, v.flags)
		} else {
			err = pt.Map(va, 0, riscv.NoFlags)
		}
		if err != nil {
			return fmt.Errorf("mapping %#x of %q: %w", va, v.name, err)
		}
	}
	return nil
}

// UnmapArea releases every page of the area and removes its entries.
func (v *VMA) UnmapArea(pt PageTable) error {
	return v.unmapPartial(pt, v.Range())
}

// unmapPartial releases the pages of ar, which must lie inside the area, and
// removes their entries. The caller flushes the TLB.
func (v *VMA) unmapPartial(pt PageTable, ar riscv.AddrRange) error {
	v.pma.mu.Lock()
	defer v.pma.mu.Unlock()
	for va := ar.Start; va < ar.End; va += riscv.PageSize {
		err := v.pma.pma.ReleaseFrame(v.pageIndex(va))
		if errors.Is(err, kernerr.ErrReleaseNotAllocated) {
			// A placeholder, or nothing if the area was never mapped.
			if err := pt.Unmap(va); err != nil && !errors.Is(err, kernerr.ErrPageNotMapped) {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := pt.Unmap(va); err != nil {
			return fmt.Errorf("unmapping %#x of %q: %w", va, v.name, err)
		}
	}
	return nil
}

// modifyAreaFlags applies the area's flags to every backed page. Unbacked
// pages stay unbacked. Backed pages are reinstalled from their frame, so
// that flags without permissions leave them not present and restoring
// permissions makes them present again. The caller flushes the TLB.
func (v *VMA) modifyAreaFlags(pt PageTable) error {
	v.pma.mu.Lock()
	defer v.pma.mu.Unlock()
	for va := v.start; va < v.end; va += riscv.PageSize {
		pa, ok, err := v.pma.pma.Frame(v.pageIndex(va), false)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		e, ok := pt.Entry(va)
		if !ok {
			panic(fmt.Sprintf("backed page %#x of %q has no entry", va, v.name))
		}
		e.SetAll(pa, v.flags)
	}
	return nil
}

// installPage backs the page at offset and makes its entry present. If
// failOnValid is set, a present entry is reported as ErrTrapAtValidPage.
//
// Preconditions: v.pma.mu must be locked.
func (v *VMA) installPage(offset uint64, pt PageTable, failOnValid bool) error {
	if offset >= uint64(v.end-v.start) {
		return fmt.Errorf("offset %#x in %q: %w", offset, v.name, kernerr.ErrOutOfRange)
	}
	va := (v.start + riscv.Addr(offset)).RoundDown()
	pa, _, err := v.pma.pma.Frame(v.pageIndex(va), true)
	if err != nil {
		return err
	}
	e, ok := pt.Entry(va)
	if !ok {
		return fmt.Errorf("fault at %#x in %q: %w", va, v.name, kernerr.ErrPageNotMapped)
	}
	if e.IsValid() {
		if failOnValid {
			return fmt.Errorf("fault at %#x in %q: %w", va, v.name, kernerr.ErrTrapAtValidPage)
		}
		return nil
	}
	e.SetAll(pa, v.flags|faultFlags)
	pt.FlushTLB(va)
	return nil
}

// HandlePageFault resolves a fault at offset into the area for an access of
// the given type. It fails with ErrAccessDenied, installing nothing, if the
// area's flags do not permit the access. A fault at a page whose entry is
// already present returns ErrTrapAtValidPage: the TLB and page tables
// disagree, and the fault must not be retried.
func (v *VMA) HandlePageFault(offset uint64, access riscv.AccessType, pt PageTable) error {
	v.pma.mu.Lock()
	defer v.pma.mu.Unlock()
	if !v.flags.Contains(access) {
		return fmt.Errorf("%v access at offset %#x of %q (%v): %w", access, offset, v.name, v.flags, kernerr.ErrAccessDenied)
	}
	return v.installPage(offset, pt, true)
}

// ManuallyAllocPage backs and maps the page at offset if it is not already,
// so that the kernel can touch it on the task's behalf.
func (v *VMA) ManuallyAllocPage(offset uint64, pt PageTable) error {
	v.pma.mu.Lock()
	defer v.pma.mu.Unlock()
	return v.installPage(offset, pt, false)
}

// CopyEmpty returns a VMA with the same range and flags over a fork clone of
// the area. Page contents are not copied.
func (v *VMA) CopyEmpty() (*VMA, error) {
	v.pma.mu.Lock()
	clone, err := v.pma.pma.CloneAsFork()
	v.pma.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &VMA{
		start: v.start,
		end:   v.end,
		flags: v.flags,
		pma:   NewPMAHandle(clone),
		name:  v.name,
	}, nil
}

// CopyWithData is CopyEmpty followed by a copy of every backed page into a
// newly backed page of the clone. Unbacked pages stay unbacked. There is no
// copy-on-write: the cost is proportional to the resident set.
func (v *VMA) CopyWithData(mem PhysMem) (*VMA, error) {
	nv, err := v.CopyEmpty()
	if err != nil {
		return nil, err
	}
	nv.pma.mu.Lock()
	defer nv.pma.mu.Unlock()
	v.pma.mu.Lock()
	defer v.pma.mu.Unlock()
	for idx := 0; idx < v.pageIndex(v.end); idx++ {
		src, ok, err := v.pma.pma.Frame(idx, false)
		if err != nil {
			nv.pma.pma.Release()
			return nil, err
		}
		if !ok {
			continue
		}
		dst, _, err := nv.pma.pma.Frame(idx, true)
		if err != nil {
			nv.pma.pma.Release()
			return nil, err
		}
		copy(mem.PageBytes(dst), mem.PageBytes(src))
	}
	return nv, nil
}

// Modify sets the area's flags and applies them to its backed pages.
func (v *VMA) Modify(flags riscv.PTEFlags, pt PageTable) error {
	v.flags = flags
	return v.modifyAreaFlags(pt)
}

// Remove unmaps the whole area.
func (v *VMA) Remove(pt PageTable) error {
	return v.UnmapArea(pt)
}

// Split truncates the area to end at pos and returns a new area for
// [pos, old end), backed by the right part of the PMA. Page table entries
// are unaffected.
func (v *VMA) Split(pos riscv.Addr) (*VMA, error) {
	if !pos.IsPageAligned() || pos <= v.start || pos >= v.end {
		return nil, fmt.Errorf("split of %q %v at %#x: %w", v.name, v.Range(), pos, kernerr.ErrInvalidRange)
	}
	off := uint64(pos - v.start)
	v.pma.mu.Lock()
	right, err := v.pma.pma.Split(off, off)
	v.pma.mu.Unlock()
	if err != nil {
		return nil, err
	}
	nv := &VMA{
		start: pos,
		end:   v.end,
		flags: v.flags,
		pma:   NewPMAHandle(right),
		name:  v.name,
	}
	v.end = pos
	return nv, nil
}

// String implements fmt.Stringer.String.
func (v *VMA) String() string {
	return fmt.Sprintf("%q %v %v", v.name, v.Range(), v.flags)
}
