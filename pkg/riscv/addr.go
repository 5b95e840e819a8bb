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

// Package riscv describes the parts of the RV64 machine the kernel core
// depends on: addresses, the Sv39 page table entry format, and the user
// address space layout.
package riscv

import (
	"fmt"
)

// Addr is a virtual address.
type Addr uint64

// PhysAddr is a physical address.
type PhysAddr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("riscv.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// RoundDown returns the physical address rounded down to a page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p & ^PhysAddr(PageSize-1)
}

// PageOffset returns the offset of p into its page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & PhysAddr(PageSize-1))
}

// PageNumber returns the physical page number of p, as stored in a PTE.
func (p PhysAddr) PageNumber() uint64 {
	return uint64(p) >> PageShift
}

// AddrRange is a range of Addrs.
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// IsPageAligned returns true if both bounds are page aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// PageCount returns the number of pages the range spans once aligned
// outwards.
func (ar AddrRange) PageCount() int {
	return int((uint64(ar.End.MustRoundUp()) - uint64(ar.Start.RoundDown())) / PageSize)
}

// Contains returns true if ar contains x.
func (ar AddrRange) Contains(x Addr) bool {
	return ar.Start <= x && x < ar.End
}

// Overlaps returns true if ar and ar2 overlap.
func (ar AddrRange) Overlaps(ar2 AddrRange) bool {
	return ar.Start < ar2.End && ar2.Start < ar.End
}

// IsSupersetOf returns true if ar entirely contains ar2.
func (ar AddrRange) IsSupersetOf(ar2 AddrRange) bool {
	return ar.Start <= ar2.Start && ar2.End <= ar.End
}

// Intersect returns a range consisting of the intersection between ar and
// ar2. If ar and ar2 do not overlap, Intersect returns a range with
// unspecified bounds, but for which Length() == 0.
func (ar AddrRange) Intersect(ar2 AddrRange) AddrRange {
	if ar.Start < ar2.Start {
		ar.Start = ar2.Start
	}
	if ar.End > ar2.End {
		ar.End = ar2.End
	}
	if ar.End < ar.Start {
		ar.End = ar.Start
	}
	return ar
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", ar.Start, ar.End)
}
