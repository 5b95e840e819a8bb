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
	"bytes"
	"errors"
	"testing"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/ring0/pagetables"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

func newVMA(t *testing.T, mem *pgalloc.Allocator, start riscv.Addr, pages int, flags riscv.PTEFlags) *VMA {
	t.Helper()
	v, err := NewLazyVMA(mem, start, uint64(pages)*page, flags, "test")
	if err != nil {
		t.Fatalf("NewLazyVMA failed: %v", err)
	}
	return v
}

func newPageTables(t *testing.T, mem *pgalloc.Allocator) *pagetables.PageTables {
	t.Helper()
	pt, err := pagetables.New(mem)
	if err != nil {
		t.Fatalf("pagetables.New failed: %v", err)
	}
	return pt
}

func TestNewVMA(t *testing.T) {
	mem := newAllocator(t, 4)
	l, err := NewLazy(mem, 2)
	if err != nil {
		t.Fatalf("NewLazy failed: %v", err)
	}
	h := NewPMAHandle(l)

	v, err := NewVMA(0x1010, 0x2ff0, riscv.ReadWrite, h, "aligned")
	if err != nil {
		t.Fatalf("NewVMA failed: %v", err)
	}
	if want := (riscv.AddrRange{Start: 0x1000, End: 0x3000}); v.Range() != want {
		t.Errorf("Range() = %v, want %v", v.Range(), want)
	}

	for _, tc := range []struct {
		name       string
		start, end riscv.Addr
		want       error
	}{
		{name: "empty", start: 0x2000, end: 0x2000, want: kernerr.ErrInvalidRange},
		{name: "reversed", start: 0x3000, end: 0x1000, want: kernerr.ErrInvalidRange},
		{name: "too small", start: 0x1000, end: 0x2000, want: kernerr.ErrSizeMismatch},
		{name: "too large", start: 0x1000, end: 0x3001, want: kernerr.ErrSizeMismatch},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewVMA(tc.start, tc.end, riscv.ReadWrite, h, tc.name); !errors.Is(err, tc.want) {
				t.Errorf("NewVMA(%#x, %#x) got err %v, want %v", tc.start, tc.end, err, tc.want)
			}
		})
	}
}

func TestMapAreaInstallsPlaceholders(t *testing.T) {
	mem := newAllocator(t, 8)
	pt := newPageTables(t, mem)
	v := newVMA(t, mem, 0x10000, 3, riscv.ReadWrite)
	before := mem.Allocated()
	if err := v.MapArea(pt); err != nil {
		t.Fatalf("MapArea failed: %v", err)
	}
	if v.PMA().Resident() != 0 {
		t.Errorf("MapArea backed %d pages", v.PMA().Resident())
	}
	for va := v.Start(); va < v.End(); va += page {
		e, ok := pt.Entry(va)
		if !ok {
			t.Fatalf("no entry for %#x", va)
		}
		if e.IsValid() {
			t.Errorf("entry for %#x is present before any fault", va)
		}
	}
	// Only table frames may have been allocated.
	if got, want := mem.Allocated()-before, pt.TableFrames()-1; got != want {
		t.Errorf("MapArea allocated %d frames, want %d", got, want)
	}
}

func TestHandlePageFault(t *testing.T) {
	mem := newAllocator(t, 8)
	pt := newPageTables(t, mem)
	v := newVMA(t, mem, 0x10000, 2, riscv.ReadWrite)
	if err := v.MapArea(pt); err != nil {
		t.Fatalf("MapArea failed: %v", err)
	}
	m := pagetables.NewMMU(0)
	pt.Activate(m)

	if _, ok := m.Translate(0x10008, riscv.StoreAccess); ok {
		t.Fatalf("store to an unbacked page did not fault")
	}
	if err := v.HandlePageFault(8, riscv.StoreAccess, pt); err != nil {
		t.Fatalf("HandlePageFault failed: %v", err)
	}
	pa, ok := m.Translate(0x10008, riscv.StoreAccess)
	if !ok {
		t.Fatalf("store faulted after the fault was handled")
	}
	if pa.PageOffset() != 8 {
		t.Errorf("translated %#x, want page offset 8", pa)
	}
	if got := v.PMA().Resident(); got != 1 {
		t.Errorf("Resident() = %d, want 1", got)
	}

	if err := v.HandlePageFault(16, riscv.LoadAccess, pt); !errors.Is(err, kernerr.ErrTrapAtValidPage) {
		t.Errorf("second fault on the page got err %v, want %v", err, kernerr.ErrTrapAtValidPage)
	}
	if err := v.ManuallyAllocPage(16, pt); err != nil {
		t.Errorf("ManuallyAllocPage on a present page failed: %v", err)
	}
	if err := v.HandlePageFault(2*page, riscv.LoadAccess, pt); !errors.Is(err, kernerr.ErrOutOfRange) {
		t.Errorf("fault past the end got err %v, want %v", err, kernerr.ErrOutOfRange)
	}
}

func TestHandlePageFaultAccessDenied(t *testing.T) {
	mem := newAllocator(t, 8)
	pt := newPageTables(t, mem)
	v := newVMA(t, mem, 0x10000, 1, riscv.ReadOnly)
	if err := v.MapArea(pt); err != nil {
		t.Fatalf("MapArea failed: %v", err)
	}
	for _, access := range []riscv.AccessType{riscv.StoreAccess, riscv.ExecuteAccess} {
		if err := v.HandlePageFault(0, access, pt); !errors.Is(err, kernerr.ErrAccessDenied) {
			t.Errorf("%v fault got err %v, want %v", access, err, kernerr.ErrAccessDenied)
		}
	}
	if e, _ := pt.Entry(0x10000); e.IsValid() {
		t.Errorf("denied fault installed a mapping")
	}
	if got := v.PMA().Resident(); got != 0 {
		t.Errorf("denied fault backed %d pages", got)
	}
}

func TestUnmapAreaLeavesNothing(t *testing.T) {
	mem := newAllocator(t, 8)
	pt := newPageTables(t, mem)
	v := newVMA(t, mem, 0x10000, 3, riscv.ReadWrite)
	if err := v.MapArea(pt); err != nil {
		t.Fatalf("MapArea failed: %v", err)
	}
	tables := mem.Allocated()
	if err := v.HandlePageFault(page, riscv.StoreAccess, pt); err != nil {
		t.Fatalf("HandlePageFault failed: %v", err)
	}
	if err := v.UnmapArea(pt); err != nil {
		t.Fatalf("UnmapArea failed: %v", err)
	}
	for va := v.Start(); va < v.End(); va += page {
		if _, ok := pt.Entry(va); ok {
			t.Errorf("entry for %#x survived UnmapArea", va)
		}
	}
	if got := mem.Allocated(); got != tables {
		t.Errorf("Allocated() = %d, want %d", got, tables)
	}
	// A second unmap finds nothing to do.
	if err := v.UnmapArea(pt); err != nil {
		t.Errorf("second UnmapArea failed: %v", err)
	}
}

func TestModifyDowngrade(t *testing.T) {
	mem := newAllocator(t, 8)
	pt := newPageTables(t, mem)
	v := newVMA(t, mem, 0x10000, 2, riscv.ReadWrite)
	if err := v.MapArea(pt); err != nil {
		t.Fatalf("MapArea failed: %v", err)
	}
	if err := v.HandlePageFault(0, riscv.StoreAccess, pt); err != nil {
		t.Fatalf("HandlePageFault failed: %v", err)
	}
	if err := v.Modify(riscv.ReadOnly, pt); err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if e, _ := pt.Entry(0x10000); !e.IsValid() || e.Flags().Contains(riscv.Write) {
		t.Errorf("backed page has flags %v, want present read-only", e.Flags())
	}
	if e, _ := pt.Entry(0x11000); e.IsValid() {
		t.Errorf("Modify backed the lazy page")
	}
	if err := v.HandlePageFault(page, riscv.StoreAccess, pt); !errors.Is(err, kernerr.ErrAccessDenied) {
		t.Errorf("store fault after downgrade got err %v, want %v", err, kernerr.ErrAccessDenied)
	}
}

func TestModifyNoPermissions(t *testing.T) {
	mem := newAllocator(t, 8)
	pt := newPageTables(t, mem)
	v := newVMA(t, mem, 0x10000, 1, riscv.ReadWrite)
	if err := v.MapArea(pt); err != nil {
		t.Fatalf("MapArea failed: %v", err)
	}
	if err := v.HandlePageFault(0, riscv.StoreAccess, pt); err != nil {
		t.Fatalf("HandlePageFault failed: %v", err)
	}
	e, _ := pt.Entry(0x10000)
	pa := e.PhysAddr()

	if err := v.Modify(riscv.NoFlags, pt); err != nil {
		t.Fatalf("Modify to no permissions failed: %v", err)
	}
	e, ok := pt.Entry(0x10000)
	if !ok {
		t.Fatalf("Modify removed the entry")
	}
	if e.IsValid() {
		t.Errorf("entry without permissions is present with flags %v", e.Flags())
	}
	if err := v.HandlePageFault(0, riscv.LoadAccess, pt); !errors.Is(err, kernerr.ErrAccessDenied) {
		t.Errorf("load fault without permissions got err %v, want %v", err, kernerr.ErrAccessDenied)
	}

	// Restoring permissions brings back the same frame.
	if err := v.Modify(riscv.ReadOnly, pt); err != nil {
		t.Fatalf("Modify to read-only failed: %v", err)
	}
	e, _ = pt.Entry(0x10000)
	if !e.IsValid() || e.PhysAddr() != pa || e.Flags().Permissions() != riscv.ReadOnly {
		t.Errorf("entry after restore: valid %t, frame %#x, flags %v, want valid, %#x, %v", e.IsValid(), e.PhysAddr(), e.Flags(), pa, riscv.ReadOnly)
	}
}

func TestCopyWithData(t *testing.T) {
	mem := newAllocator(t, 16)
	v := newVMA(t, mem, 0x10000, 4, riscv.ReadWrite)
	for _, idx := range []uint64{0, 1, 3} {
		if _, err := v.PMA().Write(idx*page, pattern(page, byte(idx))); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	c, err := v.CopyWithData(mem)
	if err != nil {
		t.Fatalf("CopyWithData failed: %v", err)
	}
	if c.Range() != v.Range() || c.Flags() != v.Flags() {
		t.Errorf("copy is %v, want %v", c, v)
	}
	if got := c.PMA().Resident(); got != 3 {
		t.Errorf("copy Resident() = %d, want 3", got)
	}
	for _, idx := range []uint64{0, 1, 3} {
		got := make([]byte, page)
		c.PMA().Read(idx*page, got)
		if !bytes.Equal(got, pattern(page, byte(idx))) {
			t.Errorf("page %d of the copy differs", idx)
		}
	}

	// Writes to the original are not visible in the copy.
	v.PMA().Write(0, []byte{0xff})
	b := make([]byte, 1)
	c.PMA().Read(0, b)
	if b[0] != pattern(1, 0)[0] {
		t.Errorf("write to the original reached the copy")
	}
}

func TestVMASplit(t *testing.T) {
	mem := newAllocator(t, 8)
	v := newVMA(t, mem, 0x10000, 4, riscv.ReadWrite)
	v.PMA().Write(3*page, []byte{42})
	right, err := v.Split(0x12000)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if want := (riscv.AddrRange{Start: 0x10000, End: 0x12000}); v.Range() != want {
		t.Errorf("left part is %v, want %v", v.Range(), want)
	}
	if want := (riscv.AddrRange{Start: 0x12000, End: 0x14000}); right.Range() != want {
		t.Errorf("right part is %v, want %v", right.Range(), want)
	}
	if right.PMA().Size() != 2*page {
		t.Errorf("right PMA size = %#x, want %#x", right.PMA().Size(), 2*page)
	}
	b := make([]byte, 1)
	right.PMA().Read(page, b)
	if b[0] != 42 {
		t.Errorf("right part lost its data")
	}
	for _, pos := range []riscv.Addr{0x10000, 0x12000, 0x11001, 0x20000} {
		if _, err := v.Split(pos); !errors.Is(err, kernerr.ErrInvalidRange) {
			t.Errorf("Split(%#x) got err %v, want %v", pos, err, kernerr.ErrInvalidRange)
		}
	}
}
