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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/ring0/pagetables"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

func newMemorySet(t *testing.T, frames int) *MemorySet {
	t.Helper()
	ms, err := NewMemorySet(newAllocator(t, frames))
	if err != nil {
		t.Fatalf("NewMemorySet failed: %v", err)
	}
	return ms
}

func ranges(ms *MemorySet) []riscv.AddrRange {
	var out []riscv.AddrRange
	for _, v := range ms.Areas() {
		out = append(out, v.Range())
	}
	return out
}

func pushLazy(t *testing.T, ms *MemorySet, start riscv.Addr, pages int, flags riscv.PTEFlags) *VMA {
	t.Helper()
	v := newVMA(t, ms.mem, start, pages, flags)
	if err := ms.Push(v); err != nil {
		t.Fatalf("Push(%v) failed: %v", v, err)
	}
	return v
}

func TestPushOverlap(t *testing.T) {
	ms := newMemorySet(t, 16)
	pushLazy(t, ms, 0x10000, 4, riscv.ReadWrite)
	for _, start := range []riscv.Addr{0xe000, 0x10000, 0x12000, 0x13000} {
		v := newVMA(t, ms.mem, start, 3, riscv.ReadWrite)
		if err := ms.Push(v); !errors.Is(err, kernerr.ErrOverlap) {
			t.Errorf("Push at %#x got err %v, want %v", start, err, kernerr.ErrOverlap)
		}
	}
	// Adjacent areas do not overlap.
	pushLazy(t, ms, 0xd000, 3, riscv.ReadWrite)
	pushLazy(t, ms, 0x14000, 1, riscv.ReadWrite)
	want := []riscv.AddrRange{
		{Start: 0xd000, End: 0x10000},
		{Start: 0x10000, End: 0x14000},
		{Start: 0x14000, End: 0x15000},
	}
	if diff := cmp.Diff(want, ranges(ms)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
}

func TestPushWithData(t *testing.T) {
	ms := newMemorySet(t, 32)
	data := pattern(page+100, 5)

	addr, err := ms.PushWithData(0x20000, 0x22000, riscv.ReadWrite, data, false)
	if err != nil {
		t.Fatalf("PushWithData failed: %v", err)
	}
	if addr != 0x20000 {
		t.Errorf("fixed mapping placed at %#x, want 0x20000", addr)
	}
	got := make([]byte, len(data))
	if _, err := ms.CopyIn(addr, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	// A hint inside an existing area places the mapping after it.
	addr, err = ms.PushWithData(0x21000, 0x22000, riscv.ReadOnly, nil, true)
	if err != nil {
		t.Fatalf("PushWithData anywhere failed: %v", err)
	}
	if addr != 0x22000 {
		t.Errorf("mapping placed at %#x, want 0x22000", addr)
	}

	// A fixed mapping replaces what was there.
	if _, err := ms.PushWithData(0x21000, 0x23000, riscv.ReadExec, nil, false); err != nil {
		t.Fatalf("fixed PushWithData over existing areas failed: %v", err)
	}
	want := []riscv.AddrRange{
		{Start: 0x20000, End: 0x21000},
		{Start: 0x21000, End: 0x23000},
	}
	if diff := cmp.Diff(want, ranges(ms)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
}

func TestPushWithDataTooLarge(t *testing.T) {
	ms := newMemorySet(t, 8)
	before := ms.mem.Allocated()
	if _, err := ms.PushWithData(0x20000, 0x21000, riscv.ReadWrite, make([]byte, page+1), false); !errors.Is(err, kernerr.ErrInvalidArgument) {
		t.Errorf("PushWithData got err %v, want %v", err, kernerr.ErrInvalidArgument)
	}
	if n := len(ms.Areas()); n != 0 {
		t.Errorf("failed PushWithData left %d areas", n)
	}
	if got := ms.mem.Allocated(); got != before {
		t.Errorf("failed PushWithData allocated %d frames", got-before)
	}
	for _, tc := range []struct {
		name       string
		start, end riscv.Addr
	}{
		{name: "empty", start: 0x20000, end: 0x20000},
		{name: "unaligned", start: 0x20010, end: 0x21000},
		{name: "null page", start: 0, end: 0x1000},
		{name: "beyond user space", start: riscv.MaxUserAddress, end: riscv.MaxUserAddress + 0x1000},
	} {
		if _, err := ms.PushWithData(tc.start, tc.end, riscv.ReadWrite, nil, false); !errors.Is(err, kernerr.ErrInvalidRange) {
			t.Errorf("%s: got err %v, want %v", tc.name, err, kernerr.ErrInvalidRange)
		}
	}
}

func TestPushWithDataOutOfMemory(t *testing.T) {
	ms := newMemorySet(t, 16)
	old := pattern(page, 3)
	if _, err := ms.PushWithData(0x10000, 0x11000, riscv.ReadWrite, old, false); err != nil {
		t.Fatalf("PushWithData failed: %v", err)
	}
	var hoard []*pgalloc.Frame
	for {
		f, ok := ms.mem.Allocate()
		if !ok {
			break
		}
		hoard = append(hoard, f)
	}
	defer func() {
		for _, f := range hoard {
			f.Release()
		}
	}()

	// A fixed mapping that cannot be filled must not unmap what it covers.
	if _, err := ms.PushWithData(0x10000, 0x12000, riscv.ReadExec, pattern(2*page, 9), false); !errors.Is(err, kernerr.ErrOutOfMemory) {
		t.Fatalf("PushWithData got err %v, want %v", err, kernerr.ErrOutOfMemory)
	}
	want := []riscv.AddrRange{{Start: 0x10000, End: 0x11000}}
	if diff := cmp.Diff(want, ranges(ms)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
	got := make([]byte, len(old))
	if _, err := ms.CopyIn(0x10000, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if diff := cmp.Diff(old, got); diff != "" {
		t.Errorf("old data mismatch (-want +got):\n%s", diff)
	}
}

func TestPopSplits(t *testing.T) {
	ms := newMemorySet(t, 32)
	v := pushLazy(t, ms, 0x10000, 6, riscv.ReadWrite)
	for i := 0; i < 6; i++ {
		if err := ms.HandlePageFault(v.Start()+riscv.Addr(i)*page, riscv.StoreAccess); err != nil {
			t.Fatalf("HandlePageFault failed: %v", err)
		}
	}
	if err := ms.Pop(0x12000, 0x14000); err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	want := []riscv.AddrRange{
		{Start: 0x10000, End: 0x12000},
		{Start: 0x14000, End: 0x16000},
	}
	if diff := cmp.Diff(want, ranges(ms)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
	if got := ms.Resident(); got != 4 {
		t.Errorf("Resident() = %d, want 4", got)
	}
	pt := ms.PageTables()
	for _, va := range []riscv.Addr{0x12000, 0x13000} {
		if _, ok := pt.Entry(va); ok {
			t.Errorf("entry for %#x survived Pop", va)
		}
	}
	if _, ok := ms.FindArea(0x12000); ok {
		t.Errorf("FindArea found an area in the popped range")
	}
	if err := ms.HandlePageFault(0x12000, riscv.LoadAccess); !errors.Is(err, kernerr.ErrPageNotMapped) {
		t.Errorf("fault in the popped range got err %v, want %v", err, kernerr.ErrPageNotMapped)
	}

	// Popping an empty range, or one spanning holes, is fine.
	if err := ms.Pop(0x11000, 0x15000); err != nil {
		t.Fatalf("Pop over a hole failed: %v", err)
	}
	want = []riscv.AddrRange{
		{Start: 0x10000, End: 0x11000},
		{Start: 0x15000, End: 0x16000},
	}
	if diff := cmp.Diff(want, ranges(ms)); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}
	if err := ms.Pop(0x11001, 0x12000); !errors.Is(err, kernerr.ErrInvalidRange) {
		t.Errorf("unaligned Pop got err %v, want %v", err, kernerr.ErrInvalidRange)
	}
}

func TestMProtect(t *testing.T) {
	ms := newMemorySet(t, 32)
	pushLazy(t, ms, 0x10000, 2, riscv.ReadWrite)
	pushLazy(t, ms, 0x12000, 2, riscv.ReadWrite)
	pushLazy(t, ms, 0x20000, 1, riscv.ReadWrite)
	if err := ms.HandlePageFault(0x11000, riscv.StoreAccess); err != nil {
		t.Fatalf("HandlePageFault failed: %v", err)
	}

	if err := ms.MProtect(0x13000, 0x21000, riscv.ReadOnly); !errors.Is(err, kernerr.ErrPageNotMapped) {
		t.Errorf("MProtect over a hole got err %v, want %v", err, kernerr.ErrPageNotMapped)
	}
	if err := ms.MProtect(0x11000, 0x13000, riscv.ReadOnly); err != nil {
		t.Fatalf("MProtect failed: %v", err)
	}

	type area struct {
		Range riscv.AddrRange
		Flags riscv.PTEFlags
	}
	var got []area
	for _, v := range ms.Areas() {
		got = append(got, area{v.Range(), v.Flags()})
	}
	want := []area{
		{riscv.AddrRange{Start: 0x10000, End: 0x11000}, riscv.ReadWrite},
		{riscv.AddrRange{Start: 0x11000, End: 0x12000}, riscv.ReadOnly},
		{riscv.AddrRange{Start: 0x12000, End: 0x13000}, riscv.ReadOnly},
		{riscv.AddrRange{Start: 0x13000, End: 0x14000}, riscv.ReadWrite},
		{riscv.AddrRange{Start: 0x20000, End: 0x21000}, riscv.ReadWrite},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("areas mismatch (-want +got):\n%s", diff)
	}

	m := pagetables.NewMMU(0)
	ms.Activate(m)
	if _, ok := m.Translate(0x11000, riscv.StoreAccess); ok {
		t.Errorf("store to a protected page succeeded")
	}
	if _, ok := m.Translate(0x11000, riscv.LoadAccess); !ok {
		t.Errorf("load from a protected page faulted")
	}
	if err := ms.HandlePageFault(0x12000, riscv.StoreAccess); !errors.Is(err, kernerr.ErrAccessDenied) {
		t.Errorf("store fault on a protected lazy page got err %v, want %v", err, kernerr.ErrAccessDenied)
	}
}

func TestFaultThroughMMU(t *testing.T) {
	ms := newMemorySet(t, 16)
	pushLazy(t, ms, 0x10000, 2, riscv.ReadWrite)
	m := pagetables.NewMMU(0)
	ms.Activate(m)

	const va = riscv.Addr(0x11234)
	if _, ok := m.Translate(va, riscv.LoadAccess); ok {
		t.Fatalf("load from a lazy page did not fault")
	}
	if err := ms.HandlePageFault(va, riscv.LoadAccess); err != nil {
		t.Fatalf("HandlePageFault failed: %v", err)
	}
	if _, ok := m.Translate(va, riscv.LoadAccess); !ok {
		t.Errorf("load faulted again after the fault was handled")
	}
	if err := ms.HandlePageFault(va, riscv.LoadAccess); !errors.Is(err, kernerr.ErrTrapAtValidPage) {
		t.Errorf("fault on a present page got err %v, want %v", err, kernerr.ErrTrapAtValidPage)
	}
	if err := ms.HandlePageFault(0x30000, riscv.LoadAccess); !errors.Is(err, kernerr.ErrPageNotMapped) {
		t.Errorf("fault outside every area got err %v, want %v", err, kernerr.ErrPageNotMapped)
	}
}

func TestCopyAsFork(t *testing.T) {
	ms := newMemorySet(t, 64)
	pushLazy(t, ms, 0x10000, 4, riscv.ReadWrite)
	pushLazy(t, ms, 0x40000, 2, riscv.ReadOnly)
	if _, err := ms.CopyOut(0x10ff0, []byte("hello, world")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	child, err := ms.CopyAsFork()
	if err != nil {
		t.Fatalf("CopyAsFork failed: %v", err)
	}
	if diff := cmp.Diff(ranges(ms), ranges(child)); diff != "" {
		t.Errorf("child areas mismatch (-parent +child):\n%s", diff)
	}
	if got, want := child.Resident(), ms.Resident(); got != want {
		t.Errorf("child Resident() = %d, want %d", got, want)
	}
	buf := make([]byte, 12)
	if _, err := child.CopyIn(0x10ff0, buf); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if string(buf) != "hello, world" {
		t.Errorf("child read %q, want %q", buf, "hello, world")
	}

	if _, err := child.CopyOut(0x10ff0, []byte("HELLO")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	ms.CopyIn(0x10ff0, buf)
	if string(buf) != "hello, world" {
		t.Errorf("parent sees child write: %q", buf)
	}
	if child.PageTables() == ms.PageTables() {
		t.Errorf("child shares the parent's page table")
	}
}

func TestClearUserAndRelease(t *testing.T) {
	mem := newAllocator(t, 32)
	ms, err := NewMemorySet(mem)
	if err != nil {
		t.Fatalf("NewMemorySet failed: %v", err)
	}
	pushLazy(t, ms, 0x10000, 2, riscv.ReadWrite)
	kernel := newVMA(t, mem, 0x80000, 1, riscv.Read|riscv.Write)
	if err := ms.Push(kernel); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if _, err := ms.CopyOut(0x10000, make([]byte, 2*page)); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if _, err := ms.CopyOut(0x80000, []byte{1}); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	ms.ClearUser()
	want := []riscv.AddrRange{{Start: 0x80000, End: 0x81000}}
	if diff := cmp.Diff(want, ranges(ms)); diff != "" {
		t.Errorf("areas after ClearUser mismatch (-want +got):\n%s", diff)
	}
	if got := ms.Resident(); got != 1 {
		t.Errorf("Resident() after ClearUser = %d, want 1", got)
	}

	ms.Release()
	if got := mem.Allocated(); got != 0 {
		t.Errorf("Allocated() after Release = %d, want 0", got)
	}
	// Release is idempotent.
	ms.Release()
}

func TestCopyInOut(t *testing.T) {
	ms := newMemorySet(t, 16)
	pushLazy(t, ms, 0x10000, 3, riscv.ReadOnly)
	src := pattern(page+200, 1)
	// Kernel writes ignore the area's protection.
	if n, err := ms.CopyOut(0x10f00, src); err != nil || n != len(src) {
		t.Fatalf("CopyOut = %d, %v, want %d, nil", n, err, len(src))
	}
	dst := make([]byte, len(src))
	if n, err := ms.CopyIn(0x10f00, dst); err != nil || n != len(dst) {
		t.Fatalf("CopyIn = %d, %v, want %d, nil", n, err, len(dst))
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	n, err := ms.CopyOut(0x12ff0, make([]byte, 32))
	if !errors.Is(err, kernerr.ErrPageNotMapped) || n != 16 {
		t.Errorf("CopyOut past the end = %d, %v, want 16, %v", n, err, kernerr.ErrPageNotMapped)
	}

	ms.CopyOut(0x11000, []byte("argv0\x00"))
	s, err := ms.CopyInString(0x11000, 64)
	if err != nil || s != "argv0" {
		t.Errorf("CopyInString = %q, %v, want %q, nil", s, err, "argv0")
	}
	if _, err := ms.CopyInString(0x11000, 3); !errors.Is(err, kernerr.ErrInvalidArgument) {
		t.Errorf("CopyInString over the limit got err %v, want %v", err, kernerr.ErrInvalidArgument)
	}
}

func TestMaps(t *testing.T) {
	ms := newMemorySet(t, 16)
	pushLazy(t, ms, 0x10000, 2, riscv.ReadWrite)
	ms.CopyOut(0x10000, []byte{1})
	got := ms.String()
	if !strings.HasPrefix(got, "00010000-00012000 rw-u      1/2      ") || !strings.HasSuffix(got, " test\n") {
		t.Errorf("String() = %q", got)
	}
}
