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

// Package pagetables implements Sv39 page tables stored in simulated
// physical memory, and the per-hart MMU that walks them.
//
// A table is three levels of 512 eight-byte entries, each level occupying
// one page frame. Only 4K leaves are installed. Intermediate tables are
// allocated on demand and owned by the PageTables; leaf frames belong to
// whoever mapped them.
package pagetables

import (
	"encoding/binary"
	"fmt"
	"sync"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

// Sv39 geometry.
const (
	levels         = 3
	entriesPerPage = 512
	entrySize      = 8
	vpnBits        = 9
	vpnMask        = entriesPerPage - 1

	// ppnShift is the position of the physical page number in an entry.
	ppnShift = 10

	// flagsMask covers the flag and RSW bits of an entry.
	flagsMask = 1<<ppnShift - 1

	// vaBits is the width of a Sv39 virtual address.
	vaBits = 39
)

// PTE is a raw page table entry.
type PTE uint64

// Flags returns the flag bits of the entry.
func (p PTE) Flags() riscv.PTEFlags {
	return riscv.PTEFlags(p & flagsMask)
}

// Address returns the physical address the entry points to.
func (p PTE) Address() riscv.PhysAddr {
	return riscv.PhysAddr(uint64(p)>>ppnShift) << riscv.PageShift
}

// Valid returns true if the V bit is set.
func (p PTE) Valid() bool {
	return p.Flags()&riscv.Valid != 0
}

// makePTE builds an entry.
func makePTE(pa riscv.PhysAddr, flags riscv.PTEFlags) PTE {
	return PTE(pa.PageNumber()<<ppnShift | uint64(flags&flagsMask))
}

// vpn returns the index of va into the table at level.
func vpn(va riscv.Addr, level int) int {
	return int(uint64(va)>>(riscv.PageShift+vpnBits*level)) & vpnMask
}

// PageTables is a Sv39 address translation tree.
type PageTables struct {
	mem *pgalloc.Allocator

	mu sync.Mutex

	// root is the top level table.
	//
	// +checklocks:mu
	root *pgalloc.Frame

	// tables holds every table frame, root included, so they can be
	// released together.
	//
	// +checklocks:mu
	tables []*pgalloc.Frame

	// mmus holds every MMU this table was ever activated on. TLB flushes
	// are broadcast to them.
	//
	// +checklocks:mu
	mmus map[*MMU]struct{}
}

// New returns empty page tables whose frames come from mem.
func New(mem *pgalloc.Allocator) (*PageTables, error) {
	root, ok := mem.Allocate()
	if !ok {
		return nil, kernerr.ErrOutOfMemory
	}
	return &PageTables{
		mem:    mem,
		root:   root,
		tables: []*pgalloc.Frame{root},
		mmus:   make(map[*MMU]struct{}),
	}, nil
}

// RootAddr returns the physical address of the root table, the value
// loaded into satp on activation.
func (p *PageTables) RootAddr() riscv.PhysAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		panic("RootAddr on released page tables")
	}
	return p.root.PhysAddr()
}

// slot returns the byte view of the entry at idx of the table at pa.
func (p *PageTables) slot(table riscv.PhysAddr, idx int) []byte {
	b := p.mem.PageBytes(table)
	return b[idx*entrySize : (idx+1)*entrySize]
}

func (p *PageTables) load(table riscv.PhysAddr, idx int) PTE {
	return PTE(binary.LittleEndian.Uint64(p.slot(table, idx)))
}

func (p *PageTables) store(table riscv.PhysAddr, idx int, pte PTE) {
	binary.LittleEndian.PutUint64(p.slot(table, idx), uint64(pte))
}

// leafTable returns the last level table covering va, allocating the
// intermediate levels if alloc is set. ok is false if a level is missing and
// alloc is not set.
//
// +checklocks:p.mu
func (p *PageTables) leafTable(va riscv.Addr, alloc bool) (riscv.PhysAddr, bool, error) {
	if uint64(va)>>(vaBits-1) != 0 {
		return 0, false, fmt.Errorf("address %#x outside the lower half of Sv39: %w", va, kernerr.ErrInvalidRange)
	}
	if p.root == nil {
		panic("walk of released page tables")
	}
	table := p.root.PhysAddr()
	for level := levels - 1; level > 0; level-- {
		idx := vpn(va, level)
		pte := p.load(table, idx)
		if !pte.Valid() {
			if !alloc {
				return 0, false, nil
			}
			f, ok := p.mem.Allocate()
			if !ok {
				return 0, false, kernerr.ErrOutOfMemory
			}
			p.tables = append(p.tables, f)
			pte = makePTE(f.PhysAddr(), riscv.Valid)
			p.store(table, idx, pte)
		} else if pte.Flags().IsLeaf() {
			panic(fmt.Sprintf("superpage entry at level %d for %#x", level, va))
		}
		table = pte.Address()
	}
	return table, true, nil
}

// Map installs a mapping of the page at va to the frame at pa.
//
// A non-empty flag set installs a present entry, with the V bit added. An
// empty flag set installs a not-present placeholder, so that a fault at va is
// attributed to the caller's area instead of an unmapped address. Mapping
// over a valid entry fails with kernerr.ErrAlreadyMapped.
func (p *PageTables) Map(va riscv.Addr, pa riscv.PhysAddr, flags riscv.PTEFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	table, _, err := p.leafTable(va, true)
	if err != nil {
		return err
	}
	idx := vpn(va, 0)
	if p.load(table, idx).Valid() {
		return fmt.Errorf("map %#x: %w", va, kernerr.ErrAlreadyMapped)
	}
	p.store(table, idx, entryFor(pa, flags))
	return nil
}

// entryFor builds the leaf entry Map and Entry.SetAll install.
func entryFor(pa riscv.PhysAddr, flags riscv.PTEFlags) PTE {
	if flags.Permissions() == 0 {
		return makePTE(0, riscv.Reserved)
	}
	return makePTE(pa, (flags|riscv.Valid)&^riscv.Reserved)
}

// Unmap removes the entry for va, present or placeholder. It fails with
// kernerr.ErrPageNotMapped if there is none. The caller must flush the TLB.
func (p *PageTables) Unmap(va riscv.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	table, ok, err := p.leafTable(va, false)
	if err != nil {
		return err
	}
	idx := vpn(va, 0)
	if !ok || p.load(table, idx) == 0 {
		return fmt.Errorf("unmap %#x: %w", va, kernerr.ErrPageNotMapped)
	}
	p.store(table, idx, 0)
	return nil
}

// Entry returns a handle to the leaf entry for va. ok is false if there is
// neither a present entry nor a placeholder.
func (p *PageTables) Entry(va riscv.Addr) (e Entry, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	table, ok, err := p.leafTable(va, false)
	if err != nil || !ok {
		return Entry{}, false
	}
	idx := vpn(va, 0)
	if p.load(table, idx) == 0 {
		return Entry{}, false
	}
	return Entry{pt: p, table: table, idx: idx}, true
}

// SetFlags replaces the flags of the entry for va as Entry.SetFlags does.
func (p *PageTables) SetFlags(va riscv.Addr, flags riscv.PTEFlags) error {
	e, ok := p.Entry(va)
	if !ok {
		return fmt.Errorf("set flags %#x: %w", va, kernerr.ErrPageNotMapped)
	}
	e.SetFlags(flags)
	return nil
}

// Lookup returns the raw leaf entry for va, or zero.
func (p *PageTables) Lookup(va riscv.Addr) PTE {
	p.mu.Lock()
	defer p.mu.Unlock()
	table, ok, err := p.leafTable(va, false)
	if err != nil || !ok {
		return 0
	}
	return p.load(table, vpn(va, 0))
}

// FlushTLB invalidates the cached translation of va on every hart this table
// has been active on.
func (p *PageTables) FlushTLB(va riscv.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return
	}
	root := p.root.PhysAddr()
	for m := range p.mmus {
		m.invalidate(root, va)
	}
}

// FlushTLBAll invalidates every cached translation of this table.
func (p *PageTables) FlushTLBAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return
	}
	p.flushAllLocked()
}

// +checklocks:p.mu
func (p *PageTables) flushAllLocked() {
	root := p.root.PhysAddr()
	for m := range p.mmus {
		m.invalidateAll(root)
	}
}

// Activate installs p as the active translation on m.
func (p *PageTables) Activate(m *MMU) {
	p.mu.Lock()
	if p.root == nil {
		p.mu.Unlock()
		panic("activation of released page tables")
	}
	p.mmus[m] = struct{}{}
	p.mu.Unlock()
	m.setActive(p)
}

// Release frees every table frame. Leaf frames are untouched. p must not be
// active on any hart.
func (p *PageTables) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.root == nil {
		return
	}
	for m := range p.mmus {
		if m.Active() == p {
			panic(fmt.Sprintf("release of page tables active on hart %d", m.Hart()))
		}
	}
	p.flushAllLocked()
	for _, f := range p.tables {
		f.Release()
	}
	p.tables = nil
	p.root = nil
	p.mmus = nil
}

// TableFrames returns the number of frames used by the tables themselves.
func (p *PageTables) TableFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tables)
}

// Entry is a handle to one leaf page table entry.
type Entry struct {
	pt    *PageTables
	table riscv.PhysAddr
	idx   int
}

func (e Entry) get() PTE {
	e.pt.mu.Lock()
	defer e.pt.mu.Unlock()
	return e.pt.load(e.table, e.idx)
}

func (e Entry) set(pte PTE) {
	e.pt.mu.Lock()
	defer e.pt.mu.Unlock()
	e.pt.store(e.table, e.idx, pte)
}

// IsValid returns true if the entry is present.
func (e Entry) IsValid() bool {
	return e.get().Valid()
}

// Flags returns the entry's flags.
func (e Entry) Flags() riscv.PTEFlags {
	return e.get().Flags()
}

// PhysAddr returns the frame the entry maps.
func (e Entry) PhysAddr() riscv.PhysAddr {
	return e.get().Address()
}

// SetAll replaces both frame and flags, with the same present or
// placeholder rule as PageTables.Map.
func (e Entry) SetAll(pa riscv.PhysAddr, flags riscv.PTEFlags) {
	e.set(entryFor(pa, flags))
}

// SetFlags replaces the flags, keeping the frame. A placeholder stays one.
// A present entry stays present unless flags grant no permission, which
// turns it into a placeholder.
func (e Entry) SetFlags(flags riscv.PTEFlags) {
	e.pt.mu.Lock()
	defer e.pt.mu.Unlock()
	old := e.pt.load(e.table, e.idx)
	flags &^= riscv.Valid | riscv.Reserved
	if old.Valid() && flags.Permissions() != 0 {
		flags |= riscv.Valid
	} else {
		flags |= riscv.Reserved
	}
	e.pt.store(e.table, e.idx, makePTE(old.Address(), flags))
}
