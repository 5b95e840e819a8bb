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

package pagetables

import (
	"sync"

	"rvkernel.dev/rvkernel/pkg/riscv"
)

// tlbKey tags a cached translation with the root table it came from, the
// way an ASID does.
type tlbKey struct {
	root riscv.PhysAddr
	page riscv.Addr
}

type tlbEntry struct {
	frame riscv.PhysAddr
	flags riscv.PTEFlags
}

// MMU is the translation state of one hart: the active root table (satp)
// and a TLB of cached leaf entries.
//
// Cached entries are only dropped by explicit flushes, so a mapping change
// that is not followed by a flush stays invisible to the hart, as on real
// hardware.
type MMU struct {
	hart int

	mu sync.Mutex

	// +checklocks:mu
	active *PageTables

	// +checklocks:mu
	tlb map[tlbKey]tlbEntry

	// +checklocks:mu
	hits uint64

	// +checklocks:mu
	misses uint64
}

// NewMMU returns the MMU of the given hart, with no active table.
func NewMMU(hart int) *MMU {
	return &MMU{
		hart: hart,
		tlb:  make(map[tlbKey]tlbEntry),
	}
}

// Hart returns the hart this MMU belongs to.
func (m *MMU) Hart() int {
	return m.hart
}

// Active returns the active page tables.
func (m *MMU) Active() *PageTables {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *MMU) setActive(p *PageTables) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = p
}

// Translate translates va for an access of the given type through the active
// table. ok is false if the access faults: no active table, no present
// entry, or an entry lacking a required permission.
func (m *MMU) Translate(va riscv.Addr, access riscv.AccessType) (pa riscv.PhysAddr, ok bool) {
	pt := m.Active()
	if pt == nil {
		return 0, false
	}
	// The table lock is never taken under m.mu; flushes take them in the
	// opposite order.
	root := pt.RootAddr()
	key := tlbKey{root: root, page: va.RoundDown()}
	m.mu.Lock()
	e, hit := m.tlb[key]
	if hit {
		m.hits++
	} else {
		m.misses++
	}
	m.mu.Unlock()

	if !hit {
		pte := pt.Lookup(va)
		if !pte.Valid() || !pte.Flags().IsLeaf() {
			return 0, false
		}
		e = tlbEntry{frame: pte.Address(), flags: pte.Flags()}
		m.mu.Lock()
		m.tlb[key] = e
		m.mu.Unlock()
	}
	if !e.flags.Contains(access) {
		return 0, false
	}
	return e.frame + riscv.PhysAddr(va.PageOffset()), true
}

// invalidate drops the cached translation of va under root.
func (m *MMU) invalidate(root riscv.PhysAddr, va riscv.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tlb, tlbKey{root: root, page: va.RoundDown()})
}

// invalidateAll drops every cached translation under root.
func (m *MMU) invalidateAll(root riscv.PhysAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.tlb {
		if k.root == root {
			delete(m.tlb, k)
		}
	}
}

// TLBStats returns the hit and miss counts of the TLB.
func (m *MMU) TLBStats() (hits, misses uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.misses
}
