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

package riscv

import (
	"strings"
)

// PTEFlags is the low byte of an Sv39 page table entry, plus the software
// bits the kernel uses.
type PTEFlags uint16

// Hardware-defined flags.
const (
	Valid    PTEFlags = 1 << 0
	Read     PTEFlags = 1 << 1
	Write    PTEFlags = 1 << 2
	Execute  PTEFlags = 1 << 3
	User     PTEFlags = 1 << 4
	Global   PTEFlags = 1 << 5
	Accessed PTEFlags = 1 << 6
	Dirty    PTEFlags = 1 << 7
)

// Reserved is the first RSW bit. It marks a not-present placeholder entry
// that routes faults to the owning memory area rather than treating the
// address as unmapped.
const Reserved PTEFlags = 1 << 8

// NoFlags is the empty flag set.
const NoFlags PTEFlags = 0

// Common protections.
const (
	ReadOnly  = Read | User
	ReadWrite = Read | Write | User
	ReadExec  = Read | Execute | User
	AnyAccess = Read | Write | Execute | User
)

// Contains returns true if every flag in other is set in f.
func (f PTEFlags) Contains(other PTEFlags) bool {
	return f&other == other
}

// IsLeaf returns true if the entry maps a page rather than pointing to the
// next level table.
func (f PTEFlags) IsLeaf() bool {
	return f&(Read|Write|Execute) != 0
}

// Permissions returns f with only the R, W, X and U bits.
func (f PTEFlags) Permissions() PTEFlags {
	return f & (Read | Write | Execute | User)
}

// String returns a maps-style rendering such as "rw-u".
func (f PTEFlags) String() string {
	var b strings.Builder
	for _, bit := range []struct {
		flag PTEFlags
		c    byte
	}{
		{Read, 'r'},
		{Write, 'w'},
		{Execute, 'x'},
		{User, 'u'},
	} {
		if f&bit.flag != 0 {
			b.WriteByte(bit.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// AccessType is the kind of user memory access that caused a fault,
// expressed as the PTE flags the access requires.
type AccessType = PTEFlags

// Accesses made by user code.
const (
	LoadAccess    AccessType = Read | User
	StoreAccess   AccessType = Write | User
	ExecuteAccess AccessType = Execute | User
)

// ProtToFlags converts mmap-style PROT_* bits (read 1, write 2, exec 4) to
// user PTE flags.
func ProtToFlags(prot uint32) PTEFlags {
	f := User
	if prot&0x1 != 0 {
		f |= Read
	}
	if prot&0x2 != 0 {
		f |= Write
	}
	if prot&0x4 != 0 {
		f |= Execute
	}
	return f
}
