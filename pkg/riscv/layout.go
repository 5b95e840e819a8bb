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

// Page geometry.
const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift
)

// User address space layout.
const (
	// MinUserAddress is the lowest address a user mapping may start at.
	// The first page is never mapped so that nil dereferences fault.
	MinUserAddress Addr = 0x1000

	// MaxUserAddress is the exclusive upper bound of user mappings.
	MaxUserAddress Addr = 0x1_0000_0000

	// UserVirtAddrLimit is the last byte of the user virtual address space.
	// No single area may be larger than this.
	UserVirtAddrLimit Addr = 0xFFFF_FFFF

	// UserStackSize is the size of the initial user stack.
	UserStackSize = 0x20_0000

	// UserStackTop is the exclusive top of the initial user stack.
	UserStackTop Addr = 0x4000_0000

	// UserStackOffset is the lowest address of the initial user stack. The
	// program break may grow up to, but not into, the stack.
	UserStackOffset = UserStackTop - UserStackSize

	// UserTextStart is where flat program images are loaded.
	UserTextStart Addr = 0x1000
)

// MaxAreaPages is the page count of the whole user address space, the
// largest any single memory area may be.
const MaxAreaPages = (uint64(UserVirtAddrLimit) + PageSize - 1) / PageSize

// Physical memory layout of the simulated board.
const (
	// PhysMemoryOffset is the physical address of the first byte of RAM.
	PhysMemoryOffset PhysAddr = 0x8000_0000

	// PhysMemoryEnd is the exclusive end of RAM on the default board.
	PhysMemoryEnd PhysAddr = 0x8800_0000

	// DefaultFrames is the number of page frames on the default board.
	DefaultFrames = int((PhysMemoryEnd - PhysMemoryOffset) / PageSize)
)

// MaxCPUs is the maximum number of harts the kernel supports.
const MaxCPUs = 64
