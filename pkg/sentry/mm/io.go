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
	"fmt"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
)

// There are two ways to reach user memory. User code goes through a hart's
// MMU and takes page faults. The kernel uses CopyIn and CopyOut below, which
// back and map each touched page with ManuallyAllocPage and then go through
// the kernel's linear view of physical memory. Kernel accesses ignore the
// area's protection, so the loader can fill read-only text.

// forEachUserPage calls fn with the kernel view of each page-bounded chunk of
// [addr, addr+n).
//
// +checklocks:ms.mu
func (ms *MemorySet) forEachUserPage(addr riscv.Addr, n int, fn func(done int, b []byte)) (int, error) {
	done := 0
	for done < n {
		va := addr + riscv.Addr(done)
		v, ok := ms.findLocked(va)
		if !ok {
			return done, fmt.Errorf("access at %#x: %w", va, kernerr.ErrPageNotMapped)
		}
		if err := v.ManuallyAllocPage(uint64(va-v.start), ms.pt); err != nil {
			return done, err
		}
		e, ok := ms.pt.Entry(va)
		if !ok || !e.IsValid() {
			panic(fmt.Sprintf("page %#x not present after manual allocation", va.RoundDown()))
		}
		pgoff := va.PageOffset()
		chunk := min(riscv.PageSize-int(pgoff), n-done)
		fn(done, ms.mem.PageBytes(e.PhysAddr())[pgoff:pgoff+uint64(chunk)])
		done += chunk
	}
	return done, nil
}

// CopyOut copies src to user memory at addr.
func (ms *MemorySet) CopyOut(addr riscv.Addr, src []byte) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.forEachUserPage(addr, len(src), func(done int, b []byte) {
		copy(b, src[done:])
	})
}

// CopyIn copies user memory at addr into dst.
func (ms *MemorySet) CopyIn(addr riscv.Addr, dst []byte) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.forEachUserPage(addr, len(dst), func(done int, b []byte) {
		copy(dst[done:], b)
	})
}

// CopyInString copies a NUL-terminated string of at most maxLen bytes from
// user memory at addr.
func (ms *MemorySet) CopyInString(addr riscv.Addr, maxLen int) (string, error) {
	var buf []byte
	var one [1]byte
	for len(buf) < maxLen {
		if _, err := ms.CopyIn(addr+riscv.Addr(len(buf)), one[:]); err != nil {
			return "", err
		}
		if one[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, one[0])
	}
	return "", fmt.Errorf("string at %#x longer than %d bytes: %w", addr, maxLen, kernerr.ErrInvalidArgument)
}
