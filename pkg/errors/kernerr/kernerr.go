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

// Package kernerr contains the errors returned by the memory and task
// subsystems. They are *errors.Error values, so they compare by identity and
// each carries the errno reported to user programs.
package kernerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"rvkernel.dev/rvkernel/pkg/errors"
)

// Memory errors.
var (
	// ErrOutOfMemory is returned when the physical allocator is exhausted.
	ErrOutOfMemory = errors.New(unix.ENOMEM, "out of physical memory")

	// ErrInvalidRange is returned for an empty or inverted address range.
	ErrInvalidRange = errors.New(unix.EINVAL, "invalid address range")

	// ErrSizeMismatch is returned when a virtual range and its backing
	// area disagree on size.
	ErrSizeMismatch = errors.New(unix.EINVAL, "virtual range does not match backing area size")

	// ErrOutOfRange is returned by byte accesses and frame lookups that fall
	// outside a physical memory area.
	ErrOutOfRange = errors.New(unix.EFAULT, "offset out of area range")

	// ErrAccessDenied is returned for a fault whose access type is not
	// permitted by the area's protection.
	ErrAccessDenied = errors.New(unix.EFAULT, "access denied")

	// ErrPageNotMapped is returned for a fault at an address covered by no
	// area or page table entry.
	ErrPageNotMapped = errors.New(unix.EFAULT, "page not mapped")

	// ErrTrapAtValidPage is returned for a fault at a page whose entry is
	// already valid. It means the TLB and page tables disagree.
	ErrTrapAtValidPage = errors.New(unix.EFAULT, "page fault at valid page")

	// ErrReleaseNotAllocated is returned when releasing a lazy page that was
	// never backed. Unmap paths ignore it.
	ErrReleaseNotAllocated = errors.New(unix.ENOENT, "release of unallocated page")

	// ErrInvalidRelease is returned when releasing a page of an eagerly
	// backed area that has no frame.
	ErrInvalidRelease = errors.New(unix.EINVAL, "invalid page release")

	// ErrOverlap is returned when a new mapping overlaps an existing one.
	ErrOverlap = errors.New(unix.EEXIST, "mapping overlaps an existing area")

	// ErrAlreadyMapped is returned by the page table when installing over a
	// valid entry.
	ErrAlreadyMapped = errors.New(unix.EEXIST, "page already mapped")
)

// Task errors.
var (
	// ErrNoSuchProgram is returned when a program name is not registered.
	ErrNoSuchProgram = errors.New(unix.ENOENT, "no such program")

	// ErrMalformedImage is returned by the loader for an unloadable image.
	ErrMalformedImage = errors.New(unix.ENOEXEC, "malformed program image")

	// ErrNoChild is returned by wait when no matching child exists.
	ErrNoChild = errors.New(unix.ECHILD, "no child processes")

	// ErrWouldBlock is returned by wait when matching children exist but
	// none has exited yet.
	ErrWouldBlock = errors.New(unix.EAGAIN, "child not yet exited")

	// ErrInvalidArgument is returned for malformed syscall arguments.
	ErrInvalidArgument = errors.New(unix.EINVAL, "invalid argument")

	// ErrBadFD is returned for an unknown file descriptor.
	ErrBadFD = errors.New(unix.EBADF, "bad file descriptor")
)

// ToErrno converts err to the errno reported to user programs. Errors that
// are not kernel errors map to EIO.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var kerr *errors.Error
	if goerrors.As(err, &kerr) {
		return kerr.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// SyscallReturn encodes err the way a syscall returns it in a0: zero on
// success, the negated errno otherwise.
func SyscallReturn(err error) int64 {
	return -int64(ToErrno(err))
}
