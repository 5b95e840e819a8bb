// Copyright 2024 The gVisor Authors.
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

// Package loader loads flat program images into a user address space.
//
// A flat image is a 12 byte little endian header followed by the program
// text:
//
//	magic    [4]byte  "\x7fRVK"
//	entry    uint32   offset of the entry point in the text
//	bss      uint32   bytes of zeroed memory following the text
//
// The text is mapped read/execute at riscv.UserTextStart, the bss read/write
// right after it, and the initial stack read/write below
// riscv.UserStackTop.
package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/mm"
)

const (
	// Magic starts every flat image.
	Magic = "\x7fRVK"

	// headerSize is the size of the image header.
	headerSize = 12

	// ptrSize is the size of a user pointer.
	ptrSize = 8

	// maxArgsSize bounds the bytes of argument strings placed on the stack.
	maxArgsSize = riscv.PageSize * 32
)

// Header is the decoded image header.
type Header struct {
	Entry uint32
	BSS   uint32
}

// BuildImage returns a flat image with the given header and text.
func BuildImage(entry, bss uint32, text []byte) []byte {
	b := make([]byte, headerSize+len(text))
	copy(b, Magic)
	binary.LittleEndian.PutUint32(b[4:], entry)
	binary.LittleEndian.PutUint32(b[8:], bss)
	copy(b[headerSize:], text)
	return b
}

// Parse decodes image and returns its header and text.
func Parse(image []byte) (Header, []byte, error) {
	if len(image) < headerSize || !bytes.Equal(image[:len(Magic)], []byte(Magic)) {
		return Header{}, nil, fmt.Errorf("bad magic: %w", kernerr.ErrMalformedImage)
	}
	hdr := Header{
		Entry: binary.LittleEndian.Uint32(image[4:]),
		BSS:   binary.LittleEndian.Uint32(image[8:]),
	}
	text := image[headerSize:]
	if len(text) == 0 {
		return Header{}, nil, fmt.Errorf("empty text: %w", kernerr.ErrMalformedImage)
	}
	if int(hdr.Entry) >= len(text) {
		return Header{}, nil, fmt.Errorf("entry %#x outside %#x bytes of text: %w", hdr.Entry, len(text), kernerr.ErrMalformedImage)
	}
	if uint64(riscv.UserTextStart)+uint64(len(text))+uint64(hdr.BSS) > uint64(riscv.UserStackOffset) {
		return Header{}, nil, fmt.Errorf("image of %#x bytes overlaps the stack: %w", len(text)+int(hdr.BSS), kernerr.ErrMalformedImage)
	}
	return hdr, text, nil
}

// Flat is the loader of flat images.
type Flat struct{}

// Validate implements kernel.Loader.Validate.
func (Flat) Validate(image []byte) error {
	_, _, err := Parse(image)
	return err
}

// Load implements kernel.Loader.Load. ms must hold no user areas.
//
// On return sp points at argc, followed by the argv array and its NULL
// terminator; the argument strings sit above it.
func (Flat) Load(image []byte, ms *mm.MemorySet, args []string) (entry, sp riscv.Addr, err error) {
	hdr, text, err := Parse(image)
	if err != nil {
		return 0, 0, err
	}

	textPMA, err := mm.NewFixedWithData(ms.Allocator(), text)
	if err != nil {
		return 0, 0, err
	}
	textEnd := riscv.UserTextStart + riscv.Addr(textPMA.Size())
	if err := pushArea(ms, riscv.UserTextStart, textEnd, riscv.ReadExec, mm.NewPMAHandle(textPMA), "text"); err != nil {
		textPMA.Release()
		return 0, 0, err
	}

	if hdr.BSS > 0 {
		vma, err := mm.NewLazyVMA(ms.Allocator(), textEnd, uint64(hdr.BSS), riscv.ReadWrite, "bss")
		if err != nil {
			return 0, 0, err
		}
		if err := ms.Push(vma); err != nil {
			vma.PMA().Release()
			return 0, 0, err
		}
	}

	stack, err := mm.NewLazyVMA(ms.Allocator(), riscv.UserStackOffset, riscv.UserStackSize, riscv.ReadWrite, "stack")
	if err != nil {
		return 0, 0, err
	}
	if err := ms.Push(stack); err != nil {
		stack.PMA().Release()
		return 0, 0, err
	}

	sp, err = pushArgs(ms, riscv.UserStackTop, args)
	if err != nil {
		return 0, 0, err
	}
	return riscv.UserTextStart + riscv.Addr(hdr.Entry), sp, nil
}

func pushArea(ms *mm.MemorySet, start, end riscv.Addr, flags riscv.PTEFlags, pma *mm.PMAHandle, name string) error {
	vma, err := mm.NewVMA(start, end, flags, pma, name)
	if err != nil {
		return err
	}
	return ms.Push(vma)
}

// pushArgs lays out args below top and returns the new stack pointer.
func pushArgs(ms *mm.MemorySet, top riscv.Addr, args []string) (riscv.Addr, error) {
	size := 0
	for _, a := range args {
		size += len(a) + 1
	}
	if size > maxArgsSize {
		return 0, fmt.Errorf("%d bytes of arguments: %w", size, kernerr.ErrInvalidArgument)
	}

	sp := top
	ptrs := make([]uint64, len(args)+1)
	for i := len(args) - 1; i >= 0; i-- {
		sp -= riscv.Addr(len(args[i]) + 1)
		if _, err := ms.CopyOut(sp, append([]byte(args[i]), 0)); err != nil {
			return 0, err
		}
		ptrs[i] = uint64(sp)
	}
	sp &^= ptrSize - 1

	// argv, then argc below it.
	vec := make([]byte, ptrSize*(len(ptrs)+1))
	binary.LittleEndian.PutUint64(vec, uint64(len(args)))
	for i, p := range ptrs {
		binary.LittleEndian.PutUint64(vec[ptrSize*(i+1):], p)
	}
	sp -= riscv.Addr(len(vec))
	if _, err := ms.CopyOut(sp, vec); err != nil {
		return 0, err
	}
	return sp, nil
}
