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
	"sync"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

// PMArea is a physical memory area: the backing store of one or more VMAs,
// addressed by byte offset from its own start. Backing pages are not
// necessarily physically contiguous.
//
// Offsets passed to the shrink and split operations are relative to the
// start of the area and must be page aligned.
//
// Implementations are not synchronized; callers hold the PMAHandle lock.
type PMArea interface {
	// Size returns the size of the area in bytes, a multiple of the page
	// size.
	Size() uint64

	// Frame returns the physical address backing page idx. If the page is
	// unbacked, Frame allocates a zeroed frame when needAlloc is set and
	// otherwise returns ok == false.
	Frame(idx int, needAlloc bool) (pa riscv.PhysAddr, ok bool, err error)

	// ReleaseFrame drops the frame backing page idx.
	ReleaseFrame(idx int) error

	// Read copies len(dst) bytes starting at off into dst, backing every
	// page it touches.
	Read(off uint64, dst []byte) (int, error)

	// Write copies src into the area starting at off, backing every page it
	// touches.
	Write(off uint64, src []byte) (int, error)

	// CloneAsFork returns a new area of the same shape and kind. Its
	// contents are zero; the caller copies data if it needs it.
	CloneAsFork() (PMArea, error)

	// ShrinkLeft drops [0, newStart).
	ShrinkLeft(newStart uint64) error

	// ShrinkRight drops [newEnd, Size()).
	ShrinkRight(newEnd uint64) error

	// Split keeps [0, leftEnd), drops [leftEnd, rightStart) and returns a
	// new area for [rightStart, Size()).
	Split(leftEnd, rightStart uint64) (PMArea, error)

	// Resident returns the number of backed pages.
	Resident() int

	// Release drops every frame.
	Release()
}

// PMAHandle is the shared owner of a PMArea. Every VMA backed by the area
// holds the same handle.
type PMAHandle struct {
	mu sync.Mutex

	// +checklocks:mu
	pma PMArea
}

// NewPMAHandle wraps pma.
func NewPMAHandle(pma PMArea) *PMAHandle {
	return &PMAHandle{pma: pma}
}

// Size returns the size of the wrapped area.
func (h *PMAHandle) Size() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pma.Size()
}

// Resident returns the number of backed pages of the wrapped area.
func (h *PMAHandle) Resident() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pma.Resident()
}

// Read reads from the wrapped area.
func (h *PMAHandle) Read(off uint64, dst []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pma.Read(off, dst)
}

// Write writes to the wrapped area.
func (h *PMAHandle) Write(off uint64, src []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pma.Write(off, src)
}

// Release frees every frame of the wrapped area. It is only for areas that
// never made it into an address space.
func (h *PMAHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pma.Release()
}

// frameSlots is the page-indexed frame array shared by both area kinds. A
// nil slot is reserved but unbacked.
type frameSlots struct {
	mem    *pgalloc.Allocator
	frames []*pgalloc.Frame
}

func newFrameSlots(mem *pgalloc.Allocator, pages int) (frameSlots, error) {
	if pages == 0 {
		return frameSlots{}, kernerr.ErrInvalidRange
	}
	if uint64(pages) > riscv.MaxAreaPages {
		return frameSlots{}, kernerr.ErrOutOfMemory
	}
	return frameSlots{mem: mem, frames: make([]*pgalloc.Frame, pages)}, nil
}

// Size implements PMArea.Size.
func (s *frameSlots) Size() uint64 {
	return uint64(len(s.frames)) * riscv.PageSize
}

// Resident implements PMArea.Resident.
func (s *frameSlots) Resident() int {
	n := 0
	for _, f := range s.frames {
		if f != nil {
			n++
		}
	}
	return n
}

// Frame implements PMArea.Frame.
func (s *frameSlots) Frame(idx int, needAlloc bool) (riscv.PhysAddr, bool, error) {
	if idx < 0 || idx >= len(s.frames) {
		return 0, false, fmt.Errorf("page %d of %d: %w", idx, len(s.frames), kernerr.ErrOutOfRange)
	}
	if s.frames[idx] == nil {
		if !needAlloc {
			return 0, false, nil
		}
		f, ok := s.mem.Allocate()
		if !ok {
			return 0, false, kernerr.ErrOutOfMemory
		}
		s.frames[idx] = f
	}
	return s.frames[idx].PhysAddr(), true, nil
}

// release drops the frame at idx and reports whether there was one.
func (s *frameSlots) release(idx int) (bool, error) {
	if idx < 0 || idx >= len(s.frames) {
		return false, fmt.Errorf("page %d of %d: %w", idx, len(s.frames), kernerr.ErrOutOfRange)
	}
	f := s.frames[idx]
	if f == nil {
		return false, nil
	}
	s.frames[idx] = nil
	f.Release()
	return true, nil
}

// forEachPage calls fn for each page-bounded chunk of [off, off+n), backing
// pages as it goes. done is the number of bytes handled before the chunk.
func (s *frameSlots) forEachPage(off uint64, n int, fn func(done int, b []byte)) (int, error) {
	if end := off + uint64(n); end < off || end > s.Size() {
		return 0, fmt.Errorf("[%#x, %#x) in area of size %#x: %w", off, end, s.Size(), kernerr.ErrOutOfRange)
	}
	done := 0
	for done < n {
		idx := int(off / riscv.PageSize)
		pgoff := off % riscv.PageSize
		chunk := min(riscv.PageSize-int(pgoff), n-done)
		pa, _, err := s.Frame(idx, true)
		if err != nil {
			return done, err
		}
		fn(done, s.mem.PageBytes(pa)[pgoff:pgoff+uint64(chunk)])
		off += uint64(chunk)
		done += chunk
	}
	return done, nil
}

// Read implements PMArea.Read.
func (s *frameSlots) Read(off uint64, dst []byte) (int, error) {
	return s.forEachPage(off, len(dst), func(done int, b []byte) {
		copy(dst[done:], b)
	})
}

// Write implements PMArea.Write.
func (s *frameSlots) Write(off uint64, src []byte) (int, error) {
	return s.forEachPage(off, len(src), func(done int, b []byte) {
		copy(b, src[done:])
	})
}

// pageIndex validates a page aligned offset within [0, Size()] and returns
// its page number.
func (s *frameSlots) pageIndex(off uint64) (int, error) {
	if off%riscv.PageSize != 0 || off > s.Size() {
		return 0, fmt.Errorf("offset %#x in area of size %#x: %w", off, s.Size(), kernerr.ErrInvalidRange)
	}
	return int(off / riscv.PageSize), nil
}

func (s *frameSlots) releaseRange(from, to int) {
	for i := from; i < to; i++ {
		if f := s.frames[i]; f != nil {
			s.frames[i] = nil
			f.Release()
		}
	}
}

// ShrinkLeft implements PMArea.ShrinkLeft.
func (s *frameSlots) ShrinkLeft(newStart uint64) error {
	idx, err := s.pageIndex(newStart)
	if err != nil {
		return err
	}
	if idx == len(s.frames) {
		return fmt.Errorf("shrink to empty area: %w", kernerr.ErrInvalidRange)
	}
	s.releaseRange(0, idx)
	s.frames = s.frames[idx:]
	return nil
}

// ShrinkRight implements PMArea.ShrinkRight.
func (s *frameSlots) ShrinkRight(newEnd uint64) error {
	idx, err := s.pageIndex(newEnd)
	if err != nil {
		return err
	}
	if idx == 0 {
		return fmt.Errorf("shrink to empty area: %w", kernerr.ErrInvalidRange)
	}
	s.releaseRange(idx, len(s.frames))
	s.frames = s.frames[:idx:idx]
	return nil
}

// split does the work of PMArea.Split and returns the frames of the right
// part.
func (s *frameSlots) split(leftEnd, rightStart uint64) ([]*pgalloc.Frame, error) {
	l, err := s.pageIndex(leftEnd)
	if err != nil {
		return nil, err
	}
	r, err := s.pageIndex(rightStart)
	if err != nil {
		return nil, err
	}
	if l == 0 || l > r || r == len(s.frames) {
		return nil, fmt.Errorf("split at [%#x, %#x) of area of size %#x: %w", leftEnd, rightStart, s.Size(), kernerr.ErrInvalidRange)
	}
	right := append([]*pgalloc.Frame(nil), s.frames[r:]...)
	s.releaseRange(l, r)
	s.frames = s.frames[:l:l]
	return right, nil
}

// Release implements PMArea.Release.
func (s *frameSlots) Release() {
	s.releaseRange(0, len(s.frames))
}

// Lazy is an area whose pages are backed on first touch.
type Lazy struct {
	frameSlots
}

// NewLazy returns an unbacked area of the given number of pages. A zero page
// count fails with ErrInvalidRange; more pages than the user address space
// holds fails with ErrOutOfMemory.
func NewLazy(mem *pgalloc.Allocator, pages int) (*Lazy, error) {
	s, err := newFrameSlots(mem, pages)
	if err != nil {
		return nil, err
	}
	return &Lazy{s}, nil
}

// ReleaseFrame implements PMArea.ReleaseFrame. Releasing an unbacked page
// returns ErrReleaseNotAllocated, which unmap paths ignore.
func (l *Lazy) ReleaseFrame(idx int) error {
	ok, err := l.release(idx)
	if err != nil {
		return err
	}
	if !ok {
		return kernerr.ErrReleaseNotAllocated
	}
	return nil
}

// CloneAsFork implements PMArea.CloneAsFork.
func (l *Lazy) CloneAsFork() (PMArea, error) {
	return NewLazy(l.mem, len(l.frames))
}

// Split implements PMArea.Split.
func (l *Lazy) Split(leftEnd, rightStart uint64) (PMArea, error) {
	right, err := l.split(leftEnd, rightStart)
	if err != nil {
		return nil, err
	}
	return &Lazy{frameSlots{mem: l.mem, frames: right}}, nil
}

// String implements fmt.Stringer.String.
func (l *Lazy) String() string {
	return fmt.Sprintf("Lazy{size: %#x, resident: %d}", l.Size(), l.Resident())
}

// Fixed is an area backed in full when it is created.
type Fixed struct {
	frameSlots
}

// NewFixed returns an area of the given number of pages, all backed by
// zeroed frames.
func NewFixed(mem *pgalloc.Allocator, pages int) (*Fixed, error) {
	s, err := newFrameSlots(mem, pages)
	if err != nil {
		return nil, err
	}
	for i := range s.frames {
		if _, _, err := s.Frame(i, true); err != nil {
			s.Release()
			return nil, err
		}
	}
	return &Fixed{s}, nil
}

// NewFixedWithData returns a fixed area large enough for data, holding a
// copy of it.
func NewFixedWithData(mem *pgalloc.Allocator, data []byte) (*Fixed, error) {
	pages := (len(data) + riscv.PageSize - 1) / riscv.PageSize
	f, err := NewFixed(mem, pages)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(0, data); err != nil {
		f.Release()
		return nil, err
	}
	return f, nil
}

// ReleaseFrame implements PMArea.ReleaseFrame. Every page of a fixed area is
// backed, so releasing an unbacked page is an error.
func (f *Fixed) ReleaseFrame(idx int) error {
	ok, err := f.release(idx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("page %d: %w", idx, kernerr.ErrInvalidRelease)
	}
	return nil
}

// CloneAsFork implements PMArea.CloneAsFork. The clone is backed in full.
func (f *Fixed) CloneAsFork() (PMArea, error) {
	return NewFixed(f.mem, len(f.frames))
}

// Split implements PMArea.Split.
func (f *Fixed) Split(leftEnd, rightStart uint64) (PMArea, error) {
	right, err := f.split(leftEnd, rightStart)
	if err != nil {
		return nil, err
	}
	return &Fixed{frameSlots{mem: f.mem, frames: right}}, nil
}

// String implements fmt.Stringer.String.
func (f *Fixed) String() string {
	return fmt.Sprintf("Fixed{size: %#x}", f.Size())
}
