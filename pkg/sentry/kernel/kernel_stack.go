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

package kernel

import (
	"encoding/binary"
	"fmt"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

// Register indices in TrapFrame.Regs.
const (
	regSP = 2
	regA0 = 10
	regA1 = 11
)

// TrapFrame is the user register state saved on kernel entry.
type TrapFrame struct {
	// Regs are x0 to x31. x0 is always zero.
	Regs [32]uint64

	// Sepc is the user pc to return to.
	Sepc uint64

	// Sstatus is the saved supervisor status.
	Sstatus uint64
}

// trapFrameSize is the encoded size of a TrapFrame.
const trapFrameSize = (32 + 2) * 8

// sstatusSPIE is set in a fresh trap frame so interrupts are enabled on
// return to user mode.
const sstatusSPIE = 1 << 5

// newUserTrapFrame returns the frame that enters a program at entry with the
// given stack and arguments.
func newUserTrapFrame(entry, sp riscv.Addr, argc, argv uint64) TrapFrame {
	var tf TrapFrame
	tf.Sepc = uint64(entry)
	tf.Sstatus = sstatusSPIE
	tf.Regs[regSP] = uint64(sp)
	tf.Regs[regA0] = argc
	tf.Regs[regA1] = argv
	return tf
}

// SP returns the stack pointer.
func (tf TrapFrame) SP() riscv.Addr { return riscv.Addr(tf.Regs[regSP]) }

// SetSP sets the stack pointer.
func (tf *TrapFrame) SetSP(sp riscv.Addr) { tf.Regs[regSP] = uint64(sp) }

// A0 returns the first argument or return value register.
func (tf TrapFrame) A0() uint64 { return tf.Regs[regA0] }

// SetA0 sets a0.
func (tf *TrapFrame) SetA0(v uint64) { tf.Regs[regA0] = v }

// A1 returns the second argument register.
func (tf TrapFrame) A1() uint64 { return tf.Regs[regA1] }

func (tf *TrapFrame) marshal(b []byte) {
	for i, r := range tf.Regs {
		binary.LittleEndian.PutUint64(b[i*8:], r)
	}
	binary.LittleEndian.PutUint64(b[32*8:], tf.Sepc)
	binary.LittleEndian.PutUint64(b[33*8:], tf.Sstatus)
}

func (tf *TrapFrame) unmarshal(b []byte) {
	for i := range tf.Regs {
		tf.Regs[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	tf.Sepc = binary.LittleEndian.Uint64(b[32*8:])
	tf.Sstatus = binary.LittleEndian.Uint64(b[33*8:])
}

// KernelStack is a task's kernel stack. Its frames are owned by the task and
// released with it. The first trap frame, the one saved on entry from user
// mode, lives at the top of the stack.
type KernelStack struct {
	frames []*pgalloc.Frame
}

// NewKernelStack allocates a stack of the given number of pages.
func NewKernelStack(mem *pgalloc.Allocator, pages int) (*KernelStack, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("kernel stack of %d pages: %w", pages, kernerr.ErrInvalidArgument)
	}
	ks := &KernelStack{}
	for i := 0; i < pages; i++ {
		f, ok := mem.Allocate()
		if !ok {
			ks.Release()
			return nil, kernerr.ErrOutOfMemory
		}
		ks.frames = append(ks.frames, f)
	}
	return ks, nil
}

// top returns the bytes holding the first trap frame.
func (ks *KernelStack) top() []byte {
	b := ks.frames[len(ks.frames)-1].Bytes()
	return b[len(b)-trapFrameSize:]
}

// PushFirstContext stores tf as the first trap frame, replacing any frame
// already there.
func (ks *KernelStack) PushFirstContext(tf TrapFrame) {
	tf.marshal(ks.top())
}

// FirstContext returns a copy of the first trap frame.
func (ks *KernelStack) FirstContext() TrapFrame {
	var tf TrapFrame
	tf.unmarshal(ks.top())
	return tf
}

// Release frees the stack's frames.
func (ks *KernelStack) Release() {
	for _, f := range ks.frames {
		f.Release()
	}
	ks.frames = nil
}
