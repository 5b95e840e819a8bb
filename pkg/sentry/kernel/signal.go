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

package kernel

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/mohae/deepcopy"
	"golang.org/x/sys/unix"
	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/log"
)

// SignalSet is a bitmask of signals; bit n-1 is signal n.
type SignalSet uint64

// SignalSetOf returns a set containing only sig.
func SignalSetOf(sig unix.Signal) SignalSet {
	return SignalSet(1) << (uint(sig) - 1)
}

// Special handler values.
const (
	// SigDfl selects the default action.
	SigDfl = 0

	// SigIgn ignores the signal.
	SigIgn = 1
)

// SigAction is a registered signal disposition.
type SigAction struct {
	// Handler is the user address of the handler.
	Handler uint64

	// Flags are the SA_* flags.
	Flags uint64

	// Mask is blocked while the handler runs.
	Mask SignalSet
}

// SignalState is the per-task signal state. Fields are exported so that
// fork can deep copy it.
type SignalState struct {
	Pending SignalSet
	Blocked SignalSet
	Actions map[unix.Signal]SigAction
}

// Signals is the signal state of one task. It is shared between the task
// and the kernel's SignalTable, which is how signals are sent by PID.
type Signals struct {
	mu sync.Mutex

	// +checklocks:mu
	state SignalState
}

// NewSignals returns empty signal state.
func NewSignals() *Signals {
	return &Signals{state: SignalState{Actions: make(map[unix.Signal]SigAction)}}
}

// Clone returns an independent copy of s.
func (s *Signals) Clone() *Signals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Signals{state: deepcopy.Copy(s.state).(SignalState)}
}

// Clear resets s to its initial state, as exec does.
func (s *Signals) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SignalState{Actions: make(map[unix.Signal]SigAction)}
}

func validSignal(sig unix.Signal) error {
	if sig < 1 || sig > 64 {
		return fmt.Errorf("signal %d: %w", sig, kernerr.ErrInvalidArgument)
	}
	return nil
}

// Raise marks sig pending.
func (s *Signals) Raise(sig unix.Signal) error {
	if err := validSignal(sig); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Pending |= SignalSetOf(sig)
	return nil
}

// Pending returns the pending signals.
func (s *Signals) Pending() SignalSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Pending
}

// Dequeue removes the lowest numbered pending signal that is not blocked and
// returns it with its action.
func (s *Signals) Dequeue() (unix.Signal, SigAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deliverable := s.state.Pending &^ s.state.Blocked
	if deliverable == 0 {
		return 0, SigAction{}, false
	}
	sig := unix.Signal(bits.TrailingZeros64(uint64(deliverable)) + 1)
	s.state.Pending &^= SignalSetOf(sig)
	return sig, s.state.Actions[sig], true
}

// SetBlocked replaces the blocked set and returns the previous one. SIGKILL
// and SIGSTOP are never blocked.
func (s *Signals) SetBlocked(set SignalSet) SignalSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.state.Blocked
	s.state.Blocked = set &^ (SignalSetOf(unix.SIGKILL) | SignalSetOf(unix.SIGSTOP))
	return old
}

// SetAction installs act for sig and returns the previous action.
// SIGKILL and SIGSTOP cannot be caught.
func (s *Signals) SetAction(sig unix.Signal, act SigAction) (SigAction, error) {
	if err := validSignal(sig); err != nil {
		return SigAction{}, err
	}
	if sig == unix.SIGKILL || sig == unix.SIGSTOP {
		return SigAction{}, fmt.Errorf("signal %d cannot be caught: %w", sig, kernerr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.state.Actions[sig]
	s.state.Actions[sig] = act
	return old, nil
}

// Action returns the action installed for sig.
func (s *Signals) Action(sig unix.Signal) SigAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Actions[sig]
}

// SignalTable maps PIDs to the signal state of live tasks.
type SignalTable struct {
	mu sync.Mutex

	// +checklocks:mu
	signals map[ThreadID]*Signals
}

// NewSignalTable returns an empty table.
func NewSignalTable() *SignalTable {
	return &SignalTable{signals: make(map[ThreadID]*Signals)}
}

// Register records s as the signal state of tid.
func (st *SignalTable) Register(tid ThreadID, s *Signals) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.signals[tid]; ok {
		panic(fmt.Sprintf("signals of %d registered twice", tid))
	}
	st.signals[tid] = s
}

// Deregister removes the entry for tid.
func (st *SignalTable) Deregister(tid ThreadID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.signals, tid)
}

// Lookup returns the signal state of tid.
func (st *SignalTable) Lookup(tid ThreadID) (*Signals, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.signals[tid]
	return s, ok
}

// Len returns the number of registered tasks.
func (st *SignalTable) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.signals)
}

// Send raises sig on tid.
func (st *SignalTable) Send(tid ThreadID, sig unix.Signal) error {
	s, ok := st.Lookup(tid)
	if !ok {
		return fmt.Errorf("kill %d: %w", tid, unix.ESRCH)
	}
	log.Debugf("Sending signal %d to %d", sig, tid)
	return s.Raise(sig)
}
