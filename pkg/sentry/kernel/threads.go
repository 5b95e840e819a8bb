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
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// ThreadID is a generic thread identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

const (
	// InitTID is the TID given to the init task.
	InitTID ThreadID = 1

	// NoParent is the parent ID recorded for a task whose parent exited
	// while no reparenting target was available, and for the init task.
	NoParent ThreadID = -1
)

// pidTreeDegree is the B-tree degree of the recycled ID set.
const pidTreeDegree = 8

// PIDAllocator hands out ThreadIDs. Released IDs are reused lowest first
// before new ones are minted.
type PIDAllocator struct {
	mu sync.Mutex

	// last is the last ThreadID minted.
	//
	// +checklocks:mu
	last ThreadID

	// recycled holds released IDs at or below last.
	//
	// +checklocks:mu
	recycled *btree.BTreeG[ThreadID]

	// live is the number of outstanding IDs.
	//
	// +checklocks:mu
	live int
}

// NewPIDAllocator returns an allocator whose first ID is InitTID.
func NewPIDAllocator() *PIDAllocator {
	return &PIDAllocator{
		last:     InitTID - 1,
		recycled: btree.NewOrderedG[ThreadID](pidTreeDegree),
	}
}

// Allocate returns a new PID handle.
func (a *PIDAllocator) Allocate() *PID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	if tid, ok := a.recycled.DeleteMin(); ok {
		return &PID{a: a, tid: tid}
	}
	a.last++
	return &PID{a: a, tid: a.last}
}

// InUse returns true if tid is currently allocated.
func (a *PIDAllocator) InUse(tid ThreadID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tid < InitTID || tid > a.last {
		return false
	}
	return !a.recycled.Has(tid)
}

// Live returns the number of allocated IDs.
func (a *PIDAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

func (a *PIDAllocator) release(tid ThreadID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.recycled.ReplaceOrInsert(tid); dup {
		panic(fmt.Sprintf("PID %d released twice", tid))
	}
	a.live--
}

// PID is an owned ThreadID. It returns to its allocator on Release.
type PID struct {
	a        *PIDAllocator
	tid      ThreadID
	released atomic.Bool
}

// TID returns the ID.
func (p *PID) TID() ThreadID {
	return p.tid
}

// Release returns the ID to the allocator. It must be called exactly once.
func (p *PID) Release() {
	if p.released.Swap(true) {
		panic(fmt.Sprintf("PID %d released twice", p.tid))
	}
	p.a.release(p.tid)
}
