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

// Package refs defines an interface for reference counted objects. It
// also provides a drop-in implementation called AtomicRefCount and a weak
// reference type that does not keep its target alive.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is the interface to be implemented by objects that are reference
// counted.
type RefCounter interface {
	// IncRef increments the reference counter on the object.
	IncRef()

	// DecRef decrements the reference counter on the object.
	DecRef()

	// TryIncRef attempts to increase the reference counter on the object,
	// but may fail if all references have already been dropped. This
	// should be used only in special circumstances, such as WeakRefs.
	TryIncRef() bool

	// ReadRefs returns the current number of references.
	ReadRefs() int64
}

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indicates that a panic should be issued when leaks are
	// found.
	LeaksPanic
)

// Set implements flag.Value.
func (l *LeakMode) Set(v string) error {
	switch v {
	case "disabled":
		*l = NoLeakChecking
	case "log-names", "log":
		*l = LeaksLogWarning
	case "panic":
		*l = LeaksPanic
	default:
		return fmt.Errorf("invalid ref leak mode %q", v)
	}
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, for configuration
// files.
func (l *LeakMode) UnmarshalText(text []byte) error {
	return l.Set(string(text))
}

// Get implements flag.Value.
func (l *LeakMode) Get() any {
	return *l
}

// String implements flag.Value.
func (l LeakMode) String() string {
	switch l {
	case NoLeakChecking:
		return "disabled"
	case LeaksLogWarning:
		return "log"
	case LeaksPanic:
		return "panic"
	default:
		panic(fmt.Sprintf("invalid ref leak mode %d", l))
	}
}

// leakMode stores the current mode for the reference leak checker.
var leakMode atomic.Uint32

// SetLeakMode configures the reference leak checker.
func SetLeakMode(mode LeakMode) {
	leakMode.Store(uint32(mode))
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(leakMode.Load())
}

// AtomicRefCount keeps a reference count using atomic operations. The owner
// passes its destructor to DecRef, which runs it when the count reaches zero.
//
// The zero value holds no references; call InitRefs before use.
type AtomicRefCount struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used for TryIncRef, to avoid a
	// CompareAndSwap loop. See IncRef, DecRef and TryIncRef for details of
	// how these fields are used.
	refCount atomic.Int64
}

// InitRefs initializes r with one reference.
func (r *AtomicRefCount) InitRefs() {
	r.refCount.Store(1)
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *AtomicRefCount) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments this object's reference count.
//
// The sanity check here is limited to real references, since if they have
// dropped to zero then the object has been destroyed.
func (r *AtomicRefCount) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p", r))
	}
}

// TryIncRef attempts to increment the reference count, *unless the count has
// already reached zero*. If false is returned, then the object has already
// been destroyed, and the weak reference is no longer valid. If true if
// returned then a valid reference is now held on the object.
//
// To do this safely without a loop, a speculative reference is first acquired
// on the object. This allows multiple concurrent TryIncRef calls to
// distinguish other TryIncRef calls from genuine references held.
func (r *AtomicRefCount) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been freed.
		r.refCount.Add(-speculativeRef)
		return false
	}

	// Turn into a real reference.
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef decrements the object's reference count and calls destroy, if it is
// not nil, when the count reaches zero.
//
// Note that speculative references are counted here. Since they were added
// prior to real references reaching zero, they will successfully convert to
// real references. In other words, we see speculative references only in the
// following case:
//
//	A: TryIncRef [speculative increase => sees non-negative references]
//	B: DecRef [real decrease]
//	A: TryIncRef [transform speculative to real]
func (r *AtomicRefCount) DecRef(destroy func()) {
	switch v := r.refCount.Add(-1); {
	case int32(v) < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p", r))

	case v == 0:
		// No speculative references are pending either, so no TryIncRef
		// can revive the object.
		if destroy != nil {
			destroy()
		}
	}
}

// WeakRef is a weak reference to an object of type T. It does not hold a
// reference: the object may be destroyed while the WeakRef exists, after
// which Get fails.
type WeakRef[T RefCounter] struct {
	obj atomic.Pointer[T]
}

// NewWeakRef returns a weak reference to obj. The caller must hold a
// reference to obj.
func NewWeakRef[T RefCounter](obj T) *WeakRef[T] {
	w := &WeakRef[T]{}
	w.obj.Store(&obj)
	return w
}

// Get attempts to get a normal reference to the underlying object. If this
// fails because the object no longer exists, or the weak reference was
// dropped, ok is false. On success the caller owns the new reference.
func (w *WeakRef[T]) Get() (obj T, ok bool) {
	if w == nil {
		return obj, false
	}
	p := w.obj.Load()
	if p == nil || !(*p).TryIncRef() {
		return obj, false
	}
	return *p, true
}

// Drop drops this weak reference. Further calls to Get fail.
func (w *WeakRef[T]) Drop() {
	w.obj.Store(nil)
}
