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

package refs

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type object struct {
	AtomicRefCount
	name      string
	destroyed int
}

func newObject(name string) *object {
	o := &object{name: name}
	o.InitRefs()
	Register(o)
	return o
}

func (o *object) DecRef() {
	o.AtomicRefCount.DecRef(func() {
		o.destroyed++
		Unregister(o)
	})
}

func (o *object) RefType() string     { return "object" }
func (o *object) LeakMessage() string { return "leaked " + o.name }
func (o *object) LogRefs() bool       { return false }

func TestRefCount(t *testing.T) {
	o := newObject("a")
	o.IncRef()
	if got := o.ReadRefs(); got != 2 {
		t.Errorf("ReadRefs() = %d, want 2", got)
	}
	o.DecRef()
	if o.destroyed != 0 {
		t.Fatalf("destroyed with a reference held")
	}
	o.DecRef()
	if o.destroyed != 1 {
		t.Errorf("destroyed %d times, want 1", o.destroyed)
	}
	if o.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
}

func TestDecRefPanics(t *testing.T) {
	o := newObject("b")
	o.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef below zero did not panic")
		}
	}()
	o.DecRef()
}

func TestWeakRef(t *testing.T) {
	o := newObject("c")
	w := NewWeakRef(o)
	got, ok := w.Get()
	if !ok || got != o {
		t.Fatalf("Get() = %v, %t, want the object", got, ok)
	}
	got.DecRef()
	o.DecRef()
	if _, ok := w.Get(); ok {
		t.Errorf("Get() succeeded after the object was destroyed")
	}

	o2 := newObject("d")
	w2 := NewWeakRef(o2)
	w2.Drop()
	if _, ok := w2.Get(); ok {
		t.Errorf("Get() succeeded after Drop")
	}
	o2.DecRef()

	var nilRef *WeakRef[*object]
	if _, ok := nilRef.Get(); ok {
		t.Errorf("Get() on a nil WeakRef succeeded")
	}
}

func TestConcurrentTryIncRef(t *testing.T) {
	o := newObject("e")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if o.TryIncRef() {
				o.DecRef()
			}
		}()
	}
	o.DecRef()
	wg.Wait()
	if o.destroyed != 1 {
		t.Errorf("destroyed %d times, want 1", o.destroyed)
	}
}

func TestLeakCheck(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	a := newObject("x")
	b := newObject("y")
	z := newObject("z")
	a.DecRef()
	b.IncRef()
	b.DecRef()
	want := []string{"leaked y", "leaked z"}
	if diff := cmp.Diff(want, DoLeakCheck()); diff != "" {
		t.Errorf("DoLeakCheck() mismatch (-want +got):\n%s", diff)
	}
	b.DecRef()
	z.DecRef()
}

func TestLeakModeFlag(t *testing.T) {
	var m LeakMode
	for _, v := range []string{"disabled", "log", "panic"} {
		if err := m.Set(v); err != nil {
			t.Fatalf("Set(%q) failed: %v", v, err)
		}
		if m.String() != v {
			t.Errorf("String() = %q, want %q", m.String(), v)
		}
	}
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}
