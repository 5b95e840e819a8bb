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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(testProgram("b", nop))
	r.MustRegister(testProgram("a", nop))
	r.MustRegister(&Program{Name: "script", Image: []byte("#!a")})

	for _, tc := range []struct {
		name string
		p    *Program
	}{
		{name: "duplicate", p: testProgram("a", nop)},
		{name: "no name", p: testProgram("", nop)},
		{name: "no main", p: &Program{Name: "c", Image: []byte("\x7fRVK")}},
	} {
		if err := r.Register(tc.p); !errors.Is(err, kernerr.ErrInvalidArgument) {
			t.Errorf("%s: Register: got %v, want %v", tc.name, err, kernerr.ErrInvalidArgument)
		}
	}
	if diff := cmp.Diff([]string{"a", "b", "script"}, r.Names()); diff != "" {
		t.Errorf("Names() (-want +got):\n%s", diff)
	}
	if _, err := r.Lookup("c"); !errors.Is(err, kernerr.ErrNoSuchProgram) {
		t.Errorf("Lookup(c): got %v, want %v", err, kernerr.ErrNoSuchProgram)
	}
}

func TestResolveProgram(t *testing.T) {
	k := newTestKernel(t, Config{},
		testProgram("sh", nop),
		&Program{Name: "one", Image: []byte("#!sh -e\n")},
		&Program{Name: "two", Image: []byte("#!one\n")},
		&Program{Name: "loop", Image: []byte("#!loop\n")},
	)
	for _, tc := range []struct {
		name     string
		args     []string
		wantProg string
		wantArgs []string
		wantErr  error
	}{
		{name: "sh", wantProg: "sh", wantArgs: []string{"sh"}},
		{name: "one", args: []string{"one", "x"}, wantProg: "sh", wantArgs: []string{"sh", "-e", "one", "x"}},
		{name: "two", wantProg: "sh", wantArgs: []string{"sh", "-e", "one", "two"}},
		{name: "loop", wantErr: kernerr.ErrMalformedImage},
		{name: "none", wantErr: kernerr.ErrNoSuchProgram},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, args, err := k.resolveProgram(tc.name, tc.args)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("resolveProgram: got %v, want %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if p.Name != tc.wantProg {
				t.Errorf("program %q, want %q", p.Name, tc.wantProg)
			}
			if diff := cmp.Diff(tc.wantArgs, args); diff != "" {
				t.Errorf("args (-want +got):\n%s", diff)
			}
		})
	}
}
