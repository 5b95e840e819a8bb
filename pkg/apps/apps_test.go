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

package apps

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/kernel"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
)

// syncBuffer is a bytes.Buffer safe for use by several harts.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func boot(t *testing.T, conf kernel.Config, args ...string) (*kernel.Kernel, string) {
	t.Helper()
	mem, err := pgalloc.New(riscv.PhysMemoryOffset, 8192)
	if err != nil {
		t.Fatalf("pgalloc.New: %v", err)
	}
	conf.Programs = kernel.NewRegistry()
	if err := Register(conf.Programs); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var out syncBuffer
	conf.Console = kernel.NewConsole(nil, &out)
	k, err := kernel.New(mem, conf)
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	if _, err := k.CreateInit("init", append([]string{"init"}, args...)); err != nil {
		t.Fatalf("CreateInit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := k.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	k.Release()
	return k, out.String()
}

var segvLine = regexp.MustCompile(`init: segv \(pid \d+\) exited with code -11\n`)

func TestDefaultRun(t *testing.T) {
	for _, conf := range []kernel.Config{
		{NumCPUs: 1},
		{NumCPUs: 4, TimeSlice: time.Millisecond},
	} {
		k, out := boot(t, conf)
		for _, want := range []string{
			"Hello, world!\n",
			"hello from a script greet\n",
			"forktree: 15 tasks\n",
			"lazy: sum 96\n",
			"orphan: adopted by 1\n",
			"yield: 2\n",
			"spin: done",
			"kill: child exited with code -15\n",
			"with code 3\n",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("%d harts: output lacks %q:\n%s", conf.NumCPUs, want, out)
			}
		}
		if !segvLine.MatchString(out) {
			t.Errorf("%d harts: segv not reported killed:\n%s", conf.NumCPUs, out)
		}
		if strings.Contains(out, "survived") {
			t.Errorf("segv survived:\n%s", out)
		}
		if live := k.PIDs().Live(); live != 0 {
			t.Errorf("%d harts: %d PIDs allocated after release", conf.NumCPUs, live)
		}
	}
}

func TestTestMode(t *testing.T) {
	k, _ := boot(t, kernel.Config{NumCPUs: 2, TestMode: true}, "hello", "segv", "echo")
	want := []kernel.ExitReport{
		{Name: "hello", Code: 0},
		{Name: "segv", Code: -11},
		{Name: "echo", Code: 0},
		{Name: "init", Code: 0},
	}
	// PIDs are recycled, so they depend on timing.
	if diff := cmp.Diff(want, k.TestResults(), cmpopts.IgnoreFields(kernel.ExitReport{}, "PID")); diff != "" {
		t.Errorf("TestResults (-want +got):\n%s", diff)
	}
}

func TestEcho(t *testing.T) {
	mem, err := pgalloc.New(riscv.PhysMemoryOffset, 1024)
	if err != nil {
		t.Fatalf("pgalloc.New: %v", err)
	}
	r := kernel.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	var out syncBuffer
	k, err := kernel.New(mem, kernel.Config{NumCPUs: 1, Programs: r, Console: kernel.NewConsole(nil, &out)})
	if err != nil {
		t.Fatalf("kernel.New: %v", err)
	}
	if _, err := k.CreateInit("echo", []string{"echo", "a", "b c"}); err != nil {
		t.Fatalf("CreateInit: %v", err)
	}
	if err := k.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	k.Release()
	if got, want := out.String(), "a b c\n"; got != want {
		t.Errorf("echo output: got %q, want %q", got, want)
	}
}

func TestRegisterTwice(t *testing.T) {
	r := kernel.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(r); err == nil {
		t.Errorf("second Register succeeded")
	}
}
