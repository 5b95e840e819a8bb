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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"rvkernel.dev/rvkernel/pkg/apps"
	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/metric"
	"rvkernel.dev/rvkernel/pkg/riscv"
	"rvkernel.dev/rvkernel/pkg/sentry/kernel"
	"rvkernel.dev/rvkernel/pkg/sentry/pgalloc"
	"rvkernel.dev/rvkernel/rvk/config"
)

// Boot implements subcommands.Command for the "boot" command which boots the
// kernel and runs init to completion.
type Boot struct {
	// metricsFile is where the metrics are written when the kernel stops.
	metricsFile string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the kernel and run init until it exits"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] [<program> [args...]] - boot the kernel with <program> as
init (default "init"). The exit status is that of init, or 128+sig if init
was killed by a signal.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.metricsFile, "metrics-file", "", "file to write metrics to in the Prometheus text format when the kernel stops, - for stdout.")
}

// Execute implements subcommands.Command.Execute. It expects the config and
// a pointer to the exit status in args.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	status := args[1].(*int)

	initArgs := f.Args()
	if len(initArgs) == 0 {
		initArgs = []string{"init"}
	}

	mem, err := pgalloc.New(riscv.PhysMemoryOffset, conf.Frames)
	if err != nil {
		Fatalf("creating physical memory: %v", err)
	}
	ctx = pgalloc.WithAllocator(ctx, mem)
	registerMemoryMetrics(ctx)

	progs := kernel.NewRegistry()
	if err := apps.Register(progs); err != nil {
		Fatalf("registering programs: %v", err)
	}
	k, err := kernel.New(mem, kernel.Config{
		NumCPUs:          conf.NumCPUs,
		TimeSlice:        conf.TimeSlice,
		KernelStackPages: conf.KernelStackPages,
		TestMode:         conf.TestMode,
		Console:          kernel.NewConsole(os.Stdin, os.Stdout),
		Programs:         progs,
	})
	if err != nil {
		Fatalf("creating kernel: %v", err)
	}
	initTask, err := k.CreateInit(initArgs[0], initArgs)
	if err != nil {
		Fatalf("creating init %q: %v", initArgs[0], err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopForwarding := forwardSignals(ctx, k)
	runErr := k.Run(ctx)
	stopForwarding()

	code := initTask.ExitCode()
	halted := k.Halted()
	results := k.TestResults()
	k.Release()

	if runErr != nil {
		Fatalf("running kernel: %v", runErr)
	}
	if !halted {
		Fatalf("kernel stopped before init exited")
	}
	if conf.TestMode {
		for _, r := range results {
			fmt.Fprintf(os.Stdout, "test: %s (pid %d) exited with code %d\n", r.Name, r.PID, r.Code)
		}
	}
	if err := b.writeMetrics(); err != nil {
		Fatalf("writing metrics: %v", err)
	}

	log.Infof("Init exited with code %d", code)
	*status = exitStatus(code)
	return subcommands.ExitSuccess
}

// exitStatus converts an exit code to a host exit status, the way a shell
// reports a task killed by a signal.
func exitStatus(code int32) int {
	if code < 0 {
		return 128 + int(-code)
	}
	return int(code & 0xff)
}

// registerMemoryMetrics exports the usage of the allocator in ctx.
func registerMemoryMetrics(ctx context.Context) {
	mem := pgalloc.AllocatorFromContext(ctx)
	if mem == nil {
		return
	}
	metric.MustRegisterCustomUint64Metric("/memory/frames_allocated", "Number of physical frames in use.", func() uint64 {
		return uint64(mem.Allocated())
	})
	metric.MustRegisterCustomUint64Metric("/memory/frames_total", "Number of physical frames.", func() uint64 {
		return uint64(mem.TotalFrames())
	})
}

// forwardSignals halts k on SIGINT or SIGTERM. The returned function stops
// forwarding.
func forwardSignals(ctx context.Context, k *kernel.Kernel) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-ch:
			log.Warningf("Got %v, halting kernel", sig)
			k.Halt()
		case <-stop:
		case <-ctx.Done():
		}
	}()
	return func() {
		signal.Stop(ch)
		close(stop)
		<-done
	}
}

func (b *Boot) writeMetrics() error {
	switch b.metricsFile {
	case "":
		return nil
	case "-":
		return metric.WriteText(os.Stdout)
	}
	f, err := os.Create(b.metricsFile)
	if err != nil {
		return err
	}
	if err := metric.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
