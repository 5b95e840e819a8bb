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
	"text/tabwriter"

	"github.com/google/subcommands"
	"rvkernel.dev/rvkernel/pkg/apps"
	"rvkernel.dev/rvkernel/pkg/sentry/kernel"
)

// Programs implements subcommands.Command for the "programs" command.
type Programs struct{}

// Name implements subcommands.Command.Name.
func (*Programs) Name() string {
	return "programs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Programs) Synopsis() string {
	return "list the programs init can run"
}

// Usage implements subcommands.Command.Usage.
func (*Programs) Usage() string {
	return `programs - list the programs init can run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Programs) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Programs) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	progs := kernel.NewRegistry()
	if err := apps.Register(progs); err != nil {
		Fatalf("registering programs: %v", err)
	}
	defaults := make(map[string]bool)
	for _, name := range apps.DefaultRun {
		defaults[name] = true
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDEFAULT RUN")
	for _, name := range progs.Names() {
		fmt.Fprintf(w, "%s\t%v\n", name, defaults[name])
	}
	if err := w.Flush(); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}
