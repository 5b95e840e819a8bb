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

// Package config holds the configuration of rvk, set from flags and an
// optional TOML or YAML file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"rvkernel.dev/rvkernel/pkg/log"
	"rvkernel.dev/rvkernel/pkg/refs"
	"rvkernel.dev/rvkernel/pkg/riscv"
)

// Config holds configuration that is not part of the command line of a
// subcommand. Each field with a flag tag is set from the flag of that name;
// the same name is the key in configuration files.
type Config struct {
	// ConfigFile is the TOML or YAML file read before flags are applied.
	// Flags set on the command line take precedence over the file.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log-format" yaml:"log-format"`

	// DebugLog is the path to log debug information to, if not empty. It
	// may contain %TIMESTAMP%, %PID% and %COMMAND%.
	DebugLog string `flag:"debug-log" toml:"debug-log" yaml:"debug-log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// NumCPUs is the number of harts.
	NumCPUs int `flag:"cpus" toml:"cpus" yaml:"cpus"`

	// Frames is the size of physical memory in pages.
	Frames int `flag:"frames" toml:"frames" yaml:"frames"`

	// TimeSlice is the preemption period. Zero disables preemption.
	TimeSlice time.Duration `flag:"time-slice" toml:"time-slice" yaml:"time-slice"`

	// KernelStackPages is the kernel stack size of each task in pages.
	KernelStackPages int `flag:"kernel-stack-pages" toml:"kernel-stack-pages" yaml:"kernel-stack-pages"`

	// TestMode records the exit code of every task instead of reparenting
	// orphans to init.
	TestMode bool `flag:"test-mode" toml:"test-mode" yaml:"test-mode"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref-leak-mode" yaml:"ref-leak-mode"`
}

func (c *Config) validate() error {
	if c.NumCPUs < 1 || c.NumCPUs > riscv.MaxCPUs {
		return fmt.Errorf("--cpus=%d must be between 1 and %d", c.NumCPUs, riscv.MaxCPUs)
	}
	if c.Frames < 1 || c.Frames > riscv.DefaultFrames {
		return fmt.Errorf("--frames=%d must be between 1 and %d", c.Frames, riscv.DefaultFrames)
	}
	if c.TimeSlice < 0 {
		return fmt.Errorf("--time-slice=%v must not be negative", c.TimeSlice)
	}
	if c.KernelStackPages < 1 {
		return fmt.Errorf("--kernel-stack-pages=%d must be positive", c.KernelStackPages)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
