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

package loader

import (
	"bytes"
	"fmt"

	"rvkernel.dev/rvkernel/pkg/errors/kernerr"
	"rvkernel.dev/rvkernel/pkg/log"
)

// maxShebangLine bounds the "#!" line, as execve(2) does at 127 bytes. The
// rest of a longer line is dropped.
const maxShebangLine = 127

var shebang = []byte("#!")

// IsInterpreterScript returns true if image starts with "#!".
func IsInterpreterScript(image []byte) bool {
	return bytes.HasPrefix(image, shebang)
}

// ParseInterpreterScript splits the "#!" line of the script image run as
// filename with argv. It returns the interpreter name and the argv to run it
// with: the interpreter, the optional argument of the "#!" line, the script
// filename, then argv without its first element.
//
// The argument is everything after the first blank following the
// interpreter, blanks included, so "#!echo a b" passes "a b" as one argument.
func ParseInterpreterScript(filename string, image []byte, argv []string) (string, []string, error) {
	if !IsInterpreterScript(image) {
		return "", nil, fmt.Errorf("%q is not a script: %w", filename, kernerr.ErrMalformedImage)
	}
	line := image[:min(len(image), maxShebangLine)]
	line = line[len(shebang):]
	if nl := bytes.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	line = bytes.Trim(line, " \t")

	interp, arg, _ := bytes.Cut(line, []byte{' '})
	if tab := bytes.IndexByte(interp, '\t'); tab >= 0 {
		interp, arg = line[:tab], line[tab+1:]
	}
	if len(interp) == 0 {
		log.Debugf("Script %q names no interpreter", filename)
		return "", nil, fmt.Errorf("%q names no interpreter: %w", filename, kernerr.ErrMalformedImage)
	}

	newArgv := []string{string(interp)}
	if len(arg) > 0 {
		newArgv = append(newArgv, string(arg))
	}
	newArgv = append(newArgv, filename)
	if len(argv) > 1 {
		newArgv = append(newArgv, argv[1:]...)
	}
	return string(interp), newArgv, nil
}
