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

package mm

import (
	"bytes"
	"fmt"
	"strings"
)

// vmaMapsEntry returns a maps line for v, including the trailing newline.
func vmaMapsEntry(v *VMA) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%08x-%08x %s %6d/%-6d ",
		uint64(v.start), uint64(v.end), v.flags, v.pma.Resident(), (v.end-v.start)/4096)

	// Pad the name to the same column as Linux does.
	if pad := 50 - b.Len(); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	b.WriteString(v.name)
	b.WriteString("\n")
	return b.Bytes()
}

// String returns the maps of the address space, one area per line with its
// range, protection, resident and total page counts and name.
func (ms *MemorySet) String() string {
	var b bytes.Buffer
	for _, v := range ms.Areas() {
		b.Write(vmaMapsEntry(v))
	}
	return b.String()
}
