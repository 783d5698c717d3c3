//
// Copyright 2024 Verifoxx Limited
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package loader is the boundary to the host dynamic loader. The manager
// consumes exactly three operations: open by name (optionally in a fresh
// namespace), symbol lookup, and link-map enumeration. On Morello hardware
// the glibc binding provides them; the emulated loader provides them for
// everything else, including the test suite and the demo image.

package loader

import (
	"debug/elf"
	"unsafe"

	"github.com/verifoxx/morello-capmgr/cheri"
)

// Handle identifies one opened object, like a dlopen handle.
type Handle int

// LinkMapEntry mirrors the fields of the host loader's link-map entry that
// the manager consumes. Real differs from the entry itself only for the
// dynamic loader's own entry; MapStart is the observed start of the
// object's mapping, which may differ from the load bias.
type LinkMapEntry struct {
	Addr     uintptr // load bias
	Name     string  // absolute path; empty for the main executable
	Next     *LinkMapEntry
	Prev     *LinkMapEntry
	Real     *LinkMapEntry
	Phdr     uintptr
	Phnum    uint16
	MapStart cheri.Cap
}

// Progs returns the entry's program header table.
func (e *LinkMapEntry) Progs() []elf.Prog64 {
	if e.Phdr == 0 || e.Phnum == 0 {
		return nil
	}
	return unsafe.Slice((*elf.Prog64)(unsafe.Pointer(e.Phdr)), e.Phnum)
}

// Loader is the host loader contract.
type Loader interface {
	// Open loads the named object and everything it depends on,
	// optionally into a new link-map namespace.
	Open(name string, newNamespace bool) (Handle, error)

	// Close releases the handle, closing the namespace.
	Close(h Handle) error

	// Lookup resolves a symbol exported by the opened object to a
	// capability over the symbol's extents.
	Lookup(h Handle, symbol string) (cheri.Cap, error)

	// LinkMap returns the link-map entry for the opened object; the full
	// list is reachable through Prev/Next.
	LinkMap(h Handle) (*LinkMapEntry, error)
}
