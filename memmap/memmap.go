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

// Package memmap wraps the anonymous mapping and re-protection calls the
// compartment manager needs: stacks for restricted execution, image areas
// for the emulated loader, and the transient writable window used while
// relocation slots are patched.

package memmap

import (
	"debug/elf"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/verifoxx/morello-capmgr/memrange"
)

// PageSize is the host page size.
var PageSize = uintptr(os.Getpagesize())

// AlignDown rounds addr down to the given alignment, which must be a power
// of two.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to the given alignment, which must be a power of
// two.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// PageRound rounds size up to a whole number of pages.
func PageRound(size uintptr) uintptr {
	return AlignUp(size, PageSize)
}

// MapAnon maps size bytes of zeroed read/write memory.
func MapAnon(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(PageRound(size)),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// MapStack maps size bytes of zeroed read/write memory flagged as a stack.
func MapStack(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(PageRound(size)),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_STACK)
}

// Unmap releases a mapping obtained from MapAnon or MapStack.
func Unmap(b []byte) error {
	return unix.Munmap(b)
}

// Base returns the start address of a mapping.
func Base(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// Protect changes the protection of the pages covering r. The range's base
// is aligned down to a page boundary and the size grown to match.
func Protect(r memrange.Range, prot int) error {
	base := AlignDown(r.Base, PageSize)
	size := PageRound(r.Size() + (r.Base - base))
	if size == 0 {
		return nil
	}
	view := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	return unix.Mprotect(view, prot)
}

// ProtFlags converts ELF segment flags to mmap protection bits.
func ProtFlags(flags elf.ProgFlag) int {
	prot := 0
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}
