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

package cheri

import (
	"github.com/pkg/errors"
	"unsafe"
)

// CapSize is the in-memory size of one capability slot. Relocation fixup
// reads and writes whole slots of this size.
const CapSize = unsafe.Sizeof(Cap{})

// LoadCap reads the capability slot at addr.
func LoadCap(addr uintptr) Cap {
	return *(*Cap)(unsafe.Pointer(addr))
}

// StoreCap writes the capability slot at addr.
func StoreCap(addr uintptr, c Cap) {
	*(*Cap)(unsafe.Pointer(addr)) = c
}

// ClearTag zeroes the tag of the slot at addr, as a non-capability store
// through the slot would on hardware.
func ClearTag(addr uintptr) {
	p := (*Cap)(unsafe.Pointer(addr))
	p.tag = 0
}

// Bytes returns a view of n bytes starting at the capability's address. The
// capability must be tagged, unsealed and in bounds for the whole view, and
// must carry load permission; if write is set it must also carry store
// permission.
func (c Cap) Bytes(n uintptr, write bool) ([]byte, error) {
	if !c.IsValid() {
		return nil, errors.New("capability tag is clear")
	}
	if c.IsSealed() {
		return nil, errors.New("capability is sealed")
	}
	if c.addr < c.base || c.addr+uint64(n) > c.limit {
		return nil, errors.Errorf("access [%#x,%#x) outside bounds [%#x,%#x)",
			c.addr, c.addr+uint64(n), c.base, c.limit)
	}
	need := PermLoad
	if write {
		need |= PermStore
	}
	if !c.perms.Has(need) {
		return nil, errors.Errorf("missing permission %#x", uint64(need&^c.perms))
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(c.addr))), n), nil
}

func addrOf(p *byte) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// BufferAddr returns the address of the first byte of b.
func BufferAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return addrOf(&b[0])
}

// CString reads a NUL-terminated string through the capability, bounded by
// the capability's upper limit.
func (c Cap) CString() (string, error) {
	max := uintptr(0)
	if c.limit > c.addr {
		max = uintptr(c.limit - c.addr)
	}
	for n := uintptr(0); n < max; n++ {
		b, err := c.Bytes(n+1, false)
		if err != nil {
			return "", err
		}
		if b[n] == 0 {
			return string(b[:n]), nil
		}
	}
	return "", errors.New("unterminated string within capability bounds")
}
