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

//go:build morello && cgo
// +build morello,cgo

package loader

// #cgo LDFLAGS: -ldl
// #define _GNU_SOURCE
// #include <dlfcn.h>
// #include <link.h>
// #include <stdlib.h>
//
// static void *open_object(const char *name, int new_namespace) {
//     return new_namespace ? dlmopen(LM_ID_NEWLM, name, RTLD_NOW | RTLD_LOCAL)
//                          : dlopen(name, RTLD_NOW | RTLD_LOCAL);
// }
//
// static struct link_map *object_link_map(void *handle) {
//     struct link_map *lm = 0;
//     if (dlinfo(handle, RTLD_DI_LINKMAP, &lm) != 0)
//         return 0;
//     return lm;
// }
import "C"

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/verifoxx/morello-capmgr/cheri"
)

// dlLinkMap mirrors the head of glibc's internal struct link_map, the same
// internal layout the reference manager consumes. Only l_real, l_phdr,
// l_phnum and l_map_start are needed beyond the public prefix; the pad
// sizes follow the Morello glibc this binding targets and are the one
// portability hazard here.
type dlLinkMap struct {
	lAddr     uintptr
	lName     *C.char
	lLd       uintptr
	lNext     *dlLinkMap
	lPrev     *dlLinkMap
	lReal     *dlLinkMap
	lNs       C.long
	lLibname  uintptr
	lInfo     [77]uintptr
	lPhdr     uintptr
	lEntry    uintptr
	lPhnum    C.ushort
	lLdnum    C.ushort
	_         [968]byte
	lMapStart uintptr
}

// Dl is the glibc host loader.
type Dl struct {
	mu      sync.Mutex
	handles map[Handle]unsafe.Pointer
	next    Handle
}

// NewDl returns the glibc-backed loader.
func NewDl() *Dl {
	return &Dl{handles: make(map[Handle]unsafe.Pointer), next: 1}
}

func dlError(what, name string) error {
	if msg := C.dlerror(); msg != nil {
		return errors.Errorf("%s %s: %s", what, name, C.GoString(msg))
	}
	return errors.Errorf("%s %s failed", what, name)
}

// Open loads the named object with dlopen, or dlmopen with a fresh
// namespace.
func (d *Dl) Open(name string, newNamespace bool) (Handle, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	flag := C.int(0)
	if newNamespace {
		flag = 1
	}
	h := C.open_object(cName, flag)
	if h == nil {
		return 0, dlError("dlopen", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	handle := d.next
	d.next++
	d.handles[handle] = h
	return handle, nil
}

// Close releases the dlopen handle.
func (d *Dl) Close(h Handle) error {
	d.mu.Lock()
	raw, ok := d.handles[h]
	delete(d.handles, h)
	d.mu.Unlock()

	if !ok {
		return errors.Errorf("close: invalid handle %d", h)
	}
	if C.dlclose(raw) != 0 {
		return dlError("dlclose", "")
	}
	return nil
}

// Lookup resolves a symbol with dlsym. The result is the executable root
// capability repositioned to the symbol's address; its bounds are not
// narrowed to the symbol's extents.
func (d *Dl) Lookup(h Handle, symbol string) (cheri.Cap, error) {
	d.mu.Lock()
	raw, ok := d.handles[h]
	d.mu.Unlock()
	if !ok {
		return cheri.Cap{}, errors.Errorf("lookup: invalid handle %d", h)
	}

	cSym := C.CString(symbol)
	defer C.free(unsafe.Pointer(cSym))

	p := C.dlsym(raw, cSym)
	if p == nil {
		return cheri.Cap{}, dlError("dlsym", symbol)
	}

	roots, err := cheri.PlatformRoots()
	if err != nil {
		return cheri.Cap{}, err
	}
	return roots.ExecRX.SetAddress(uintptr(p)), nil
}

// LinkMap returns the opened object's link-map entry. The chain is
// converted eagerly; Real identity is preserved so loader detection works.
func (d *Dl) LinkMap(h Handle) (*LinkMapEntry, error) {
	d.mu.Lock()
	raw, ok := d.handles[h]
	d.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("linkmap: invalid handle %d", h)
	}

	lm := C.object_link_map(raw)
	if lm == nil {
		return nil, dlError("dlinfo", "")
	}

	roots, err := cheri.PlatformRoots()
	if err != nil {
		return nil, err
	}

	// Convert the whole doubly-linked list, preserving identity.
	seen := make(map[*dlLinkMap]*LinkMapEntry)
	var convert func(m *dlLinkMap) *LinkMapEntry
	convert = func(m *dlLinkMap) *LinkMapEntry {
		if m == nil {
			return nil
		}
		if e, ok := seen[m]; ok {
			return e
		}
		e := &LinkMapEntry{
			Addr:     m.lAddr,
			Name:     C.GoString(m.lName),
			Phdr:     m.lPhdr,
			Phnum:    uint16(m.lPhnum),
			MapStart: roots.ExecRW.SetAddress(m.lMapStart),
		}
		seen[m] = e
		e.Next = convert(m.lNext)
		e.Prev = convert(m.lPrev)
		e.Real = convert(m.lReal)
		if e.Real == nil {
			e.Real = e
		}
		return e
	}
	return convert((*dlLinkMap)(unsafe.Pointer(lm))), nil
}
