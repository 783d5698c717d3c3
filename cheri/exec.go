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
	"sync"
)

// Branch targets. On hardware a code capability is branched to directly; in
// the software model every address that may be branched to has a Go
// function registered against it. The loader registers compartment symbols
// at addresses inside their image; executive trampolines are registered in
// a reserved text window.

const (
	execWindowBase uintptr = 0x7fe0_0000_0000
	execWindowSize uintptr = 1 << 20
	execAlign      uintptr = 16
)

var (
	execMu    sync.RWMutex
	execFuncs = make(map[uintptr]interface{})
	execNext  = execWindowBase
)

// RegisterFuncAt registers fn as the code at addr. The loader uses this for
// symbols inside a mapped image.
func RegisterFuncAt(addr uintptr, fn interface{}) {
	execMu.Lock()
	execFuncs[addr] = fn
	execMu.Unlock()
}

// UnregisterFuncAt removes a registration, typically on image unmap.
func UnregisterFuncAt(addr uintptr) {
	execMu.Lock()
	delete(execFuncs, addr)
	execMu.Unlock()
}

// RegisterFunc registers fn at a fresh address in the executive text window
// and returns a sealed-entry capability for it. Used for the executive-side
// trampolines and service functions, which live outside any loaded image.
func RegisterFunc(fn interface{}) Cap {
	execMu.Lock()
	addr := execNext
	execNext += execAlign
	execFuncs[addr] = fn
	execMu.Unlock()

	return Cap{
		addr:  uint64(addr),
		base:  uint64(addr),
		limit: uint64(addr + execAlign),
		perms: PermsExec | PermExecutive,
		otype: otypeSentry,
		tag:   1,
	}
}

// FuncAt returns the function registered at addr, or nil.
func FuncAt(addr uintptr) interface{} {
	execMu.RLock()
	fn := execFuncs[addr]
	execMu.RUnlock()
	return fn
}
