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

package example

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/compartment"
)

// Executive-side service implementations. Allocations are pinned in a
// process-wide table so the memory stays live while restricted code holds
// a capability to it.

var (
	heapMu sync.Mutex
	heap   = make(map[uintptr][]byte)
)

// cheriMalloc allocates a zeroed buffer and returns a capability bounded
// to it with the executive permission cleared, suitable for restricted
// code.
func cheriMalloc(size uintptr) cheri.Cap {
	logrus.Debugf("system malloc: size=%d", size)

	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	base := uintptr(cheri.BufferAddr(buf))

	heapMu.Lock()
	heap[base] = buf
	heapMu.Unlock()

	roots, err := cheri.PlatformRoots()
	if err != nil {
		return cheri.Cap{}
	}
	return roots.ExecRW.
		SetBounds(base, size).
		ClearPerms(cheri.PermExecutive)
}

// cheriFree releases an allocation obtained from cheriMalloc. Freeing an
// unknown capability is ignored with a warning.
func cheriFree(ptr cheri.Cap) {
	logrus.Debugf("system free")

	heapMu.Lock()
	defer heapMu.Unlock()
	if _, ok := heap[ptr.Base()]; !ok {
		logrus.Warnf("free of unknown allocation at %#x", ptr.Base())
		return
	}
	delete(heap, ptr.Base())
}

func init() {
	compartment.RegisterServiceFunc("cheri_malloc", compartment.MallocFunc(cheriMalloc))
	compartment.RegisterServiceFunc("cheri_free", compartment.FreeFunc(cheriFree))
}
