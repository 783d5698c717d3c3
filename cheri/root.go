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
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/spf13/afero"
)

// Morello Linux auxiliary vector tags for the root capabilities handed to
// the process at startup.
const (
	AT_CHERI_EXEC_RW_CAP   = 230
	AT_CHERI_EXEC_RX_CAP   = 231
	AT_CHERI_INTERP_RW_CAP = 232
	AT_CHERI_INTERP_RX_CAP = 233
	AT_CHERI_STACK_CAP     = 234
	AT_CHERI_SEAL_CAP      = 235
	AT_CHERI_CID_CAP       = 236
)

// Afero FS for unit-testing purposes.
var procFs = afero.NewOsFs()

// Roots are the master capabilities everything else is derived from: the
// writable and executable spans of the process image, the sealing object
// space and the compartment-ID space.
type Roots struct {
	ExecRW Cap
	ExecRX Cap
	Seal   Cap
	CID    Cap
}

var (
	rootsOnce sync.Once
	roots     Roots
	rootsErr  error
)

// PlatformRoots returns the process root capabilities. On Morello the
// kernel supplies them through the auxiliary vector; the software model
// synthesizes whole-address-space roots, positioned at the auxv-advertised
// addresses when the kernel provides them.
func PlatformRoots() (Roots, error) {
	rootsOnce.Do(func() {
		roots, rootsErr = readRoots()
	})
	return roots, rootsErr
}

func readRoots() (Roots, error) {
	r := Roots{
		ExecRW: Cap{
			limit: math.MaxUint64,
			perms: PermsData | PermExecutive | PermGlobal,
			tag:   1,
		},
		ExecRX: Cap{
			limit: math.MaxUint64,
			perms: PermsExec | PermExecutive | PermGlobal,
			tag:   1,
		},
		Seal: Cap{
			limit: MaxSealID,
			perms: PermsSealer,
			tag:   1,
		},
		CID: Cap{
			limit: MaxSealID,
			perms: PermCompartmentID | PermGlobal,
			tag:   1,
		},
	}

	// The auxv addresses are advisory off hardware; tolerate a missing or
	// unreadable file.
	auxv, err := parseAuxv()
	if err != nil {
		return r, nil
	}
	if addr, ok := auxv[AT_CHERI_EXEC_RW_CAP]; ok {
		r.ExecRW.addr = addr
	}
	if addr, ok := auxv[AT_CHERI_EXEC_RX_CAP]; ok {
		r.ExecRX.addr = addr
	}
	if addr, ok := auxv[AT_CHERI_SEAL_CAP]; ok {
		r.Seal.addr = addr
	}
	if addr, ok := auxv[AT_CHERI_CID_CAP]; ok {
		r.CID.addr = addr
	}
	return r, nil
}

// parseAuxv reads /proc/self/auxv into a tag to value map. Entries are
// {tag, value} machine-word pairs terminated by a null tag.
func parseAuxv() (map[uint64]uint64, error) {
	data, err := afero.ReadFile(procFs, "/proc/self/auxv")
	if err != nil {
		return nil, err
	}

	auxv := make(map[uint64]uint64)
	rd := bytes.NewReader(data)
	for {
		var pair [2]uint64
		if err := binary.Read(rd, binary.LittleEndian, &pair); err != nil {
			break
		}
		if pair[0] == 0 {
			break
		}
		auxv[pair[0]] = pair[1]
	}
	return auxv, nil
}

// threadPointer models the ctpidr_el0 register. Off hardware it covers a
// static per-process block.
var (
	tpBlock [256]byte
	tpOnce  sync.Once
	tpCap   Cap
)

// ThreadPointer returns the current thread-pointer capability.
func ThreadPointer() Cap {
	tpOnce.Do(func() {
		addr := uint64(uintptr(addrOf(&tpBlock[0])))
		tpCap = Cap{
			addr:  addr,
			base:  addr,
			limit: addr + uint64(len(tpBlock)),
			perms: PermsData | PermExecutive | PermGlobal,
			tag:   1,
		}
	})
	return tpCap
}
