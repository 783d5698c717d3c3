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

package elfdyn

import (
	mapset "github.com/deckarep/golang-set"
)

// Morello capability relocation types, per the Morello AArch64 ELF ABI.
// These are not in debug/elf.
const (
	R_MORELLO_CAPINIT   uint32 = 0xe800
	R_MORELLO_GLOB_DAT  uint32 = 0xe801
	R_MORELLO_JUMP_SLOT uint32 = 0xe802
	R_MORELLO_RELATIVE  uint32 = 0xe803
	R_MORELLO_IRELATIVE uint32 = 0xe804
	R_MORELLO_TLSDESC   uint32 = 0xe806
)

// The relocation types whose target slot holds a capability the fixup
// engine must rewrite. TLSDESC is recognised here: its first slot is a code
// capability to the resolver and the derive-and-narrow rewrite applies to
// it unchanged. All other types are ignored.
var capRelocTypes = mapset.NewSet(
	R_MORELLO_CAPINIT,
	R_MORELLO_GLOB_DAT,
	R_MORELLO_JUMP_SLOT,
	R_MORELLO_RELATIVE,
	R_MORELLO_TLSDESC,
)

var relocTypeNames = map[uint32]string{
	R_MORELLO_CAPINIT:   "R_MORELLO_CAPINIT",
	R_MORELLO_GLOB_DAT:  "R_MORELLO_GLOB_DAT",
	R_MORELLO_JUMP_SLOT: "R_MORELLO_JUMP_SLOT",
	R_MORELLO_RELATIVE:  "R_MORELLO_RELATIVE",
	R_MORELLO_TLSDESC:   "R_MORELLO_TLSDESC",
}

// relocType extracts the relocation type from an r_info field.
func relocType(info uint64) uint32 {
	return uint32(info)
}

// relocNeedsFixup reports whether the relocation type addresses a
// capability slot.
func relocNeedsFixup(info uint64) bool {
	return capRelocTypes.Contains(relocType(info))
}

// relocTypeName names a recognised relocation type for dumps.
func relocTypeName(info uint64) string {
	if name, ok := relocTypeNames[relocType(info)]; ok {
		return name
	}
	return "<not/care>"
}
