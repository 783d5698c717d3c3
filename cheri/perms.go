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

// Perm is the Morello capability permission field. The bit positions follow
// the Morello architecture's hardware permission encoding.
type Perm uint64

const (
	PermGlobal Perm = 1 << iota
	PermExecutive
	PermUser1
	PermUser2
	PermUser3
	PermUser4
	PermMutableLoad
	PermCompartmentID
	PermBranchSealedPair
	PermSystem
	PermUnseal
	PermSeal
	PermStoreLocalCap
	PermStoreCap
	PermLoadCap
	PermExecute
	PermStore
	PermLoad
)

// PermsData are the permissions granted on compartment data capabilities:
// the restricted stack, the thread pointer and sealed argument blocks.
const PermsData = PermLoad | PermLoadCap | PermMutableLoad |
	PermStore | PermStoreCap | PermStoreLocalCap | PermGlobal

// PermsExec are the permissions granted on compartment code capabilities.
// Load permissions are required for PC-relative addressing.
const PermsExec = PermLoad | PermLoadCap | PermMutableLoad |
	PermExecute | PermGlobal

// PermsSealer are the permissions kept on the sealer capability.
const PermsSealer = PermSeal | PermUnseal

// PermsSymbol are the permissions granted on resolved symbol capabilities.
const PermsSymbol = PermLoad | PermLoadCap | PermMutableLoad |
	PermExecute | PermGlobal

// Has reports whether every permission in mask is present in p.
func (p Perm) Has(mask Perm) bool {
	return p&mask == mask
}
