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

// Package cheri models the Morello hardware capability. A Cap is a tagged
// fat pointer carrying address, bounds, permissions and seal state; the
// operations exposed here preserve monotonicity: bounds may only shrink and
// permissions may only be cleared. There is no way to widen a capability.
//
// The package is a software model of the capability: a Cap has an explicit
// in-memory layout so that capability slots in loaded objects can be read
// and rewritten through LoadCap/StoreCap and the whole fixup engine can be
// exercised. It does not use the hardware capability intrinsics or the
// 129-bit hardware format, on Morello or elsewhere.

package cheri

import (
	"fmt"
	"math"
)

// Object types. Zero is unsealed; otypeSentry marks a sealed-entry
// capability, which may be branched to but not dereferenced. Any other
// value is the object type of an ordinary sealed capability.
const (
	otypeUnsealed uint64 = 0
	otypeSentry   uint64 = 1

	// MaxSealID is one past the largest object type a sealer may name.
	MaxSealID = 0x10000
)

// Cap is one capability value. The zero Cap is untagged.
type Cap struct {
	addr  uint64
	base  uint64
	limit uint64
	perms Perm
	otype uint64
	tag   uint64
}

// New returns an untagged capability holding a bare address. It carries no
// bounds and no permissions and cannot be dereferenced; it is the model of
// an integer stored in a capability register.
func New(addr uintptr) Cap {
	return Cap{addr: uint64(addr), limit: math.MaxUint64}
}

// Address returns the capability's current address.
func (c Cap) Address() uintptr {
	return uintptr(c.addr)
}

// Base returns the lower bound.
func (c Cap) Base() uintptr {
	return uintptr(c.base)
}

// Limit returns the upper bound, exclusive.
func (c Cap) Limit() uintptr {
	return uintptr(c.limit)
}

// Len returns the number of bytes between the bounds.
func (c Cap) Len() uintptr {
	if c.limit <= c.base {
		return 0
	}
	return uintptr(c.limit - c.base)
}

// Perms returns the permission field.
func (c Cap) Perms() Perm {
	return c.perms
}

// IsValid reports whether the hardware tag is set.
func (c Cap) IsValid() bool {
	return c.tag != 0
}

// IsSealed reports whether the capability is sealed, including sealed-entry.
func (c Cap) IsSealed() bool {
	return c.otype != otypeUnsealed
}

// IsSentry reports whether the capability is a sealed-entry capability.
func (c Cap) IsSentry() bool {
	return c.otype == otypeSentry
}

// SetAddress repositions the address within the existing bounds. Bounds and
// permissions are unchanged. Writing the address of a sealed capability
// clears the tag.
func (c Cap) SetAddress(addr uintptr) Cap {
	if c.IsSealed() {
		c.tag = 0
	}
	c.addr = uint64(addr)
	return c
}

// SetBounds sets the address to base and narrows the bounds to
// [base, base+length). A request that would widen either bound leaves the
// capability unchanged.
func (c Cap) SetBounds(base, length uintptr) Cap {
	nb := uint64(base)
	nl := uint64(base) + uint64(length)
	if nb < c.base || nl > c.limit || nl < nb {
		return c
	}
	if c.IsSealed() {
		c.tag = 0
	}
	c.addr = nb
	c.base = nb
	c.limit = nl
	return c
}

// SetBoundsAndAddress copies base, length and current address from other
// while keeping c's permissions. Used to re-parent an executable capability
// onto a specific function's extents; other must lie within c's bounds for
// the result to remain valid.
func (c Cap) SetBoundsAndAddress(other Cap) Cap {
	if other.base < c.base || other.limit > c.limit {
		c.tag = 0
	}
	if c.IsSealed() {
		c.tag = 0
	}
	c.addr = other.addr
	c.base = other.base
	c.limit = other.limit
	return c
}

// AndPerms clears every permission not present in mask.
func (c Cap) AndPerms(mask Perm) Cap {
	c.perms &= mask
	return c
}

// ClearPerms clears every permission present in mask.
func (c Cap) ClearPerms(mask Perm) Cap {
	c.perms &^= mask
	return c
}

// Sentry marks the capability as a sealed call target. A sealed-entry
// capability may be branched to but not written through or re-derived.
func (c Cap) Sentry() Cap {
	c.otype = otypeSentry
	return c
}

// DeriveFrom narrows c to match other: if other's bounds lie within c's,
// the bounds and address are restricted to other's exactly; otherwise only
// the address is aligned. The final permissions are
// (c.perms AND (other.perms OR add)) AND NOT remove. Sealed-entry state
// propagates from other. The add mask is only ever used by privileged code
// to re-grant the executive permission when restoring a slot.
func (c Cap) DeriveFrom(other Cap, add, remove Perm) Cap {
	if other.base >= c.base && other.limit <= c.limit {
		c.addr = other.addr
		c.base = other.base
		c.limit = other.limit
	} else {
		c.addr = other.addr
	}

	c.perms &= other.perms | add
	c.perms &^= remove

	if other.IsSentry() {
		c.otype = otypeSentry
	}
	return c
}

// Seal seals c with the sealer capability. The sealer's address is the
// object type. A sealer without seal permission, or an invalid sealer,
// yields a tag-cleared result.
func (c Cap) Seal(sealer Cap) Cap {
	if !sealer.IsValid() || !sealer.perms.Has(PermSeal) ||
		sealer.addr >= MaxSealID || c.IsSealed() {
		c.tag = 0
		return c
	}
	c.otype = sealer.addr
	return c
}

// Unseal unseals c with the sealer capability. Any sealer other than the
// one whose address matches c's object type yields a tag-cleared result.
func (c Cap) Unseal(sealer Cap) Cap {
	if !sealer.IsValid() || !sealer.perms.Has(PermUnseal) ||
		!c.IsSealed() || c.IsSentry() || c.otype != sealer.addr {
		c.tag = 0
		return c
	}
	c.otype = otypeUnsealed
	return c
}

func (c Cap) String() string {
	seal := ""
	switch {
	case c.IsSentry():
		seal = " sentry"
	case c.IsSealed():
		seal = fmt.Sprintf(" sealed(%#x)", c.otype)
	}
	tag := 0
	if c.tag != 0 {
		tag = 1
	}
	return fmt.Sprintf("%#x [%#x,%#x) perms=%#x%s tag=%d",
		c.addr, c.base, c.limit, uint64(c.perms), seal, tag)
}
