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

// Package memrange provides the half-open address interval used to describe
// loaded-object sub-regions and do-not-rewrite exclusion lists.

package memrange

import "fmt"

// Range is a half-open address interval [Base, Top). Top is one byte past
// the last byte in the range.
type Range struct {
	Base uintptr
	Top  uintptr
}

// New returns the range [addr, addr+size).
func New(addr, size uintptr) Range {
	return Range{Base: addr, Top: addr + size}
}

// Size returns the number of bytes covered by the range.
func (r Range) Size() uintptr {
	if r.Top <= r.Base {
		return 0
	}
	return r.Top - r.Base
}

// Intersects reports whether r and other share at least one byte.
func (r Range) Intersects(other Range) bool {
	return r.Base < other.Top && other.Base < r.Top
}

// Contains reports whether other lies entirely within r.
func (r Range) Contains(other Range) bool {
	return r.Base <= other.Base && other.Top <= r.Top
}

// ContainsAddr reports whether addr lies within r.
func (r Range) ContainsAddr(addr uintptr) bool {
	return r.Base <= addr && addr < r.Top
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.Top)
}
