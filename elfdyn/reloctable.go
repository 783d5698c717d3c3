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
	"debug/elf"
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/memrange"
)

// Kind selects which of the three relocation tables a Table describes.
type Kind int

const (
	// KindPLT is .rel(a).plt; its flavor comes from DT_PLTREL.
	KindPLT Kind = iota
	// KindRel is .rel.dyn.
	KindRel
	// KindRela is .rela.dyn.
	KindRela
)

// Table is one relocation table of a loaded object. The table range and
// flavor are read from the dynamic section on use, so a table whose tags
// are absent from the object surfaces ErrNoTag and is treated as not
// present.
type Table struct {
	kind  Kind
	name  string
	dyn   *Section
	base  uintptr
	fixup cheri.Cap
}

// NewTable builds the descriptor for one table of the object at base.
// fixup is the master capability all replacement slot values are derived
// from; it must span every loaded object.
func NewTable(kind Kind, dyn *Section, base uintptr, fixup cheri.Cap) *Table {
	name := map[Kind]string{
		KindPLT:  ".rel(a).plt",
		KindRel:  ".rel.dyn",
		KindRela: ".rela.dyn",
	}[kind]

	return &Table{
		kind:  kind,
		name:  name,
		dyn:   dyn,
		base:  base,
		fixup: fixup,
	}
}

// Name returns the table's conventional section name.
func (t *Table) Name() string {
	return t.name
}

// IsRela reports the table's flavor.
func (t *Table) IsRela() (bool, error) {
	switch t.kind {
	case KindRel:
		return false, nil
	case KindRela:
		return true, nil
	default:
		_, isRela, _, err := t.dyn.PLTRel()
		return isRela, err
	}
}

// tableRange reads the table's range, flavor and declared element size from
// the dynamic section.
func (t *Table) tableRange() (memrange.Range, uintptr, bool, error) {
	switch t.kind {
	case KindRel:
		rng, ent, err := t.dyn.Rel()
		return rng, ent, false, err
	case KindRela:
		rng, ent, err := t.dyn.Rela()
		return rng, ent, true, err
	default:
		rng, isRela, ent, err := t.dyn.PLTRel()
		return rng, ent, isRela, err
	}
}

// checkAndGetRange validates the table against its flavor: the declared
// element size must match the structure size, and the range must be an
// exact multiple of it. Violation is a structural error distinct from the
// recoverable ErrNoTag.
func (t *Table) checkAndGetRange() (memrange.Range, uintptr, bool, error) {
	rng, ent, isRela, err := t.tableRange()
	if err != nil {
		return memrange.Range{}, 0, false, err
	}

	want := uintptr(unsafe.Sizeof(elf.Rel64{}))
	if isRela {
		want = uintptr(unsafe.Sizeof(elf.Rela64{}))
	}
	if ent != want {
		return memrange.Range{}, 0, false, errors.Errorf(
			"%s: element size %d from dynamic section does not match relocation structure size %d",
			t.name, ent, want)
	}
	if rng.Size()%want != 0 {
		return memrange.Range{}, 0, false, errors.Errorf(
			"%s: range %v is not an exact multiple of whole elements", t.name, rng)
	}
	return rng, want, isRela, nil
}

// Validate checks the table's structure. A table that is not present in the
// object validates trivially.
func (t *Table) Validate() error {
	_, _, _, err := t.checkAndGetRange()
	if errors.Is(err, ErrNoTag) {
		return nil
	}
	return err
}

// Range returns the table's validated range and element size.
func (t *Table) Range() (memrange.Range, uintptr, error) {
	rng, ent, _, err := t.checkAndGetRange()
	return rng, ent, err
}

// excluded reports whether the capability slot at addr intersects any of
// the do-not-rewrite ranges.
func excluded(addr uintptr, exclude []memrange.Range) bool {
	slot := memrange.New(addr, cheri.CapSize)
	for _, r := range exclude {
		if r.Intersects(slot) {
			return true
		}
	}
	return false
}

// deriveFixup computes the replacement for one slot value: the master is
// narrowed to the slot capability's extents, then the executive permission
// is cleared (restricted mode) or re-granted (executive mode).
func (t *Table) deriveFixup(val cheri.Cap, makeRestricted bool) cheri.Cap {
	var add, remove cheri.Perm
	if makeRestricted {
		remove = cheri.PermExecutive
	} else {
		add = cheri.PermExecutive
	}
	return t.fixup.DeriveFrom(val, add, remove)
}

// PatchCaps walks the table in order and rewrites every capability-bearing
// slot. Slots inside an exclusion range and slots whose tag is clear are
// left untouched. Missing-tag errors propagate to the caller, which treats
// the whole table as not present.
func (t *Table) PatchCaps(exclude []memrange.Range, makeRestricted bool) error {
	rng, elemSize, _, err := t.checkAndGetRange()
	if err != nil {
		return err
	}

	for p := rng.Base; p+elemSize <= rng.Top; p += elemSize {
		// Rel entries are a prefix of Rela entries; the addend is never
		// read during fixup.
		rel := (*elf.Rela64)(unsafe.Pointer(p))
		if !relocNeedsFixup(rel.Info) {
			continue
		}

		slot := t.base + uintptr(rel.Off)
		if excluded(slot, exclude) {
			logrus.Tracef("fixup %s offset=%#x type=%s target=%#x: skipped, in excluded range",
				t.name, rel.Off, relocTypeName(rel.Info), slot)
			continue
		}

		val := cheri.LoadCap(slot)
		if !val.IsValid() {
			logrus.Tracef("fixup %s offset=%#x type=%s target=%#x: skipped, no valid tag",
				t.name, rel.Off, relocTypeName(rel.Info), slot)
			continue
		}

		derived := t.deriveFixup(val, makeRestricted)
		cheri.StoreCap(slot, derived)
		logrus.Tracef("fixup %s offset=%#x type=%s target=%#x: %v -> %v",
			t.name, rel.Off, relocTypeName(rel.Info), slot, val, derived)
	}
	return nil
}

// Dump renders the whole table, entry by entry.
func (t *Table) Dump() (string, error) {
	rng, elemSize, isRela, err := t.checkAndGetRange()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[Table: %s\n", t.name)
	for p := rng.Base; p+elemSize <= rng.Top; p += elemSize {
		rel := (*elf.Rela64)(unsafe.Pointer(p))
		fmt.Fprintf(&sb, "{offset=%#x (address=%#x) info=%#x (type=%s)",
			rel.Off, t.base+uintptr(rel.Off), rel.Info, relocTypeName(rel.Info))
		if isRela {
			fmt.Fprintf(&sb, " addend=%#x", rel.Addend)
		}
		sb.WriteString("}\n")
	}
	sb.WriteString("]\n")
	return sb.String(), nil
}

func (t *Table) String() string {
	rng, ent, isRela, err := t.checkAndGetRange()
	if err != nil {
		return fmt.Sprintf("{Name=%s <not present: %v>}", t.name, err)
	}
	return fmt.Sprintf("{Name=%s Range=%v elem_size=%d is_rela=%v}", t.name, rng, ent, isRela)
}
