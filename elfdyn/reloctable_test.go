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
	"bytes"
	"debug/elf"
	"strings"
	"testing"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/memrange"
)

// relocFixture is a synthetic loaded object: a capability slot area, a
// rela table describing the slots, and a dynamic section describing the
// table. All offsets are relative to the slot area base, wrapping mod 2^64
// for the separately allocated pieces.
type relocFixture struct {
	slots []byte
	relas []elf.Rela64
	dyn   []elf.Dyn64
	sec   *Section
}

const fixtureSlotPerms = cheri.PermLoad | cheri.PermStore | cheri.PermGlobal | cheri.PermExecutive

func (f *relocFixture) base() uintptr {
	return uintptr(unsafe.Pointer(&f.slots[0]))
}

func (f *relocFixture) slotAddr(i int) uintptr {
	return f.base() + uintptr(i)*cheri.CapSize
}

// writeSlot installs a tagged capability over target into slot i, the way
// the host loader would have after processing the relocation.
func (f *relocFixture) writeSlot(t *testing.T, i int, target, size uintptr) cheri.Cap {
	t.Helper()

	roots, err := cheri.PlatformRoots()
	if err != nil {
		t.Fatal(err)
	}
	c := roots.ExecRW.SetBounds(target, size).AndPerms(fixtureSlotPerms)
	if !c.IsValid() {
		t.Fatalf("fixture slot capability is untagged: %v", c)
	}
	cheri.StoreCap(f.slotAddr(i), c)
	return c
}

func (f *relocFixture) slotBytes(i int) []byte {
	b := make([]byte, cheri.CapSize)
	copy(b, f.slots[uintptr(i)*cheri.CapSize:uintptr(i+1)*cheri.CapSize])
	return b
}

// newRelocFixture builds an object with nslots capability slots, each
// referenced by one rela entry of the given relocation types.
func newRelocFixture(t *testing.T, relocTypes []uint32, overrides map[elf.DynTag]uint64) *relocFixture {
	t.Helper()

	f := &relocFixture{
		slots: make([]byte, cheri.CapSize*uintptr(len(relocTypes))),
		relas: make([]elf.Rela64, len(relocTypes)),
	}

	for i, typ := range relocTypes {
		f.relas[i] = elf.Rela64{
			Off:  uint64(uintptr(i) * cheri.CapSize),
			Info: uint64(typ),
		}
	}

	relaOff := uint64(uintptr(unsafe.Pointer(&f.relas[0])) - f.base())
	tags := map[elf.DynTag]uint64{
		elf.DT_RELA:    relaOff,
		elf.DT_RELASZ:  uint64(len(f.relas)) * uint64(unsafe.Sizeof(elf.Rela64{})),
		elf.DT_RELAENT: uint64(unsafe.Sizeof(elf.Rela64{})),
	}
	for tag, val := range overrides {
		tags[tag] = val
	}
	for tag, val := range tags {
		f.dyn = append(f.dyn, elf.Dyn64{Tag: int64(tag), Val: val})
	}
	f.dyn = append(f.dyn, elf.Dyn64{Tag: int64(elf.DT_NULL)})

	dynOff := uintptr(unsafe.Pointer(&f.dyn[0])) - f.base()
	f.sec = NewSection(f.base(), uint64(dynOff),
		uint64(len(f.dyn))*uint64(unsafe.Sizeof(elf.Dyn64{})), true)
	return f
}

func (f *relocFixture) table(t *testing.T) *Table {
	t.Helper()

	roots, err := cheri.PlatformRoots()
	if err != nil {
		t.Fatal(err)
	}
	return NewTable(KindRela, f.sec, f.base(), roots.ExecRW)
}

func TestValidateElementSizeMismatch(t *testing.T) {
	f := newRelocFixture(t, []uint32{R_MORELLO_RELATIVE},
		map[elf.DynTag]uint64{elf.DT_RELAENT: 16})

	err := f.table(t).Validate()
	if err == nil {
		t.Fatalf("element size mismatch passed validation")
	}
	if errors.Is(err, ErrNoTag) {
		t.Errorf("structural error reported as missing tag: %v", err)
	}
}

func TestValidateNotWholeElements(t *testing.T) {
	f := newRelocFixture(t, []uint32{R_MORELLO_RELATIVE},
		map[elf.DynTag]uint64{elf.DT_RELASZ: 30})

	if err := f.table(t).Validate(); err == nil {
		t.Fatalf("non-multiple range passed validation")
	}
}

func TestValidateAbsentTable(t *testing.T) {
	a := newDynArena([]elf.Dyn64{{Tag: int64(elf.DT_NULL)}}, 0)
	roots, err := cheri.PlatformRoots()
	if err != nil {
		t.Fatal(err)
	}
	tab := NewTable(KindRela, a.section(), a.base(), roots.ExecRW)

	if err := tab.Validate(); err != nil {
		t.Errorf("absent table failed validation: %v", err)
	}
	if err := tab.PatchCaps(nil, true); !errors.Is(err, ErrNoTag) {
		t.Errorf("PatchCaps on absent table: %v", err)
	}
}

func TestPatchCapsRestricted(t *testing.T) {
	f := newRelocFixture(t, []uint32{
		R_MORELLO_CAPINIT,
		R_MORELLO_GLOB_DAT,
		1027, // R_AARCH64_RELATIVE; not capability-bearing
		R_MORELLO_JUMP_SLOT,
	}, nil)

	orig0 := f.writeSlot(t, 0, f.slotAddr(0), 16)
	f.writeSlot(t, 1, f.slotAddr(1), 16)
	f.writeSlot(t, 2, f.slotAddr(2), 16)
	// Slot 3 stays untagged.
	ignoredBefore := f.slotBytes(2)
	untaggedBefore := f.slotBytes(3)

	if err := f.table(t).PatchCaps(nil, true); err != nil {
		t.Fatalf("PatchCaps: %v", err)
	}

	got := cheri.LoadCap(f.slotAddr(0))
	if !got.IsValid() {
		t.Fatalf("patched slot lost its tag: %v", got)
	}
	if got.Perms().Has(cheri.PermExecutive) {
		t.Errorf("executive permission survived restricted fixup: %v", got)
	}
	if got.Base() != orig0.Base() || got.Limit() != orig0.Limit() || got.Address() != orig0.Address() {
		t.Errorf("fixup changed extents: %v vs %v", got, orig0)
	}

	if !bytes.Equal(f.slotBytes(2), ignoredBefore) {
		t.Errorf("slot with non-capability relocation type was rewritten")
	}
	if !bytes.Equal(f.slotBytes(3), untaggedBefore) {
		t.Errorf("untagged slot was rewritten")
	}
}

func TestPatchCapsExclusionHonored(t *testing.T) {
	f := newRelocFixture(t, []uint32{R_MORELLO_CAPINIT, R_MORELLO_CAPINIT}, nil)
	f.writeSlot(t, 0, f.slotAddr(0), 16)
	f.writeSlot(t, 1, f.slotAddr(1), 16)
	excludedBefore := f.slotBytes(1)

	exclude := []memrange.Range{memrange.New(f.slotAddr(1), cheri.CapSize)}
	if err := f.table(t).PatchCaps(exclude, true); err != nil {
		t.Fatalf("PatchCaps: %v", err)
	}

	if !bytes.Equal(f.slotBytes(1), excludedBefore) {
		t.Errorf("excluded slot was rewritten")
	}
	if cheri.LoadCap(f.slotAddr(0)).Perms().Has(cheri.PermExecutive) {
		t.Errorf("non-excluded slot was not rewritten")
	}
}

func TestPatchCapsRoundTrip(t *testing.T) {
	f := newRelocFixture(t, []uint32{R_MORELLO_GLOB_DAT}, nil)
	orig := f.writeSlot(t, 0, f.slotAddr(0), 32)

	tab := f.table(t)
	if err := tab.PatchCaps(nil, true); err != nil {
		t.Fatalf("restrict: %v", err)
	}
	if err := tab.PatchCaps(nil, false); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got := cheri.LoadCap(f.slotAddr(0))
	if !got.Perms().Has(cheri.PermExecutive) {
		t.Errorf("executive permission not restored: %v", got)
	}
	if got.Base() != orig.Base() || got.Limit() != orig.Limit() || got.Address() != orig.Address() {
		t.Errorf("round trip changed extents: %v vs %v", got, orig)
	}
}

func TestPatchCapsIdempotent(t *testing.T) {
	f := newRelocFixture(t, []uint32{R_MORELLO_CAPINIT, R_MORELLO_TLSDESC}, nil)
	f.writeSlot(t, 0, f.slotAddr(0), 16)
	f.writeSlot(t, 1, f.slotAddr(1), 16)

	tab := f.table(t)
	if err := tab.PatchCaps(nil, true); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	first := [][]byte{f.slotBytes(0), f.slotBytes(1)}

	if err := tab.PatchCaps(nil, true); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	for i := range first {
		if !bytes.Equal(f.slotBytes(i), first[i]) {
			t.Errorf("slot %d changed on second restricted pass", i)
		}
	}
}

func TestDump(t *testing.T) {
	f := newRelocFixture(t, []uint32{R_MORELLO_CAPINIT, 1027}, nil)

	dump, err := f.table(t).Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !strings.Contains(dump, "R_MORELLO_CAPINIT") {
		t.Errorf("dump missing relocation type name:\n%s", dump)
	}
	if !strings.Contains(dump, "<not/care>") {
		t.Errorf("dump missing ignored-type marker:\n%s", dump)
	}
}
