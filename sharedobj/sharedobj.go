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

// Package sharedobj holds the record kept for each object the host loader
// mapped: its program headers, its dynamic-section view and the three
// relocation tables, and runs the capability fixups over them.

package sharedobj

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/elfdyn"
	"github.com/verifoxx/morello-capmgr/memmap"
	"github.com/verifoxx/morello-capmgr/memrange"
)

// SharedObject is one loaded object. It is created empty, populated by
// Load, and immutable afterwards except while a fixup transiently
// re-protects its segments.
type SharedObject struct {
	name   string
	base   cheri.Cap
	phdrs  map[elf.ProgType][]elf.Prog64
	dynsec *elfdyn.Section
	tables []*elfdyn.Table
	loaded bool
}

// New returns an empty record for the named object. base must be a writable
// capability covering the object.
func New(name string, base cheri.Cap) *SharedObject {
	return &SharedObject{
		name:  name,
		base:  base,
		phdrs: make(map[elf.ProgType][]elf.Prog64),
	}
}

// Name returns the object's full path.
func (so *SharedObject) Name() string {
	return so.name
}

// Base returns the object's load base address.
func (so *SharedObject) Base() uintptr {
	return so.base.Address()
}

// Load populates the record from the object's program headers and binds its
// relocation tables to the fixup master capability. A second Load is a
// no-op. Zero or duplicate PT_DYNAMIC headers, and structurally invalid
// relocation tables, are fatal for the object.
func (so *SharedObject) Load(phdrs []elf.Prog64, fixup cheri.Cap) error {
	if so.loaded {
		return nil
	}

	for _, ph := range phdrs {
		typ := elf.ProgType(ph.Type)
		so.phdrs[typ] = append(so.phdrs[typ], ph)
	}
	so.loaded = true

	dynsec, err := so.parseDynamicSection()
	if err != nil {
		return err
	}
	so.dynsec = dynsec

	// Fixed patch order: PLT first, then REL, then RELA.
	so.tables = []*elfdyn.Table{
		elfdyn.NewTable(elfdyn.KindPLT, dynsec, so.Base(), fixup),
		elfdyn.NewTable(elfdyn.KindRel, dynsec, so.Base(), fixup),
		elfdyn.NewTable(elfdyn.KindRela, dynsec, so.Base(), fixup),
	}
	for _, tab := range so.tables {
		if err := tab.Validate(); err != nil {
			return errors.Wrapf(err, "%s: relocation table %s", so.name, tab.Name())
		}
	}
	return nil
}

func (so *SharedObject) parseDynamicSection() (*elfdyn.Section, error) {
	dyns := so.phdrs[elf.PT_DYNAMIC]
	if len(dyns) != 1 {
		return nil, errors.Errorf("%s: zero, or duplicate, PT_DYNAMIC headers (%d)",
			so.name, len(dyns))
	}
	ph := dyns[0]

	readonly := elf.ProgFlag(ph.Flags)&elf.PF_W == 0
	logrus.Debugf("%s: dynamic section readonly=%v", so.name, readonly)

	dynsec := elfdyn.NewSection(so.Base(), ph.Vaddr, ph.Memsz, readonly)
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		dynsec.Trace()
	}
	return dynsec, nil
}

// exclusionRanges collects the slots that must keep their loader-installed
// capabilities: the init/fini function slots and arrays, which need
// executive permission for the linker-installed constructors to run. A
// missing tag just omits that range.
func (so *SharedObject) exclusionRanges() []memrange.Range {
	var ranges []memrange.Range

	add := func(r memrange.Range, err error) {
		if err == nil {
			ranges = append(ranges, r)
		} else if !errors.Is(err, elfdyn.ErrNoTag) {
			logrus.Warnf("%s: exclusion range: %v", so.name, err)
		}
	}

	add(so.dynsec.InitFn())
	add(so.dynsec.FiniFn())
	add(so.dynsec.InitArray())
	add(so.dynsec.FiniArray())
	return ranges
}

// protectBlock re-protects the pages of one segment, either to the given
// protection or back to the segment's own flags.
func (so *SharedObject) protectBlock(ph elf.Prog64, restoreOriginal bool, prot int) error {
	if restoreOriginal {
		prot = memmap.ProtFlags(elf.ProgFlag(ph.Flags))
	}

	r := memrange.New(so.Base()+uintptr(ph.Vaddr), uintptr(ph.Memsz))
	logrus.Tracef("%s: mprotect %v prot=%#x", so.name, r, prot)
	if err := memmap.Protect(r, prot); err != nil {
		return errors.Wrapf(err, "%s: mprotect %v", so.name, r)
	}
	return nil
}

// protectAllBlocks applies protectBlock to every segment of the given type,
// continuing past individual failures and reporting the first error.
func (so *SharedObject) protectAllBlocks(typ elf.ProgType, restoreOriginal bool, prot int) error {
	var firstErr error
	for _, ph := range so.phdrs[typ] {
		if err := so.protectBlock(ph, restoreOriginal, prot); err != nil {
			logrus.Errorf("protect segment: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Fixup rewrites every capability-bearing relocation slot of the object,
// clearing the executive permission (restricted) or re-granting it
// (executive). Load segments are made writable for the duration and
// restored afterwards; a restore failure is fatal since the object is no
// longer safe to execute.
func (so *SharedObject) Fixup(makeRestricted bool) error {
	if !so.loaded {
		return errors.Errorf("%s: shared object is not loaded", so.name)
	}

	exclude := so.exclusionRanges()

	logrus.Tracef("%s: make LOAD segments writable", so.name)
	if err := so.protectAllBlocks(elf.PT_LOAD, false, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrap(err, "make segments writable")
	}

	var patchErr error
	for _, tab := range so.tables {
		err := tab.PatchCaps(exclude, makeRestricted)
		switch {
		case err == nil:
		case errors.Is(err, elfdyn.ErrNoTag):
			// Table not present in this object.
		default:
			patchErr = errors.Wrapf(err, "patch table %s", tab.Name())
		}
		if patchErr != nil {
			break
		}
	}

	logrus.Tracef("%s: restore LOAD segment protection", so.name)
	if err := so.protectAllBlocks(elf.PT_LOAD, true, 0); err != nil {
		return errors.Wrap(err, "restore segment protection")
	}
	return patchErr
}

// DumpRelocTables renders every present relocation table of the object.
func (so *SharedObject) DumpRelocTables() (string, error) {
	if !so.loaded {
		return "", errors.Errorf("%s: shared object is not loaded", so.name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Relocation tables for %s:\n", so.name)
	for _, tab := range so.tables {
		dump, err := tab.Dump()
		if err != nil {
			if errors.Is(err, elfdyn.ErrNoTag) {
				continue
			}
			return "", err
		}
		sb.WriteString(dump)
	}
	return sb.String(), nil
}

func (so *SharedObject) String() string {
	if !so.loaded {
		return fmt.Sprintf("{libname=%s <not loaded>}", so.name)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "{libname=%s base=%v}\n", so.name, so.base)
	for _, phs := range so.phdrs {
		for _, ph := range phs {
			fmt.Fprintf(&sb,
				"{Hdr: Type=%#x Flags=%#x Offset=%#x vaddr=%#x filesz=%#x memsz=%#x align=%#x}\n",
				ph.Type, ph.Flags, ph.Off, ph.Vaddr, ph.Filesz, ph.Memsz, ph.Align)
		}
	}
	return sb.String()
}
