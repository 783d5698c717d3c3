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

// Package elfdyn gives a typed view over a loaded object's PT_DYNAMIC
// segment and the relocation tables it describes, and performs the Morello
// capability fixups on them.

package elfdyn

import (
	"debug/elf"
	"fmt"
	"sort"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/memrange"
)

// ErrNoTag is returned by a getter whose dynamic tag is not present in the
// section. Callers that treat the tag as optional test for it with
// errors.Is and recover locally.
var ErrNoTag = errors.New("dynamic tag not present")

// ErrNotImplemented marks getters for tags the view records but does not
// yet expose.
var ErrNotImplemented = errors.New("not implemented")

// Section is the parsed dynamic section of one loaded object: a mapping
// from dynamic tag to value, built once from the {tag, value} entry array.
type Section struct {
	base     uintptr
	readonly bool
	tags     map[elf.DynTag]uint64
}

// NewSection reads [base+vaddr, base+vaddr+memsz) as an array of
// {tag, value} pairs, terminating on the first null tag or at the end of
// the range. A duplicate tag is resolved to its last occurrence.
func NewSection(base uintptr, vaddr, memsz uint64, readonly bool) *Section {
	s := &Section{
		base:     base,
		readonly: readonly,
		tags:     make(map[elf.DynTag]uint64),
	}

	count := memsz / uint64(unsafe.Sizeof(elf.Dyn64{}))
	if count == 0 {
		return s
	}
	dyns := unsafe.Slice((*elf.Dyn64)(unsafe.Pointer(base+uintptr(vaddr))), count)

	for i := range dyns {
		if elf.DynTag(dyns[i].Tag) == elf.DT_NULL {
			break
		}
		s.tags[elf.DynTag(dyns[i].Tag)] = dyns[i].Val
	}
	return s
}

// ReadOnly reports whether the section was mapped read-only.
func (s *Section) ReadOnly() bool {
	return s.readonly
}

// Value returns the raw value for tag, or ErrNoTag.
func (s *Section) Value(tag elf.DynTag) (uint64, error) {
	v, ok := s.tags[tag]
	if !ok {
		return 0, errors.Wrapf(ErrNoTag, "%v", tag)
	}
	return v, nil
}

// addr resolves an address-bearing tag against the load base.
func (s *Section) addr(tag elf.DynTag) (uintptr, error) {
	v, err := s.Value(tag)
	if err != nil {
		return 0, err
	}
	return s.base + uintptr(v), nil
}

// rangeOf resolves an address tag paired with a size tag.
func (s *Section) rangeOf(addrTag, sizeTag elf.DynTag) (memrange.Range, error) {
	a, err := s.addr(addrTag)
	if err != nil {
		return memrange.Range{}, err
	}
	sz, err := s.Value(sizeTag)
	if err != nil {
		return memrange.Range{}, err
	}
	return memrange.New(a, uintptr(sz)), nil
}

// PLTRel returns the PLT relocation table range, whether its entries are
// Rela flavored, and the element size the section declares for them.
func (s *Section) PLTRel() (rng memrange.Range, isRela bool, elemSize uintptr, err error) {
	rng, err = s.rangeOf(elf.DT_JMPREL, elf.DT_PLTRELSZ)
	if err != nil {
		return memrange.Range{}, false, 0, err
	}

	flavor, err := s.Value(elf.DT_PLTREL)
	if err != nil {
		return memrange.Range{}, false, 0, err
	}
	isRela = elf.DynTag(flavor) == elf.DT_RELA

	entTag := elf.DT_RELENT
	if isRela {
		entTag = elf.DT_RELAENT
	}
	ent, err := s.Value(entTag)
	if err != nil {
		return memrange.Range{}, false, 0, err
	}
	return rng, isRela, uintptr(ent), nil
}

// Rel returns the DT_REL table range and element size.
func (s *Section) Rel() (memrange.Range, uintptr, error) {
	rng, err := s.rangeOf(elf.DT_REL, elf.DT_RELSZ)
	if err != nil {
		return memrange.Range{}, 0, err
	}
	ent, err := s.Value(elf.DT_RELENT)
	if err != nil {
		return memrange.Range{}, 0, err
	}
	return rng, uintptr(ent), nil
}

// Rela returns the DT_RELA table range and element size.
func (s *Section) Rela() (memrange.Range, uintptr, error) {
	rng, err := s.rangeOf(elf.DT_RELA, elf.DT_RELASZ)
	if err != nil {
		return memrange.Range{}, 0, err
	}
	ent, err := s.Value(elf.DT_RELAENT)
	if err != nil {
		return memrange.Range{}, 0, err
	}
	return rng, uintptr(ent), nil
}

// StrTab returns the dynamic string table range.
func (s *Section) StrTab() (memrange.Range, error) {
	return s.rangeOf(elf.DT_STRTAB, elf.DT_STRSZ)
}

// SymTab is recorded but not exposed; nothing consumes the symbol table
// directly since lazy binding is out of scope.
func (s *Section) SymTab() (memrange.Range, error) {
	return memrange.Range{}, errors.Wrap(ErrNotImplemented, "SymTab")
}

// SOName reads the object's soname out of the string table.
func (s *Section) SOName() (string, error) {
	strtab, err := s.StrTab()
	if err != nil {
		return "", err
	}
	off, err := s.Value(elf.DT_SONAME)
	if err != nil {
		return "", err
	}
	if uintptr(off) >= strtab.Size() {
		return "", errors.Errorf("soname offset %#x outside string table %v", off, strtab)
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(strtab.Base)), strtab.Size())
	for i := uintptr(off); i < strtab.Size(); i++ {
		if b[i] == 0 {
			return string(b[off:i]), nil
		}
	}
	return "", errors.New("unterminated soname in string table")
}

// HashAddr returns the address of the DT_HASH table.
func (s *Section) HashAddr() (uintptr, error) {
	return s.addr(elf.DT_HASH)
}

// InitFn returns the range of the DT_INIT function slot.
func (s *Section) InitFn() (memrange.Range, error) {
	a, err := s.addr(elf.DT_INIT)
	if err != nil {
		return memrange.Range{}, err
	}
	return memrange.New(a, cheri.CapSize), nil
}

// FiniFn returns the range of the DT_FINI function slot.
func (s *Section) FiniFn() (memrange.Range, error) {
	a, err := s.addr(elf.DT_FINI)
	if err != nil {
		return memrange.Range{}, err
	}
	return memrange.New(a, cheri.CapSize), nil
}

// InitArray returns the DT_INIT_ARRAY range.
func (s *Section) InitArray() (memrange.Range, error) {
	return s.rangeOf(elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ)
}

// FiniArray returns the DT_FINI_ARRAY range.
func (s *Section) FiniArray() (memrange.Range, error) {
	return s.rangeOf(elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ)
}

// Trace logs every entry of the section at trace level.
func (s *Section) Trace() {
	tags := make([]int, 0, len(s.tags))
	for t := range s.tags {
		tags = append(tags, int(t))
	}
	sort.Ints(tags)
	for _, t := range tags {
		logrus.Tracef("dynamic entry {%#x -> %#x}", t, s.tags[elf.DynTag(t)])
	}
}

func (s *Section) String() string {
	return fmt.Sprintf("dynamic section: base=%#x entries=%d readonly=%v",
		s.base, len(s.tags), s.readonly)
}
