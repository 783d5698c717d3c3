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

package loader

import (
	"debug/elf"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/memmap"
)

// Sym is one exported symbol of an image.
type Sym struct {
	Addr uintptr
	Size uintptr
}

// Image is one object known to the emulated loader: an anonymous mapping
// laid out like a loaded shared object, with a dynamic section, relocation
// tables, capability slots and a symbol table. Exported functions are Go
// functions registered as branch targets at addresses inside the image's
// text area.
type Image struct {
	name      string
	mem       []byte
	phdrs     []elf.Prog64
	symbols   map[string]Sym
	funcAddrs []uintptr
}

// Name returns the image's path-like name.
func (img *Image) Name() string {
	return img.name
}

// Base returns the image's load address.
func (img *Image) Base() uintptr {
	return memmap.Base(img.mem)
}

// Progs returns the image's program header table.
func (img *Image) Progs() []elf.Prog64 {
	return img.phdrs
}

// Bytes returns the image's whole mapping.
func (img *Image) Bytes() []byte {
	return img.mem
}

// Unmap releases the image's mapping and its branch-target registrations.
func (img *Image) Unmap() error {
	for _, addr := range img.funcAddrs {
		cheri.UnregisterFuncAt(addr)
	}
	img.funcAddrs = nil
	if img.mem == nil {
		return nil
	}
	err := memmap.Unmap(img.mem)
	img.mem = nil
	return err
}

// entry builds a fresh link-map entry for the image. The load bias equals
// the observed map start, matching an ET_DYN object mapped at its bias.
func (img *Image) entry(mapStart cheri.Cap) *LinkMapEntry {
	e := &LinkMapEntry{
		Addr:     img.Base(),
		Name:     img.name,
		Phdr:     uintptr(unsafe.Pointer(&img.phdrs[0])),
		Phnum:    uint16(len(img.phdrs)),
		MapStart: mapStart,
	}
	e.Real = e
	return e
}

const textSlotSize = 16

type imageFunc struct {
	name string
	fn   interface{}
}

// ImageBuilder assembles an emulated image.
type ImageBuilder struct {
	name          string
	soname        string
	funcs         []imageFunc
	dataSlots     int
	untaggedSlots int
	initSlots     int
}

// NewImage starts an image with the given path-like name. The soname is
// the final path element.
func NewImage(name string) *ImageBuilder {
	soname := name
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			soname = name[i+1:]
			break
		}
	}
	return &ImageBuilder{name: name, soname: soname}
}

// Func exports fn from the image under the given symbol name. The symbol
// gets a text address, a jump-slot relocation and a tagged sealed-entry
// capability in its slot, the way an eagerly-bound PLT entry looks after
// the host loader has processed it.
func (b *ImageBuilder) Func(name string, fn interface{}) *ImageBuilder {
	b.funcs = append(b.funcs, imageFunc{name: name, fn: fn})
	return b
}

// DataSlots adds n R_MORELLO_RELATIVE slots holding tagged data
// capabilities.
func (b *ImageBuilder) DataSlots(n int) *ImageBuilder {
	b.dataSlots = n
	return b
}

// UntaggedSlots adds n jump-slot relocations whose target slots hold no
// capability, as lazily-bound entries would.
func (b *ImageBuilder) UntaggedSlots(n int) *ImageBuilder {
	b.untaggedSlots = n
	return b
}

// InitSlots adds an init array of n capability slots, each also covered by
// a relocation; the fixup engine must leave them untouched.
func (b *ImageBuilder) InitSlots(n int) *ImageBuilder {
	b.initSlots = n
	return b
}

// Build lays the image out in an anonymous mapping and installs its
// capabilities and branch targets.
func (b *ImageBuilder) Build() (*Image, error) {
	roots, err := cheri.PlatformRoots()
	if err != nil {
		return nil, err
	}

	const align = 16
	dynSize := uintptr(14) * unsafe.Sizeof(elf.Dyn64{})
	relaSize := unsafe.Sizeof(elf.Rela64{})

	strtab := append([]byte{0}, append([]byte(b.soname), 0)...)

	nPlt := len(b.funcs) + b.untaggedSlots
	nRela := b.dataSlots + b.initSlots
	nGot := nPlt + b.dataSlots

	// Layout, in image offsets.
	dynOff := uintptr(0)
	relaOff := memmap.AlignUp(dynOff+dynSize, align)
	pltOff := relaOff + uintptr(nRela)*relaSize
	strOff := pltOff + uintptr(nPlt)*relaSize
	initOff := memmap.AlignUp(strOff+uintptr(len(strtab)), align)
	gotOff := initOff + uintptr(b.initSlots)*cheri.CapSize
	textOff := memmap.AlignUp(gotOff+uintptr(nGot)*cheri.CapSize, align)
	total := textOff + uintptr(len(b.funcs)+1)*textSlotSize

	mem, err := memmap.MapAnon(total)
	if err != nil {
		return nil, errors.Wrapf(err, "map image %s", b.name)
	}

	img := &Image{
		name:    b.name,
		mem:     mem,
		symbols: make(map[string]Sym),
	}
	base := img.Base()

	// Dynamic section.
	dyn := []elf.Dyn64{
		{Tag: int64(elf.DT_SONAME), Val: 1},
		{Tag: int64(elf.DT_STRTAB), Val: uint64(strOff)},
		{Tag: int64(elf.DT_STRSZ), Val: uint64(len(strtab))},
		{Tag: int64(elf.DT_RELA), Val: uint64(relaOff)},
		{Tag: int64(elf.DT_RELASZ), Val: uint64(uintptr(nRela) * relaSize)},
		{Tag: int64(elf.DT_RELAENT), Val: uint64(relaSize)},
		{Tag: int64(elf.DT_JMPREL), Val: uint64(pltOff)},
		{Tag: int64(elf.DT_PLTRELSZ), Val: uint64(uintptr(nPlt) * relaSize)},
		{Tag: int64(elf.DT_PLTREL), Val: uint64(elf.DT_RELA)},
	}
	if b.initSlots > 0 {
		dyn = append(dyn,
			elf.Dyn64{Tag: int64(elf.DT_INIT_ARRAY), Val: uint64(initOff)},
			elf.Dyn64{Tag: int64(elf.DT_INIT_ARRAYSZ), Val: uint64(uintptr(b.initSlots) * cheri.CapSize)},
		)
	}
	dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_NULL)})
	dynBytes := unsafe.Slice((*byte)(unsafe.Pointer(&dyn[0])),
		uintptr(len(dyn))*unsafe.Sizeof(elf.Dyn64{}))
	copy(mem[dynOff:], dynBytes)

	copy(mem[strOff:], strtab)

	// Relocation entries and their capability slots.
	relas := unsafe.Slice((*elf.Rela64)(unsafe.Pointer(base+relaOff)), max(nRela, 1))[:nRela]
	for i := 0; i < b.initSlots; i++ {
		slotOff := initOff + uintptr(i)*cheri.CapSize
		relas[i] = elf.Rela64{Off: uint64(slotOff), Info: uint64(elfRelocRelative)}
		c := roots.ExecRX.SetBounds(base+textOff, textSlotSize).Sentry()
		cheri.StoreCap(base+slotOff, c)
	}
	for i := 0; i < b.dataSlots; i++ {
		slotOff := gotOff + uintptr(nPlt+i)*cheri.CapSize
		relas[b.initSlots+i] = elf.Rela64{Off: uint64(slotOff), Info: uint64(elfRelocRelative)}
		c := roots.ExecRW.SetBounds(base+slotOff, cheri.CapSize)
		cheri.StoreCap(base+slotOff, c)
	}

	plts := unsafe.Slice((*elf.Rela64)(unsafe.Pointer(base+pltOff)), max(nPlt, 1))[:nPlt]
	for i, fnc := range b.funcs {
		slotOff := gotOff + uintptr(i)*cheri.CapSize
		textAddr := base + textOff + uintptr(i+1)*textSlotSize
		plts[i] = elf.Rela64{Off: uint64(slotOff), Info: uint64(elfRelocJumpSlot)}

		cheri.RegisterFuncAt(textAddr, fnc.fn)
		img.funcAddrs = append(img.funcAddrs, textAddr)
		img.symbols[fnc.name] = Sym{Addr: textAddr, Size: textSlotSize}

		c := roots.ExecRX.SetBounds(textAddr, textSlotSize).Sentry()
		cheri.StoreCap(base+slotOff, c)
	}
	for i := 0; i < b.untaggedSlots; i++ {
		slotOff := gotOff + uintptr(len(b.funcs)+i)*cheri.CapSize
		plts[len(b.funcs)+i] = elf.Rela64{Off: uint64(slotOff), Info: uint64(elfRelocJumpSlot)}
	}

	img.phdrs = []elf.Prog64{
		{
			Type:  uint32(elf.PT_LOAD),
			Flags: uint32(elf.PF_R | elf.PF_W),
			Vaddr: 0,
			Memsz: uint64(total),
			Align: uint64(memmap.PageSize),
		},
		{
			Type:  uint32(elf.PT_DYNAMIC),
			Flags: uint32(elf.PF_R),
			Vaddr: uint64(dynOff),
			Memsz: uint64(uintptr(len(dyn)) * unsafe.Sizeof(elf.Dyn64{})),
			Align: 8,
		},
	}
	return img, nil
}

// Morello relocation type values, duplicated here so the loader does not
// depend on the fixup engine.
const (
	elfRelocRelative uint32 = 0xe803
	elfRelocJumpSlot uint32 = 0xe802
)
