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
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/verifoxx/morello-capmgr/memmap"
)

// mapFile maps a real ELF file's load segments into an anonymous area and
// wraps it as an image. The mapping is for inspection and fixup walks, not
// execution: its symbols resolve to addresses but have no branch targets
// registered, and its relocation slots carry whatever bytes the file does,
// so the untagged-skip rule leaves them alone.
func (e *Emu) mapFile(name string) (*Image, error) {
	data, err := afero.ReadFile(e.fs, name)
	if err != nil {
		return nil, errors.Wrap(err, "read object")
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "parse object")
	}
	defer f.Close()

	var span uint64
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Vaddr+p.Memsz > span {
			span = p.Vaddr + p.Memsz
		}
	}
	if span == 0 {
		return nil, errors.New("object has no load segments")
	}

	mem, err := memmap.MapAnon(uintptr(span))
	if err != nil {
		return nil, errors.Wrap(err, "map object")
	}

	img := &Image{
		name:    name,
		mem:     mem,
		symbols: make(map[string]Sym),
	}

	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && p.Filesz > 0 {
			copy(mem[p.Vaddr:p.Vaddr+p.Filesz], data[p.Off:p.Off+p.Filesz])
		}
		img.phdrs = append(img.phdrs, elf.Prog64{
			Type:   uint32(p.Type),
			Flags:  uint32(p.Flags),
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		})
	}

	syms, err := f.DynamicSymbols()
	if err == nil {
		for _, s := range syms {
			if s.Value == 0 {
				continue
			}
			img.symbols[s.Name] = Sym{
				Addr: img.Base() + uintptr(s.Value),
				Size: uintptr(s.Size),
			}
		}
	}
	return img, nil
}
