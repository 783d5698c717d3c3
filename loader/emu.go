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
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/verifoxx/morello-capmgr/cheri"
)

const emuLdName = "/lib/ld-morello.so.1"

// Emu is the in-process loader. Images registered with Register are opened
// by name or name suffix; unregistered names fall back to mapping a real
// ELF file from the filesystem. Every namespace's link map carries an
// entry for the main executable (empty name) and one for the dynamic
// loader itself, whose Real pointer differs, matching the glibc shape the
// link-map walker has to cope with.
type Emu struct {
	mu         sync.Mutex
	fs         afero.Fs
	images     map[string]*Image
	ldImage    *Image
	namespaces map[Handle]*emuNamespace
	nextHandle Handle
}

type emuNamespace struct {
	primary *Image
	entry   *LinkMapEntry
}

// NewEmu returns an emulated loader with an empty image registry.
func NewEmu() (*Emu, error) {
	ld, err := NewImage(emuLdName).Build()
	if err != nil {
		return nil, errors.Wrap(err, "build loader image")
	}
	return &Emu{
		fs:         afero.NewOsFs(),
		images:     make(map[string]*Image),
		ldImage:    ld,
		namespaces: make(map[Handle]*emuNamespace),
		nextHandle: 1,
	}, nil
}

// Register adds an in-process image to the registry.
func (e *Emu) Register(img *Image) {
	e.mu.Lock()
	e.images[img.name] = img
	e.mu.Unlock()
}

// resolve finds a registered image by exact name or name suffix.
func (e *Emu) resolve(name string) *Image {
	if img, ok := e.images[name]; ok {
		return img
	}
	for full, img := range e.images {
		if strings.HasSuffix(full, name) || strings.HasSuffix(name, img.Name()) {
			return img
		}
	}
	return nil
}

// Open loads the named object. The newNamespace flag mirrors dlmopen with
// LM_ID_NEWLM; the emulated loader gives every open its own link map either
// way, so the flag only affects logging.
func (e *Emu) Open(name string, newNamespace bool) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	img := e.resolve(name)
	if img == nil {
		var err error
		img, err = e.mapFile(name)
		if err != nil {
			return 0, errors.Wrapf(err, "open %s", name)
		}
		e.images[img.name] = img
	}

	logrus.Debugf("loader: open %s new_namespace=%v -> %s", name, newNamespace, img.Name())

	roots, err := cheri.PlatformRoots()
	if err != nil {
		return 0, err
	}

	// The chain: main executable, the object, the loader.
	exe := &LinkMapEntry{Name: ""}
	exe.Real = exe

	objEntry := img.entry(roots.ExecRW.SetBounds(img.Base(), uintptr(len(img.mem))))

	ldReal := e.ldImage.entry(roots.ExecRW.SetBounds(e.ldImage.Base(), uintptr(len(e.ldImage.mem))))
	ldEntry := &LinkMapEntry{
		Addr:     ldReal.Addr,
		Name:     emuLdName,
		Real:     ldReal,
		Phdr:     ldReal.Phdr,
		Phnum:    ldReal.Phnum,
		MapStart: ldReal.MapStart,
	}

	exe.Next = objEntry
	objEntry.Prev = exe
	objEntry.Next = ldEntry
	ldEntry.Prev = objEntry

	h := e.nextHandle
	e.nextHandle++
	e.namespaces[h] = &emuNamespace{primary: img, entry: objEntry}
	return h, nil
}

// Close drops the namespace. Registered images stay mapped; they may be
// opened again.
func (e *Emu) Close(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.namespaces[h]; !ok {
		return errors.Errorf("close: invalid handle %d", h)
	}
	delete(e.namespaces, h)
	return nil
}

// Lookup resolves a symbol exported by the opened object.
func (e *Emu) Lookup(h Handle, symbol string) (cheri.Cap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ns, ok := e.namespaces[h]
	if !ok {
		return cheri.Cap{}, errors.Errorf("lookup: invalid handle %d", h)
	}
	sym, ok := ns.primary.symbols[symbol]
	if !ok {
		return cheri.Cap{}, errors.Errorf("undefined symbol: %s", symbol)
	}

	roots, err := cheri.PlatformRoots()
	if err != nil {
		return cheri.Cap{}, err
	}
	return roots.ExecRX.SetBounds(sym.Addr, sym.Size), nil
}

// LinkMap returns the opened object's own link-map entry.
func (e *Emu) LinkMap(h Handle) (*LinkMapEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ns, ok := e.namespaces[h]
	if !ok {
		return nil, errors.Errorf("linkmap: invalid handle %d", h)
	}
	return ns.entry, nil
}
