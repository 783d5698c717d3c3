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

package sharedobj

import (
	"bytes"
	"debug/elf"
	"strings"
	"testing"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/loader"
)

func buildImage(t *testing.T) *loader.Image {
	t.Helper()

	img, err := loader.NewImage("/opt/test/libobj.so").
		Func("obj_fn", func() {}).
		DataSlots(2).
		UntaggedSlots(1).
		InitSlots(1).
		Build()
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	t.Cleanup(func() { img.Unmap() })
	return img
}

func fixupRoot(t *testing.T) cheri.Cap {
	t.Helper()

	roots, err := cheri.PlatformRoots()
	if err != nil {
		t.Fatal(err)
	}
	return roots.ExecRW
}

func loadObject(t *testing.T, img *loader.Image) *SharedObject {
	t.Helper()

	base := fixupRoot(t).SetAddress(img.Base())
	so := New(img.Name(), base)
	if err := so.Load(img.Progs(), fixupRoot(t)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return so
}

func TestLoadIdempotent(t *testing.T) {
	img := buildImage(t)
	so := loadObject(t, img)

	// A second load is a no-op, even with different headers.
	if err := so.Load(nil, fixupRoot(t)); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if _, err := so.DumpRelocTables(); err != nil {
		t.Errorf("record unusable after repeated Load: %v", err)
	}
}

func TestLoadDuplicateDynamic(t *testing.T) {
	img := buildImage(t)

	progs := img.Progs()
	var dup []elf.Prog64
	dup = append(dup, progs...)
	for _, ph := range progs {
		if elf.ProgType(ph.Type) == elf.PT_DYNAMIC {
			dup = append(dup, ph)
		}
	}

	so := New(img.Name(), fixupRoot(t).SetAddress(img.Base()))
	if err := so.Load(dup, fixupRoot(t)); err == nil {
		t.Fatalf("duplicate PT_DYNAMIC passed Load")
	}
}

func TestLoadMissingDynamic(t *testing.T) {
	img := buildImage(t)

	var noDyn []elf.Prog64
	for _, ph := range img.Progs() {
		if elf.ProgType(ph.Type) != elf.PT_DYNAMIC {
			noDyn = append(noDyn, ph)
		}
	}

	so := New(img.Name(), fixupRoot(t).SetAddress(img.Base()))
	if err := so.Load(noDyn, fixupRoot(t)); err == nil {
		t.Fatalf("missing PT_DYNAMIC passed Load")
	}
}

func TestFixupBeforeLoad(t *testing.T) {
	img := buildImage(t)
	so := New(img.Name(), fixupRoot(t).SetAddress(img.Base()))

	if err := so.Fixup(true); err == nil {
		t.Fatalf("Fixup on unloaded object succeeded")
	}
}

func TestFixupIdempotent(t *testing.T) {
	img := buildImage(t)
	so := loadObject(t, img)

	if err := so.Fixup(true); err != nil {
		t.Fatalf("first fixup: %v", err)
	}
	first := append([]byte(nil), img.Bytes()...)

	if err := so.Fixup(true); err != nil {
		t.Fatalf("second fixup: %v", err)
	}
	if !bytes.Equal(first, img.Bytes()) {
		t.Errorf("second restricted fixup changed the image")
	}
}

func TestFixupRoundTrip(t *testing.T) {
	img := buildImage(t)
	so := loadObject(t, img)

	if err := so.Fixup(true); err != nil {
		t.Fatalf("restrict: %v", err)
	}
	if err := so.Fixup(false); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// After the executive pass, a following restricted pass over the same
	// slots must also succeed.
	if err := so.Fixup(true); err != nil {
		t.Fatalf("re-restrict: %v", err)
	}
}

func TestDumpRelocTables(t *testing.T) {
	img := buildImage(t)
	so := loadObject(t, img)

	dump, err := so.DumpRelocTables()
	if err != nil {
		t.Fatalf("DumpRelocTables: %v", err)
	}
	if !strings.Contains(dump, ".rel(a).plt") || !strings.Contains(dump, ".rela.dyn") {
		t.Errorf("dump missing tables:\n%s", dump)
	}
	if !strings.Contains(dump, "R_MORELLO_JUMP_SLOT") {
		t.Errorf("dump missing jump slot entries:\n%s", dump)
	}
}
