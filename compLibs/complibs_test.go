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

package compLibs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/loader"
)

const testLibPath = "/opt/test/libwalker.so"

func testRoots(t *testing.T) cheri.Roots {
	t.Helper()

	roots, err := cheri.PlatformRoots()
	require.NoError(t, err)
	return roots
}

func testLoader(t *testing.T) (*loader.Emu, *loader.Image) {
	t.Helper()

	ldr, err := loader.NewEmu()
	require.NoError(t, err)

	img, err := loader.NewImage(testLibPath).
		Func("walker_fn", func() int32 { return 7 }).
		DataSlots(1).
		InitSlots(1).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { img.Unmap() })

	ldr.Register(img)
	return ldr, img
}

func TestOpenWalksLinkMap(t *testing.T) {
	ldr, _ := testLoader(t)
	roots := testRoots(t)

	set, err := Open(ldr, "libwalker.so", roots.ExecRW, roots.ExecRW, true, false)
	require.NoError(t, err)
	defer set.Close()

	// The object itself loads; the main executable and the dynamic loader
	// entries are skipped.
	require.Equal(t, []string{testLibPath}, set.Names())
	require.Equal(t, testLibPath, set.Primary())
}

func TestOpenIncludesLoaderOnRequest(t *testing.T) {
	ldr, _ := testLoader(t)
	roots := testRoots(t)

	set, err := Open(ldr, "libwalker.so", roots.ExecRW, roots.ExecRW, true, true)
	require.NoError(t, err)
	defer set.Close()

	require.Len(t, set.Names(), 2)
	require.Contains(t, set.Names(), "/lib/ld-morello.so.1")
	require.Equal(t, testLibPath, set.Primary())
}

func TestOpenUnknownObject(t *testing.T) {
	ldr, err := loader.NewEmu()
	require.NoError(t, err)
	roots := testRoots(t)

	_, err = Open(ldr, "/nonexistent/libnothing.so", roots.ExecRW, roots.ExecRW, true, false)
	require.Error(t, err)
}

func TestSymbolResolution(t *testing.T) {
	ldr, _ := testLoader(t)
	roots := testRoots(t)

	set, err := Open(ldr, "libwalker.so", roots.ExecRW, roots.ExecRW, false, false)
	require.NoError(t, err)
	defer set.Close()

	sym, err := set.Symbol("walker_fn")
	require.NoError(t, err)
	require.True(t, sym.IsValid())

	_, err = set.Symbol("missing_fn")
	require.Error(t, err)
}

func TestFixupAllIdempotent(t *testing.T) {
	ldr, img := testLoader(t)
	roots := testRoots(t)

	set, err := Open(ldr, "libwalker.so", roots.ExecRW, roots.ExecRW, true, false)
	require.NoError(t, err)
	defer set.Close()

	require.NoError(t, set.FixupAll(true))
	first := append([]byte(nil), img.Bytes()...)

	require.NoError(t, set.FixupAll(true))
	require.True(t, bytes.Equal(first, img.Bytes()),
		"second restricted fixup changed slot contents")
}

func TestFixupRoundTripRestoresExecutive(t *testing.T) {
	// Data slots only: their permissions lie within the fixup master's
	// span, so the executive round trip restores them bit-identically.
	ldr, err := loader.NewEmu()
	require.NoError(t, err)

	img, err := loader.NewImage(testLibPath).DataSlots(3).Build()
	require.NoError(t, err)
	t.Cleanup(func() { img.Unmap() })
	ldr.Register(img)

	roots := testRoots(t)
	set, err := Open(ldr, "libwalker.so", roots.ExecRW, roots.ExecRW, true, false)
	require.NoError(t, err)
	defer set.Close()

	before := append([]byte(nil), img.Bytes()...)

	require.NoError(t, set.FixupAll(true))
	require.False(t, bytes.Equal(before, img.Bytes()),
		"restricted fixup rewrote nothing")

	require.NoError(t, set.FixupAll(false))
	require.True(t, bytes.Equal(before, img.Bytes()),
		"executive fixup did not restore the image")
}

func TestDumpRelocTables(t *testing.T) {
	ldr, _ := testLoader(t)
	roots := testRoots(t)

	set, err := Open(ldr, "libwalker.so", roots.ExecRW, roots.ExecRW, true, false)
	require.NoError(t, err)
	defer set.Close()

	dump, err := set.DumpRelocTables()
	require.NoError(t, err)
	require.Contains(t, dump, testLibPath)
}
