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

package example

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/compLibs"
	"github.com/verifoxx/morello-capmgr/compartment"
)

// setup builds the whole pipeline: emulated loader with the demo image,
// library set, restricted fixups, compartment and proxy.
func setup(t *testing.T) (*compLibs.Set, *Proxy) {
	t.Helper()

	ldr, err := NewLoader()
	require.NoError(t, err)

	roots, err := cheri.PlatformRoots()
	require.NoError(t, err)

	set, err := compLibs.Open(ldr, LibraryName, roots.ExecRW, roots.ExecRW, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })

	require.NoError(t, set.FixupAll(true))

	proxy, err := NewProxy(set, compartment.ExampleCompartment,
		compartment.DefaultStackSize, compartment.DefaultSealID)
	require.NoError(t, err)
	t.Cleanup(proxy.Close)
	return set, proxy
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()

	old := Out
	buf := &bytes.Buffer{}
	Out = buf
	t.Cleanup(func() { Out = old })
	return buf
}

func TestAddTwoNumbers(t *testing.T) {
	_, proxy := setup(t)

	sum, err := proxy.AddTwoNumbers(3, 8)
	require.NoError(t, err)
	require.Equal(t, int32(11), sum)
}

func TestHeapRoundTrip(t *testing.T) {
	_, proxy := setup(t)
	out := captureOutput(t)

	const testStr = "This is a test"
	buf, err := proxy.CopyStringToHeap(testStr)
	require.NoError(t, err)
	require.True(t, buf.IsValid(), "copy_string_to_heap returned a null buffer")
	require.False(t, buf.Perms().Has(cheri.PermExecutive),
		"heap capability handed to restricted retains executive permission")

	// The buffer's first bytes equal the input, read from the executive
	// side through the returned capability.
	view, err := buf.Bytes(uintptr(len(testStr)), false)
	require.NoError(t, err)
	require.Equal(t, testStr, string(view))

	printed, err := proxy.PrintHeapStringAndFree(buf, 7)
	require.NoError(t, err)
	require.True(t, printed)
	require.Equal(t, "This is\n", out.String())

	// After the call returns, the executive may still access the buffer
	// through the original capability.
	_, err = buf.Bytes(uintptr(len(testStr)), false)
	require.NoError(t, err)
}

func TestDumpStruct(t *testing.T) {
	_, proxy := setup(t)
	out := captureOutput(t)

	require.NoError(t, proxy.DumpStruct(ExampleStruct{I: 99, B: false, C: '!'}))

	require.Contains(t, out.String(), "99")
	require.Contains(t, out.String(), "false")
	require.Contains(t, out.String(), "!")
}

func TestDebugLevelClamp(t *testing.T) {
	_, proxy := setup(t)

	type testCase struct {
		level int32
		want  bool
	}

	testCases := []testCase{
		{-1, false},
		{0, true},
		{4, true},
		{5, false},
	}

	for _, tc := range testCases {
		got, err := proxy.SetCompartmentDebugLevel(tc.level)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "set_compartment_debug_level(%d)", tc.level)
	}
}

func TestMissingEntryTrampoline(t *testing.T) {
	ldr, err := NewLoader()
	require.NoError(t, err)

	roots, err := cheri.PlatformRoots()
	require.NoError(t, err)

	set, err := compLibs.Open(ldr, LibraryName, roots.ExecRW, roots.ExecRW, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })

	// A compartment whose entry trampoline does not resolve fails before
	// any call occurs.
	_, err = compartment.New(set, compartment.ExampleCompartment,
		compartment.DefaultStackSize, compartment.DefaultSealID, "NoSuchEntryPoint")
	require.Error(t, err)
}

func TestCallsAfterRefixup(t *testing.T) {
	set, proxy := setup(t)

	// Re-running the restricted fixup pass must leave the compartment
	// callable and the results unchanged.
	require.NoError(t, set.FixupAll(true))

	sum, err := proxy.AddTwoNumbers(20, 22)
	require.NoError(t, err)
	require.Equal(t, int32(42), sum)
}
