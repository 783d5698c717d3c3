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

// Package example is the demo compartment: a small API whose code runs in
// the restricted domain and reaches back to the executive for heap
// allocation, plus the executive-side service implementations and the
// typed proxy the demo program calls through.

package example

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/compartment"
)

// ExampleStruct is the structure dump_struct renders.
type ExampleStruct struct {
	I uint32
	B bool
	C byte
}

// Out is where the compartment's user-visible output goes; tests divert
// it.
var Out io.Writer = os.Stdout

// The compartment's own debug level, set through
// set_compartment_debug_level. Valid levels are 0 (always) to 4 (verbose).
const maxDebugLevel = 4

var compDebugLevel int32

func compLogf(level int32, format string, args ...interface{}) {
	if level <= compDebugLevel {
		logrus.Debugf("compartment: "+format, args...)
	}
}

// addTwoNumbers implements example_add_two_numbers.
func addTwoNumbers(a, b int32) int32 {
	compLogf(4, "example_add_two_numbers(%d, %d)", a, b)
	return a + b
}

// copyStringToHeap implements example_copy_string_to_heap: it obtains a
// zeroed buffer from the executive allocator through the service proxy and
// copies the string into it.
func copyStringToHeap(str cheri.Cap) cheri.Cap {
	s, err := str.CString()
	if err != nil {
		compLogf(1, "example_copy_string_to_heap: bad source string: %v", err)
		return cheri.Cap{}
	}
	compLogf(3, "example_copy_string_to_heap: allocating %d bytes", len(s)+1)

	proxy := compartment.Current()
	if proxy == nil {
		compLogf(1, "example_copy_string_to_heap: no service proxy")
		return cheri.Cap{}
	}

	mem, err := proxy.CheriMalloc(uintptr(len(s)) + 1)
	if err != nil || !mem.IsValid() {
		compLogf(1, "example_copy_string_to_heap: allocation failed: %v", err)
		return cheri.Cap{}
	}

	buf, err := mem.Bytes(uintptr(len(s))+1, true)
	if err != nil {
		compLogf(1, "example_copy_string_to_heap: allocation not writable: %v", err)
		return cheri.Cap{}
	}
	copy(buf, s)
	return mem
}

// printHeapStringAndFree implements example_print_heap_string_and_free:
// prints the first charsToPrint characters of the heap string, then
// releases the buffer through the executive.
func printHeapStringAndFree(str cheri.Cap, charsToPrint int16) bool {
	s, err := str.CString()
	if err != nil {
		compLogf(1, "example_print_heap_string_and_free: bad string: %v", err)
		return false
	}

	posn := int(charsToPrint)
	if posn > len(s) {
		posn = len(s)
	}
	if posn < 0 {
		posn = 0
	}
	fmt.Fprintf(Out, "%s\n", s[:posn])

	proxy := compartment.Current()
	if proxy == nil {
		compLogf(1, "example_print_heap_string_and_free: no service proxy")
		return false
	}
	if err := proxy.CheriFree(str); err != nil {
		compLogf(1, "example_print_heap_string_and_free: free failed: %v", err)
		return false
	}
	return true
}

// dumpStruct implements example_dump_struct.
func dumpStruct(data cheri.Cap) {
	if _, err := data.Bytes(unsafe.Sizeof(ExampleStruct{}), false); err != nil {
		compLogf(1, "example_dump_struct: bad structure capability: %v", err)
		return
	}
	s := (*ExampleStruct)(unsafe.Pointer(data.Address()))
	fmt.Fprintf(Out, "{ i=%d : b=%t : c=%c }\n", s.I, s.B, s.C)
}

// setCompartmentDebugLevel implements example_set_compartment_debug_level.
// Levels outside 0..4 are rejected.
func setCompartmentDebugLevel(level int32) bool {
	if level < 0 || level > maxDebugLevel {
		return false
	}
	compDebugLevel = level
	return true
}

// entryPoint is the compartment's entry trampoline: it unseals the
// argument block, installs the service proxy for the duration of the call,
// dispatches by kind, and leaves through the executive exit trampoline.
func entryPoint(sealedArgs, sealer cheri.Cap) {
	compLogf(3, "--> compartment entry -->")

	args := sealedArgs.Unseal(sealer)
	if !args.IsValid() {
		logrus.Errorf("compartment entry: argument block failed to unseal")
		return
	}
	h := (*compartment.Header)(unsafe.Pointer(args.Address()))

	proxy := compartment.NewServiceProxy(h)
	proxy.Install()

	ret := callFunction(h)

	proxy.Release()
	compLogf(3, "<-- compartment exit <--")
	compartment.Return(h.ExitFP, ret)
}

// callFunction resolves the block's concrete variant by kind and invokes
// the target function. An unsupported kind logs an error and returns 0.
func callFunction(h *compartment.Header) cheri.Cap {
	target := cheri.FuncAt(h.TargetFP.Address())

	switch h.Kind {
	case compartment.CallAddTwoNumbers:
		d := (*compartment.AddTwoNumbersCall)(unsafe.Pointer(h))
		fn, ok := target.(func(int32, int32) int32)
		if !ok {
			break
		}
		return cheri.New(uintptr(fn(d.A, d.B)))

	case compartment.CallCopyStringToHeap:
		d := (*compartment.CopyStringToHeapCall)(unsafe.Pointer(h))
		fn, ok := target.(func(cheri.Cap) cheri.Cap)
		if !ok {
			break
		}
		return fn(d.Str)

	case compartment.CallPrintHeapStringAndFree:
		d := (*compartment.PrintHeapStringAndFreeCall)(unsafe.Pointer(h))
		fn, ok := target.(func(cheri.Cap, int16) bool)
		if !ok {
			break
		}
		if fn(d.Str, d.CharsToPrint) {
			return cheri.New(1)
		}
		return cheri.New(0)

	case compartment.CallDumpStruct:
		d := (*compartment.DumpStructCall)(unsafe.Pointer(h))
		fn, ok := target.(func(cheri.Cap))
		if !ok {
			break
		}
		fn(d.Data)
		return cheri.New(0)

	case compartment.CallSetDebugLevel:
		d := (*compartment.SetDebugLevelCall)(unsafe.Pointer(h))
		fn, ok := target.(func(int32) bool)
		if !ok {
			break
		}
		if fn(d.Level) {
			return cheri.New(1)
		}
		return cheri.New(0)
	}

	logrus.Errorf("compartment dispatch: unsupported function kind %d", h.Kind)
	return cheri.New(0)
}
