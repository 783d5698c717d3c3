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
	"runtime"
	"unsafe"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/compLibs"
	"github.com/verifoxx/morello-capmgr/compartment"
)

// Proxy is the executive-side face of the demo compartment API: one typed
// method per compartment function, each marshalling its arguments into a
// call block and entering the compartment.
type Proxy struct {
	comp *compartment.Compartment
}

// NewProxy builds the compartment instance behind the proxy.
func NewProxy(libs *compLibs.Set, id compartment.ID, stackSize uintptr, sealID uint32) (*Proxy, error) {
	comp, err := compartment.New(libs, id, stackSize, sealID, compartment.DefaultEntryPoint)
	if err != nil {
		return nil, err
	}
	return &Proxy{comp: comp}, nil
}

// Close releases the compartment.
func (p *Proxy) Close() {
	p.comp.Close()
}

// dataCap derives a data capability over an executive buffer for passing
// into the compartment.
func dataCap(addr, size uintptr) (cheri.Cap, error) {
	roots, err := cheri.PlatformRoots()
	if err != nil {
		return cheri.Cap{}, err
	}
	return roots.ExecRW.SetBounds(addr, size).AndPerms(cheri.PermsData), nil
}

// AddTwoNumbers calls example_add_two_numbers.
func (p *Proxy) AddTwoNumbers(a, b int32) (int32, error) {
	ret, err := p.comp.Call("example_add_two_numbers", compartment.NewAddTwoNumbersCall(a, b))
	if err != nil {
		return 0, err
	}
	return int32(ret.Address()), nil
}

// CopyStringToHeap calls example_copy_string_to_heap and returns the
// capability to the compartment-filled heap buffer.
func (p *Proxy) CopyStringToHeap(s string) (cheri.Cap, error) {
	buf := append([]byte(s), 0)
	strCap, err := dataCap(cheri.BufferAddr(buf), uintptr(len(buf)))
	if err != nil {
		return cheri.Cap{}, err
	}

	ret, err := p.comp.Call("example_copy_string_to_heap", compartment.NewCopyStringToHeapCall(strCap))
	runtime.KeepAlive(buf)
	return ret, err
}

// PrintHeapStringAndFree calls example_print_heap_string_and_free.
func (p *Proxy) PrintHeapStringAndFree(str cheri.Cap, charsToPrint int16) (bool, error) {
	ret, err := p.comp.Call("example_print_heap_string_and_free",
		compartment.NewPrintHeapStringAndFreeCall(str, charsToPrint))
	if err != nil {
		return false, err
	}
	return ret.Address() != 0, nil
}

// DumpStruct calls example_dump_struct.
func (p *Proxy) DumpStruct(s ExampleStruct) error {
	structCap, err := dataCap(uintptr(unsafe.Pointer(&s)), unsafe.Sizeof(s))
	if err != nil {
		return err
	}

	_, err = p.comp.Call("example_dump_struct", compartment.NewDumpStructCall(structCap))
	runtime.KeepAlive(&s)
	return err
}

// SetCompartmentDebugLevel calls example_set_compartment_debug_level.
func (p *Proxy) SetCompartmentDebugLevel(level int32) (bool, error) {
	ret, err := p.comp.Call("example_set_compartment_debug_level",
		compartment.NewSetDebugLevelCall(level))
	if err != nil {
		return false, err
	}
	return ret.Address() != 0, nil
}
