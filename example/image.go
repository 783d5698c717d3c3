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
	"github.com/verifoxx/morello-capmgr/compartment"
	"github.com/verifoxx/morello-capmgr/loader"
)

// LibraryName is the soname the demo compartment is registered under.
const LibraryName = "libcompartment.so"

// NewImage assembles the demo compartment as an emulated image: the entry
// trampoline and the API functions as exported symbols, plus data,
// lazily-bound and init-array capability slots so the fixup engine has all
// the slot shapes to work over.
func NewImage() (*loader.Image, error) {
	return loader.NewImage(LibraryName).
		Func(compartment.DefaultEntryPoint, compartment.EntryFunc(entryPoint)).
		Func("example_add_two_numbers", addTwoNumbers).
		Func("example_copy_string_to_heap", copyStringToHeap).
		Func("example_print_heap_string_and_free", printHeapStringAndFree).
		Func("example_dump_struct", dumpStruct).
		Func("example_set_compartment_debug_level", setCompartmentDebugLevel).
		DataSlots(2).
		UntaggedSlots(1).
		InitSlots(2).
		Build()
}

// NewLoader returns an emulated host loader with the demo compartment
// registered.
func NewLoader() (*loader.Emu, error) {
	ldr, err := loader.NewEmu()
	if err != nil {
		return nil, err
	}
	img, err := NewImage()
	if err != nil {
		return nil, err
	}
	ldr.Register(img)
	return ldr, nil
}
