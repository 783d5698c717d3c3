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

package compartment

import (
	"reflect"

	"github.com/verifoxx/morello-capmgr/cheri"
)

// Argument blocks for compartment calls. One block variant exists per
// compartment API function; every variant leads with Header, so the
// receiving side reads the kind tag and re-views the block as its concrete
// variant. A block crosses the domain boundary sealed and is owned
// exclusively for the duration of one call.

// CallKind discriminates the compartment API function a block is for.
type CallKind int32

const (
	CallAddTwoNumbers CallKind = iota
	CallCopyStringToHeap
	CallPrintHeapStringAndFree
	CallDumpStruct
	CallSetDebugLevel
)

// Header is the leading part of every call block: the trampolines and
// capabilities the compartment needs to run the call and to reach
// executive services.
type Header struct {
	Kind           CallKind
	ExitFP         cheri.Cap // executive exit trampoline
	ServiceEntryFP cheri.Cap // executive switch-in for service upcalls
	ServiceFP      cheri.Cap // executive service dispatcher
	Sealer         cheri.Cap
	TargetFP       cheri.Cap // compartment function to invoke
	Services       *ServiceTable
}

func (h *Header) header() *Header {
	return h
}

// CallData is implemented by every call block variant through its embedded
// Header.
type CallData interface {
	header() *Header
}

// AddTwoNumbersCall carries the arguments of add_two_numbers.
type AddTwoNumbersCall struct {
	Header
	A int32
	B int32
}

// NewAddTwoNumbersCall builds the block for add_two_numbers(a, b).
func NewAddTwoNumbersCall(a, b int32) *AddTwoNumbersCall {
	return &AddTwoNumbersCall{Header: Header{Kind: CallAddTwoNumbers}, A: a, B: b}
}

// CopyStringToHeapCall carries the argument of copy_string_to_heap: a
// capability to the NUL-terminated source string.
type CopyStringToHeapCall struct {
	Header
	Str cheri.Cap
}

// NewCopyStringToHeapCall builds the block for copy_string_to_heap(str).
func NewCopyStringToHeapCall(str cheri.Cap) *CopyStringToHeapCall {
	return &CopyStringToHeapCall{Header: Header{Kind: CallCopyStringToHeap}, Str: str}
}

// PrintHeapStringAndFreeCall carries the arguments of
// print_heap_string_and_free.
type PrintHeapStringAndFreeCall struct {
	Header
	Str          cheri.Cap
	CharsToPrint int16
}

// NewPrintHeapStringAndFreeCall builds the block for
// print_heap_string_and_free(str, charsToPrint).
func NewPrintHeapStringAndFreeCall(str cheri.Cap, charsToPrint int16) *PrintHeapStringAndFreeCall {
	return &PrintHeapStringAndFreeCall{
		Header:       Header{Kind: CallPrintHeapStringAndFree},
		Str:          str,
		CharsToPrint: charsToPrint,
	}
}

// DumpStructCall carries a capability to the caller's structure for
// dump_struct.
type DumpStructCall struct {
	Header
	Data cheri.Cap
}

// NewDumpStructCall builds the block for dump_struct(data).
func NewDumpStructCall(data cheri.Cap) *DumpStructCall {
	return &DumpStructCall{Header: Header{Kind: CallDumpStruct}, Data: data}
}

// SetDebugLevelCall carries the argument of set_compartment_debug_level.
type SetDebugLevelCall struct {
	Header
	Level int32
}

// NewSetDebugLevelCall builds the block for
// set_compartment_debug_level(level).
func NewSetDebugLevelCall(level int32) *SetDebugLevelCall {
	return &SetDebugLevelCall{Header: Header{Kind: CallSetDebugLevel}, Level: level}
}

// blockSize returns the in-memory size of a block behind a CallData or
// ServiceCallData pointer.
func blockSize(data interface{}) uintptr {
	return reflect.TypeOf(data).Elem().Size()
}
