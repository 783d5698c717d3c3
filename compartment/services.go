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
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
)

// Executive services: the upcall path restricted code uses for heap
// allocation and release. The dispatcher runs in the executive domain; the
// argument block arrives sealed and is unsealed by the switch entry before
// dispatch.

// ServiceKind discriminates the executive service a block is for.
type ServiceKind int32

const (
	ServiceMalloc ServiceKind = iota
	ServiceFree
)

// MallocFunc is the executive allocator signature: it returns a zeroed
// allocation whose capability has the executive permission cleared.
type MallocFunc func(size uintptr) cheri.Cap

// FreeFunc releases an allocation obtained from the allocator.
type FreeFunc func(ptr cheri.Cap)

// ServiceHeader leads every service call block.
type ServiceHeader struct {
	Kind ServiceKind
	FP   cheri.Cap // executive function to call, filled from the table
}

func (h *ServiceHeader) serviceHeader() *ServiceHeader {
	return h
}

// ServiceCallData is implemented by every service block variant.
type ServiceCallData interface {
	serviceHeader() *ServiceHeader
}

// MallocServiceCall requests an allocation.
type MallocServiceCall struct {
	ServiceHeader
	Size uintptr
}

// NewMallocServiceCall builds the block for cheri_malloc(size).
func NewMallocServiceCall(size uintptr) *MallocServiceCall {
	return &MallocServiceCall{ServiceHeader: ServiceHeader{Kind: ServiceMalloc}, Size: size}
}

// FreeServiceCall releases an allocation.
type FreeServiceCall struct {
	ServiceHeader
	Ptr cheri.Cap
}

// NewFreeServiceCall builds the block for cheri_free(ptr).
func NewFreeServiceCall(ptr cheri.Cap) *FreeServiceCall {
	return &FreeServiceCall{ServiceHeader: ServiceHeader{Kind: ServiceFree}, Ptr: ptr}
}

// ServiceTable is the process-wide mapping from service name to executive
// function capability. It is populated during process init and read-only
// afterwards; the compartment receives a reference inside the sealed call
// block and never a usable sealer or raw function pointer of its own.
type ServiceTable struct {
	funcs map[string]cheri.Cap
}

var serviceTable = &ServiceTable{funcs: make(map[string]cheri.Cap)}

// RegisterServiceFunc registers an executive service function under name.
// Called from package init of the service provider.
func RegisterServiceFunc(name string, fn interface{}) {
	serviceTable.funcs[name] = cheri.RegisterFunc(fn)
}

// Services returns the process service table.
func Services() *ServiceTable {
	return serviceTable
}

// Lookup resolves a service name.
func (t *ServiceTable) Lookup(name string) (cheri.Cap, bool) {
	fp, ok := t.funcs[name]
	return fp, ok
}

// serviceHandlerEntry is entered in the executive domain by the service
// switch-in. It unseals the argument block and hands the raw pointer to
// the dispatcher; the dispatcher's result flows back through the service
// return trampoline.
func serviceHandlerEntry(sealedArgs, sealer cheri.Cap) {
	args := sealedArgs.Unseal(sealer)
	if !args.IsValid() {
		logrus.Errorf("service dispatch: argument block failed to unseal")
		ServiceSwitchReturn(cheri.Cap{})
		return
	}

	h := (*ServiceHeader)(unsafe.Pointer(args.Address()))
	logrus.Debugf("service dispatch: handling service kind %d", h.Kind)
	ServiceSwitchReturn(callServiceFunction(h))
}

// callServiceFunction dispatches one service request by kind. An unknown
// kind logs an error and returns 0; the caller controls the discriminant,
// so this is not fatal.
func callServiceFunction(h *ServiceHeader) cheri.Cap {
	switch h.Kind {
	case ServiceMalloc:
		d := (*MallocServiceCall)(unsafe.Pointer(h))
		fn, ok := cheri.FuncAt(d.FP.Address()).(MallocFunc)
		if !ok {
			logrus.Errorf("service dispatch: bad allocator function %v", d.FP)
			return cheri.New(0)
		}
		logrus.Debugf("calling cheri_malloc(%d)", d.Size)
		return fn(d.Size)

	case ServiceFree:
		d := (*FreeServiceCall)(unsafe.Pointer(h))
		fn, ok := cheri.FuncAt(d.FP.Address()).(FreeFunc)
		if !ok {
			logrus.Errorf("service dispatch: bad free function %v", d.FP)
			return cheri.New(0)
		}
		logrus.Debugf("calling cheri_free()")
		fn(d.Ptr)
		return cheri.New(0)

	default:
		logrus.Errorf("service dispatch: unsupported service kind %d", h.Kind)
		return cheri.New(0)
	}
}
