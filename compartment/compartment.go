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

// Package compartment pins down one restricted execution domain: its
// stack, sealer and sealed entry point, the executive-to-restricted call
// protocol, the executive service dispatcher, and the compartment-side
// proxy restricted code calls back through.

package compartment

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/compLibs"
	"github.com/verifoxx/morello-capmgr/memmap"
)

// ID names a compartment instance.
type ID int32

// ExampleCompartment is the single compartment the demo creates.
const ExampleCompartment ID = 0

// DefaultEntryPoint is the C-linkage trampoline every compartment library
// exports as its entry.
const DefaultEntryPoint = "CompartmentEntryPoint"

const (
	// DefaultStackSize is the restricted stack size used by the demo.
	DefaultStackSize = 1 << 20
	// DefaultSealID is the sealing object id used by the demo.
	DefaultSealID = 0x1234

	// The stack-pointer capability leaves a guard below the mapping limit
	// and starts a further slot down, 16-byte aligned.
	stackBoundsGuard = 16
	stackTopGuard    = 32
	stackAlign       = 16
)

// Compartment is one compartment instance. It borrows the library set for
// symbol lookup and owns its restricted stack.
type Compartment struct {
	libs   *compLibs.Set
	id     ID
	domain DomainState
	stack  []byte
	sealer cheri.Cap
	entry  cheri.Cap

	exitFP         cheri.Cap
	serviceEntryFP cheri.Cap
	serviceFP      cheri.Cap
}

// New builds a compartment over the given library set: it maps the
// restricted stack, narrows the thread pointer, constructs the single-slot
// sealer and resolves the compartment's entry trampoline into a sealed
// entry. Failure of any step is fatal for the compartment.
func New(libs *compLibs.Set, id ID, stackSize uintptr, sealID uint32, entryName string) (*Compartment, error) {
	logrus.Debugf("constructing compartment id=%d", id)

	roots, err := cheri.PlatformRoots()
	if err != nil {
		return nil, err
	}

	c := &Compartment{libs: libs, id: id}

	if err := c.createStack(stackSize, roots); err != nil {
		return nil, err
	}

	c.domain.CTPIDR = cheri.ThreadPointer().AndPerms(cheri.PermsData)
	c.domain.DDC = cheri.Cap{} // no default-data capability in use

	c.sealer = roots.Seal.
		SetBounds(uintptr(sealID), 1).
		SetAddress(uintptr(sealID)).
		AndPerms(cheri.PermsSealer)

	entrySym, err := libs.Symbol(entryName)
	if err != nil {
		c.unmapStack()
		return nil, errors.Wrapf(err, "cannot find compartment entry point %s", entryName)
	}
	c.entry = roots.ExecRX.
		SetBoundsAndAddress(entrySym).
		AndPerms(cheri.PermsExec).
		Sentry()

	c.exitFP = exitTrampolineFP
	c.serviceEntryFP = switchEntryFP
	c.serviceFP = serviceHandlerFP
	return c, nil
}

// createStack maps the restricted stack and derives the stack-pointer
// capability: bounds cover the mapping's interior and the address is the
// alignment-reduced top, leaving a guard at the limit.
func (c *Compartment) createStack(stackSize uintptr, roots cheri.Roots) error {
	stack, err := memmap.MapStack(stackSize)
	if err != nil {
		return errors.Wrap(err, "no memory for compartment stack")
	}
	c.stack = stack

	base := memmap.Base(stack)
	size := uintptr(len(stack))
	tos := base + memmap.AlignDown(size-stackTopGuard, stackAlign)

	c.domain.CSP = roots.ExecRW.
		SetBounds(base, memmap.AlignDown(size-stackBoundsGuard, stackAlign)).
		SetAddress(tos).
		AndPerms(cheri.PermsData)

	logrus.Tracef("compartment stack: %v", c.domain.CSP)
	return nil
}

func (c *Compartment) unmapStack() {
	if c.stack != nil {
		memmap.Unmap(c.stack)
		c.stack = nil
	}
}

// Close releases the compartment's stack. The library set stays with its
// owner.
func (c *Compartment) Close() {
	c.unmapStack()
}

// Call invokes the named compartment function with the given argument
// block: the target is resolved and sealed, the block is completed with
// the trampolines, sealer and service table, sealed, and the domain switch
// is entered. The result is whatever the compartment hands back through
// the exit trampoline.
func (c *Compartment) Call(name string, data CallData) (cheri.Cap, error) {
	logrus.Debugf("compartment call: %s", name)

	fnSym, err := c.libs.Symbol(name)
	if err != nil {
		return cheri.Cap{}, errors.Wrapf(err, "cannot find compartment function %s", name)
	}

	roots, err := cheri.PlatformRoots()
	if err != nil {
		return cheri.Cap{}, err
	}

	target := roots.ExecRX.
		SetBoundsAndAddress(fnSym).
		AndPerms(cheri.PermsExec).
		Sentry()

	h := data.header()
	h.ExitFP = c.exitFP
	h.ServiceEntryFP = c.serviceEntryFP
	h.ServiceFP = c.serviceFP
	h.Sealer = c.sealer
	h.TargetFP = target
	h.Services = Services()

	// Restrict the block's permissions, then seal it; only the trusted
	// endpoints hold the sealer in usable form.
	blockAddr := uintptr(unsafe.Pointer(h))
	sealed := roots.ExecRW.
		SetBounds(blockAddr, blockSize(data)).
		AndPerms(cheri.PermsData).
		Seal(c.sealer)

	ret := SwitchEntry(&c.domain, c.entry, sealed, c.sealer)
	runtime.KeepAlive(data)

	logrus.Debugf("compartment call: %s returned %#x", name, ret.Address())
	return ret, nil
}
