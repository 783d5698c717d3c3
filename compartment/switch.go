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
	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
)

// The domain-switch trampolines. On hardware these are the
// architecture-specific routines that change domain, install the stack,
// thread pointer and default-data capability, branch to a sealed entry and
// save enough state to return; callee-saved registers are not preserved
// across a switch. The software model keeps the same shape: a frame is
// pushed per switch-in, the branch target runs, and the value handed to
// the switch-return trampoline becomes the call's result.

// DomainState is the register state installed on a switch into restricted:
// stack pointer, default-data capability and thread pointer. The
// default-data capability is always untagged null; nothing uses legacy
// addressing.
type DomainState struct {
	CSP    cheri.Cap
	DDC    cheri.Cap
	CTPIDR cheri.Cap
}

// EntryFunc is any switch-in branch target: it receives the sealed
// argument block and the sealer that sealed it, and returns through a
// switch-return trampoline.
type EntryFunc func(sealedArgs, sealer cheri.Cap)

// SwitchFunc is the switch-in trampoline signature: domain state to
// install, the sealed-entry target to branch to, the sealed argument block
// and the sealer.
type SwitchFunc func(domain *DomainState, target, sealedArgs, sealer cheri.Cap) cheri.Cap

// ExitFunc is the switch-return trampoline signature.
type ExitFunc func(ret cheri.Cap)

type switchFrame struct {
	ret cheri.Cap
}

var switchFrames []*switchFrame

// SwitchEntry performs one domain switch: it validates the sealed-entry
// target, branches to it with the sealed arguments and the sealer, and
// yields whatever the target hands to its switch-return trampoline. The
// caller blocks until the other domain returns.
func SwitchEntry(domain *DomainState, target, sealedArgs, sealer cheri.Cap) cheri.Cap {
	if !target.IsValid() || !target.IsSentry() {
		logrus.Errorf("domain switch: target is not a valid sealed entry: %v", target)
		return cheri.Cap{}
	}

	fn, ok := cheri.FuncAt(target.Address()).(EntryFunc)
	if !ok {
		logrus.Errorf("domain switch: no entry at %#x", target.Address())
		return cheri.Cap{}
	}

	frame := &switchFrame{}
	switchFrames = append(switchFrames, frame)

	fn(sealedArgs, sealer)

	switchFrames = switchFrames[:len(switchFrames)-1]
	return frame.ret
}

// SwitchReturn is the restricted-to-executive return trampoline: the value
// it is handed becomes the in-flight switch's result.
func SwitchReturn(ret cheri.Cap) {
	if len(switchFrames) == 0 {
		logrus.Errorf("domain switch return with no switch in flight")
		return
	}
	switchFrames[len(switchFrames)-1].ret = ret
}

// ServiceSwitchReturn is the executive-to-restricted return trampoline
// used by the service dispatcher.
func ServiceSwitchReturn(ret cheri.Cap) {
	SwitchReturn(ret)
}

// Return leaves the compartment through the executive exit trampoline
// delivered in the argument block, handing back the call's result.
func Return(exitFP cheri.Cap, ret cheri.Cap) {
	fn, ok := cheri.FuncAt(exitFP.Address()).(ExitFunc)
	if !ok {
		logrus.Errorf("compartment return: no exit trampoline at %#x", exitFP.Address())
		return
	}
	fn(ret)
}

// Executive-side trampoline capabilities, registered once at process init.
var (
	exitTrampolineFP = cheri.RegisterFunc(ExitFunc(SwitchReturn))
	switchEntryFP    = cheri.RegisterFunc(SwitchFunc(SwitchEntry))
	serviceHandlerFP = cheri.RegisterFunc(EntryFunc(serviceHandlerEntry))
)
