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
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
)

// ServiceProxy is the compartment-side mirror of the call protocol: it
// reaches executive services using only what arrived in the sealed call
// block. One proxy exists per in-flight compartment call; compartment
// library code reaches it through Current, and the entry code releases it
// when the call returns.
type ServiceProxy struct {
	hdr *Header
}

var currentProxy *ServiceProxy

// NewServiceProxy builds the proxy for one compartment call.
func NewServiceProxy(h *Header) *ServiceProxy {
	return &ServiceProxy{hdr: h}
}

// Current returns the proxy of the in-flight compartment call, or nil
// outside a call.
func Current() *ServiceProxy {
	return currentProxy
}

// Install makes p the in-flight proxy.
func (p *ServiceProxy) Install() {
	currentProxy = p
}

// Release drops the in-flight proxy.
func (p *ServiceProxy) Release() {
	if currentProxy == p {
		currentProxy = nil
	}
}

// call looks the service up in the table delivered by the executive, fills
// and seals the argument block, and switches out to the executive service
// entry.
func (p *ServiceProxy) call(name string, data ServiceCallData) (cheri.Cap, error) {
	if p.hdr.Services == nil {
		return cheri.Cap{}, errors.New("no service table delivered")
	}
	fp, ok := p.hdr.Services.Lookup(name)
	if !ok {
		return cheri.Cap{}, errors.Errorf("callback service function does not exist: %s", name)
	}

	h := data.serviceHeader()
	h.FP = fp

	blockAddr := uintptr(unsafe.Pointer(h))
	roots, err := cheri.PlatformRoots()
	if err != nil {
		return cheri.Cap{}, err
	}
	sealed := roots.ExecRW.
		SetBounds(blockAddr, blockSize(data)).
		AndPerms(cheri.PermsData).
		Seal(p.hdr.Sealer)

	entry, ok := cheri.FuncAt(p.hdr.ServiceEntryFP.Address()).(SwitchFunc)
	if !ok {
		return cheri.Cap{}, errors.New("no service entry trampoline delivered")
	}

	// No stack or thread pointer to install for the executive direction.
	var nulls DomainState

	logrus.Debugf("compartment: service upcall %s", name)
	ret := entry(&nulls, p.hdr.ServiceFP, sealed, p.hdr.Sealer)
	runtime.KeepAlive(data)
	logrus.Debugf("compartment: service upcall %s returned", name)
	return ret, nil
}

// CheriMalloc requests a zeroed allocation from the executive. The
// returned capability has the executive permission cleared.
func (p *ServiceProxy) CheriMalloc(size uintptr) (cheri.Cap, error) {
	return p.call("cheri_malloc", NewMallocServiceCall(size))
}

// CheriFree releases an allocation obtained from CheriMalloc.
func (p *ServiceProxy) CheriFree(ptr cheri.Cap) error {
	_, err := p.call("cheri_free", NewFreeServiceCall(ptr))
	return err
}
