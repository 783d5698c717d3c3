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

// Package compLibs owns every shared object loaded for one compartment: it
// opens the compartment's library through the host loader, walks the
// resulting link map into shared-object records, and fans capability
// fixups out over them.

package compLibs

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/verifoxx/morello-capmgr/cheri"
	"github.com/verifoxx/morello-capmgr/loader"
	"github.com/verifoxx/morello-capmgr/sharedobj"
)

// Set is the compartment's library set, keyed by full path. After Open the
// set is immutable; distinct compartments may share one by reference as
// long as no fixup pass is in flight.
type Set struct {
	ldr           loader.Loader
	handle        loader.Handle
	sos           map[string]*sharedobj.SharedObject
	primary       string
	includeLoader bool
}

// nameMatch reports whether full ends in the requested name.
func nameMatch(test, full string) bool {
	return strings.HasSuffix(full, test)
}

// Open loads soName through the host loader, optionally in a new link-map
// namespace, and builds a record for every usable link-map entry. baseCap
// must carry write permission and is used to derive each object's base
// capability; fixupCap must span every loaded object and is used to derive
// all replacement slot values. At least one object must load.
func Open(ldr loader.Loader, soName string, baseCap, fixupCap cheri.Cap,
	newNamespace, includeLoader bool) (*Set, error) {

	handle, err := ldr.Open(soName, newNamespace)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", soName)
	}

	s := &Set{
		ldr:           ldr,
		handle:        handle,
		sos:           make(map[string]*sharedobj.SharedObject),
		includeLoader: includeLoader,
	}

	if err := s.parseLinkMap(soName, baseCap, fixupCap); err != nil {
		ldr.Close(handle)
		return nil, err
	}
	if len(s.sos) == 0 {
		ldr.Close(handle)
		return nil, errors.New("did not load any shared objects from the link map")
	}

	logrus.Debugf("loaded %d shared objects for %s", len(s.sos), soName)
	return s, nil
}

func (s *Set) parseLinkMap(soName string, baseCap, fixupCap cheri.Cap) error {
	entry, err := s.ldr.LinkMap(s.handle)
	if err != nil {
		return errors.Wrap(err, "get link map")
	}

	// Rewind to the head; the handle's own entry is usually first in its
	// namespace but that is not assumed.
	for entry != nil && entry.Prev != nil {
		entry = entry.Prev
	}

	visited := mapset.NewSet()
	for ; entry != nil; entry = entry.Next {
		if !visited.Add(entry) {
			return errors.New("link map is cyclic")
		}

		if entry.Name == "" {
			logrus.Debugf("link map: skipping main executable entry")
			continue
		}

		// An entry aliased through a different Real is the dynamic
		// loader's own.
		if entry.Real != entry && !s.includeLoader {
			logrus.Debugf("link map: rejecting %s as the dynamic loader", entry.Name)
			continue
		}
		real := entry.Real

		progs := real.Progs()
		if len(progs) == 0 {
			logrus.Debugf("link map: rejecting %s, no valid phdrs", entry.Name)
			continue
		}

		// Derive the object's base from the provided writable capability:
		// the loader's own capabilities may lack write permission. When
		// the load bias matches the observed map start the bounds narrow
		// to the map's own extents; otherwise only the address moves.
		objCap := baseCap
		if real.Addr == real.MapStart.Address() {
			objCap = objCap.SetBoundsAndAddress(real.MapStart)
		} else {
			objCap = objCap.SetAddress(entry.Addr)
		}

		logrus.Tracef("link map: parsing %s at %v", entry.Name, objCap)
		so := sharedobj.New(entry.Name, objCap)
		if err := so.Load(progs, fixupCap); err != nil {
			return errors.Wrapf(err, "load %s", entry.Name)
		}
		s.sos[entry.Name] = so

		if s.primary == "" && nameMatch(soName, entry.Name) {
			s.primary = entry.Name
		}
	}
	return nil
}

// Close releases the loader handle, closing the namespace.
func (s *Set) Close() error {
	return s.ldr.Close(s.handle)
}

// Primary returns the full path of the object Open was asked for.
func (s *Set) Primary() string {
	return s.primary
}

// Names returns the loaded objects' full paths in iteration order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.sos))
	for name := range s.sos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Object returns the record for one loaded object.
func (s *Set) Object(name string) *sharedobj.SharedObject {
	return s.sos[name]
}

// Symbol resolves a symbol exported by the primary object.
func (s *Set) Symbol(name string) (cheri.Cap, error) {
	return s.ldr.Lookup(s.handle, name)
}

// ResolveSymbolAddr resolves a symbol and re-parents it onto baseCap with
// symbol permissions.
func (s *Set) ResolveSymbolAddr(name string, baseCap cheri.Cap) (cheri.Cap, error) {
	sym, err := s.Symbol(name)
	if err != nil {
		return cheri.Cap{}, err
	}
	return baseCap.SetAddress(sym.Address()).AndPerms(cheri.PermsSymbol), nil
}

// FixupAll runs the capability fixups over every object in the set,
// short-circuiting on the first failure.
func (s *Set) FixupAll(makeRestricted bool) error {
	for _, name := range s.Names() {
		logrus.Tracef("process capability fixups for %s", name)
		if err := s.sos[name].Fixup(makeRestricted); err != nil {
			return errors.Wrapf(err, "fixups for %s", name)
		}
	}
	return nil
}

// DumpRelocTables renders the relocation tables of every loaded object.
func (s *Set) DumpRelocTables() (string, error) {
	var sb strings.Builder
	for _, name := range s.Names() {
		dump, err := s.sos[name].DumpRelocTables()
		if err != nil {
			return "", err
		}
		sb.WriteString(dump)
	}
	return sb.String(), nil
}

func (s *Set) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{main so=%s sos:\n", s.primary)
	for _, name := range s.Names() {
		fmt.Fprintf(&sb, "{%v}\n", s.sos[name])
	}
	sb.WriteString("}")
	return sb.String()
}
