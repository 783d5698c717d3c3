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

package cheri

import (
	"testing"
	"unsafe"
)

// testRoot builds a tagged capability over [base, base+length) for tests.
func testRoot(base, length uintptr, perms Perm) Cap {
	return Cap{
		addr:  uint64(base),
		base:  uint64(base),
		limit: uint64(base) + uint64(length),
		perms: perms,
		tag:   1,
	}
}

func TestSetBoundsNarrows(t *testing.T) {
	c := testRoot(0x1000, 0x1000, PermsData)

	n := c.SetBounds(0x1100, 0x100)
	if !n.IsValid() {
		t.Fatalf("narrowing cleared the tag: %v", n)
	}
	if n.Base() != 0x1100 || n.Limit() != 0x1200 || n.Address() != 0x1100 {
		t.Errorf("unexpected result: %v", n)
	}
}

func TestSetBoundsRefusesToWiden(t *testing.T) {
	c := testRoot(0x1000, 0x100, PermsData)

	type testCase struct {
		base, length uintptr
	}

	testCases := []testCase{
		{0xf00, 0x100},  // below base
		{0x1000, 0x200}, // beyond limit
		{0x1080, 0x100}, // straddles limit
	}

	for _, tc := range testCases {
		got := c.SetBounds(tc.base, tc.length)
		if got != c {
			t.Errorf("SetBounds(%#x, %#x) changed the capability: %v", tc.base, tc.length, got)
		}
	}
}

func TestAndPermsOnlyClears(t *testing.T) {
	c := testRoot(0x1000, 0x100, PermsData|PermExecutive)

	n := c.AndPerms(PermLoad | PermStore)
	if n.Perms() != PermLoad|PermStore {
		t.Errorf("got perms %#x", uint64(n.Perms()))
	}

	// Permissions not held cannot be gained.
	n = c.AndPerms(PermsData | PermExecute)
	if n.Perms().Has(PermExecute) {
		t.Errorf("AndPerms granted execute")
	}
}

func TestMonotonicity(t *testing.T) {
	c := testRoot(0x1000, 0x1000, PermsData|PermExecutive)

	derived := []Cap{
		c.SetBounds(0x1200, 0x100),
		c.AndPerms(PermLoad),
		c.ClearPerms(PermExecutive),
		c.SetAddress(0x1f00),
		c.DeriveFrom(testRoot(0x1100, 0x40, PermLoad), 0, PermExecutive),
	}

	for i, d := range derived {
		if d.Base() < c.Base() || d.Limit() > c.Limit() {
			t.Errorf("case %d: bounds widened: %v from %v", i, d, c)
		}
		if d.Perms()&^c.Perms() != 0 {
			t.Errorf("case %d: permissions gained: %v from %v", i, d, c)
		}
	}
}

func TestDeriveFrom(t *testing.T) {
	master := testRoot(0x1000, 0x1000, PermsData|PermExecutive)

	// Slot value within the master's bounds: bounds restrict to match.
	slot := testRoot(0x1400, 0x80, PermLoad|PermStore|PermExecutive)
	d := master.DeriveFrom(slot, 0, PermExecutive)
	if d.Base() != 0x1400 || d.Limit() != 0x1480 {
		t.Errorf("bounds not restricted to slot: %v", d)
	}
	if d.Perms().Has(PermExecutive) {
		t.Errorf("executive permission not removed: %v", d)
	}

	// Re-grant: the executive mode adds the permission back.
	e := master.DeriveFrom(d, PermExecutive, 0)
	if !e.Perms().Has(PermExecutive) {
		t.Errorf("executive permission not re-granted: %v", e)
	}
	if e.Base() != d.Base() || e.Limit() != d.Limit() || e.Address() != d.Address() {
		t.Errorf("round trip changed extents: %v vs %v", e, d)
	}

	// Slot outside the master's bounds: only the address moves.
	out := testRoot(0x9000, 0x100, PermLoad)
	d = master.DeriveFrom(out, 0, 0)
	if d.Base() != master.Base() || d.Limit() != master.Limit() {
		t.Errorf("bounds changed for out-of-range slot: %v", d)
	}
	if d.Address() != 0x9000 {
		t.Errorf("address not aligned to slot: %v", d)
	}
}

func TestDeriveFromPropagatesSentry(t *testing.T) {
	master := testRoot(0x1000, 0x1000, PermsExec|PermExecutive)
	fn := testRoot(0x1100, 0x40, PermsExec).Sentry()

	d := master.DeriveFrom(fn, 0, PermExecutive)
	if !d.IsSentry() {
		t.Errorf("sealed-entry state not propagated: %v", d)
	}
}

func TestSealUnseal(t *testing.T) {
	sealRoot := testRoot(0, MaxSealID, PermsSealer)
	sealer := sealRoot.SetBounds(0x1234, 1).SetAddress(0x1234).AndPerms(PermsSealer)
	other := sealRoot.SetBounds(0x4321, 1).SetAddress(0x4321).AndPerms(PermsSealer)

	data := testRoot(0x2000, 0x100, PermsData)

	sealed := data.Seal(sealer)
	if !sealed.IsValid() || !sealed.IsSealed() {
		t.Fatalf("seal failed: %v", sealed)
	}
	if _, err := sealed.Bytes(1, false); err == nil {
		t.Errorf("dereferenced a sealed capability")
	}

	// Only the sealing capability unseals.
	if u := sealed.Unseal(other); u.IsValid() {
		t.Errorf("foreign sealer unsealed: %v", u)
	}

	u := sealed.Unseal(sealer)
	if !u.IsValid() || u.IsSealed() {
		t.Fatalf("unseal failed: %v", u)
	}
	if u.Address() != data.Address() || u.Perms() != data.Perms() {
		t.Errorf("unseal changed the capability: %v vs %v", u, data)
	}
}

func TestSealWithoutPermission(t *testing.T) {
	sealer := testRoot(0x1234, 1, PermUnseal) // no seal permission
	data := testRoot(0x2000, 0x100, PermsData)

	if s := data.Seal(sealer); s.IsValid() {
		t.Errorf("sealed without seal permission: %v", s)
	}
}

func TestSlotRoundTrip(t *testing.T) {
	buf := make([]byte, CapSize*2)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	c := testRoot(0x5000, 0x100, PermsData)
	StoreCap(addr, c)
	if got := LoadCap(addr); got != c {
		t.Errorf("slot round trip: got %v, want %v", got, c)
	}

	ClearTag(addr)
	if got := LoadCap(addr); got.IsValid() {
		t.Errorf("tag survived ClearTag: %v", got)
	}
}

func TestBytesChecks(t *testing.T) {
	buf := make([]byte, 64)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	c := testRoot(addr, 64, PermLoad)
	if _, err := c.Bytes(64, false); err != nil {
		t.Errorf("in-bounds load refused: %v", err)
	}
	if _, err := c.Bytes(65, false); err == nil {
		t.Errorf("out-of-bounds load allowed")
	}
	if _, err := c.Bytes(8, true); err == nil {
		t.Errorf("store allowed without store permission")
	}
	if _, err := New(addr).Bytes(1, false); err == nil {
		t.Errorf("untagged dereference allowed")
	}
}

func TestCString(t *testing.T) {
	buf := []byte("hello\x00world")
	addr := uintptr(unsafe.Pointer(&buf[0]))

	c := testRoot(addr, uintptr(len(buf)), PermLoad)
	s, err := c.CString()
	if err != nil {
		t.Fatalf("CString: %v", err)
	}
	if s != "hello" {
		t.Errorf("got %q", s)
	}
}
