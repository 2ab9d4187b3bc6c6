package util

import "testing"

func TestIdentityKindRoundTrip(t *testing.T) {
	id := NewIdentity(12345, KindGameServer)
	if id.Kind() != KindGameServer {
		t.Fatalf("Kind() = %v, want KindGameServer", id.Kind())
	}
	if !id.IsGameServer() {
		t.Fatal("expected IsGameServer() true")
	}
	if id.IsIndividual() {
		t.Fatal("expected IsIndividual() false")
	}
}

func TestEndpointStringRoundTrip(t *testing.T) {
	e := Endpoint{IP: 0xC0A80105, Port: 27015}
	if got, want := e.IPString(), "192.168.1.5"; got != want {
		t.Fatalf("IPString() = %q, want %q", got, want)
	}
	if got, want := e.String(), "192.168.1.5:27015"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestEndpointUDPAddrConversion(t *testing.T) {
	e := Endpoint{IP: 0x7F000001, Port: 9000}
	addr := e.UDPAddr()
	if addr.IP.String() != "127.0.0.1" || addr.Port != 9000 {
		t.Fatalf("UDPAddr() = %+v, want 127.0.0.1:9000", addr)
	}
	back := NewEndpointFromUDPAddr(addr)
	if back != e {
		t.Fatalf("round trip = %+v, want %+v", back, e)
	}
}

func TestIPRangeContains(t *testing.T) {
	r := IPRange{Lo: 0xC0A80100, Hi: 0xC0A801FF}
	if !r.Contains(0xC0A80150) {
		t.Fatal("expected 192.168.1.80 to be within range")
	}
	if r.Contains(0xC0A80200) {
		t.Fatal("expected 192.168.2.0 to be outside range")
	}
}

func TestMapBasicOperations(t *testing.T) {
	m := NewMap[string, int]()
	m.Put("a", 1)
	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", v, ok)
	}
	if m.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", m.Size())
	}
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("expected a to be removed")
	}
}

func TestNextIDIsMonotonic(t *testing.T) {
	a := NextID()
	b := NextID()
	if b <= a {
		t.Fatalf("NextID() not monotonic: %d then %d", a, b)
	}
}
