package admin

import "testing"

func TestStoreUpdateAndRead(t *testing.T) {
	store := NewStore()
	store.Update(Snapshot{Peers: []PeerView{{IDs: []uint64{1}, AppTag: 480}}})

	got := store.current()
	if len(got.Peers) != 1 || got.Peers[0].AppTag != 480 {
		t.Fatalf("current() = %+v, want one peer with AppTag 480", got)
	}
}

func TestServiceMethodsReadFromStore(t *testing.T) {
	store := NewStore()
	store.Update(Snapshot{
		Peers:        []PeerView{{IDs: []uint64{2}}},
		VirtualConns: []VirtualConnView{{Handle: 1, Status: "connected"}},
	})
	svc := &Service{store: store}

	var peers []PeerView
	if err := svc.Peers(nil, &Empty{}, &peers); err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 || peers[0].IDs[0] != 2 {
		t.Fatalf("peers = %+v, want one peer with id 2", peers)
	}

	var conns []VirtualConnView
	if err := svc.VirtualConnections(nil, &Empty{}, &conns); err != nil {
		t.Fatalf("VirtualConnections: %v", err)
	}
	if len(conns) != 1 || conns[0].Status != "connected" {
		t.Fatalf("conns = %+v, want one connected entry", conns)
	}
}

func TestNewRegistersRPCRoute(t *testing.T) {
	store := NewStore()
	iface, err := New(store, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if iface.server.Addr != "127.0.0.1:0" {
		t.Fatalf("server.Addr = %q, want 127.0.0.1:0", iface.server.Addr)
	}
}
