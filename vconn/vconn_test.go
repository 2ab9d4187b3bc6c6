package vconn

import (
	"testing"
	"time"

	"github.com/pjy612/lanpeer/wire"
)

type captureSender struct {
	sent []*wire.NetworkingSocketsPayload
}

func (s *captureSender) SendNetworkingSockets(peer uint64, reliable bool, p *wire.NetworkingSocketsPayload) bool {
	s.sent = append(s.sent, p)
	return true
}

func TestConnectAcceptTransitionsToConnected(t *testing.T) {
	initiatorSender := &captureSender{}
	initiator := New(initiatorSender)
	h := initiator.Connect(42, 7)

	status, _ := initiator.Status(h)
	if status != StatusConnecting {
		t.Fatalf("status after Connect = %v, want CONNECTING", status)
	}

	acceptorSender := &captureSender{}
	acceptor := New(acceptorSender)
	acceptor.CreateListen(7, 0)
	acceptor.HandleInbound(1, initiatorSender.sent[0])

	changes := acceptor.DrainStatusChanges()
	if len(changes) != 1 || changes[0].NewStatus != StatusConnecting {
		t.Fatalf("acceptor status changes = %+v, want one CONNECTING", changes)
	}
	acceptH := changes[0].Conn
	if err := acceptor.Accept(acceptH); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	initiator.HandleInbound(42, acceptorSender.sent[0])
	status, _ = initiator.Status(h)
	if status != StatusConnected {
		t.Fatalf("initiator status after peer accept = %v, want CONNECTED", status)
	}
}

func TestReceiveResequencesByMessageNumber(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)
	e.CreateListen(1, 0)
	e.HandleInbound(5, &wire.NetworkingSocketsPayload{Kind: uint8(wire.NetConnectRequest), VirtualPort: 1})
	changes := e.DrainStatusChanges()
	h := changes[0].Conn
	e.Accept(h)

	e.HandleInbound(5, &wire.NetworkingSocketsPayload{Kind: uint8(wire.NetData), VirtualPort: 1, MessageNumber: 3, Data: []byte("three")})
	e.HandleInbound(5, &wire.NetworkingSocketsPayload{Kind: uint8(wire.NetData), VirtualPort: 1, MessageNumber: 1, Data: []byte("one")})
	e.HandleInbound(5, &wire.NetworkingSocketsPayload{Kind: uint8(wire.NetData), VirtualPort: 1, MessageNumber: 2, Data: []byte("two")})

	msgs, err := e.Receive(h, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	for i, want := range []uint64{1, 2, 3} {
		if msgs[i].Number != want {
			t.Fatalf("msgs[%d].Number = %d, want %d", i, msgs[i].Number, want)
		}
	}
}

func TestCloseStopsFurtherDelivery(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)
	e.CreateListen(1, 0)
	e.HandleInbound(5, &wire.NetworkingSocketsPayload{Kind: uint8(wire.NetConnectRequest), VirtualPort: 1})
	h := e.DrainStatusChanges()[0].Conn
	e.Accept(h)

	if err := e.Close(h, 0, "done", false); err != nil {
		t.Fatalf("Close: %v", err)
	}
	status, _ := e.Status(h)
	if status != StatusClosed {
		t.Fatalf("status after Close = %v, want CLOSED", status)
	}

	e.HandleInbound(5, &wire.NetworkingSocketsPayload{Kind: uint8(wire.NetData), VirtualPort: 1, MessageNumber: 1, Data: []byte("late")})
	msgs, err := e.Receive(h, 10)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Receive after Close returned %d messages, want 0", len(msgs))
	}
}

type failingSender struct {
	captureSender
	fail bool
}

func (s *failingSender) SendNetworkingSockets(peer uint64, reliable bool, p *wire.NetworkingSocketsPayload) bool {
	if s.fail {
		return false
	}
	return s.captureSender.SendNetworkingSockets(peer, reliable, p)
}

func TestLingeringCloseRetriesUndeliveredReliableSends(t *testing.T) {
	sender := &failingSender{}
	e := New(sender)
	e.CreateListen(1, 0)
	e.HandleInbound(5, &wire.NetworkingSocketsPayload{Kind: uint8(wire.NetConnectRequest), VirtualPort: 1})
	h := e.DrainStatusChanges()[0].Conn
	e.Accept(h)

	sender.fail = true
	if err := e.Send(h, []byte("important"), true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	c, _ := e.conns.Get(h)
	if len(c.pendingReliable) != 1 {
		t.Fatalf("pendingReliable = %d entries, want 1 after a failed reliable send", len(c.pendingReliable))
	}

	sender.fail = false
	if err := e.Close(h, 0, "bye", true); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(c.pendingReliable) != 0 {
		t.Fatal("expected pendingReliable to be drained by a lingering Close")
	}
	foundRetry := false
	for _, p := range sender.sent {
		if p.Kind == uint8(wire.NetData) && string(p.Data) == "important" {
			foundRetry = true
		}
	}
	if !foundRetry {
		t.Fatal("expected the lingering Close to retry the undelivered reliable send")
	}
}

func TestSnapshotReflectsConnectionState(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)
	h := e.Connect(42, 7)

	views := e.Snapshot()
	if len(views) != 1 || views[0].Handle != h || views[0].Peer != 42 || views[0].Status != StatusConnecting {
		t.Fatalf("Snapshot() = %+v, want one CONNECTING entry for peer 42", views)
	}
}

func TestConnectRetransmitsUntilTimeout(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)
	h := e.Connect(9, 3)
	initialSends := len(sender.sent)

	c, _ := e.conns.Get(h)
	c.connectSentAt = time.Now().Add(-(ConnectRetryInterval + time.Second))
	e.Tick(time.Now())
	if len(sender.sent) <= initialSends {
		t.Fatal("expected a retransmit once the retry interval elapses")
	}

	c.connectSentAt = time.Now().Add(-(ConnectTimeout + time.Second))
	e.Tick(time.Now())
	status, _ := e.Status(h)
	if status != StatusTimedOut {
		t.Fatalf("status after timeout = %v, want TIMEDOUT", status)
	}
}

// TestAcceptorSideNotImmediatelyTimedOut guards against a just-accepted
// inbound connect request being reaped on the very next Tick before the
// application has any chance to call Accept.
func TestAcceptorSideNotImmediatelyTimedOut(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)
	e.CreateListen(1, 0)
	e.HandleInbound(5, &wire.NetworkingSocketsPayload{Kind: uint8(wire.NetConnectRequest), VirtualPort: 1})
	h := e.DrainStatusChanges()[0].Conn

	e.Tick(time.Now())
	status, _ := e.Status(h)
	if status != StatusConnecting {
		t.Fatalf("status after immediate Tick = %v, want CONNECTING", status)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("acceptor side must not auto-retransmit a connect request, got %d sends", len(sender.sent))
	}

	if err := e.Accept(h); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	status, _ = e.Status(h)
	if status != StatusConnected {
		t.Fatalf("status after Accept = %v, want CONNECTED", status)
	}
}
