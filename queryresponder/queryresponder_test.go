package queryresponder

import (
	"net"
	"testing"
	"time"
)

type fakeGameserver struct {
	received []string
	replies  []Reply
}

func (g *fakeGameserver) HandleIncomingPacket(data []byte, from *net.UDPAddr) {
	g.received = append(g.received, string(data))
}

func (g *fakeGameserver) GetNextOutgoingPacket() (Reply, bool) {
	if len(g.replies) == 0 {
		return Reply{}, false
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r, true
}

func TestTickForwardsInboundAndOutbound(t *testing.T) {
	gs := &fakeGameserver{}
	r, err := New(0, gs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer peer.Close()

	selfAddr := r.sock.Port()
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(selfAddr)}
	if _, err := peer.WriteToUDP([]byte("A2S_INFO"), dest); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(gs.received) == 0 {
		r.Tick()
	}
	if len(gs.received) != 1 || gs.received[0] != "A2S_INFO" {
		t.Fatalf("received = %v, want [A2S_INFO]", gs.received)
	}

	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	gs.replies = append(gs.replies, Reply{Data: []byte("A2S_INFO_REPLY"), To: peerAddr})
	r.Tick()

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "A2S_INFO_REPLY" {
		t.Fatalf("reply = %q, want A2S_INFO_REPLY", buf[:n])
	}
}
