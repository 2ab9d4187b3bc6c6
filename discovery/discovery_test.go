package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/pjy612/lanpeer/conntable"
	"github.com/pjy612/lanpeer/util"
	"github.com/pjy612/lanpeer/wire"
)

type recordingSink struct {
	sent [][]byte
	dest []*net.UDPAddr
}

func (s *recordingSink) BroadcastUDP(data []byte, dest *net.UDPAddr) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sent = append(s.sent, cp)
	s.dest = append(s.dest, dest)
	return nil
}

func TestHandlePingSendsPong(t *testing.T) {
	sink := &recordingSink{}
	tbl := conntable.New()
	plane := New(sink, tbl, []uint64{1}, 480, 47584)

	ping := &wire.AnnouncePayload{Kind: uint8(wire.AnnouncePing), TCPPort: 27015, AppTag: 480}
	ping.SetIds([]uint64{2})

	from := util.Endpoint{IP: 0x0A000002, Port: 47584}
	rec, firstContact := plane.HandleAnnounce(from, ping, 2)
	if rec == nil {
		t.Fatal("expected a connection record to be created")
	}
	if !firstContact {
		t.Fatal("expected first contact to be true")
	}
	if rec.TCPEndpoint.Port != 27015 {
		t.Fatalf("TCPEndpoint.Port = %d, want 27015", rec.TCPEndpoint.Port)
	}
	if len(sink.sent) == 0 {
		t.Fatal("expected a PONG (and possibly opportunistic PING) to be sent")
	}
	env, err := wire.Decode(sink.sent[0])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if env.Type != wire.PayloadAnnounce {
		t.Fatalf("reply type = %v, want announce", env.Type)
	}
	reply := env.Body.(*wire.AnnouncePayload)
	if wire.AnnounceKind(reply.Kind) != wire.AnnouncePong {
		t.Fatalf("reply kind = %v, want PONG", reply.Kind)
	}
}

func TestHandlePongSetsUDPEndpoint(t *testing.T) {
	sink := &recordingSink{}
	tbl := conntable.New()
	plane := New(sink, tbl, []uint64{1}, 480, 47584)

	pong := &wire.AnnouncePayload{Kind: uint8(wire.AnnouncePong), AppTag: 480}
	pong.SetIds([]uint64{2})

	from := util.Endpoint{IP: 0x0A000002, Port: 51000}
	rec, _ := plane.HandleAnnounce(from, pong, 2)
	if !rec.UDPPinged {
		t.Fatal("expected UDPPinged = true after a PONG")
	}
	if rec.UDPEndpoint != from {
		t.Fatalf("UDPEndpoint = %v, want %v", rec.UDPEndpoint, from)
	}
}

func TestMismatchedAppTagIgnored(t *testing.T) {
	sink := &recordingSink{}
	tbl := conntable.New()
	plane := New(sink, tbl, []uint64{1}, 480, 47584)

	ping := &wire.AnnouncePayload{Kind: uint8(wire.AnnouncePing), AppTag: 999}
	ping.SetIds([]uint64{2})

	rec, _ := plane.HandleAnnounce(util.Endpoint{IP: 1, Port: 1}, ping, 2)
	if rec != nil {
		t.Fatal("expected a mismatched app tag to be ignored")
	}
}

func TestTickBroadcastsToCustomTargets(t *testing.T) {
	sink := &recordingSink{}
	tbl := conntable.New()
	plane := New(sink, tbl, []uint64{1}, 480, 47584)
	plane.CustomTargets = []util.Endpoint{{IP: 0x0A000099, Port: 0}}

	plane.Tick(time.Now(), 27015)

	found := false
	for _, d := range sink.dest {
		if d.IP.String() == "10.0.0.153" && d.Port == 47584 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a broadcast to the custom target 10.0.0.153:47584, dests = %+v", sink.dest)
	}
}

func TestGossipOfOwnIDLearnsOwnIP(t *testing.T) {
	sink := &recordingSink{}
	tbl := conntable.New()
	plane := New(sink, tbl, []uint64{1}, 480, 47584)
	if plane.OwnIP() != util.LoopbackIP {
		t.Fatalf("OwnIP() before learning = %#x, want LoopbackIP", plane.OwnIP())
	}

	pong := &wire.AnnouncePayload{Kind: uint8(wire.AnnouncePong), AppTag: 480}
	pong.SetIds([]uint64{2})
	pong.SetGossipPeers([]wire.GossipPeer{{ID: 1, IP: 0x0A000005, UDPPort: 47584, AppTag: 480}})

	plane.HandleAnnounce(util.Endpoint{IP: 0x0A000002, Port: 47584}, pong, 2)

	if plane.OwnIP() != 0x0A000005 {
		t.Fatalf("OwnIP() = %#x, want 0x0A000005", plane.OwnIP())
	}
}

func TestTickRespectsBroadcastInterval(t *testing.T) {
	sink := &recordingSink{}
	tbl := conntable.New()
	plane := New(sink, tbl, []uint64{1}, 480, 47584)

	now := time.Now()
	plane.Tick(now, 27015)
	firstCount := len(sink.sent)
	if firstCount == 0 {
		t.Fatal("expected the first tick to broadcast")
	}
	plane.Tick(now.Add(time.Second), 27015)
	if len(sink.sent) != firstCount {
		t.Fatal("expected no broadcast before the interval elapses")
	}
	plane.Tick(now.Add(conntable.BroadcastInterval+time.Second), 27015)
	if len(sink.sent) <= firstCount {
		t.Fatal("expected a broadcast once the interval elapses")
	}
}
