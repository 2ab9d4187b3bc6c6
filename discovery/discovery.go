// Package discovery implements the LAN broadcast plane: periodic PING
// announcements, PING/PONG handling, and peer gossip.
package discovery

import (
	"net"
	"time"

	"github.com/bfix/gospel/logger"

	"github.com/pjy612/lanpeer/conntable"
	"github.com/pjy612/lanpeer/socket"
	"github.com/pjy612/lanpeer/util"
	"github.com/pjy612/lanpeer/wire"
)

// DefaultPort is the discovery plane's default UDP/TCP port. If unavailable
// the dispatch core tries the next 1000 ports sequentially.
const DefaultPort uint16 = 47584

// Sink receives the envelopes discovery wants to place on the wire; the
// dispatch core implements this to route through its own send path,
// keeping discovery itself socket-agnostic beyond raw broadcasts.
type Sink interface {
	BroadcastUDP(data []byte, dest *net.UDPAddr) error
}

// Plane drives PING broadcast emission and PING/PONG handling.
type Plane struct {
	sink   Sink
	table  *conntable.Table
	ids    []uint64
	appTag uint32

	boundPort uint16

	// ownIP is this process's externally-observed IP, learned from a
	// gossiped peer tuple that names one of our own identities (the way
	// the peer that reflected it back observed our broadcast's source).
	// Zero until learned; OwnIP falls back to util.LoopbackIP until then.
	ownIP uint32

	// CustomTargets are literal or resolved endpoints configured by the
	// operator (e.g. a LAN party's known server); sent to in addition to
	// the broadcast addresses.
	CustomTargets []util.Endpoint

	// RestrictGossipToWhitelist, when true, drops gossiped peer tuples
	// whose IP falls outside the current broadcast whitelist ranges
	// (see util.IPRange). Default false, matching the permissive
	// behavior of the system this core was modeled on.
	RestrictGossipToWhitelist bool

	lastBroadcast time.Time
}

// New creates a discovery plane for the given locally-owned identities and
// application tag, sending through sink and recording peers into table.
func New(sink Sink, table *conntable.Table, ids []uint64, appTag uint32, boundPort uint16) *Plane {
	return &Plane{sink: sink, table: table, ids: ids, appTag: appTag, boundPort: boundPort}
}

// Tick emits a PING broadcast if the broadcast interval has elapsed.
func (p *Plane) Tick(now time.Time, tcpPort uint16) {
	if !p.lastBroadcast.IsZero() && now.Sub(p.lastBroadcast) < conntable.BroadcastInterval {
		return
	}
	p.lastBroadcast = now

	ann := &wire.AnnouncePayload{Kind: uint8(wire.AnnouncePing), TCPPort: tcpPort, AppTag: p.appTag}
	ann.SetIds(p.ids)
	p.broadcastAnnounce(ann, DefaultPort)
	if p.boundPort != 0 && p.boundPort != DefaultPort {
		p.broadcastAnnounce(ann, p.boundPort)
	}
}

func (p *Plane) broadcastAnnounce(ann *wire.AnnouncePayload, port uint16) {
	env := wire.NewEnvelope(p.primaryID(), 0, p.OwnIP(), port, ann)
	data, err := env.EncodeUDP()
	if err != nil {
		logger.Printf(logger.WARN, "[discovery] encode announce: %s\n", err.Error())
		return
	}

	limited := &net.UDPAddr{IP: net.IPv4bcast, Port: int(port)}
	if err := p.sink.BroadcastUDP(data, limited); err != nil {
		logger.Printf(logger.DBG, "[discovery] limited broadcast: %s\n", err.Error())
	}

	info := socket.GetBroadcastInfo(port)
	for _, target := range info.Targets {
		if err := p.sink.BroadcastUDP(data, target.UDPAddr()); err != nil {
			logger.Printf(logger.DBG, "[discovery] directed broadcast to %s: %s\n", target, err.Error())
		}
	}
	for _, target := range p.CustomTargets {
		addr := target
		addr.Port = port
		if err := p.sink.BroadcastUDP(data, addr.UDPAddr()); err != nil {
			logger.Printf(logger.DBG, "[discovery] custom broadcast to %s: %s\n", addr, err.Error())
		}
	}
}

// OwnIP returns this process's externally-observed IP, or util.LoopbackIP
// if gossip has not yet reflected it back to us.
func (p *Plane) OwnIP() uint32 {
	if p.ownIP != 0 {
		return p.ownIP
	}
	return util.LoopbackIP
}

func (p *Plane) primaryID() uint64 {
	if len(p.ids) == 0 {
		return 0
	}
	return p.ids[0]
}

// HandleAnnounce processes a received announce envelope, creating or
// updating a connection record and, for PINGs, emitting a PONG reply.
// Returns the peer record and whether this was the first contact with it.
func (p *Plane) HandleAnnounce(from util.Endpoint, ann *wire.AnnouncePayload, senderID uint64) (*conntable.Record, bool) {
	if ann.AppTag != p.appTag {
		return nil, false
	}
	_, existed := p.table.Find(senderID)
	rec := p.table.GetOrCreate(senderID, ann.AppTag)
	if ann.TCPPort != 0 {
		rec.TCPEndpoint = util.Endpoint{IP: from.IP, Port: ann.TCPPort}
	}
	rec.LastReceived = time.Now()
	for _, id := range ann.Ids() {
		p.table.Index(id, rec)
	}

	switch wire.AnnounceKind(ann.Kind) {
	case wire.AnnouncePing:
		p.sendPong(from, rec)
		if !rec.UDPPinged {
			p.sendPing(from)
		}
	case wire.AnnouncePong:
		rec.UDPEndpoint = from
		rec.UDPPinged = true
	}

	p.mergeGossip(ann)
	return rec, !existed
}

func (p *Plane) sendPong(to util.Endpoint, self *conntable.Record) {
	pong := &wire.AnnouncePayload{Kind: uint8(wire.AnnouncePong), AppTag: p.appTag}
	pong.SetIds(p.ids)

	var peers []wire.GossipPeer
	for _, r := range p.table.All() {
		if !r.UDPPinged || len(r.IDs) == 0 {
			continue
		}
		peers = append(peers, wire.GossipPeer{ID: r.IDs[0], IP: r.UDPEndpoint.IP, UDPPort: r.UDPEndpoint.Port, AppTag: r.AppTag})
	}
	pong.SetGossipPeers(peers)

	env := wire.NewEnvelope(p.primaryID(), 0, p.OwnIP(), to.Port, pong)
	data, err := env.EncodeUDP()
	if err != nil {
		logger.Printf(logger.WARN, "[discovery] encode pong: %s\n", err.Error())
		return
	}
	if err := p.sink.BroadcastUDP(data, to.UDPAddr()); err != nil {
		logger.Printf(logger.DBG, "[discovery] send pong to %s: %s\n", to, err.Error())
	}
}

func (p *Plane) sendPing(to util.Endpoint) {
	ann := &wire.AnnouncePayload{Kind: uint8(wire.AnnouncePing), AppTag: p.appTag}
	ann.SetIds(p.ids)
	env := wire.NewEnvelope(p.primaryID(), 0, p.OwnIP(), to.Port, ann)
	data, err := env.EncodeUDP()
	if err != nil {
		return
	}
	if err := p.sink.BroadcastUDP(data, to.UDPAddr()); err != nil {
		logger.Printf(logger.DBG, "[discovery] opportunistic ping to %s: %s\n", to, err.Error())
	}
}

// mergeGossip sends an unsolicited PING to every gossiped peer not yet in
// the connection table, per the permissive-by-default trust model.
func (p *Plane) mergeGossip(ann *wire.AnnouncePayload) {
	for _, g := range ann.GossipPeers() {
		if g.AppTag != p.appTag {
			continue
		}
		if p.isOwnID(g.ID) {
			if g.IP != 0 && g.IP != p.ownIP {
				logger.Printf(logger.INFO, "[discovery] learned own IP %s from gossip\n", (util.Endpoint{IP: g.IP}).IPString())
				p.ownIP = g.IP
			}
			continue
		}
		if _, ok := p.table.Find(g.ID); ok {
			continue
		}
		ep := util.Endpoint{IP: g.IP, Port: g.UDPPort}
		if p.RestrictGossipToWhitelist && !withinWhitelist(ep.IP, socket.GetBroadcastInfo(DefaultPort).Whitelist) {
			logger.Printf(logger.DBG, "[discovery] dropped gossiped peer %s outside whitelist\n", ep)
			continue
		}
		p.sendPing(ep)
	}
}

func (p *Plane) isOwnID(id uint64) bool {
	for _, own := range p.ids {
		if own == id {
			return true
		}
	}
	return false
}

func withinWhitelist(ip uint32, ranges []util.IPRange) bool {
	for _, r := range ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}
