// Package dispatch implements the Run() tick: the single-threaded
// cooperative engine that drains sockets, advances liveness, and routes
// envelopes between the discovery plane, the connection table, the
// virtual-connection engine, and subsystem collaborators.
package dispatch

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/bfix/gospel/logger"

	"github.com/pjy612/lanpeer/admin"
	"github.com/pjy612/lanpeer/conntable"
	"github.com/pjy612/lanpeer/discovery"
	"github.com/pjy612/lanpeer/socket"
	"github.com/pjy612/lanpeer/util"
	"github.com/pjy612/lanpeer/vconn"
	"github.com/pjy612/lanpeer/wire"
)

var (
	ErrDisabled  = errors.New("dispatch: core is disabled after a fatal-per-process error")
	ErrNoPortRange = errors.New("dispatch: failed to bind any port in the configured range")
)

// portRange is how many sequential ports the core tries to bind before
// giving up, per §6 of the wire specification ("the core tries the next
// 1000 sequentially for both UDP and TCP independently").
const portRange = 1000

// Callback receives an envelope's payload along with its sender identity
// and observed source endpoint, for payload types a collaborator has
// registered interest in.
type Callback func(senderID uint64, source util.Endpoint, payload wire.Payload)

// acceptedStream is a TCP connection accepted but not yet bound to a
// connection record (its first envelope must carry a source_id).
type acceptedStream struct {
	conn      net.Conn
	buf       []byte
	acceptedAt time.Time
}

// Core is the dispatch engine for one local process.
type Core struct {
	ids    []uint64
	appTag uint32

	udpSock *socket.UDPSocket
	tcpLn   *socket.TCPListener

	table     *conntable.Table
	discovery *discovery.Plane
	vconnEng  *vconn.Engine

	callbacks map[wire.PayloadType][]Callback

	staging  []*acceptedStream
	loopback []*wire.Envelope

	adminStore *admin.Store

	disabled bool
}

// udpSinkAdapter lets the discovery plane send through this core's UDP
// socket without importing the dispatch package (avoiding an import
// cycle), satisfying discovery.Sink.
type udpSinkAdapter struct{ sock *socket.UDPSocket }

func (a udpSinkAdapter) BroadcastUDP(data []byte, dest *net.UDPAddr) error {
	return a.sock.SendTo(data, dest)
}

// New binds UDP and TCP on basePort (trying up to portRange further ports
// on failure) and wires together the discovery plane and virtual
// connection engine for the given locally-owned identities and app tag.
func New(ids []uint64, appTag uint32, basePort uint16) (*Core, error) {
	udpSock, udpPort, err := bindUDPWithRetry(basePort)
	if err != nil {
		return nil, err
	}
	tcpLn, _, err := bindTCPWithRetry(basePort)
	if err != nil {
		udpSock.Close()
		return nil, err
	}

	c := &Core{
		ids:       ids,
		appTag:    appTag,
		udpSock:   udpSock,
		tcpLn:     tcpLn,
		table:     conntable.New(),
		callbacks: make(map[wire.PayloadType][]Callback),
		adminStore: admin.NewStore(),
	}
	c.discovery = discovery.New(udpSinkAdapter{sock: udpSock}, c.table, ids, appTag, udpPort)
	c.vconnEng = vconn.New(c)
	return c, nil
}

func bindUDPWithRetry(basePort uint16) (*socket.UDPSocket, uint16, error) {
	for i := 0; i < portRange; i++ {
		port := basePort + uint16(i)
		sock, err := socket.NewUDPSocket(port)
		if err == nil {
			return sock, sock.Port(), nil
		}
	}
	return nil, 0, ErrNoPortRange
}

func bindTCPWithRetry(basePort uint16) (*socket.TCPListener, uint16, error) {
	for i := 0; i < portRange; i++ {
		port := basePort + uint16(i)
		ln, err := socket.NewTCPListener(port)
		if err == nil {
			return ln, ln.Port(), nil
		}
	}
	return nil, 0, ErrNoPortRange
}

// SetCustomBroadcastTargets configures additional endpoints the discovery
// plane announces to on every tick, alongside the LAN broadcast addresses
// it discovers on its own. Call before the first Run() so the initial
// broadcast reaches them too.
func (c *Core) SetCustomBroadcastTargets(targets []util.Endpoint) {
	c.discovery.CustomTargets = targets
}

// SetRestrictGossipToWhitelist toggles whether gossiped peer tuples whose
// IP falls outside the LAN whitelist ranges are dropped instead of
// trusted and pinged.
func (c *Core) SetRestrictGossipToWhitelist(restrict bool) {
	c.discovery.RestrictGossipToWhitelist = restrict
}

// RegisterCallback registers cb to receive every envelope of type t.
// announce and networking_sockets envelopes are consumed by the core and
// never reach callbacks; low_level callbacks receive every low_level
// envelope from a known peer plus the core's own CONNECT/DISCONNECT edges.
func (c *Core) RegisterCallback(t wire.PayloadType, cb Callback) {
	c.callbacks[t] = append(c.callbacks[t], cb)
}

// VConn exposes the virtual-connection engine to the embedder.
func (c *Core) VConn() *vconn.Engine { return c.vconnEng }

// AdminStore exposes the snapshot store the admin interface reads from.
func (c *Core) AdminStore() *admin.Store { return c.adminStore }

// TCPPort returns the bound TCP listen port.
func (c *Core) TCPPort() uint16 { return c.tcpLn.Port() }

// UDPPort returns the bound UDP port.
func (c *Core) UDPPort() uint16 { return c.udpSock.Port() }

// Run executes one tick: broadcast, drain sockets, advance TCP streams
// and liveness, retransmit pending virtual-connection attempts, and
// refresh the admin snapshot. It never blocks.
func (c *Core) Run() {
	if c.disabled {
		return
	}
	now := time.Now()

	c.discovery.Tick(now, c.tcpLn.Port())
	c.drainUDP()
	c.drainLoopback()
	c.drainTCPAccept(now)
	c.serviceConnections(now)
	c.sweepExpired(now)
	c.vconnEng.Tick(now)
	c.refreshAdminSnapshot()
}

func (c *Core) drainUDP() {
	buf := make([]byte, wire.MaxUDPPayload)
	for {
		n, from, err := c.udpSock.Recv(buf)
		if err == socket.ErrWouldBlock {
			return
		}
		if err != nil {
			logger.Printf(logger.DBG, "[dispatch] udp recv: %s\n", err.Error())
			return
		}
		env, err := wire.Decode(buf[:n])
		if err != nil {
			logger.Printf(logger.DBG, "[dispatch] malformed udp envelope from %s: %s\n", from, err.Error())
			continue
		}
		env.SourceIP = util.NewEndpointFromUDPAddr(from).IP
		env.SourcePort = uint16(from.Port)
		c.dispatch(env, util.NewEndpointFromUDPAddr(from))
	}
}

func (c *Core) drainLoopback() {
	pending := c.loopback
	c.loopback = nil
	for _, env := range pending {
		c.dispatch(env, util.Endpoint{IP: c.discovery.OwnIP()})
	}
}

func (c *Core) dispatch(env *wire.Envelope, from util.Endpoint) {
	switch env.Type {
	case wire.PayloadAnnounce:
		c.discovery.HandleAnnounce(from, env.Body.(*wire.AnnouncePayload), env.SourceID)
	case wire.PayloadLowLevel:
		c.handleLowLevel(env, from)
	case wire.PayloadNetworkingSockets:
		c.vconnEng.HandleInbound(env.SourceID, env.Body.(*wire.NetworkingSocketsPayload))
	default:
		for _, cb := range c.callbacks[env.Type] {
			cb(env.SourceID, from, env.Body)
		}
	}
}

func (c *Core) handleLowLevel(env *wire.Envelope, from util.Endpoint) {
	rec, ok := c.table.Find(env.SourceID)
	if !ok {
		return
	}
	rec.LastReceived = time.Now()
	p := env.Body.(*wire.LowLevelPayload)
	for _, cb := range c.callbacks[wire.PayloadLowLevel] {
		cb(env.SourceID, from, p)
	}
}

func (c *Core) drainTCPAccept(now time.Time) {
	for {
		conn, err := c.tcpLn.Accept()
		if err == socket.ErrWouldBlock {
			return
		}
		if err != nil {
			logger.Printf(logger.DBG, "[dispatch] tcp accept: %s\n", err.Error())
			return
		}
		c.staging = append(c.staging, &acceptedStream{conn: conn, acceptedAt: now})
	}
}

func (c *Core) serviceConnections(now time.Time) {
	c.serviceStaging(now)

	for _, rec := range c.table.All() {
		if rec.TCPOut == nil && !rec.TCPEndpoint.IsZero() {
			c.openOutbound(rec)
		}
		c.drainStream(rec, rec.TCPIn, now)
		c.drainStream(rec, rec.TCPOut, now)
		c.maybeHeartbeat(rec, now)
	}
}

func (c *Core) serviceStaging(now time.Time) {
	var remaining []*acceptedStream
	for _, st := range c.staging {
		buf := make([]byte, 4096)
		n, err := socket.RecvStream(st.conn, buf)
		switch {
		case err == socket.ErrWouldBlock:
			if now.Sub(st.acceptedAt) > conntable.HeartbeatTimeout {
				st.conn.Close()
				continue
			}
			remaining = append(remaining, st)
			continue
		case err != nil:
			st.conn.Close()
			continue
		}
		st.buf = append(st.buf, buf[:n]...)
		env, consumed, ok := tryParseFramed(st.buf)
		if !ok {
			remaining = append(remaining, st)
			continue
		}
		st.buf = st.buf[consumed:]
		rec, known := c.table.Find(env.SourceID)
		if !known {
			st.conn.Close()
			continue
		}
		if rec.TCPIn != nil {
			rec.TCPIn.Close()
		}
		rec.TCPIn = st.conn
		rec.LastReceived = now
		wasConnected := rec.Connected
		rec.Connected = true
		if !wasConnected {
			c.fireLowLevel(rec, wire.LowLevelConnect, "")
		}
	}
	c.staging = remaining
}

func (c *Core) openOutbound(rec *conntable.Record) {
	conn, err := socket.DialTCP(rec.TCPEndpoint.TCPAddr(), 3*time.Second)
	if err != nil {
		logger.Printf(logger.DBG, "[dispatch] dial %s: %s\n", rec.TCPEndpoint, err.Error())
		return
	}
	rec.TCPOut = conn
	bind := &wire.LowLevelPayload{Kind: uint8(wire.LowLevelConnect)}
	env := wire.NewEnvelope(c.primaryID(), 0, c.discovery.OwnIP(), c.tcpLn.Port(), bind)
	if err := wire.WriteTCP(conn, env); err != nil {
		logger.Printf(logger.DBG, "[dispatch] write bind envelope: %s\n", err.Error())
	}
}

func (c *Core) drainStream(rec *conntable.Record, conn net.Conn, now time.Time) {
	if conn == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := socket.RecvStream(conn, buf)
		if err == socket.ErrWouldBlock {
			return
		}
		if err != nil {
			if err == io.EOF {
				logger.Printf(logger.WARN, "[dispatch] tcp stream to %s closed by peer\n", rec.TCPEndpoint)
			} else {
				logger.Printf(logger.WARN, "[dispatch] tcp stream to %s: %s\n", rec.TCPEndpoint, err.Error())
			}
			c.closeStreamSide(rec, conn)
			return
		}
		env, err := wire.Decode(buf[:n])
		if err != nil {
			logger.Printf(logger.WARN, "[dispatch] tcp frame parse error from %s: %s -- closing stream\n", rec.TCPEndpoint, err.Error())
			c.closeStreamSide(rec, conn)
			return
		}
		rec.LastReceived = now
		wasConnected := rec.Connected
		rec.Connected = true
		if !wasConnected {
			c.fireLowLevel(rec, wire.LowLevelConnect, "")
		}
		c.dispatch(env, rec.TCPEndpoint)
	}
}

func (c *Core) closeStreamSide(rec *conntable.Record, conn net.Conn) {
	conn.Close()
	if rec.TCPIn == conn {
		rec.TCPIn = nil
	}
	if rec.TCPOut == conn {
		rec.TCPOut = nil
	}
	if rec.TCPIn == nil && rec.TCPOut == nil {
		rec.Connected = false
		c.fireLowLevel(rec, wire.LowLevelDisconnect, "")
	}
}

func (c *Core) maybeHeartbeat(rec *conntable.Record, now time.Time) {
	if rec.TCPIn == nil && rec.TCPOut == nil {
		return
	}
	if !rec.HeartbeatDue(now) {
		return
	}
	hb := &wire.LowLevelPayload{Kind: uint8(wire.LowLevelHeartbeat)}
	env := wire.NewEnvelope(c.primaryID(), rec.IDs[0], c.discovery.OwnIP(), c.tcpLn.Port(), hb)
	if rec.TCPOut != nil {
		wire.WriteTCP(rec.TCPOut, env)
	} else if rec.TCPIn != nil {
		wire.WriteTCP(rec.TCPIn, env)
	}
	rec.MarkHeartbeatSent(now)
}

func (c *Core) sweepExpired(now time.Time) {
	for _, rec := range c.table.SweepExpired(now) {
		c.fireLowLevel(rec, wire.LowLevelDisconnect, "")
	}
}

// fireLowLevel invokes every registered low_level callback for each of
// rec's identities, used to edge-trigger CONNECT (first data on either TCP
// stream) and DISCONNECT (both streams down, or liveness timeout).
func (c *Core) fireLowLevel(rec *conntable.Record, kind wire.LowLevelKind, debugText string) {
	for _, id := range rec.IDs {
		for _, cb := range c.callbacks[wire.PayloadLowLevel] {
			cb(id, rec.TCPEndpoint, &wire.LowLevelPayload{Kind: uint8(kind), DebugText: debugText})
		}
	}
}

// SendTo implements the §4.5 send path: loopback for local identities,
// forced-reliable for oversize payloads, TCP for reliable/never-pinged
// peers, UDP datagram otherwise. Returns false if the peer is unknown or
// the send failed.
func (c *Core) SendTo(destID uint64, reliable bool, body wire.Payload) bool {
	if c.isLocal(destID) {
		env := wire.NewEnvelope(c.primaryID(), destID, c.discovery.OwnIP(), c.tcpLn.Port(), body)
		c.loopback = append(c.loopback, env)
		return true
	}

	rec, ok := c.table.Find(destID)
	if !ok {
		return false
	}
	env := wire.NewEnvelope(c.primaryID(), destID, c.discovery.OwnIP(), c.tcpLn.Port(), body)

	data, err := wire.Marshal(body)
	if err == nil && len(data)+headerOverhead > wire.MaxUDPPayload {
		reliable = true
	}

	if reliable || !rec.UDPPinged {
		conn := rec.TCPIn
		if conn == nil {
			conn = rec.TCPOut
		}
		if conn == nil {
			return false
		}
		if err := wire.WriteTCP(conn, env); err != nil {
			logger.Printf(logger.DBG, "[dispatch] tcp send to %s: %s\n", rec.TCPEndpoint, err.Error())
			return false
		}
		return true
	}

	buf, err := env.EncodeUDP()
	if err != nil {
		logger.Printf(logger.DBG, "[dispatch] udp encode: %s\n", err.Error())
		return false
	}
	if err := c.udpSock.SendTo(buf, rec.UDPEndpoint.UDPAddr()); err != nil {
		logger.Printf(logger.DBG, "[dispatch] udp send to %s: %s\n", rec.UDPEndpoint, err.Error())
		return false
	}
	return true
}

// SendNetworkingSockets implements vconn.Sender.
func (c *Core) SendNetworkingSockets(peer uint64, reliable bool, p *wire.NetworkingSocketsPayload) bool {
	return c.SendTo(peer, reliable, p)
}

// SendToAll sends body to every known peer, filtered by kind.
func (c *Core) SendToAll(reliable bool, body wire.Payload, kindFilter func(util.Kind) bool) {
	for _, rec := range c.table.All() {
		if len(rec.IDs) == 0 {
			continue
		}
		if kindFilter != nil && !kindFilter(util.Identity(rec.IDs[0]).Kind()) {
			continue
		}
		c.SendTo(rec.IDs[0], reliable, body)
	}
}

// SendToAllIndividuals sends body to every known individual-account peer.
func (c *Core) SendToAllIndividuals(reliable bool, body wire.Payload) {
	c.SendToAll(reliable, body, func(k util.Kind) bool { return k == util.KindIndividual })
}

// SendToAllGameservers sends body to every known gameserver peer.
func (c *Core) SendToAllGameservers(reliable bool, body wire.Payload) {
	c.SendToAll(reliable, body, func(k util.Kind) bool {
		return k == util.KindGameServer || k == util.KindAnonGameServer
	})
}

func (c *Core) isLocal(id uint64) bool {
	for _, local := range c.ids {
		if local == id {
			return true
		}
	}
	return false
}

func (c *Core) primaryID() uint64 {
	if len(c.ids) == 0 {
		return 0
	}
	return c.ids[0]
}

// headerOverhead approximates the envelope header + TCP length prefix so
// SendTo can decide whether a UDP-sized payload must be promoted to
// reliable before encoding twice.
const headerOverhead = 32

func (c *Core) refreshAdminSnapshot() {
	var peers []admin.PeerView
	for _, rec := range c.table.All() {
		peers = append(peers, admin.PeerView{
			IDs:          rec.IDs,
			AppTag:       rec.AppTag,
			TCPEndpoint:  rec.TCPEndpoint.String(),
			UDPEndpoint:  rec.UDPEndpoint.String(),
			UDPPinged:    rec.UDPPinged,
			Connected:    rec.Connected,
			LastReceived: rec.LastReceived.Format(time.RFC3339),
		})
	}
	var vconns []admin.VirtualConnView
	for _, v := range c.vconnEng.Snapshot() {
		vconns = append(vconns, admin.VirtualConnView{
			Handle:    uint64(v.Handle),
			Peer:      v.Peer,
			Status:    v.Status.String(),
			PollGroup: uint64(v.PollGroup),
		})
	}

	info := socket.GetBroadcastInfo(discovery.DefaultPort)
	c.adminStore.Update(admin.Snapshot{Peers: peers, VirtualConns: vconns, Whitelist: info.Whitelist})
}

// tryParseFramed attempts to parse one length-prefixed envelope from buf.
// Returns (envelope, bytesConsumed, true) on success; (nil, 0, false) if
// buf does not yet hold a complete frame.
func tryParseFramed(buf []byte) (*wire.Envelope, int, bool) {
	if len(buf) < 4 {
		return nil, 0, false
	}
	n, err := wire.PeekTCPLength(buf)
	if err != nil {
		return nil, 0, false
	}
	total := 4 + int(n)
	if len(buf) < total {
		return nil, 0, false
	}
	env, err := wire.Decode(buf[4:total])
	if err != nil {
		return nil, 0, false
	}
	return env, total, true
}
