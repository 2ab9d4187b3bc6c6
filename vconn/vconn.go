// Package vconn implements the virtual-connection engine: a simulated
// stream-socket API (listen sockets, connect/accept, send/receive, poll
// groups) layered on top of the dispatch core's send path.
package vconn

import (
	"container/heap"
	"errors"
	"time"

	"github.com/bfix/gospel/logger"

	"github.com/pjy612/lanpeer/util"
	"github.com/pjy612/lanpeer/wire"
)

// Status is a virtual connection's state-machine position.
type Status int

const (
	StatusNone Status = iota
	StatusConnecting
	StatusConnected
	StatusClosed
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	case StatusTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// ConnectRetryInterval is how often an unaccepted CONNECTING attempt
// retransmits its connection request.
const ConnectRetryInterval = 2 * time.Second

// ConnectTimeout is how long a CONNECTING attempt waits for an accept
// before the initiator gives up.
const ConnectTimeout = 10 * time.Second

var (
	ErrNoListener      = errors.New("vconn: no listen socket on requested virtual port")
	ErrUnknownHandle   = errors.New("vconn: unknown connection handle")
	ErrNotConnecting   = errors.New("vconn: connection is not in CONNECTING state")
	ErrClosed          = errors.New("vconn: connection is closed")
)

// Handle is an opaque virtual-connection or listen-socket identifier.
type Handle uint64

// Sender delivers a networking_sockets envelope to a peer through the
// dispatch core's send path; implemented by the dispatch package.
type Sender interface {
	SendNetworkingSockets(peer uint64, reliable bool, payload *wire.NetworkingSocketsPayload) bool
}

// Message is one inbound payload delivered to the application.
type Message struct {
	Conn   Handle
	Peer   uint64
	Number uint64
	Data   []byte
}

// StatusChange is delivered to the application when a connection's state
// machine transitions.
type StatusChange struct {
	Conn      Handle
	Peer      uint64
	OldStatus Status
	NewStatus Status
	Reason    uint32
	DebugText string
}

// listenSocket is a registered virtual port accepting inbound connects.
type listenSocket struct {
	handle      Handle
	virtualPort int32
	realPort    uint16
}

// conn is one virtual connection's bookkeeping.
type conn struct {
	handle      Handle
	peer        uint64
	virtualPort int32
	status      Status
	pollGroup   Handle

	nextSendNumber uint64
	lastActivity   time.Time
	connectSentAt  time.Time
	initiator      bool // true if we called Connect; false if the peer did (handleConnectRequest)

	recvQueue priorityQueue
	seenLast  uint64 // highest message number already delivered, for re-sequencing (lower-than-delivered dropped)

	// pendingReliable holds reliable sends the sender could not immediately
	// deliver, retried once more by a lingering Close before the backlog
	// is discarded.
	pendingReliable []*wire.NetworkingSocketsPayload
}

// Engine owns every listen socket, virtual connection, and poll group for
// one local process.
type Engine struct {
	sender Sender

	listeners *util.Map[Handle, *listenSocket]
	conns     *util.Map[Handle, *conn]
	pgMembers *util.Map[Handle, []Handle]

	pending []StatusChange
}

// New creates an empty virtual-connection engine sending through sender.
func New(sender Sender) *Engine {
	return &Engine{
		sender:    sender,
		listeners: util.NewMap[Handle, *listenSocket](),
		conns:     util.NewMap[Handle, *conn](),
		pgMembers: util.NewMap[Handle, []Handle](),
	}
}

// CreateListen registers a virtual port that accepts inbound connection
// requests. realPort is advisory and carried only for introspection.
func (e *Engine) CreateListen(virtualPort int32, realPort uint16) Handle {
	h := Handle(util.NextID())
	e.listeners.Put(h, &listenSocket{handle: h, virtualPort: virtualPort, realPort: realPort})
	return h
}

// CloseListen stops accepting new connections on a listen socket.
func (e *Engine) CloseListen(h Handle) {
	e.listeners.Delete(h)
}

// Connect begins a connection attempt to peer's virtualPort. The attempt
// is CONNECTING until the peer calls Accept or the attempt times out.
func (e *Engine) Connect(peer uint64, virtualPort int32) Handle {
	h := Handle(util.NextID())
	c := &conn{handle: h, peer: peer, virtualPort: virtualPort, status: StatusConnecting, lastActivity: time.Now(), initiator: true}
	e.conns.Put(h, c)
	e.sendConnectRequest(c)
	return h
}

func (e *Engine) sendConnectRequest(c *conn) {
	c.connectSentAt = time.Now()
	e.sender.SendNetworkingSockets(c.peer, true, &wire.NetworkingSocketsPayload{
		Kind:        uint8(wire.NetConnectRequest),
		VirtualPort: c.virtualPort,
	})
}

// Accept moves a CONNECTING inbound connection to CONNECTED and notifies
// the peer.
func (e *Engine) Accept(h Handle) error {
	c, ok := e.conns.Get(h)
	if !ok {
		return ErrUnknownHandle
	}
	if c.status != StatusConnecting {
		return ErrNotConnecting
	}
	c.status = StatusConnected
	c.lastActivity = time.Now()
	e.sender.SendNetworkingSockets(c.peer, true, &wire.NetworkingSocketsPayload{
		Kind:        uint8(wire.NetConnectAccept),
		VirtualPort: c.virtualPort,
	})
	return nil
}

// Send transmits data on a CONNECTED virtual connection.
func (e *Engine) Send(h Handle, data []byte, reliable bool) error {
	c, ok := e.conns.Get(h)
	if !ok {
		return ErrUnknownHandle
	}
	if c.status != StatusConnected {
		return ErrClosed
	}
	c.nextSendNumber++
	payload := &wire.NetworkingSocketsPayload{
		Kind:          uint8(wire.NetData),
		VirtualPort:   c.virtualPort,
		MessageNumber: c.nextSendNumber,
		Reliable:      boolToUint8(reliable),
		DataLen:       uint16(len(data)),
		Data:          data,
	}
	if !e.sender.SendNetworkingSockets(c.peer, reliable, payload) && reliable {
		c.pendingReliable = append(c.pendingReliable, payload)
	}
	return nil
}

// SendMessages sends a batch of messages in order, transferring ownership
// of each byte slice to the engine (callers must not reuse the slices).
func (e *Engine) SendMessages(h Handle, msgs [][]byte, reliable bool) error {
	for _, m := range msgs {
		if err := e.Send(h, m, reliable); err != nil {
			return err
		}
	}
	return nil
}

// Close transitions a connection to CLOSED and notifies the peer. If
// linger is true, any reliable sends the transport could not previously
// deliver are retried once more before the backlog is discarded;
// otherwise the backlog is dropped immediately.
func (e *Engine) Close(h Handle, reason uint32, debugText string, linger bool) error {
	c, ok := e.conns.Get(h)
	if !ok {
		return ErrUnknownHandle
	}
	if linger {
		for _, p := range c.pendingReliable {
			e.sender.SendNetworkingSockets(c.peer, true, p)
		}
	}
	c.pendingReliable = nil
	c.recvQueue = nil
	c.status = StatusClosed
	e.sender.SendNetworkingSockets(c.peer, true, &wire.NetworkingSocketsPayload{
		Kind:        uint8(wire.NetClose),
		VirtualPort: c.virtualPort,
		Reason:      reason,
		DebugText:   debugText,
	})
	return nil
}

// HandleInbound processes a received networking_sockets envelope from
// peer, dispatching to connection-request/accept/data/close handling.
func (e *Engine) HandleInbound(peer uint64, p *wire.NetworkingSocketsPayload) {
	switch wire.NetworkingSocketsKind(p.Kind) {
	case wire.NetConnectRequest:
		e.handleConnectRequest(peer, p)
	case wire.NetConnectAccept:
		e.handleConnectAccept(peer, p)
	case wire.NetData:
		e.handleData(peer, p)
	case wire.NetClose:
		e.handleClose(peer, p)
	}
}

func (e *Engine) handleConnectRequest(peer uint64, p *wire.NetworkingSocketsPayload) {
	found := false
	e.listeners.Range(func(_ Handle, ls *listenSocket) bool {
		if ls.virtualPort == p.VirtualPort {
			found = true
			return false
		}
		return true
	})
	if !found {
		logger.Printf(logger.DBG, "[vconn] connect request from %d on unregistered port %d\n", peer, p.VirtualPort)
		return
	}
	h := Handle(util.NextID())
	now := time.Now()
	// connectSentAt is stamped here (not left zero) so Tick's timeout check
	// measures from when the request arrived, giving the application a
	// full ConnectTimeout window to call Accept; initiator stays false so
	// Tick never retransmits or auto-sends on this acceptor-side pending
	// connection.
	c := &conn{handle: h, peer: peer, virtualPort: p.VirtualPort, status: StatusConnecting, lastActivity: now, connectSentAt: now}
	e.conns.Put(h, c)
	e.pending = append(e.pending, StatusChange{Conn: h, Peer: peer, OldStatus: StatusNone, NewStatus: StatusConnecting})
}

func (e *Engine) handleConnectAccept(peer uint64, p *wire.NetworkingSocketsPayload) {
	e.conns.Range(func(h Handle, c *conn) bool {
		if c.peer == peer && c.virtualPort == p.VirtualPort && c.status == StatusConnecting {
			c.status = StatusConnected
			c.lastActivity = time.Now()
			e.pending = append(e.pending, StatusChange{Conn: h, Peer: peer, OldStatus: StatusConnecting, NewStatus: StatusConnected})
			return false
		}
		return true
	})
}

func (e *Engine) handleData(peer uint64, p *wire.NetworkingSocketsPayload) {
	e.conns.Range(func(h Handle, c *conn) bool {
		if c.peer != peer || c.virtualPort != p.VirtualPort || c.status == StatusClosed {
			return true
		}
		c.lastActivity = time.Now()
		if p.MessageNumber < c.seenLast {
			// a late arrival behind the already-delivered head; dropped
			// per the re-sequencing invariant.
			return false
		}
		heap.Push(&c.recvQueue, &queueItem{number: p.MessageNumber, data: p.Data})
		return false
	})
}

func (e *Engine) handleClose(peer uint64, p *wire.NetworkingSocketsPayload) {
	e.conns.Range(func(h Handle, c *conn) bool {
		if c.peer == peer && c.virtualPort == p.VirtualPort && c.status != StatusClosed {
			old := c.status
			c.status = StatusClosed
			e.pending = append(e.pending, StatusChange{
				Conn: h, Peer: peer, OldStatus: old, NewStatus: StatusClosed,
				Reason: p.Reason, DebugText: p.DebugText,
			})
			return false
		}
		return true
	})
}

// Tick retransmits unaccepted connect attempts and times out stale ones.
func (e *Engine) Tick(now time.Time) {
	var timedOut []Handle
	e.conns.Range(func(h Handle, c *conn) bool {
		if c.status != StatusConnecting {
			return true
		}
		if now.Sub(c.connectSentAt) > ConnectTimeout {
			timedOut = append(timedOut, h)
			return true
		}
		if c.initiator && now.Sub(c.connectSentAt) > ConnectRetryInterval {
			e.sendConnectRequest(c)
		}
		return true
	})
	for _, h := range timedOut {
		if c, ok := e.conns.Get(h); ok {
			c.status = StatusTimedOut
			e.pending = append(e.pending, StatusChange{Conn: h, Peer: c.peer, OldStatus: StatusConnecting, NewStatus: StatusTimedOut})
		}
	}
}

// DrainStatusChanges returns and clears pending status-change events.
func (e *Engine) DrainStatusChanges() []StatusChange {
	out := e.pending
	e.pending = nil
	return out
}

// Receive drains up to max messages from h's priority queue, in
// message-number order (re-sequenced).
func (e *Engine) Receive(h Handle, max int) ([]Message, error) {
	c, ok := e.conns.Get(h)
	if !ok {
		return nil, ErrUnknownHandle
	}
	var out []Message
	for len(out) < max && c.recvQueue.Len() > 0 {
		item := heap.Pop(&c.recvQueue).(*queueItem)
		c.seenLast = item.number
		out = append(out, Message{Conn: h, Peer: c.peer, Number: item.number, Data: item.data})
	}
	return out, nil
}

// JoinPollGroup adds a connection to a poll group, creating it if absent.
func (e *Engine) JoinPollGroup(pg Handle, conn Handle) {
	members, _ := e.pgMembers.Get(pg)
	e.pgMembers.Put(pg, append(members, conn))
}

// ReceiveOnPollGroup round-robins Receive across a poll group's members,
// preserving per-connection order; cross-connection order approximates
// arrival order of the completing datagram.
func (e *Engine) ReceiveOnPollGroup(pg Handle, max int) ([]Message, error) {
	members, _ := e.pgMembers.Get(pg)
	var out []Message
	for _, h := range members {
		if len(out) >= max {
			break
		}
		msgs, err := e.Receive(h, max-len(out))
		if err != nil {
			continue
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// ConnView is a read-only snapshot row for one virtual connection, for the
// admin introspection interface; it never lets a caller mutate engine state.
type ConnView struct {
	Handle      Handle
	Peer        uint64
	VirtualPort int32
	Status      Status
	PollGroup   Handle
}

// Snapshot returns a read-only view of every virtual connection.
func (e *Engine) Snapshot() []ConnView {
	pgOf := make(map[Handle]Handle)
	e.pgMembers.Range(func(pg Handle, members []Handle) bool {
		for _, m := range members {
			pgOf[m] = pg
		}
		return true
	})
	var out []ConnView
	e.conns.Range(func(h Handle, c *conn) bool {
		out = append(out, ConnView{Handle: h, Peer: c.peer, VirtualPort: c.virtualPort, Status: c.status, PollGroup: pgOf[h]})
		return true
	})
	return out
}

// Status returns the current state of a virtual connection.
func (e *Engine) Status(h Handle) (Status, error) {
	c, ok := e.conns.Get(h)
	if !ok {
		return StatusNone, ErrUnknownHandle
	}
	return c.status, nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

//----------------------------------------------------------------------
// re-sequencing priority queue: smaller message number first, FIFO
// tie-break on equal numbers (arrival order == container/heap's stable
// push order for equal keys is not guaranteed, so ties are broken by a
// monotonic sequence stamped at push time).
//----------------------------------------------------------------------

type queueItem struct {
	number uint64
	arrival uint64
	data   []byte
}

var arrivalCounter uint64

type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].number != pq[j].number {
		return pq[i].number < pq[j].number
	}
	return pq[i].arrival < pq[j].arrival
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*queueItem)
	arrivalCounter++
	item.arrival = arrivalCounter
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}
