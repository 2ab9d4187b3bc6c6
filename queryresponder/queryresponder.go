// Package queryresponder forwards server-browser query packets between a
// side UDP socket and a gameserver collaborator, without interpreting the
// query payloads itself.
package queryresponder

import (
	"net"

	"github.com/bfix/gospel/logger"

	"github.com/pjy612/lanpeer/socket"
)

// Reply is one outgoing packet the gameserver collaborator wants sent.
type Reply struct {
	Data []byte
	To   *net.UDPAddr
}

// Gameserver is the collaborator this responder forwards packets to and
// from; the core never interprets the packets itself.
type Gameserver interface {
	// HandleIncomingPacket delivers one received query datagram.
	HandleIncomingPacket(data []byte, from *net.UDPAddr)
	// GetNextOutgoingPacket returns the next queued reply, or ok=false if
	// none is pending.
	GetNextOutgoingPacket() (Reply, bool)
}

// Responder owns the side UDP socket bound to the gameserver's published
// query endpoint.
type Responder struct {
	sock *socket.UDPSocket
	gs   Gameserver
}

// New binds a query-responder socket on port and wires it to gs. The
// socket stays alive only as long as the gameserver collaborator
// publishes a query endpoint; closing the Responder when the gameserver
// shuts down is the caller's responsibility.
func New(port uint16, gs Gameserver) (*Responder, error) {
	sock, err := socket.NewUDPSocket(port)
	if err != nil {
		return nil, err
	}
	return &Responder{sock: sock, gs: gs}, nil
}

// Close releases the underlying socket.
func (r *Responder) Close() error { return r.sock.Close() }

// Tick drains pending inbound query datagrams to the gameserver
// collaborator, then drains its outgoing reply queue to the wire.
func (r *Responder) Tick() {
	buf := make([]byte, 4096)
	for {
		n, from, err := r.sock.Recv(buf)
		if err == socket.ErrWouldBlock {
			break
		}
		if err != nil {
			logger.Printf(logger.DBG, "[queryresponder] recv: %s\n", err.Error())
			break
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		r.gs.HandleIncomingPacket(data, from)
	}

	for {
		reply, ok := r.gs.GetNextOutgoingPacket()
		if !ok {
			break
		}
		if err := r.sock.SendTo(reply.Data, reply.To); err != nil {
			logger.Printf(logger.DBG, "[queryresponder] send to %s: %s\n", reply.To, err.Error())
		}
	}
}
