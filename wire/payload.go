package wire

import "fmt"

// PayloadType tags the oneof variant carried by an Envelope. The core only
// interprets Announce, LowLevel and NetworkingSockets; the remaining
// variants are opaque cargo for subsystem collaborators (lobby, friends,
// auth tickets, stats, ...) that live outside this core.
type PayloadType uint8

const (
	PayloadAnnounce PayloadType = iota
	PayloadLowLevel
	PayloadNetwork
	PayloadLobby
	PayloadLobbyMessages
	PayloadGameserver
	PayloadFriend
	PayloadAuthTicket
	PayloadFriendMessages
	PayloadNetworkingSockets
	PayloadSteamMessages
	PayloadNetworkingMessages
	PayloadGameserverStatsMessages
	PayloadLeaderboardsMessages
)

func (t PayloadType) String() string {
	switch t {
	case PayloadAnnounce:
		return "announce"
	case PayloadLowLevel:
		return "low_level"
	case PayloadNetwork:
		return "network"
	case PayloadLobby:
		return "lobby"
	case PayloadLobbyMessages:
		return "lobby_messages"
	case PayloadGameserver:
		return "gameserver"
	case PayloadFriend:
		return "friend"
	case PayloadAuthTicket:
		return "auth_ticket"
	case PayloadFriendMessages:
		return "friend_messages"
	case PayloadNetworkingSockets:
		return "networking_sockets"
	case PayloadSteamMessages:
		return "steam_messages"
	case PayloadNetworkingMessages:
		return "networking_messages"
	case PayloadGameserverStatsMessages:
		return "gameserver_stats_messages"
	case PayloadLeaderboardsMessages:
		return "leaderboards_messages"
	}
	return fmt.Sprintf("payload(%d)", uint8(t))
}

// Payload is implemented by every concrete oneof variant.
type Payload interface {
	Type() PayloadType
}

//----------------------------------------------------------------------
// announce: PING / PONG
//----------------------------------------------------------------------

// AnnounceKind distinguishes a PING request from a PONG reply.
type AnnounceKind uint8

const (
	AnnouncePing AnnounceKind = 0
	AnnouncePong AnnounceKind = 1
)

// identityEntry is a single identifier carried in an Announce's Ids list.
type identityEntry struct {
	ID uint64 `order:"big"`
}

// peerEntry is a gossiped peer tuple carried in a PONG's Peers list,
// letting a peer learn about other LAN participants it has not directly
// exchanged broadcasts with.
type peerEntry struct {
	ID      uint64 `order:"big"`
	IP      uint32 `order:"big"`
	UDPPort uint16 `order:"big"`
	AppTag  uint32 `order:"big"`
}

// AnnouncePayload is the PING/PONG announcement used by the discovery
// plane (see §4.3).
type AnnouncePayload struct {
	Kind      uint8  `order:"big"`
	TCPPort   uint16 `order:"big"`
	AppTag    uint32 `order:"big"`
	IDCount   uint16 `order:"big"`
	IDs       []identityEntry `size:"IDCount"`
	PeerCount uint16          `order:"big"`
	Peers     []peerEntry     `size:"PeerCount"`
}

func (p *AnnouncePayload) Type() PayloadType { return PayloadAnnounce }

// Ids returns the carried identifiers as plain uint64s.
func (p *AnnouncePayload) Ids() []uint64 {
	out := make([]uint64, len(p.IDs))
	for i, e := range p.IDs {
		out[i] = e.ID
	}
	return out
}

// SetIds populates the Ids list (and IDCount) from plain uint64s.
func (p *AnnouncePayload) SetIds(ids []uint64) {
	p.IDs = make([]identityEntry, len(ids))
	for i, id := range ids {
		p.IDs[i] = identityEntry{ID: id}
	}
	p.IDCount = uint16(len(p.IDs))
}

// GossipPeer is a plain-Go view of a gossiped peer tuple.
type GossipPeer struct {
	ID      uint64
	IP      uint32
	UDPPort uint16
	AppTag  uint32
}

// GossipPeers returns the carried peer tuples.
func (p *AnnouncePayload) GossipPeers() []GossipPeer {
	out := make([]GossipPeer, len(p.Peers))
	for i, e := range p.Peers {
		out[i] = GossipPeer{ID: e.ID, IP: e.IP, UDPPort: e.UDPPort, AppTag: e.AppTag}
	}
	return out
}

// SetGossipPeers populates the Peers list (and PeerCount).
func (p *AnnouncePayload) SetGossipPeers(peers []GossipPeer) {
	p.Peers = make([]peerEntry, len(peers))
	for i, g := range peers {
		p.Peers[i] = peerEntry{ID: g.ID, IP: g.IP, UDPPort: g.UDPPort, AppTag: g.AppTag}
	}
	p.PeerCount = uint16(len(p.Peers))
}

//----------------------------------------------------------------------
// low_level: CONNECT / DISCONNECT / HEARTBEAT
//----------------------------------------------------------------------

// LowLevelKind enumerates the small set of liveness/session signals
// exchanged on every TCP stream.
type LowLevelKind uint8

const (
	LowLevelConnect LowLevelKind = iota
	LowLevelDisconnect
	LowLevelHeartbeat
)

// LowLevelPayload carries heartbeats and connect/disconnect notices.
type LowLevelPayload struct {
	Kind      uint8 `order:"big"`
	Reason    uint32 `order:"big"`
	DebugText string
}

func (p *LowLevelPayload) Type() PayloadType { return PayloadLowLevel }

//----------------------------------------------------------------------
// networking_sockets: virtual-connection control/data plane
//----------------------------------------------------------------------

// NetworkingSocketsKind enumerates the virtual-connection engine's wire
// operations (see §4.6).
type NetworkingSocketsKind uint8

const (
	NetConnectRequest NetworkingSocketsKind = iota
	NetConnectAccept
	NetData
	NetClose
)

// NetworkingSocketsPayload carries the virtual-connection engine's
// control and data messages.
type NetworkingSocketsPayload struct {
	Kind          uint8  `order:"big"`
	VirtualPort   int32  `order:"big"`
	MessageNumber uint64 `order:"big"`
	Reliable      uint8  `order:"big"`
	Reason        uint32 `order:"big"`
	DebugText     string
	DataLen       uint16 `order:"big"`
	Data          []byte `size:"DataLen"`
}

func (p *NetworkingSocketsPayload) Type() PayloadType { return PayloadNetworkingSockets }

//----------------------------------------------------------------------
// Opaque pass-through payloads (subsystems out of scope for this core)
//----------------------------------------------------------------------

// RawPayload carries bytes for any oneof variant the core itself does not
// interpret (network, lobby, gameserver, friend, auth_ticket, ...). The
// concrete variant is preserved in the Envelope's Type field; collaborator
// subsystems registered for that type receive these bytes untouched.
type RawPayload struct {
	kind PayloadType
	Data []byte `size:"*"`
}

// NewRawPayload wraps data for transmission as the given opaque variant.
func NewRawPayload(kind PayloadType, data []byte) *RawPayload {
	return &RawPayload{kind: kind, Data: data}
}

func (p *RawPayload) Type() PayloadType { return p.kind }

// NewEmptyPayload allocates a zero-value payload struct suitable to
// Unmarshal into, selected by its wire type tag. This mirrors the
// type-keyed empty-message factory pattern used for every other tagged
// binary format in this codebase.
func NewEmptyPayload(t PayloadType) (Payload, error) {
	switch t {
	case PayloadAnnounce:
		return new(AnnouncePayload), nil
	case PayloadLowLevel:
		return new(LowLevelPayload), nil
	case PayloadNetworkingSockets:
		return new(NetworkingSocketsPayload), nil
	case PayloadNetwork, PayloadLobby, PayloadLobbyMessages, PayloadGameserver,
		PayloadFriend, PayloadAuthTicket, PayloadFriendMessages, PayloadSteamMessages,
		PayloadNetworkingMessages, PayloadGameserverStatsMessages, PayloadLeaderboardsMessages:
		return &RawPayload{kind: t}, nil
	}
	return nil, fmt.Errorf("wire: unknown payload type %d", uint8(t))
}
