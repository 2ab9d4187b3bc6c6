// Package conntable holds one record per remote peer this process has
// heard from: the identifiers it advertises, its endpoints, its TCP
// streams, and the timestamps liveness expiry is computed from.
package conntable

import (
	"net"
	"time"

	"github.com/pjy612/lanpeer/util"
)

// Liveness timers. BroadcastInterval is consumed by the discovery plane;
// HeartbeatTimeout and UserTimeout are consumed here and by the dispatch
// tick that sweeps this table.
const (
	BroadcastInterval = 5 * time.Second
	HeartbeatTimeout  = 20 * time.Second
	UserTimeout       = 20 * time.Second
)

// Record is one remote peer's connection state.
type Record struct {
	IDs          []uint64      // non-empty; unique across records sharing AppTag
	AppTag       uint32        // immutable once set
	TCPEndpoint  util.Endpoint // advertised listen endpoint
	UDPEndpoint  util.Endpoint // observed source endpoint; valid only if UDPPinged
	UDPPinged    bool          // monotonic false -> true
	TCPIn        net.Conn      // inbound stream (peer dialed us), at most one
	TCPOut       net.Conn      // outbound stream (we dialed peer), at most one
	Connected    bool          // true once any TCP stream has carried data
	LastReceived time.Time     // wall clock of last envelope received from peer

	lastHeartbeatSent time.Time
}

// HasID reports whether id is one of this peer's advertised identifiers.
func (r *Record) HasID(id uint64) bool {
	for _, existing := range r.IDs {
		if existing == id {
			return true
		}
	}
	return false
}

// AddID merges id into the record's identifier set if not already present.
func (r *Record) AddID(id uint64) {
	if !r.HasID(id) {
		r.IDs = append(r.IDs, id)
	}
}

// Expired reports whether the peer has exceeded the user timeout measured
// from now.
func (r *Record) Expired(now time.Time) bool {
	return now.Sub(r.LastReceived) > UserTimeout
}

// HeartbeatDue reports whether a heartbeat should be sent on this peer's
// TCP stream(s), measured from now.
func (r *Record) HeartbeatDue(now time.Time) bool {
	return now.Sub(r.lastHeartbeatSent) > HeartbeatTimeout/2
}

// MarkHeartbeatSent records that a heartbeat was just emitted.
func (r *Record) MarkHeartbeatSent(now time.Time) {
	r.lastHeartbeatSent = now
}

// Table indexes Records by every identifier they advertise, plus a
// parallel slice for existence-independent iteration (gossip, timeout
// sweep, admin snapshots).
type Table struct {
	byID  *util.Map[uint64, *Record]
	order []*Record
}

// New creates an empty connection table.
func New() *Table {
	return &Table{byID: util.NewMap[uint64, *Record]()}
}

// Find looks up the record owning id, if any.
func (t *Table) Find(id uint64) (*Record, bool) {
	return t.byID.Get(id)
}

// FindByAppTag looks up a record owning id whose AppTag matches appTag.
// A single identifier is unique within an app tag but a process may run
// identities for more than one tag (rare; kept for parity with lookups
// keyed by both fields).
func (t *Table) FindByAppTag(id uint64, appTag uint32) (*Record, bool) {
	r, ok := t.byID.Get(id)
	if !ok || r.AppTag != appTag {
		return nil, false
	}
	return r, true
}

// GetOrCreate returns the existing record for id, or creates and indexes
// a new one under id and appTag.
func (t *Table) GetOrCreate(id uint64, appTag uint32) *Record {
	if r, ok := t.byID.Get(id); ok {
		return r
	}
	r := &Record{IDs: []uint64{id}, AppTag: appTag, LastReceived: time.Now()}
	t.byID.Put(id, r)
	t.order = append(t.order, r)
	return r
}

// Index registers an additional identifier as an alias for an existing
// record, used when a peer's announcement reveals it owns more than one
// identity (user + gameserver in the same process).
func (t *Table) Index(id uint64, r *Record) {
	r.AddID(id)
	t.byID.Put(id, r)
}

// All returns a snapshot of every known record, in discovery order.
func (t *Table) All() []*Record {
	out := make([]*Record, len(t.order))
	copy(out, t.order)
	return out
}

// Remove deletes a record and all of its identifier aliases from the
// table, closing its TCP streams first.
func (t *Table) Remove(r *Record) {
	if r.TCPIn != nil {
		r.TCPIn.Close()
	}
	if r.TCPOut != nil {
		r.TCPOut.Close()
	}
	for _, id := range r.IDs {
		t.byID.Delete(id)
	}
	for i, existing := range t.order {
		if existing == r {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// SweepExpired removes every record whose last-received timestamp has
// exceeded UserTimeout, returning the removed records for the caller to
// notify subsystem collaborators about (a peer disconnect edge).
func (t *Table) SweepExpired(now time.Time) []*Record {
	var expired []*Record
	for _, r := range t.All() {
		if r.Expired(now) {
			expired = append(expired, r)
			t.Remove(r)
		}
	}
	return expired
}
