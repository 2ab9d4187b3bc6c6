package wire

// Envelope framing: every message exchanged between peers (over UDP
// datagrams or a TCP byte stream) is a fixed 23-byte header followed by a
// payload body whose shape is selected by the header's Type field.
//
// TCP carries a uint32 little-endian length prefix ahead of each envelope
// (see §6, REDESIGN FLAGS: little-endian was chosen for the length prefix
// even though header fields stay big-endian, to match this codebase's
// existing length-prefix convention for TCP framing). UDP carries exactly
// one envelope per datagram, with no length prefix.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxUDPPayload is the largest envelope this core will place into a
// single UDP datagram. Larger payloads must be promoted to the peer's
// reliable TCP channel by the caller.
const MaxUDPPayload = 16384

// headerSize is the encoded size of Envelope's fixed fields:
// SourceID(8) + DestID(8) + SourceIP(4) + SourcePort(2) + Type(1).
const headerSize = 8 + 8 + 4 + 2 + 1

var (
	ErrShortHeader  = errors.New("wire: buffer too short for envelope header")
	ErrShortBody    = errors.New("wire: buffer too short for envelope body")
	ErrOversizedUDP = errors.New("wire: envelope exceeds MaxUDPPayload")
)

// Envelope is the on-wire unit of exchange between two peers.
type Envelope struct {
	SourceID   uint64
	DestID     uint64
	SourceIP   uint32
	SourcePort uint16
	Type       PayloadType
	Body       Payload
}

// NewEnvelope builds an envelope addressed from source to dest carrying body.
func NewEnvelope(source, dest uint64, sourceIP uint32, sourcePort uint16, body Payload) *Envelope {
	return &Envelope{
		SourceID:   source,
		DestID:     dest,
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		Type:       body.Type(),
		Body:       body,
	}
}

// Encode serializes the envelope (header + body) without any length
// prefix, suitable for direct placement into a UDP datagram.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal body: %w", err)
	}
	buf := make([]byte, headerSize, headerSize+len(body))
	binary.BigEndian.PutUint64(buf[0:8], e.SourceID)
	binary.BigEndian.PutUint64(buf[8:16], e.DestID)
	binary.BigEndian.PutUint32(buf[16:20], e.SourceIP)
	binary.BigEndian.PutUint16(buf[20:22], e.SourcePort)
	buf[22] = byte(e.Type)
	buf = append(buf, body...)
	return buf, nil
}

// EncodeUDP is Encode with the MaxUDPPayload size limit enforced.
func (e *Envelope) EncodeUDP() ([]byte, error) {
	buf, err := e.Encode()
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxUDPPayload {
		return nil, ErrOversizedUDP
	}
	return buf, nil
}

// Decode parses a single envelope (header + body) from data, with no
// length prefix expected.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < headerSize {
		return nil, ErrShortHeader
	}
	e := &Envelope{
		SourceID:   binary.BigEndian.Uint64(data[0:8]),
		DestID:     binary.BigEndian.Uint64(data[8:16]),
		SourceIP:   binary.BigEndian.Uint32(data[16:20]),
		SourcePort: binary.BigEndian.Uint16(data[20:22]),
		Type:       PayloadType(data[22]),
	}
	body, err := NewEmptyPayload(e.Type)
	if err != nil {
		return nil, err
	}
	if err := Unmarshal(body, data[headerSize:]); err != nil {
		return nil, fmt.Errorf("wire: unmarshal body: %w", err)
	}
	e.Body = body
	return e, nil
}

// WriteTCP writes a length-prefixed envelope to w: a uint32 little-endian
// byte count followed by the encoded envelope. Used for the reliable
// per-peer TCP channel, where message boundaries must be framed
// explicitly over the byte stream.
func WriteTCP(w io.Writer, e *Envelope) error {
	buf, err := e.Encode()
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(buf)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadTCP reads one length-prefixed envelope from r.
func ReadTCP(r io.Reader) (*Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}

// PeekTCPLength decodes just the 4-byte length prefix at the start of
// prefix, without looking at the envelope body. Used by non-blocking readers that buffer
// partial TCP reads themselves rather than blocking in io.ReadFull.
func PeekTCPLength(prefix []byte) (uint32, error) {
	if len(prefix) < 4 {
		return 0, ErrShortHeader
	}
	return binary.LittleEndian.Uint32(prefix[:4]), nil
}
