// Package socket wraps the platform net.Conn primitives this core needs:
// non-blocking UDP send/recv, a TCP listener with non-blocking Accept, and
// LAN broadcast-address enumeration with a whitelist cache. Each Recv,
// Accept or RecvStream call blocks the caller's tick for at most
// pollDeadline (one millisecond), using a short read deadline rather than a
// dedicated reader goroutine, since the dispatch core is single-threaded
// and cooperative by design; DialTCP blocks for up to its connect timeout.
package socket

import (
	"errors"
	"net"
	"time"

	"github.com/bfix/gospel/logger"

	"github.com/pjy612/lanpeer/util"
)

// ErrWouldBlock is returned by Recv/Accept when no data/connection is
// currently available, distinguishing "nothing to do this tick" from a
// real I/O error.
var ErrWouldBlock = errors.New("socket: would block")

// pollDeadline is the read deadline used to emulate a non-blocking poll
// on top of net.Conn, whose API has no direct non-blocking mode.
const pollDeadline = time.Millisecond

// UDPSocket is a non-blocking-polled UDP endpoint.
type UDPSocket struct {
	conn *net.UDPConn
	port uint16
}

// NewUDPSocket binds a UDP socket on port (0 lets the OS choose).
func NewUDPSocket(port uint16) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	bound := conn.LocalAddr().(*net.UDPAddr)
	return &UDPSocket{conn: conn, port: uint16(bound.Port)}, nil
}

// Port returns the bound local UDP port.
func (s *UDPSocket) Port() uint16 { return s.port }

// SendTo writes data to dest. Broadcast destinations need no prior
// SetBroadcast call: Go's UDP sockets already permit broadcast writes.
func (s *UDPSocket) SendTo(data []byte, dest *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, dest)
	return err
}

// SetBroadcast enables sending to the limited-broadcast address
// (255.255.255.255) on platforms that require SO_BROADCAST explicitly.
func (s *UDPSocket) SetBroadcast(enable bool) error {
	// net.UDPConn has no portable SetBroadcast; Go's UDP sockets permit
	// broadcast writes without SO_BROADCAST on the platforms this core
	// targets (Linux/Windows via net), so this is a no-op retained for
	// symmetry with socket.Close/socket.Recv call sites and for any
	// future platform that needs it wired through syscall.RawConn.
	return nil
}

// Recv polls for one datagram without blocking more than pollDeadline.
// Returns ErrWouldBlock if nothing arrived in that window.
func (s *UDPSocket) Recv(buf []byte) (n int, from *net.UDPAddr, err error) {
	if err = s.conn.SetReadDeadline(time.Now().Add(pollDeadline)); err != nil {
		return 0, nil, err
	}
	n, from, err = s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil, ErrWouldBlock
		}
		return 0, nil, err
	}
	return n, from, nil
}

// Close releases the socket.
func (s *UDPSocket) Close() error { return s.conn.Close() }

// TCPListener is a non-blocking-polled TCP listen socket.
type TCPListener struct {
	ln   *net.TCPListener
	port uint16
}

// NewTCPListener binds a TCP listener on port (0 lets the OS choose).
func NewTCPListener(port uint16) (*TCPListener, error) {
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	bound := ln.Addr().(*net.TCPAddr)
	return &TCPListener{ln: ln, port: uint16(bound.Port)}, nil
}

// Port returns the bound local TCP port.
func (l *TCPListener) Port() uint16 { return l.port }

// Accept polls for one pending inbound connection without blocking more
// than pollDeadline. Returns ErrWouldBlock if none is pending.
func (l *TCPListener) Accept() (net.Conn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(pollDeadline)); err != nil {
		return nil, err
	}
	conn, err := l.ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	return conn, nil
}

// Close releases the listener.
func (l *TCPListener) Close() error { return l.ln.Close() }

// DialTCP opens an outbound TCP connection with a short connect timeout,
// used when a peer announcement is first acted on.
func DialTCP(addr *net.TCPAddr, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp4", addr.String(), timeout)
}

// RecvStream reads whatever is currently available on conn without
// blocking more than pollDeadline. Returns ErrWouldBlock if nothing is
// available; io.EOF (unwrapped) if the peer closed the stream.
func RecvStream(conn net.Conn, buf []byte) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(pollDeadline)); err != nil {
		return 0, err
	}
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, ErrWouldBlock
		}
		return n, err
	}
	return n, nil
}

// BroadcastInfo is the cached result of enumerating the host's local
// network interfaces: one directed-broadcast address per IPv4 address of
// each interface able to broadcast, plus that address's range for
// whitelisting unicast replies that arrive from that segment.
type BroadcastInfo struct {
	Targets   []util.Endpoint // directed-broadcast addresses, one per interface, at the given port
	Whitelist []util.IPRange  // (iface_addr & netmask, broadcast_addr) per interface
}

// broadcastInfoCacheTTL matches the teacher implementation's refresh
// cadence for interface enumeration.
const broadcastInfoCacheTTL = 60 * time.Second

// broadcastCache holds the process-wide enumeration result, refreshed at
// most once per broadcastInfoCacheTTL; interface enumeration is not free
// and does not need to run every tick.
var broadcastCache struct {
	info    BroadcastInfo
	stamp   time.Time
	lastErr error
}

// GetBroadcastInfo returns the current directed-broadcast targets and LAN
// whitelist ranges for port, re-enumerating interfaces at most once every
// 60 seconds.
func GetBroadcastInfo(port uint16) BroadcastInfo {
	now := time.Now()
	if broadcastCache.stamp.IsZero() || now.Sub(broadcastCache.stamp) >= broadcastInfoCacheTTL {
		info, err := enumerateBroadcastInfo(port)
		if err != nil {
			logger.Printf(logger.WARN, "socket: interface enumeration failed: %s\n", err.Error())
			broadcastCache.lastErr = err
		} else {
			broadcastCache.info = info
			broadcastCache.lastErr = nil
		}
		broadcastCache.stamp = now
	}
	info := broadcastCache.info
	info.Targets = make([]util.Endpoint, len(broadcastCache.info.Targets))
	for i, t := range broadcastCache.info.Targets {
		t.Port = port
		info.Targets[i] = t
	}
	return info
}

func enumerateBroadcastInfo(port uint16) (BroadcastInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return BroadcastInfo{}, err
	}
	var info BroadcastInfo
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) != 4 {
				continue
			}
			ifaceIP := be32(ip4)
			netmask := be32(net.IP(mask))
			broadcastIP := ifaceIP | ^netmask
			info.Targets = append(info.Targets, util.Endpoint{IP: broadcastIP, Port: port})
			info.Whitelist = append(info.Whitelist, util.IPRange{
				Lo: ifaceIP & netmask,
				Hi: broadcastIP,
			})
		}
	}
	return info, nil
}

func be32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

// run_at_startup equivalent: some platform socket stacks (the one this
// core was ported from worked around a Windows WSACleanup double-free by
// re-initializing defensively) need idempotent, retry-safe global setup.
// Go's net package needs none, but startup is still centralized here as
// the single place a future platform-specific fixup would go.
var startupOnce = false

// EnsureStartup is a no-op on every platform Go's net package targets; it
// exists so call sites that historically needed a defensive re-init step
// have a stable, idempotent hook to call before opening sockets.
func EnsureStartup() error {
	if startupOnce {
		return nil
	}
	startupOnce = true
	return nil
}
