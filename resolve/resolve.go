// Package resolve turns a custom broadcast target's hostname into a
// dialable IPv4 address, using explicit A-record lookups rather than the
// platform resolver so that an operator-configured DNS server can be used
// in environments without one.
package resolve

import (
	"net"
	"strings"
	"time"

	"github.com/bfix/gospel/logger"
	"github.com/miekg/dns"
)

// DefaultResolver is used when no resolver address is configured; 8.8.8.8
// mirrors the fallback the rest of this codebase's DNS helper uses.
const DefaultResolver = "8.8.8.8:53"

// cacheEntry is one resolved hostname, kept until expired.
type cacheEntry struct {
	ip      uint32
	expires time.Time
}

// Resolver resolves hostnames to host-order IPv4 addresses, caching
// successful results until their result's TTL (or a minimum floor)
// expires.
type Resolver struct {
	serverAddr string
	cache      map[string]cacheEntry
}

// New creates a resolver querying serverAddr (e.g. "192.168.1.1:53"); an
// empty serverAddr falls back to DefaultResolver.
func New(serverAddr string) *Resolver {
	if serverAddr == "" {
		serverAddr = DefaultResolver
	}
	return &Resolver{serverAddr: serverAddr, cache: make(map[string]cacheEntry)}
}

// Resolve returns host's IPv4 address in host byte order. If host is
// already a literal dotted-quad, it is parsed directly without a DNS
// round trip. Resolution failures fall back to treating host as a
// literal; if that also fails, an error is returned and the caller should
// drop the target with a logged warning.
func (r *Resolver) Resolve(host string) (uint32, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip4ToUint32(ip), nil
	}

	if e, ok := r.cache[host]; ok && time.Now().Before(e.expires) {
		return e.ip, nil
	}

	ip, ttl, err := r.queryA(host)
	if err != nil {
		logger.Printf(logger.WARN, "[resolve] A-record lookup for %q failed: %s -- treating as unresolved\n", host, err.Error())
		return 0, err
	}
	if ttl < 5*time.Second {
		ttl = 5 * time.Second
	}
	r.cache[host] = cacheEntry{ip: ip, expires: time.Now().Add(ttl)}
	return ip, nil
}

func (r *Resolver) queryA(host string) (uint32, time.Duration, error) {
	m := &dns.Msg{
		MsgHdr: dns.MsgHdr{RecursionDesired: true, Opcode: dns.OpcodeQuery},
		Question: []dns.Question{{
			Name:   dns.Fqdn(host),
			Qtype:  dns.TypeA,
			Qclass: dns.ClassINET,
		}},
	}
	m.Id = dns.Id()

	for retry := 0; retry < 3; retry++ {
		in, err := dns.Exchange(m, r.serverAddr)
		if err != nil {
			if strings.HasSuffix(err.Error(), "i/o timeout") {
				continue
			}
			return 0, 0, err
		}
		for _, ans := range in.Answer {
			if a, ok := ans.(*dns.A); ok {
				return ip4ToUint32(a.A), time.Duration(a.Hdr.Ttl) * time.Second, nil
			}
		}
		return 0, 0, errNoARecord
	}
	return 0, 0, errTimedOut
}

func ip4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

type resolveError string

func (e resolveError) Error() string { return string(e) }

const (
	errNoARecord = resolveError("resolve: no A record in response")
	errTimedOut  = resolveError("resolve: query timed out")
)
