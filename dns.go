// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// HostResolver resolves names the way [net.Resolver] does. The engine
// uses it when [Engine.ResolveHost] misses the cache.
type HostResolver interface {
	// LookupNetIP looks up host using the given network
	// ("ip", "ip4" or "ip6") and returns its addresses.
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var _ HostResolver = &net.Resolver{}

const (
	// defaultResolveTTL is the TTL in seconds assigned to resolver
	// results, which carry no TTL of their own.
	defaultResolveTTL = 60

	// maxDNSCacheEntries bounds the cache size.
	maxDNSCacheEntries = 1024

	// maxDNSTTL caps on-wire TTLs to one day.
	maxDNSTTL = 86400

	// dnsPort is the well-known DNS server port.
	dnsPort = 53
)

// dnsCacheEntry is a cached resolution.
type dnsCacheEntry struct {
	// addrs are the resolved addresses.
	addrs []netip.Addr

	// expiresAt is when the entry stops being served.
	expiresAt time.Time
}

// dnsCache is a bounded TTL cache mapping normalized host names to
// resolved addresses. Expired entries are pruned lazily.
type dnsCache struct {
	// entries maps normalized host names to cached resolutions.
	entries map[string]dnsCacheEntry
}

// newDNSCache creates an empty [dnsCache].
func newDNSCache() *dnsCache {
	return &dnsCache{
		entries: make(map[string]dnsCacheEntry),
	}
}

// lookup returns the cached addresses for host along with the
// remaining TTL in seconds. An expired entry counts as a miss
// and is removed.
func (dc *dnsCache) lookup(host string, now time.Time) ([]netip.Addr, uint32, bool) {
	entry, found := dc.entries[host]
	if !found {
		return nil, 0, false
	}
	remaining := entry.expiresAt.Sub(now)
	if remaining <= 0 {
		delete(dc.entries, host)
		return nil, 0, false
	}
	secs := uint32((remaining + time.Second - 1) / time.Second)
	return entry.addrs, secs, true
}

// store caches a resolution for host with the given TTL in seconds.
// A zero TTL means do-not-cache and is ignored. When the cache is at
// capacity, expired entries are pruned first and then the entry
// closest to expiry is evicted.
func (dc *dnsCache) store(host string, addrs []netip.Addr, ttl uint32, now time.Time) {
	if ttl == 0 || len(addrs) == 0 {
		return
	}
	if ttl > maxDNSTTL {
		ttl = maxDNSTTL
	}
	if _, found := dc.entries[host]; !found && len(dc.entries) >= maxDNSCacheEntries {
		dc.prune(now)
		if len(dc.entries) >= maxDNSCacheEntries {
			dc.evictEarliest()
		}
	}
	dc.entries[host] = dnsCacheEntry{
		addrs:     addrs,
		expiresAt: now.Add(time.Duration(ttl) * time.Second),
	}
}

// prune removes all expired entries.
func (dc *dnsCache) prune(now time.Time) {
	for host, entry := range dc.entries {
		if !entry.expiresAt.After(now) {
			delete(dc.entries, host)
		}
	}
}

// evictEarliest removes the entry closest to expiry.
func (dc *dnsCache) evictEarliest() {
	var (
		victim   string
		earliest time.Time
		found    bool
	)
	for host, entry := range dc.entries {
		if !found || entry.expiresAt.Before(earliest) {
			victim, earliest, found = host, entry.expiresAt, true
		}
	}
	if found {
		delete(dc.entries, victim)
	}
}

// dnsAnswer is the outcome of parsing a DNS response message.
type dnsAnswer struct {
	// qname is the normalized question name.
	qname string

	// addrs are the A and AAAA record addresses.
	addrs []netip.Addr

	// ttl is the smallest TTL across the address records, in
	// seconds, or defaultResolveTTL when there are none.
	ttl uint32
}

// parseDNSQuery extracts the question name from a DNS query payload.
// The second return value is false when the payload is not a DNS
// query with at least one question.
func parseDNSQuery(payload []byte) (string, bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil || msg.Response || len(msg.Question) == 0 {
		return "", false
	}
	return normalizeHost(msg.Question[0].Name), true
}

// parseDNSResponse extracts the question name and the address records
// from a DNS response payload. The second return value is false when
// the payload is not a DNS response with at least one question.
func parseDNSResponse(payload []byte) (dnsAnswer, bool) {
	var answer dnsAnswer
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil || !msg.Response || len(msg.Question) == 0 {
		return answer, false
	}
	answer.qname = normalizeHost(msg.Question[0].Name)
	answer.ttl = defaultResolveTTL
	first := true
	for _, rr := range msg.Answer {
		var addr netip.Addr
		switch record := rr.(type) {
		case *dns.A:
			parsed, ok := netip.AddrFromSlice(record.A.To4())
			if !ok {
				continue
			}
			addr = parsed
		case *dns.AAAA:
			parsed, ok := netip.AddrFromSlice(record.AAAA.To16())
			if !ok {
				continue
			}
			addr = parsed.Unmap()
		default:
			continue
		}
		answer.addrs = append(answer.addrs, addr)
		ttl := rr.Header().Ttl
		if first || ttl < answer.ttl {
			answer.ttl = ttl
			first = false
		}
	}
	if answer.ttl == 0 {
		answer.ttl = 1
	}
	return answer, true
}

// observeDNSQuery inspects an outbound UDP datagram directed at the
// DNS port. Interception is passive: the datagram keeps flowing to
// the flow table regardless.
func (eng *Engine) observeDNSQuery(pkt *parsedPacket) {
	qname, ok := parseDNSQuery(pkt.payload)
	if !ok {
		return
	}
	eng.logx.breadcrumb(BreadcrumbDNS, "dns query "+qname)
	eng.telemetry.record(TelemetryEvent{
		Time:       eng.now(),
		Protocol:   pkt.proto,
		Direction:  DirectionOutbound,
		Flags:      TelemetryDNSQuery,
		Src:        pkt.src,
		Dst:        pkt.dst,
		PayloadLen: len(pkt.payload),
		QName:      qname,
	})
}

// observeDNSResponse inspects an inbound UDP payload arriving from
// the DNS port on the given flow endpoints. Parsed answers feed the
// cache, the policy engine's observed-host map and the host's
// RecordDNS callback. Must be called without the engine mutex held.
func (eng *Engine) observeDNSResponse(host Host, local, remote netip.AddrPort, payload []byte) {
	answer, ok := parseDNSResponse(payload)
	if !ok {
		return
	}
	eng.logx.breadcrumb(BreadcrumbDNS, "dns response "+answer.qname)
	now := eng.now()
	if len(answer.addrs) > 0 {
		eng.mu.Lock()
		eng.dns.store(answer.qname, answer.addrs, answer.ttl, now)
		eng.mu.Unlock()
		eng.policy.observeDNSMapping(answer.qname, answer.addrs, answer.ttl, now)
		host.RecordDNS(answer.qname, answer.addrs, answer.ttl)
	}
	eng.telemetry.record(TelemetryEvent{
		Time:       now,
		Protocol:   protocolUDP,
		Direction:  DirectionInbound,
		Flags:      TelemetryDNSResponse,
		Src:        remote,
		Dst:        local,
		PayloadLen: len(payload),
		QName:      answer.qname,
	})
}

// ResolveHost resolves host, consulting the interception cache before
// falling back to the configured [HostResolver]. Resolver results are
// cached with a TTL of defaultResolveTTL seconds and recorded in the
// policy engine's observed-host map, so host rules apply to flows
// toward the resolved addresses.
func (eng *Engine) ResolveHost(ctx context.Context, host string) ([]netip.Addr, uint32, error) {
	normalized := normalizeHost(host)
	if normalized == "" {
		return nil, 0, ErrNoAddresses
	}
	now := eng.now()
	eng.mu.Lock()
	addrs, ttl, found := eng.dns.lookup(normalized, now)
	eng.mu.Unlock()
	if found {
		return addrs, ttl, nil
	}
	resolved, err := eng.resolver.LookupNetIP(ctx, "ip", normalized)
	if err != nil {
		return nil, 0, err
	}
	if len(resolved) == 0 {
		return nil, 0, ErrNoAddresses
	}
	addrs = make([]netip.Addr, 0, len(resolved))
	for _, addr := range resolved {
		addrs = append(addrs, addr.Unmap())
	}
	now = eng.now()
	eng.mu.Lock()
	eng.dns.store(normalized, addrs, defaultResolveTTL, now)
	eng.mu.Unlock()
	eng.policy.observeDNSMapping(normalized, addrs, defaultResolveTTL, now)
	return addrs, defaultResolveTTL, nil
}
