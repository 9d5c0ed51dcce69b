// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// testClock is a manually advanced clock driving the engine's time-based
// behavior in tests.
type testClock struct {
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Unix(1756000000, 0)}
}

func (tc *testClock) now() time.Time {
	return tc.current
}

func (tc *testClock) advance(d time.Duration) {
	tc.current = tc.current.Add(d)
}

// recordedDNS is a RecordDNS invocation captured by recordingHost.
type recordedDNS struct {
	name  string
	addrs []netip.Addr
	ttl   uint32
}

// recordingHost is a [Host] that records every callback. Tests drive
// the engine synchronously, so no locking is needed. Close handles
// and their reasons are recorded in parallel slices.
type recordingHost struct {
	frames          [][]byte
	tcpDials        []dialRequest
	udpDials        []dialRequest
	tcpSends        []sendRequest
	udpSends        []sendRequest
	tcpCloses       []uint64
	tcpCloseReasons []string
	udpCloses       []uint64
	udpCloseReasons []string
	dns             []recordedDNS
}

var _ Host = &recordingHost{}

func (rh *recordingHost) EmitPackets(packets []EmittedPacket) {
	for _, pkt := range packets {
		frame := make([]byte, len(pkt.Data))
		copy(frame, pkt.Data)
		rh.frames = append(rh.frames, frame)
	}
}

func (rh *recordingHost) RequestTCPDial(handle uint64, remote netip.AddrPort) {
	rh.tcpDials = append(rh.tcpDials, dialRequest{handle: handle, remote: remote})
}

func (rh *recordingHost) RequestUDPDial(handle uint64, remote netip.AddrPort) {
	rh.udpDials = append(rh.udpDials, dialRequest{handle: handle, remote: remote})
}

func (rh *recordingHost) SendTCP(handle uint64, payload []byte) {
	rh.tcpSends = append(rh.tcpSends, sendRequest{handle: handle, payload: payload})
}

func (rh *recordingHost) SendUDP(handle uint64, payload []byte) {
	rh.udpSends = append(rh.udpSends, sendRequest{handle: handle, payload: payload})
}

func (rh *recordingHost) CloseTCP(handle uint64, reason string) {
	rh.tcpCloses = append(rh.tcpCloses, handle)
	rh.tcpCloseReasons = append(rh.tcpCloseReasons, reason)
}

func (rh *recordingHost) CloseUDP(handle uint64, reason string) {
	rh.udpCloses = append(rh.udpCloses, handle)
	rh.udpCloseReasons = append(rh.udpCloseReasons, reason)
}

func (rh *recordingHost) RecordDNS(host string, addrs []netip.Addr, ttl uint32) {
	rh.dns = append(rh.dns, recordedDNS{name: host, addrs: addrs, ttl: ttl})
}

// takeFrames hands out the frames emitted so far and resets the record.
func (rh *recordingHost) takeFrames() [][]byte {
	frames := rh.frames
	rh.frames = nil
	return frames
}

// newTestEngine creates a started engine driven by a manual clock. The
// poll interval is huge so that only explicit pollOnce calls advance
// the time-based work.
func newTestEngine(t *testing.T, config Config, options ...EngineOption) (*Engine, *recordingHost, *testClock) {
	t.Helper()
	options = append([]EngineOption{EngineOptionPollInterval(time.Hour)}, options...)
	eng := NewEngine(config, options...)
	clock := newTestClock()
	eng.now = clock.now
	host := &recordingHost{}
	require.NoError(t, eng.Start(host))
	t.Cleanup(func() {
		_ = eng.Stop()
	})
	return eng, host, clock
}

// buildTCPFrame creates a well-formed IP frame carrying a TCP segment.
func buildTCPFrame(src, dst netip.AddrPort, seq, ack uint32, flags header.TCPFlags, payload []byte) []byte {
	tcpLen := header.TCPMinimumSize + len(payload)
	var (
		frame []byte
		ipLen int
	)
	if src.Addr().Is4() {
		ipLen = header.IPv4MinimumSize
		frame = make([]byte, ipLen+tcpLen)
		ip := header.IPv4(frame)
		ip.Encode(&header.IPv4Fields{
			TotalLength: uint16(len(frame)),
			TTL:         64,
			Protocol:    protocolTCP,
			SrcAddr:     toTcpipAddr(src.Addr()),
			DstAddr:     toTcpipAddr(dst.Addr()),
		})
		ip.SetChecksum(^ip.CalculateChecksum())
	} else {
		ipLen = header.IPv6MinimumSize
		frame = make([]byte, ipLen+tcpLen)
		ip := header.IPv6(frame)
		ip.Encode(&header.IPv6Fields{
			PayloadLength:     uint16(tcpLen),
			TransportProtocol: header.TCPProtocolNumber,
			HopLimit:          64,
			SrcAddr:           toTcpipAddr(src.Addr()),
			DstAddr:           toTcpipAddr(dst.Addr()),
		})
	}
	tcp := header.TCP(frame[ipLen:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 64240,
	})
	copy(frame[ipLen+header.TCPMinimumSize:], payload)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		toTcpipAddr(src.Addr()), toTcpipAddr(dst.Addr()), uint16(tcpLen))
	xsum = checksum.Checksum(payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return frame
}

// buildUDPFrame creates a well-formed IP frame carrying a UDP datagram.
func buildUDPFrame(src, dst netip.AddrPort, payload []byte) []byte {
	udpLen := header.UDPMinimumSize + len(payload)
	var (
		frame []byte
		ipLen int
	)
	if src.Addr().Is4() {
		ipLen = header.IPv4MinimumSize
		frame = make([]byte, ipLen+udpLen)
		ip := header.IPv4(frame)
		ip.Encode(&header.IPv4Fields{
			TotalLength: uint16(len(frame)),
			TTL:         64,
			Protocol:    protocolUDP,
			SrcAddr:     toTcpipAddr(src.Addr()),
			DstAddr:     toTcpipAddr(dst.Addr()),
		})
		ip.SetChecksum(^ip.CalculateChecksum())
	} else {
		ipLen = header.IPv6MinimumSize
		frame = make([]byte, ipLen+udpLen)
		ip := header.IPv6(frame)
		ip.Encode(&header.IPv6Fields{
			PayloadLength:     uint16(udpLen),
			TransportProtocol: header.UDPProtocolNumber,
			HopLimit:          64,
			SrcAddr:           toTcpipAddr(src.Addr()),
			DstAddr:           toTcpipAddr(dst.Addr()),
		})
	}
	udp := header.UDP(frame[ipLen:])
	udp.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(udpLen),
	})
	copy(frame[ipLen+header.UDPMinimumSize:], payload)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		toTcpipAddr(src.Addr()), toTcpipAddr(dst.Addr()), uint16(udpLen))
	xsum = checksum.Checksum(payload, xsum)
	udp.SetChecksum(^udp.CalculateChecksum(xsum))
	return frame
}

// buildDNSQuery packs a DNS query for qname.
func buildDNSQuery(t *testing.T, qname string) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	payload, err := msg.Pack()
	require.NoError(t, err)
	return payload
}

// buildDNSResponse packs a DNS response carrying one address record
// per addr, all with the given TTL.
func buildDNSResponse(t *testing.T, qname string, ttl uint32, addrs ...netip.Addr) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(qname), dns.TypeA)
	msg.Response = true
	for _, addr := range addrs {
		if addr.Is4() {
			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   dns.Fqdn(qname),
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    ttl,
				},
				A: net.IP(addr.AsSlice()),
			})
			continue
		}
		msg.Answer = append(msg.Answer, &dns.AAAA{
			Hdr: dns.RR_Header{
				Name:   dns.Fqdn(qname),
				Rrtype: dns.TypeAAAA,
				Class:  dns.ClassINET,
				Ttl:    ttl,
			},
			AAAA: net.IP(addr.AsSlice()),
		})
	}
	payload, err := msg.Pack()
	require.NoError(t, err)
	return payload
}

// mustParseEmitted parses a frame the engine emitted toward the device.
func mustParseEmitted(t *testing.T, frame []byte) parsedPacket {
	t.Helper()
	pkt, err := parseFrame(frame)
	require.NoError(t, err)
	return pkt
}
