// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Parse failures, mapped onto the invalid-packet counters.
var (
	errInvalidIP  = errors.New("invalid ip header")
	errInvalidTCP = errors.New("invalid tcp header")
	errInvalidUDP = errors.New("invalid udp header")
)

// Transport protocol numbers as they appear in IP headers.
const (
	protocolTCP = uint8(header.TCPProtocolNumber)
	protocolUDP = uint8(header.UDPProtocolNumber)
)

// parsedPacket is a validated view of an ingress frame. The payload
// slice borrows from the frame and must be copied before the call
// that produced it returns.
type parsedPacket struct {
	// version is the IP version (4 or 6).
	version uint8

	// proto is the transport protocol number (6 TCP, 17 UDP).
	proto uint8

	// src and dst are the transport endpoints.
	src netip.AddrPort
	dst netip.AddrPort

	// payload is the transport payload.
	payload []byte

	// tcpSeq, tcpAck, tcpFlags and tcpWindow mirror the TCP header
	// fields and are meaningful only when proto is TCP.
	tcpSeq    uint32
	tcpAck    uint32
	tcpFlags  header.TCPFlags
	tcpWindow uint16
}

// kind maps the transport protocol to the flow kind.
func (pkt *parsedPacket) kind() flowKind {
	if pkt.proto == protocolTCP {
		return flowTCP
	}
	return flowUDP
}

// seqConsumed returns how many sequence numbers the segment consumes:
// the payload bytes plus one for SYN and one for FIN.
func (pkt *parsedPacket) seqConsumed() uint32 {
	consumed := uint32(len(pkt.payload))
	if pkt.tcpFlags&header.TCPFlagSyn != 0 {
		consumed++
	}
	if pkt.tcpFlags&header.TCPFlagFin != 0 {
		consumed++
	}
	return consumed
}

// parseFrame validates a raw IP frame and extracts the transport view.
//
// Fragmented IPv4 frames and frames whose headers fail validation are
// rejected with the errInvalid sentinels; well-formed frames carrying
// a transport other than TCP or UDP are rejected with
// [ErrUnsupportedTransport].
func parseFrame(frame []byte) (parsedPacket, error) {
	// 1. split off the network header
	var (
		pkt       parsedPacket
		srcAddr   netip.Addr
		dstAddr   netip.Addr
		transport []byte
	)
	switch header.IPVersion(frame) {
	case header.IPv4Version:
		ip := header.IPv4(frame)
		if !ip.IsValid(len(frame)) {
			return pkt, errInvalidIP
		}
		if ip.More() || ip.FragmentOffset() != 0 {
			return pkt, errInvalidIP
		}
		pkt.version = 4
		pkt.proto = ip.Protocol()
		srcAddr = toNetipAddr(ip.SourceAddress())
		dstAddr = toNetipAddr(ip.DestinationAddress())
		transport = frame[ip.HeaderLength():ip.TotalLength()]

	case header.IPv6Version:
		if len(frame) < header.IPv6MinimumSize {
			return pkt, errInvalidIP
		}
		ip := header.IPv6(frame)
		end := header.IPv6MinimumSize + int(ip.PayloadLength())
		if end > len(frame) {
			return pkt, errInvalidIP
		}
		pkt.version = 6
		pkt.proto = uint8(ip.TransportProtocol())
		srcAddr = toNetipAddr(ip.SourceAddress())
		dstAddr = toNetipAddr(ip.DestinationAddress())
		transport = frame[header.IPv6MinimumSize:end]

	default:
		return pkt, errInvalidIP
	}

	// 2. split off the transport header
	switch pkt.proto {
	case protocolTCP:
		if len(transport) < header.TCPMinimumSize {
			return pkt, errInvalidTCP
		}
		tcp := header.TCP(transport)
		offset := int(tcp.DataOffset())
		if offset < header.TCPMinimumSize || offset > len(transport) {
			return pkt, errInvalidTCP
		}
		pkt.src = netip.AddrPortFrom(srcAddr, tcp.SourcePort())
		pkt.dst = netip.AddrPortFrom(dstAddr, tcp.DestinationPort())
		pkt.payload = transport[offset:]
		pkt.tcpSeq = tcp.SequenceNumber()
		pkt.tcpAck = tcp.AckNumber()
		pkt.tcpFlags = tcp.Flags()
		pkt.tcpWindow = tcp.WindowSize()
		return pkt, nil

	case protocolUDP:
		if len(transport) < header.UDPMinimumSize {
			return pkt, errInvalidUDP
		}
		udp := header.UDP(transport)
		length := int(udp.Length())
		if length < header.UDPMinimumSize || length > len(transport) {
			return pkt, errInvalidUDP
		}
		pkt.src = netip.AddrPortFrom(srcAddr, udp.SourcePort())
		pkt.dst = netip.AddrPortFrom(dstAddr, udp.DestinationPort())
		pkt.payload = transport[header.UDPMinimumSize:length]
		return pkt, nil

	default:
		return pkt, ErrUnsupportedTransport
	}
}

// toNetipAddr converts a gVisor address to a [netip.Addr].
func toNetipAddr(addr tcpip.Address) netip.Addr {
	out, _ := netip.AddrFromSlice(addr.AsSlice())
	return out
}

// toTcpipAddr converts a [netip.Addr] to a gVisor address.
func toTcpipAddr(addr netip.Addr) tcpip.Address {
	if addr.Is4() || addr.Is4In6() {
		return tcpip.AddrFrom4(addr.Unmap().As4())
	}
	return tcpip.AddrFrom16(addr.As16())
}
