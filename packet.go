// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	// localWindowSize is the receive window advertised to the device.
	localWindowSize = 65535

	// defaultHopLimit is the TTL or hop limit of emitted packets.
	defaultHopLimit = 64

	// icmpQuoteLimit caps how many payload bytes of the offending
	// datagram an ICMP error quotes beyond the IP and UDP headers.
	icmpQuoteLimit = 8
)

// ICMP destination-unreachable codes for administratively prohibited
// traffic (RFC 1812 section 5.2.7.1, RFC 4443 section 3.1).
const (
	icmpv4CodeAdminProhibited = 13
	icmpv6CodeAdminProhibited = 1
)

// ipHeaderLen returns the network header size for an IP version.
func ipHeaderLen(version uint8) int {
	if version == 4 {
		return header.IPv4MinimumSize
	}
	return header.IPv6MinimumSize
}

// tcpOverhead returns the header bytes preceding a TCP payload.
func tcpOverhead(version uint8) int {
	return ipHeaderLen(version) + header.TCPMinimumSize
}

// udpOverhead returns the header bytes preceding a UDP payload.
func udpOverhead(version uint8) int {
	return ipHeaderLen(version) + header.UDPMinimumSize
}

// encodeIPHeader writes the network header at the front of frame.
// Every header byte is overwritten, so reusing pooled buffers is safe.
func encodeIPHeader(frame []byte, version uint8, proto uint8, src, dst netip.Addr, transportLen int) {
	if version == 4 {
		ip := header.IPv4(frame)
		ip.Encode(&header.IPv4Fields{
			TotalLength: uint16(header.IPv4MinimumSize + transportLen),
			TTL:         defaultHopLimit,
			Protocol:    proto,
			SrcAddr:     toTcpipAddr(src),
			DstAddr:     toTcpipAddr(dst),
		})
		ip.SetChecksum(^ip.CalculateChecksum())
		return
	}
	ip := header.IPv6(frame)
	ip.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(transportLen),
		TransportProtocol: tcpip.TransportProtocolNumber(proto),
		HopLimit:          defaultHopLimit,
		SrcAddr:           toTcpipAddr(src),
		DstAddr:           toTcpipAddr(dst),
	})
}

// tcpSegmentSpec describes a TCP segment to emit toward the device:
// src is the remote endpoint and dst the device-side one.
type tcpSegmentSpec struct {
	// version is the IP version.
	version uint8

	// src is the remote endpoint.
	src netip.AddrPort

	// dst is the device-side endpoint.
	dst netip.AddrPort

	// seq is the sequence number.
	seq uint32

	// ack is the acknowledgment number.
	ack uint32

	// flags are the segment flags.
	flags header.TCPFlags

	// window is the advertised receive window.
	window uint16

	// payload is the segment payload.
	payload []byte
}

// encodeTCPSegment writes the described segment into pb.
func encodeTCPSegment(pb *packetBuffer, spec *tcpSegmentSpec) {
	// 1. network header
	ipLen := ipHeaderLen(spec.version)
	tcpLen := header.TCPMinimumSize + len(spec.payload)
	frame := pb.data[:ipLen+tcpLen]
	encodeIPHeader(frame, spec.version, protocolTCP, spec.src.Addr(), spec.dst.Addr(), tcpLen)

	// 2. transport header
	tcp := header.TCP(frame[ipLen:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    spec.src.Port(),
		DstPort:    spec.dst.Port(),
		SeqNum:     spec.seq,
		AckNum:     spec.ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      spec.flags,
		WindowSize: spec.window,
	})

	// 3. payload and checksum
	copy(frame[ipLen+header.TCPMinimumSize:], spec.payload)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		toTcpipAddr(spec.src.Addr()), toTcpipAddr(spec.dst.Addr()), uint16(tcpLen))
	xsum = checksum.Checksum(spec.payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))

	pb.length = len(frame)
	pb.version = spec.version
}

// rstSegmentSpec builds the reset replying to an offending segment,
// following RFC 9293 section 3.10.7.1: when the segment carries an
// ACK the reset reuses the acknowledged sequence number, otherwise it
// starts at zero and acknowledges everything the segment consumed.
func rstSegmentSpec(pkt *parsedPacket) tcpSegmentSpec {
	spec := tcpSegmentSpec{
		version: pkt.version,
		src:     pkt.dst,
		dst:     pkt.src,
		flags:   header.TCPFlagRst | header.TCPFlagAck,
		ack:     pkt.tcpSeq + pkt.seqConsumed(),
	}
	if pkt.tcpFlags&header.TCPFlagAck != 0 {
		spec.seq = pkt.tcpAck
	}
	return spec
}

// encodeUDPDatagram writes a datagram with the given payload into pb:
// src is the remote endpoint and dst the device-side one.
func encodeUDPDatagram(pb *packetBuffer, version uint8, src, dst netip.AddrPort, payload []byte) {
	// 1. network header
	ipLen := ipHeaderLen(version)
	udpLen := header.UDPMinimumSize + len(payload)
	frame := pb.data[:ipLen+udpLen]
	encodeIPHeader(frame, version, protocolUDP, src.Addr(), dst.Addr(), udpLen)

	// 2. transport header
	udp := header.UDP(frame[ipLen:])
	udp.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(udpLen),
	})

	// 3. payload and checksum
	copy(frame[ipLen+header.UDPMinimumSize:], payload)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		toTcpipAddr(src.Addr()), toTcpipAddr(dst.Addr()), uint16(udpLen))
	xsum = checksum.Checksum(payload, xsum)
	udp.SetChecksum(^udp.CalculateChecksum(xsum))

	pb.length = len(frame)
	pb.version = version
}

// encodeICMPUnreachable writes into pb the administratively-prohibited
// destination-unreachable error replying to the offending frame. The
// error quotes the frame's IP header, its UDP header and at most
// icmpQuoteLimit payload bytes.
func encodeICMPUnreachable(pb *packetBuffer, pkt *parsedPacket, original []byte) {
	if pkt.version == 4 {
		ip := header.IPv4(original)
		quote := int(ip.HeaderLength()) + header.UDPMinimumSize + min(len(pkt.payload), icmpQuoteLimit)
		quote = min(quote, len(original))
		icmpLen := header.ICMPv4MinimumSize + quote
		frame := pb.data[:header.IPv4MinimumSize+icmpLen]
		encodeIPHeader(frame, 4, uint8(header.ICMPv4ProtocolNumber),
			pkt.dst.Addr(), pkt.src.Addr(), icmpLen)
		icmp := header.ICMPv4(frame[header.IPv4MinimumSize:])
		icmp.SetType(header.ICMPv4DstUnreachable)
		icmp.SetCode(header.ICMPv4Code(icmpv4CodeAdminProhibited))
		clear(icmp[4:header.ICMPv4MinimumSize])
		copy(icmp[header.ICMPv4MinimumSize:], original[:quote])
		icmp.SetChecksum(0)
		icmp.SetChecksum(^checksum.Checksum(icmp, 0))
		pb.length = len(frame)
		pb.version = 4
		return
	}
	quote := header.IPv6MinimumSize + header.UDPMinimumSize + min(len(pkt.payload), icmpQuoteLimit)
	quote = min(quote, len(original))
	icmpLen := header.ICMPv6MinimumSize + quote
	frame := pb.data[:header.IPv6MinimumSize+icmpLen]
	encodeIPHeader(frame, 6, uint8(header.ICMPv6ProtocolNumber),
		pkt.dst.Addr(), pkt.src.Addr(), icmpLen)
	icmp := header.ICMPv6(frame[header.IPv6MinimumSize:])
	icmp.SetType(header.ICMPv6DstUnreachable)
	icmp.SetCode(header.ICMPv6Code(icmpv6CodeAdminProhibited))
	clear(icmp[4:header.ICMPv6MinimumSize])
	copy(icmp[header.ICMPv6MinimumSize:], original[:quote])
	icmp.SetChecksum(0)
	xsum := header.PseudoHeaderChecksum(header.ICMPv6ProtocolNumber,
		toTcpipAddr(pkt.dst.Addr()), toTcpipAddr(pkt.src.Addr()), uint16(icmpLen))
	icmp.SetChecksum(^checksum.Checksum(icmp, xsum))
	pb.length = len(frame)
	pb.version = 6
}
