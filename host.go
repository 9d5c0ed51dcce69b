// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import "net/netip"

// EmittedPacket is a frame the engine wants written to the virtual
// device.
type EmittedPacket struct {
	// Version is the IP version of the frame (4 or 6).
	Version uint8

	// Data is the raw frame. It borrows a pooled buffer owned by
	// the engine and is valid only until EmitPackets returns, so
	// hosts retaining a frame must copy it.
	Data []byte
}

// Host is the capability surface the engine calls back into. The
// embedding application implements it on top of the platform's
// virtual device and socket layer.
//
// The engine never invokes Host methods while holding its internal
// mutex, so implementations may reenter the engine from a callback,
// typically to report a dial result or inject received payload.
type Host interface {
	// EmitPackets writes a batch of frames to the virtual device.
	// The frames are valid only for the duration of the call.
	EmitPackets(packets []EmittedPacket)

	// RequestTCPDial asks the host to open a TCP connection to
	// remote on behalf of the flow identified by handle. The host
	// reports the outcome through [Engine.OnDialResult].
	RequestTCPDial(handle uint64, remote netip.AddrPort)

	// RequestUDPDial asks the host to open a UDP socket toward
	// remote on behalf of the flow identified by handle. The host
	// reports the outcome through [Engine.OnDialResult].
	RequestUDPDial(handle uint64, remote netip.AddrPort)

	// SendTCP hands the host payload to write to the TCP socket
	// of the given flow. The slice is owned by the host.
	SendTCP(handle uint64, payload []byte)

	// SendUDP hands the host a datagram to write to the UDP
	// socket of the given flow. The slice is owned by the host.
	SendUDP(handle uint64, payload []byte)

	// CloseTCP tells the host to release the TCP socket of the
	// given flow. The reason is a short diagnostic label such as
	// "fin", "reset" or "idle". Closing an unknown handle must be
	// a no-op.
	CloseTCP(handle uint64, reason string)

	// CloseUDP tells the host to release the UDP socket of the
	// given flow. The reason is a short diagnostic label. Closing
	// an unknown handle must be a no-op.
	CloseUDP(handle uint64, reason string)

	// RecordDNS reports a name resolution observed on the wire so
	// the host can maintain its own reverse-mapping tables.
	RecordDNS(host string, addrs []netip.Addr, ttl uint32)
}
