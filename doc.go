// SPDX-License-Identifier: GPL-3.0-or-later

// Package netvirt provides a user-space network virtualization engine
// that translates raw IP traffic into host socket operations.
//
// The package models the boundary between a virtual network device and
// the embedding application. Frames captured from the device enter
// through [Engine.HandlePacket]; the engine parses them, tracks TCP
// and UDP flows, and asks the application to open real sockets through
// the [Host] capability interface. Data arriving on those sockets
// re-enters through [Engine.OnTCPReceive] and [Engine.OnUDPReceive]
// and is translated back into IP frames, which a poll loop delivers in
// batches via [Host.EmitPackets].
//
// The typical usage is to create an [*Engine] with [NewEngine], attach
// an application-side [Host] with [Engine.Start], and feed it frames.
// Flow handles returned through the host callbacks identify flows in
// both directions and become invalid once a flow closes.
//
// Traffic can be constrained with host rules ([Engine.AddHostRule]):
// a rule either blocks matching flows at admission or shapes their
// emitted frames with artificial latency and jitter. Rules match
// literal addresses, names learned by passively observing DNS answers
// on the wire, and wildcard patterns.
//
// The [*PCAPTrace] type allows you to capture the emitted frames in
// PCAP format so that you can inspect what happened using tools such
// as wireshark.
package netvirt
