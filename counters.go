// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import "sync/atomic"

// FlowCounters is a point-in-time snapshot of the admission and
// validation counters. Counters are monotonically increasing and are
// never reset by the engine.
type FlowCounters struct {
	// TCPAdmissionFail counts TCP flows rejected at admission.
	TCPAdmissionFail uint64

	// UDPAdmissionFail counts UDP flows rejected at admission.
	UDPAdmissionFail uint64

	// TCPBackpressureDrops counts TCP payload bytes dropped because the
	// per-flow budget, the packet pool, or the emission ring was full.
	TCPBackpressureDrops uint64

	// UDPBackpressureDrops counts UDP payload bytes dropped because the
	// per-flow budget, the packet pool, or the emission ring was full.
	UDPBackpressureDrops uint64

	// InvalidIPPackets counts frames whose IP header failed validation.
	InvalidIPPackets uint64

	// InvalidTCPPackets counts frames whose TCP header failed validation.
	InvalidTCPPackets uint64

	// InvalidUDPPackets counts frames whose UDP header failed validation.
	InvalidUDPPackets uint64
}

// flowCounters is the mutable atomic storage behind [FlowCounters].
type flowCounters struct {
	tcpAdmissionFail     atomic.Uint64
	udpAdmissionFail     atomic.Uint64
	tcpBackpressureDrops atomic.Uint64
	udpBackpressureDrops atomic.Uint64
	invalidIPPackets     atomic.Uint64
	invalidTCPPackets    atomic.Uint64
	invalidUDPPackets    atomic.Uint64
}

// snapshot returns a consistent-enough copy for observability purposes.
//
// Each field is loaded atomically but the snapshot as a whole is not
// taken under a lock, which is fine for monotonic counters.
func (c *flowCounters) snapshot() FlowCounters {
	return FlowCounters{
		TCPAdmissionFail:     c.tcpAdmissionFail.Load(),
		UDPAdmissionFail:     c.udpAdmissionFail.Load(),
		TCPBackpressureDrops: c.tcpBackpressureDrops.Load(),
		UDPBackpressureDrops: c.udpBackpressureDrops.Load(),
		InvalidIPPackets:     c.invalidIPPackets.Load(),
		InvalidTCPPackets:    c.invalidTCPPackets.Load(),
		InvalidUDPPackets:    c.invalidUDPPackets.Load(),
	}
}

// FlowStats is a point-in-time snapshot of the emission statistics.
type FlowStats struct {
	// PollIterations counts completed poll loop iterations.
	PollIterations uint64

	// FramesEmitted counts frames handed to the host emit callback.
	FramesEmitted uint64

	// BytesEmitted counts the total bytes of the emitted frames.
	BytesEmitted uint64

	// TCPFlushEvents counts buffered TCP payload flushes after a dial.
	TCPFlushEvents uint64

	// UDPFlushEvents counts buffered UDP payload flushes after a dial.
	UDPFlushEvents uint64
}

// flowStats is the mutable atomic storage behind [FlowStats].
type flowStats struct {
	pollIterations atomic.Uint64
	framesEmitted  atomic.Uint64
	bytesEmitted   atomic.Uint64
	tcpFlushEvents atomic.Uint64
	udpFlushEvents atomic.Uint64
}

// snapshot returns a copy of the stats loaded atomically per field.
func (s *flowStats) snapshot() FlowStats {
	return FlowStats{
		PollIterations: s.pollIterations.Load(),
		FramesEmitted:  s.framesEmitted.Load(),
		BytesEmitted:   s.bytesEmitted.Load(),
		TCPFlushEvents: s.tcpFlushEvents.Load(),
		UDPFlushEvents: s.udpFlushEvents.Load(),
	}
}
