// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// segmentSpec builds the spec for a segment from the remote endpoint
// toward the device, stamped with the flow's current sequence state.
func (f *flow) segmentSpec(flags header.TCPFlags, payload []byte) tcpSegmentSpec {
	return tcpSegmentSpec{
		version: f.version,
		src:     f.remote,
		dst:     f.local,
		seq:     f.localSeq,
		ack:     f.clientSeq,
		flags:   flags,
		window:  localWindowSize,
		payload: payload,
	}
}

// emitAckLocked restates the flow's cumulative ACK toward the device.
func (eng *Engine) emitAckLocked(f *flow) {
	spec := f.segmentSpec(header.TCPFlagAck, nil)
	eng.emitTCPControlLocked(f, &spec)
}

// closeFlowLocked removes the flow and tells the host to release the
// matching socket, labeled with a short diagnostic reason. Safe in
// any state: the host treats a close for a handle it never finished
// dialing as a no-op.
func (eng *Engine) closeFlowLocked(f *flow, reason string, batch *callbackBatch) {
	req := closeRequest{handle: f.handle, reason: reason}
	switch f.kind {
	case flowTCP:
		batch.tcpCloses = append(batch.tcpCloses, req)
	default:
		batch.udpCloses = append(batch.udpCloses, req)
	}
	eng.removeFlowLocked(f)
}

// handleTCPSegmentLocked advances an existing TCP flow with a segment
// arriving from the device.
func (eng *Engine) handleTCPSegmentLocked(f *flow, pkt *parsedPacket, batch *callbackBatch) error {
	f.lastActivity = eng.now()

	// A reset tears the flow down with no reply in any state.
	if pkt.tcpFlags&header.TCPFlagRst != 0 {
		eng.logx.debugf("flow: tcp %s -> %s reset by device", f.local, f.remote)
		eng.closeFlowLocked(f, "reset", batch)
		return nil
	}

	switch f.state {
	case statePending:
		return eng.tcpPendingSegmentLocked(f, pkt, batch)
	case stateOpen:
		return eng.tcpOpenSegmentLocked(f, pkt, batch)
	case stateClosing:
		return eng.tcpClosingSegmentLocked(f, pkt)
	default:
		return ErrFlowNotOpen
	}
}

// tcpPendingSegmentLocked handles device segments that arrive between
// the SYN and the dial result.
func (eng *Engine) tcpPendingSegmentLocked(f *flow, pkt *parsedPacket, batch *callbackBatch) error {
	if pkt.tcpFlags&header.TCPFlagFin != 0 {
		eng.logx.debugf("flow: tcp %s -> %s abandoned before dial completion", f.local, f.remote)
		eng.closeFlowLocked(f, "canceled", batch)
		return nil
	}
	if pkt.tcpFlags&header.TCPFlagSyn != 0 {
		// SYN retransmission while the dial is in flight
		return nil
	}
	if len(pkt.payload) > 0 && pkt.tcpSeq == f.clientSeq {
		evicted := f.bufferPending(pkt.payload)
		if evicted > 0 {
			eng.counters.tcpBackpressureDrops.Add(uint64(evicted))
		}
		f.clientSeq += uint32(len(pkt.payload))
	}
	return nil
}

// tcpOpenSegmentLocked handles device segments on an established flow:
// payload moves to the host, a FIN starts the orderly shutdown.
func (eng *Engine) tcpOpenSegmentLocked(f *flow, pkt *parsedPacket, batch *callbackBatch) error {
	finished := pkt.tcpFlags&header.TCPFlagFin != 0

	// Drop out-of-order segments and restate the cumulative ACK so
	// the device retransmits from the right point.
	if (len(pkt.payload) > 0 || finished) && pkt.tcpSeq != f.clientSeq {
		eng.logx.breadcrumb(BreadcrumbFlow, "tcp out-of-order segment")
		eng.emitAckLocked(f)
		return nil
	}

	if len(pkt.payload) > 0 {
		payload := make([]byte, len(pkt.payload))
		copy(payload, pkt.payload)
		batch.tcpSends = append(batch.tcpSends, sendRequest{handle: f.handle, payload: payload})
		f.clientSeq += uint32(len(pkt.payload))
		if !finished {
			eng.emitAckLocked(f)
		}
	}

	if finished {
		// The FIN consumes one sequence number. Acknowledge it
		// together with our own FIN and release the host socket.
		f.clientSeq++
		spec := f.segmentSpec(header.TCPFlagFin|header.TCPFlagAck, nil)
		eng.emitTCPControlLocked(f, &spec)
		f.localSeq++
		f.state = stateClosing
		batch.tcpCloses = append(batch.tcpCloses, closeRequest{handle: f.handle, reason: "fin"})
		eng.logx.debugf("flow: tcp %s -> %s closing (device fin)", f.local, f.remote)
	}
	return nil
}

// tcpClosingSegmentLocked waits for the device to acknowledge our FIN,
// re-acknowledging any retransmitted FIN of its own.
func (eng *Engine) tcpClosingSegmentLocked(f *flow, pkt *parsedPacket) error {
	acked := pkt.tcpFlags&header.TCPFlagAck != 0 && pkt.tcpAck == f.localSeq
	if pkt.tcpFlags&header.TCPFlagFin != 0 {
		if pkt.tcpSeq == f.clientSeq {
			f.clientSeq++
		}
		eng.emitAckLocked(f)
	}
	if acked {
		eng.logx.debugf("flow: tcp %s -> %s closed", f.local, f.remote)
		eng.removeFlowLocked(f)
	}
	return nil
}

// OnTCPReceive injects payload received on the host socket into the
// flow, translating it into TCP segments toward the device.
//
// The payload is split into MSS-sized segments. Accepted bytes are
// charged against the per-flow budget until the frame leaves through
// the emit callback; bytes exceeding the budget, the packet pool or
// the emission ring are dropped and counted as TCP backpressure. The
// returned error is non-nil only when no byte was accepted.
func (eng *Engine) OnTCPReceive(handle uint64, payload []byte) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.running {
		return ErrNotRunning
	}
	f := eng.slots.lookup(handle)
	if f == nil || f.kind != flowTCP {
		return ErrUnknownFlow
	}
	if f.state != stateOpen {
		return ErrFlowNotOpen
	}
	f.lastActivity = eng.now()
	accepted := eng.streamSegmentsLocked(f, payload)
	if accepted == 0 && len(payload) > 0 {
		return ErrBackpressure
	}
	return nil
}

// streamSegmentsLocked splits payload into segments bounded by the
// MSS and the remaining flow budget and queues them for emission.
// Returns the number of payload bytes accepted.
func (eng *Engine) streamSegmentsLocked(f *flow, payload []byte) int {
	accepted := 0
	for len(payload) > 0 {
		chunk := min(len(payload), f.mss, f.budget)
		if chunk <= 0 {
			break
		}
		pb, err := eng.pool.acquire(tcpOverhead(f.version) + chunk)
		if err != nil {
			break
		}
		spec := f.segmentSpec(header.TCPFlagPsh|header.TCPFlagAck, payload[:chunk])
		encodeTCPSegment(pb, &spec)
		pb.flow = f.handle
		pb.payload = chunk
		f.budget -= chunk
		f.localSeq += uint32(chunk)
		if !eng.enqueueFrameLocked(f, pb) {
			// the drop already credited the budget and counted
			// the chunk, so only unwind the sequence number
			f.localSeq -= uint32(chunk)
			payload = payload[chunk:]
			break
		}
		accepted += chunk
		payload = payload[chunk:]
	}
	if dropped := len(payload); dropped > 0 {
		eng.counters.tcpBackpressureDrops.Add(uint64(dropped))
		eng.logx.breadcrumb(BreadcrumbFlow, "tcp backpressure drop")
	}
	return accepted
}

// OnTCPClose tells the engine the host side of a TCP flow is gone.
//
// An open flow starts an orderly shutdown toward the device. Unknown
// handles and flows already shutting down make this a no-op, so
// duplicate close notifications are harmless.
func (eng *Engine) OnTCPClose(handle uint64) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.running {
		return
	}
	f := eng.slots.lookup(handle)
	if f == nil || f.kind != flowTCP {
		eng.logx.breadcrumb(BreadcrumbHost, "tcp close for unknown handle")
		return
	}
	switch f.state {
	case stateOpen:
		spec := f.segmentSpec(header.TCPFlagFin|header.TCPFlagAck, nil)
		eng.emitTCPControlLocked(f, &spec)
		f.localSeq++
		f.state = stateClosing
		eng.logx.debugf("flow: tcp %s -> %s closing (host)", f.local, f.remote)
	case statePending:
		// the dial never completed, there is no handshake to unwind
		eng.removeFlowLocked(f)
	default:
		// already closing, the device ACK finishes the teardown
	}
}
