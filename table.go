// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// dialRequest asks the host to open an outbound connection on behalf
// of a flow.
type dialRequest struct {
	// handle identifies the flow.
	handle uint64

	// remote is the endpoint to connect to.
	remote netip.AddrPort
}

// sendRequest carries device payload toward a host socket.
type sendRequest struct {
	// handle identifies the flow.
	handle uint64

	// payload is an owned copy of the payload.
	payload []byte
}

// closeRequest tells the host to release a socket.
type closeRequest struct {
	// handle identifies the flow.
	handle uint64

	// reason is a short diagnostic label for the close.
	reason string
}

// callbackBatch collects the host callbacks decided under the engine
// mutex so that they run after it is released. Invoking the host with
// the mutex held would deadlock any host that reenters the engine
// from inside a callback.
type callbackBatch struct {
	// tcpDials and udpDials are connection requests.
	tcpDials []dialRequest
	udpDials []dialRequest

	// tcpSends and udpSends carry device payload to host sockets.
	tcpSends []sendRequest
	udpSends []sendRequest

	// tcpCloses and udpCloses tell the host to release sockets.
	tcpCloses []closeRequest
	udpCloses []closeRequest
}

// run executes the collected callbacks: dials, then sends, then
// closes. Order matters: a send enqueued together with a dial must
// reach the host after it.
func (batch *callbackBatch) run(host Host) {
	for _, req := range batch.tcpDials {
		host.RequestTCPDial(req.handle, req.remote)
	}
	for _, req := range batch.udpDials {
		host.RequestUDPDial(req.handle, req.remote)
	}
	for _, req := range batch.tcpSends {
		host.SendTCP(req.handle, req.payload)
	}
	for _, req := range batch.udpSends {
		host.SendUDP(req.handle, req.payload)
	}
	for _, req := range batch.tcpCloses {
		host.CloseTCP(req.handle, req.reason)
	}
	for _, req := range batch.udpCloses {
		host.CloseUDP(req.handle, req.reason)
	}
}

// HandlePacket processes a raw IP frame read from the virtual device.
//
// The frame is parsed and validated, matched against the flow table,
// and either translated into host callbacks or answered directly on
// the emission ring. The frame is borrowed: the engine copies what it
// needs to retain before returning.
//
// The returned error reports what happened to the frame. Malformed
// frames return an error wrapping [ErrMalformedPacket]; frames
// carrying an unsupported transport return [ErrUnsupportedTransport];
// frames rejected by policy return [ErrPolicyBlocked]. All error
// paths also show up in [Engine.Counters].
func (eng *Engine) HandlePacket(frame []byte) error {
	// 1. parse and validate outside the lock
	pkt, err := parseFrame(frame)
	if err != nil {
		return eng.countParseError(err)
	}

	// 2. flow table work under the lock
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return ErrNotRunning
	}
	host := eng.host
	var batch callbackBatch
	err = eng.dispatchLocked(&pkt, frame, &batch)
	eng.mu.Unlock()

	// 3. passive observation: the capture and the DNS interception
	// see every valid frame, whatever the flow table decided
	eng.tracePacket(frame)
	if pkt.kind() == flowUDP && pkt.dst.Port() == dnsPort {
		eng.observeDNSQuery(&pkt)
	}

	// 4. host callbacks outside the lock
	batch.run(host)
	return err
}

// countParseError maps a parse failure onto the invalid-packet
// counters and wraps it for the caller.
func (eng *Engine) countParseError(err error) error {
	switch {
	case errors.Is(err, errInvalidTCP):
		eng.counters.invalidTCPPackets.Add(1)
	case errors.Is(err, errInvalidUDP):
		eng.counters.invalidUDPPackets.Add(1)
	case errors.Is(err, errInvalidIP):
		eng.counters.invalidIPPackets.Add(1)
	default:
		eng.logx.breadcrumb(BreadcrumbDevice, "drop: "+err.Error())
		return err
	}
	eng.logx.breadcrumb(BreadcrumbDevice, "drop: "+err.Error())
	return errors.Join(ErrMalformedPacket, err)
}

// dispatchLocked routes a parsed frame to its flow, admitting a new
// flow when no entry matches.
func (eng *Engine) dispatchLocked(pkt *parsedPacket, frame []byte, batch *callbackBatch) error {
	key := flowKey{kind: pkt.kind(), src: pkt.src, dst: pkt.dst}
	if handle, found := eng.flows[key]; found {
		f := eng.slots.lookup(handle)
		if pkt.kind() == flowTCP {
			return eng.handleTCPSegmentLocked(f, pkt, batch)
		}
		return eng.handleUDPDatagramLocked(f, pkt, batch)
	}
	if pkt.kind() == flowTCP {
		return eng.admitTCPLocked(pkt, batch)
	}
	return eng.admitUDPLocked(pkt, frame, batch)
}

// admitTCPLocked decides whether the first segment of an unknown TCP
// 4-tuple opens a new flow. Only a plain SYN does; anything else gets
// a reset, except resets themselves which are ignored.
func (eng *Engine) admitTCPLocked(pkt *parsedPacket, batch *callbackBatch) error {
	if pkt.tcpFlags&header.TCPFlagRst != 0 {
		return nil
	}
	if pkt.tcpFlags&header.TCPFlagSyn == 0 || pkt.tcpFlags&header.TCPFlagAck != 0 {
		eng.logx.breadcrumb(BreadcrumbFlow, "tcp: stray segment for unknown flow")
		spec := rstSegmentSpec(pkt)
		eng.emitTCPControlLocked(nil, &spec)
		return ErrUnknownFlow
	}

	now := eng.now()
	dispo := eng.policy.evaluateAddr(pkt.dst.Addr(), now)
	if dispo.action == dispositionBlock {
		eng.counters.tcpAdmissionFail.Add(1)
		eng.recordPolicyEvent(pkt, TelemetryPolicyBlock)
		spec := rstSegmentSpec(pkt)
		eng.emitTCPControlLocked(nil, &spec)
		eng.logx.infof("flow: tcp %s -> %s blocked by policy", pkt.src, pkt.dst)
		return ErrPolicyBlocked
	}
	if eng.pool.available() <= 0 {
		eng.counters.tcpAdmissionFail.Add(1)
		eng.logx.warnf("flow: tcp %s -> %s rejected: %s", pkt.src, pkt.dst, ErrPoolExhausted)
		return ErrPoolExhausted
	}

	f := &flow{
		kind:         flowTCP,
		state:        statePending,
		version:      pkt.version,
		local:        pkt.src,
		remote:       pkt.dst,
		budget:       eng.perFlowBytes,
		clientSeq:    pkt.tcpSeq + 1,
		localSeq:     eng.nextRandLocked(),
		mss:          eng.mtu - tcpOverhead(pkt.version),
		dialAttempts: 1,
		dialInFlight: true,
		pendingSince: now,
		lastActivity: now,
	}
	eng.maybeShapeLocked(f, pkt, dispo)
	handle := eng.slots.insert(f)
	eng.flows[flowKey{kind: flowTCP, src: pkt.src, dst: pkt.dst}] = handle
	if len(pkt.payload) > 0 {
		f.bufferPending(pkt.payload)
	}
	batch.tcpDials = append(batch.tcpDials, dialRequest{handle: handle, remote: pkt.dst})
	eng.logx.debugf("flow: tcp %s -> %s admitted handle %#x", pkt.src, pkt.dst, handle)
	return nil
}

// admitUDPLocked decides whether the first datagram of an unknown UDP
// 4-tuple opens a new flow. Blocked destinations are answered with an
// administratively-prohibited ICMP error.
func (eng *Engine) admitUDPLocked(pkt *parsedPacket, frame []byte, batch *callbackBatch) error {
	now := eng.now()
	dispo := eng.policy.evaluateAddr(pkt.dst.Addr(), now)
	if dispo.action == dispositionBlock {
		eng.counters.udpAdmissionFail.Add(1)
		eng.recordPolicyEvent(pkt, TelemetryPolicyBlock)
		eng.emitICMPUnreachableLocked(pkt, frame)
		eng.logx.infof("flow: udp %s -> %s blocked by policy", pkt.src, pkt.dst)
		return ErrPolicyBlocked
	}
	if eng.pool.available() <= 0 {
		eng.counters.udpAdmissionFail.Add(1)
		eng.logx.warnf("flow: udp %s -> %s rejected: %s", pkt.src, pkt.dst, ErrPoolExhausted)
		return ErrPoolExhausted
	}

	f := &flow{
		kind:         flowUDP,
		state:        statePending,
		version:      pkt.version,
		local:        pkt.src,
		remote:       pkt.dst,
		budget:       eng.perFlowBytes,
		dialAttempts: 1,
		dialInFlight: true,
		pendingSince: now,
		lastActivity: now,
	}
	eng.maybeShapeLocked(f, pkt, dispo)
	handle := eng.slots.insert(f)
	eng.flows[flowKey{kind: flowUDP, src: pkt.src, dst: pkt.dst}] = handle
	if len(pkt.payload) > 0 {
		f.bufferPending(pkt.payload)
	}
	batch.udpDials = append(batch.udpDials, dialRequest{handle: handle, remote: pkt.dst})
	eng.logx.debugf("flow: udp %s -> %s admitted handle %#x", pkt.src, pkt.dst, handle)
	return nil
}

// maybeShapeLocked attaches a shaper to a freshly admitted flow when
// its policy disposition asks for one.
func (eng *Engine) maybeShapeLocked(f *flow, pkt *parsedPacket, dispo disposition) {
	if dispo.action != dispositionShape {
		return
	}
	f.shaper = newFlowShaper(dispo.latency, dispo.jitter, eng.nextRandLocked())
	eng.recordPolicyEvent(pkt, TelemetryPolicyShape)
	eng.logx.infof("flow: %s %s -> %s shaped latency=%s jitter=%s",
		f.kind, pkt.src, pkt.dst, dispo.latency, dispo.jitter)
}

// recordPolicyEvent records a telemetry event for a policy decision
// applied to an ingress frame.
func (eng *Engine) recordPolicyEvent(pkt *parsedPacket, flags TelemetryFlags) {
	eng.telemetry.record(TelemetryEvent{
		Time:       eng.now(),
		Protocol:   pkt.proto,
		Direction:  DirectionOutbound,
		Flags:      flags,
		Src:        pkt.src,
		Dst:        pkt.dst,
		PayloadLen: len(pkt.payload),
	})
}

// removeFlowLocked drops the flow from the table, releases any frames
// still queued in its shaper and recycles its handle.
func (eng *Engine) removeFlowLocked(f *flow) {
	delete(eng.flows, flowKey{kind: f.kind, src: f.local, dst: f.remote})
	eng.slots.remove(f.handle)
	if f.shaper != nil {
		for _, pb := range f.shaper.drainAll() {
			eng.pool.release(pb)
		}
	}
	f.pending = nil
	f.pendingBytes = 0
	f.state = stateClosed
	eng.logx.breadcrumb(BreadcrumbFlow, "flow removed: "+f.kind.String())
}

// enqueueFrameLocked routes an encoded frame to the flow's shaper, or
// straight to the emission ring when the flow is unshaped or nil.
// Frames evicted by the shaper caps and frames bounced by a full ring
// are dropped with backpressure accounting. Returns false when pb
// itself was dropped.
func (eng *Engine) enqueueFrameLocked(f *flow, pb *packetBuffer) bool {
	if f != nil && f.shaper != nil {
		for _, evicted := range f.shaper.enqueue(pb, eng.now()) {
			eng.dropFrameLocked(f, evicted)
		}
		return true
	}
	if err := eng.ring.enqueue(pb); err != nil {
		eng.dropFrameLocked(f, pb)
		return false
	}
	return true
}

// dropFrameLocked releases a frame that will never reach the device,
// crediting the flow budget back and counting the payload bytes as
// backpressure drops.
func (eng *Engine) dropFrameLocked(f *flow, pb *packetBuffer) {
	if f != nil && pb.payload > 0 {
		f.budget += pb.payload
		switch f.kind {
		case flowTCP:
			eng.counters.tcpBackpressureDrops.Add(uint64(pb.payload))
		default:
			eng.counters.udpBackpressureDrops.Add(uint64(pb.payload))
		}
	}
	eng.pool.release(pb)
}

// emitTCPControlLocked emits a zero-budget TCP segment such as a
// SYN-ACK, a bare ACK, a FIN or a reset. Control segments are dropped
// silently under resource pressure: TCP retransmission on the device
// side recovers the loss.
func (eng *Engine) emitTCPControlLocked(f *flow, spec *tcpSegmentSpec) {
	pb, err := eng.pool.acquire(tcpOverhead(spec.version) + len(spec.payload))
	if err != nil {
		eng.logx.breadcrumb(BreadcrumbFlow, "tcp control dropped: "+err.Error())
		return
	}
	encodeTCPSegment(pb, spec)
	if f != nil {
		pb.flow = f.handle
	}
	eng.enqueueFrameLocked(f, pb)
}

// icmpErrorMaxSize comfortably bounds an emitted ICMP error frame:
// for both address families the IP header, the ICMP header and the
// bounded quote stay near a hundred bytes.
const icmpErrorMaxSize = 160

// emitICMPUnreachableLocked emits the administratively-prohibited
// error for a blocked UDP frame. Best effort: under resource pressure
// the error is simply not sent.
func (eng *Engine) emitICMPUnreachableLocked(pkt *parsedPacket, frame []byte) {
	pb, err := eng.pool.acquire(icmpErrorMaxSize)
	if err != nil {
		eng.logx.breadcrumb(BreadcrumbFlow, "icmp error dropped: "+err.Error())
		return
	}
	encodeICMPUnreachable(pb, pkt, frame)
	if err := eng.ring.enqueue(pb); err != nil {
		eng.pool.release(pb)
	}
}
