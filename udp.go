// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

// handleUDPDatagramLocked advances an existing UDP flow with a
// datagram arriving from the device.
func (eng *Engine) handleUDPDatagramLocked(f *flow, pkt *parsedPacket, batch *callbackBatch) error {
	f.lastActivity = eng.now()
	switch f.state {
	case statePending:
		if len(pkt.payload) > 0 {
			evicted := f.bufferPending(pkt.payload)
			if evicted > 0 {
				eng.counters.udpBackpressureDrops.Add(uint64(evicted))
			}
		}
		return nil
	case stateOpen:
		if len(pkt.payload) <= 0 {
			return nil
		}
		payload := make([]byte, len(pkt.payload))
		copy(payload, pkt.payload)
		batch.udpSends = append(batch.udpSends, sendRequest{handle: f.handle, payload: payload})
		return nil
	default:
		return ErrFlowNotOpen
	}
}

// OnUDPReceive injects a datagram received on the host socket into
// the flow, translating it into a UDP frame toward the device.
//
// A datagram larger than the flow's MTU allowance or the remaining
// budget is truncated and the excess counted as UDP backpressure; a
// datagram dropped entirely returns [ErrBackpressure]. Payloads
// arriving from the DNS port also feed the resolver cache and the
// policy engine's observed-host map.
func (eng *Engine) OnUDPReceive(handle uint64, payload []byte) error {
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return ErrNotRunning
	}
	f := eng.slots.lookup(handle)
	if f == nil || f.kind != flowUDP {
		eng.mu.Unlock()
		return ErrUnknownFlow
	}
	if f.state != stateOpen {
		eng.mu.Unlock()
		return ErrFlowNotOpen
	}
	f.lastActivity = eng.now()
	host := eng.host
	local, remote := f.local, f.remote
	fromDNS := remote.Port() == dnsPort
	accepted := eng.emitDatagramLocked(f, payload)
	eng.mu.Unlock()

	if fromDNS {
		eng.observeDNSResponse(host, local, remote, payload)
	}
	if accepted == 0 && len(payload) > 0 {
		return ErrBackpressure
	}
	return nil
}

// emitDatagramLocked queues a single datagram toward the device,
// truncated to the MTU allowance and the remaining flow budget.
// Returns the number of payload bytes accepted.
func (eng *Engine) emitDatagramLocked(f *flow, payload []byte) int {
	mss := eng.mtu - udpOverhead(f.version)
	chunk := min(len(payload), mss, f.budget)
	if chunk <= 0 && len(payload) > 0 {
		eng.counters.udpBackpressureDrops.Add(uint64(len(payload)))
		eng.logx.breadcrumb(BreadcrumbFlow, "udp backpressure drop")
		return 0
	}
	pb, err := eng.pool.acquire(udpOverhead(f.version) + chunk)
	if err != nil {
		eng.counters.udpBackpressureDrops.Add(uint64(len(payload)))
		eng.logx.breadcrumb(BreadcrumbFlow, "udp backpressure drop")
		return 0
	}
	encodeUDPDatagram(pb, f.version, f.remote, f.local, payload[:chunk])
	pb.flow = f.handle
	pb.payload = chunk
	f.budget -= chunk
	if dropped := len(payload) - chunk; dropped > 0 {
		eng.counters.udpBackpressureDrops.Add(uint64(dropped))
		eng.logx.breadcrumb(BreadcrumbFlow, "udp datagram truncated")
	}
	if !eng.enqueueFrameLocked(f, pb) {
		// the drop credited the budget and counted the bytes
		return 0
	}
	return chunk
}

// OnUDPClose tells the engine the host side of a UDP flow is gone.
// The flow is removed at once; unknown handles are a no-op, so
// duplicate close notifications are harmless.
func (eng *Engine) OnUDPClose(handle uint64) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.running {
		return
	}
	f := eng.slots.lookup(handle)
	if f == nil || f.kind != flowUDP {
		eng.logx.breadcrumb(BreadcrumbHost, "udp close for unknown handle")
		return
	}
	eng.logx.debugf("flow: udp %s -> %s closed by host", f.local, f.remote)
	eng.removeFlowLocked(f)
}
