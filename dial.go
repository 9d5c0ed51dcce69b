// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Dial retry policy. Failed dials are retried with exponential
// backoff before the flow is abandoned.
const (
	// maxDialAttempts bounds the dial requests per flow.
	maxDialAttempts = 3

	// dialBackoffBase is the delay before the second attempt. Each
	// further attempt doubles it, capped at dialBackoffBase << 4.
	dialBackoffBase = 50 * time.Millisecond
)

// dialBackoff returns the delay applied after the given 1-based
// attempt number failed.
func dialBackoff(attempt int) time.Duration {
	return dialBackoffBase << min(attempt-1, 4)
}

// OnDialResult reports the outcome of a dial the engine requested
// through RequestTCPDial or RequestUDPDial.
//
// On success the flow opens: a TCP flow emits the SYN-ACK completing
// the device-side handshake, and payloads buffered while pending are
// flushed to the host. On failure the dial is retried with backoff up
// to maxDialAttempts times; once attempts are exhausted a TCP flow
// answers the device with a reset and a UDP flow goes away silently.
//
// Results for unknown handles are ignored: the flow may have been
// torn down while the dial was in flight.
func (eng *Engine) OnDialResult(handle uint64, ok bool, message string) {
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return
	}
	host := eng.host
	f := eng.slots.lookup(handle)
	if f == nil {
		eng.logx.breadcrumb(BreadcrumbHost, "dial result for unknown handle")
		eng.mu.Unlock()
		return
	}
	if f.state != statePending || !f.dialInFlight {
		eng.mu.Unlock()
		return
	}
	f.dialInFlight = false
	var batch callbackBatch
	if ok {
		eng.openFlowLocked(f, &batch)
	} else {
		eng.dialFailedLocked(f, message)
	}
	eng.mu.Unlock()
	batch.run(host)
}

// openFlowLocked moves a pending flow to the open state and flushes
// the payloads buffered while the dial was in flight.
func (eng *Engine) openFlowLocked(f *flow, batch *callbackBatch) {
	f.state = stateOpen
	f.lastActivity = eng.now()
	if f.kind == flowTCP {
		// the SYN-ACK consumes one sequence number
		spec := f.segmentSpec(header.TCPFlagSyn|header.TCPFlagAck, nil)
		eng.emitTCPControlLocked(f, &spec)
		f.localSeq++
	}
	flushed := f.takePending()
	for _, payload := range flushed {
		req := sendRequest{handle: f.handle, payload: payload}
		if f.kind == flowTCP {
			batch.tcpSends = append(batch.tcpSends, req)
		} else {
			batch.udpSends = append(batch.udpSends, req)
		}
	}
	if len(flushed) > 0 {
		switch f.kind {
		case flowTCP:
			eng.stats.tcpFlushEvents.Add(1)
		default:
			eng.stats.udpFlushEvents.Add(1)
		}
	}
	eng.logx.debugf("dial: %s %s -> %s open, flushed %d buffered payloads",
		f.kind, f.local, f.remote, len(flushed))
}

// dialFailedLocked schedules a retry, or abandons the flow when the
// attempts are exhausted.
func (eng *Engine) dialFailedLocked(f *flow, message string) {
	reason := canonicalDialReason(message)
	if f.dialAttempts < maxDialAttempts {
		f.nextDialAt = eng.now().Add(dialBackoff(f.dialAttempts))
		eng.logx.debugf("dial: %s %s -> %s attempt %d failed (%s), will retry",
			f.kind, f.local, f.remote, f.dialAttempts, reason)
		return
	}
	eng.logx.infof("dial: %s %s -> %s failed after %d attempts (%s)",
		f.kind, f.local, f.remote, f.dialAttempts, reason)
	if f.kind == flowTCP {
		eng.refuseTCPFlowLocked(f)
	}
	eng.removeFlowLocked(f)
}

// refuseTCPFlowLocked resets the connection the device is still
// waiting on. The segment goes straight to the ring, never through
// the dying flow's shaper.
func (eng *Engine) refuseTCPFlowLocked(f *flow) {
	spec := tcpSegmentSpec{
		version: f.version,
		src:     f.remote,
		dst:     f.local,
		ack:     f.clientSeq,
		flags:   header.TCPFlagRst | header.TCPFlagAck,
	}
	eng.emitTCPControlLocked(nil, &spec)
}

// dispatchPendingDialsLocked collects the dial retries that are due.
func (eng *Engine) dispatchPendingDialsLocked(now time.Time, batch *callbackBatch) {
	eng.slots.each(func(f *flow) {
		if f.state != statePending || f.dialInFlight || now.Before(f.nextDialAt) {
			return
		}
		f.dialAttempts++
		f.dialInFlight = true
		req := dialRequest{handle: f.handle, remote: f.remote}
		if f.kind == flowTCP {
			batch.tcpDials = append(batch.tcpDials, req)
		} else {
			batch.udpDials = append(batch.udpDials, req)
		}
		eng.logx.debugf("dial: %s %s -> %s attempt %d",
			f.kind, f.local, f.remote, f.dialAttempts)
	})
}
