// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"net/netip"
	"time"
)

// flowKind distinguishes TCP from UDP flows.
type flowKind int

const (
	// flowTCP labels TCP flows.
	flowTCP = flowKind(iota)

	// flowUDP labels UDP flows.
	flowUDP
)

// String implements fmt.Stringer.
func (kind flowKind) String() string {
	if kind == flowTCP {
		return "tcp"
	}
	return "udp"
}

// flowState tracks a flow through its lifecycle. TCP flows walk
// pending, open, closing, closed; UDP flows skip closing. State
// never moves backwards.
type flowState int

const (
	// statePending means the host dial has not completed yet.
	statePending = flowState(iota)

	// stateOpen means the host connection is established.
	stateOpen

	// stateClosing means a FIN has been exchanged and we are
	// waiting for the final ACK.
	stateClosing

	// stateClosed means the flow is finished and its handle is
	// about to be recycled.
	stateClosed
)

// String implements fmt.Stringer.
func (state flowState) String() string {
	switch state {
	case statePending:
		return "pending"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Buffering limits for device payloads arriving before the host dial
// completes. When a flow exceeds them we evict the oldest payload.
const (
	maxPendingPayloads = 8
	maxPendingBytes    = 64 * 1024
)

// Inactivity limits enforced by the poll loop.
const (
	// udpIdleTimeout closes UDP flows with no traffic in either
	// direction for this long.
	udpIdleTimeout = 10 * time.Second

	// dialPendingTimeout abandons flows whose host dial neither
	// succeeded nor failed within this window.
	dialPendingTimeout = 10 * time.Second
)

// flowKey identifies a flow by transport and endpoints as seen from
// the device: src is the device-local endpoint, dst the remote one.
type flowKey struct {
	// kind is the transport.
	kind flowKind

	// src is the device-side endpoint.
	src netip.AddrPort

	// dst is the remote endpoint.
	dst netip.AddrPort
}

// flow is the per-connection state tracked by the flow table. All
// fields are protected by the engine mutex.
type flow struct {
	// handle is the opaque identifier shared with the host.
	handle uint64

	// kind is the transport.
	kind flowKind

	// state is the lifecycle state.
	state flowState

	// version is the IP version (4 or 6) used by emitted packets.
	version uint8

	// local is the device-side endpoint.
	local netip.AddrPort

	// remote is the remote endpoint.
	remote netip.AddrPort

	// budget is the remaining per-flow byte budget for payload
	// headed to the emission path. It is charged when a payload
	// is accepted and credited back when the frame is emitted.
	budget int

	// clientSeq is the next sequence number expected from the
	// device. Meaningful only for TCP.
	clientSeq uint32

	// localSeq is the next sequence number carried by segments we
	// emit toward the device. Meaningful only for TCP.
	localSeq uint32

	// mss caps the payload of emitted TCP segments.
	mss int

	// dialAttempts counts host dial requests issued so far.
	dialAttempts int

	// dialInFlight reports whether a dial request awaits its
	// result callback.
	dialInFlight bool

	// nextDialAt is the earliest time for the next dial attempt.
	nextDialAt time.Time

	// pendingSince is when the flow entered the pending state.
	pendingSince time.Time

	// pending buffers device payloads until the dial completes.
	pending [][]byte

	// pendingBytes sums the buffered payload sizes.
	pendingBytes int

	// shaper delays emitted frames when a shape rule matched, and
	// is nil otherwise.
	shaper *flowShaper

	// lastActivity is the time of the last packet in either
	// direction, driving the UDP idle timeout.
	lastActivity time.Time
}

// bufferPending stores a copy of a device payload until the host dial
// completes, evicting the oldest buffered payloads when the flow
// exceeds the buffering limits. It returns the number of evicted
// bytes.
func (f *flow) bufferPending(payload []byte) int {
	buffered := make([]byte, len(payload))
	copy(buffered, payload)
	f.pending = append(f.pending, buffered)
	f.pendingBytes += len(buffered)
	evicted := 0
	for len(f.pending) > maxPendingPayloads || f.pendingBytes > maxPendingBytes {
		oldest := f.pending[0]
		f.pending = f.pending[1:]
		f.pendingBytes -= len(oldest)
		evicted += len(oldest)
	}
	return evicted
}

// takePending hands out the buffered payloads and resets the buffer.
func (f *flow) takePending() [][]byte {
	taken := f.pending
	f.pending = nil
	f.pendingBytes = 0
	return taken
}

// flowSlot pairs a live flow with the generation of its slot.
type flowSlot struct {
	// gen is incremented every time the slot is freed.
	gen uint32

	// flow is the occupant, nil when the slot is free.
	flow *flow
}

// flowSlots maps opaque 64-bit handles to live flows. A handle packs
// the slot generation in the upper 32 bits and the slot index plus
// one in the lower 32 bits, so zero is never a valid handle and
// handles of freed slots fail the generation check.
type flowSlots struct {
	// slots is the backing array.
	slots []flowSlot

	// free lists the indexes of free slots.
	free []uint32
}

// insert stores f in a free slot and returns its handle. The handle
// is also assigned to f.handle.
func (fs *flowSlots) insert(f *flow) uint64 {
	var idx uint32
	if n := len(fs.free); n > 0 {
		idx = fs.free[n-1]
		fs.free = fs.free[:n-1]
	} else {
		idx = uint32(len(fs.slots))
		fs.slots = append(fs.slots, flowSlot{})
	}
	fs.slots[idx].flow = f
	handle := uint64(fs.slots[idx].gen)<<32 | uint64(idx+1)
	f.handle = handle
	return handle
}

// lookup returns the flow named by handle, or nil when the handle is
// stale, malformed or zero.
func (fs *flowSlots) lookup(handle uint64) *flow {
	idx := uint32(handle)
	if idx == 0 || int(idx) > len(fs.slots) {
		return nil
	}
	slot := &fs.slots[idx-1]
	if slot.gen != uint32(handle>>32) {
		return nil
	}
	return slot.flow
}

// remove frees the slot named by handle and returns its former
// occupant, or nil when the handle does not name a live flow. The
// slot generation is bumped so the handle cannot resolve again.
func (fs *flowSlots) remove(handle uint64) *flow {
	f := fs.lookup(handle)
	if f == nil {
		return nil
	}
	idx := uint32(handle) - 1
	fs.slots[idx].flow = nil
	fs.slots[idx].gen++
	fs.free = append(fs.free, idx)
	return f
}

// count returns the number of live flows.
func (fs *flowSlots) count() int {
	return len(fs.slots) - len(fs.free)
}

// each invokes fn for every live flow. Removing the current flow
// from inside fn is safe; removing other flows is not.
func (fs *flowSlots) each(fn func(*flow)) {
	for idx := range fs.slots {
		if f := fs.slots[idx].flow; f != nil {
			fn(f)
		}
	}
}
