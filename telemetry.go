// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"net/netip"
	"sync"
	"time"
)

// TelemetryFlags marks the notable conditions captured by an event.
type TelemetryFlags uint32

// Enumerate the telemetry flags.
const (
	// TelemetryDNSQuery marks an intercepted DNS query.
	TelemetryDNSQuery = TelemetryFlags(1 << iota)

	// TelemetryDNSResponse marks an intercepted DNS response.
	TelemetryDNSResponse

	// TelemetryPolicyBlock marks a flow blocked by host policy.
	TelemetryPolicyBlock

	// TelemetryPolicyShape marks a flow shaped by host policy.
	TelemetryPolicyShape
)

// Direction tells which way a recorded packet was traveling.
type Direction uint8

// Enumerate the directions.
const (
	// DirectionOutbound is client to remote.
	DirectionOutbound = Direction(iota)

	// DirectionInbound is remote to client.
	DirectionInbound
)

// maxTelemetryQName bounds the recorded DNS query name length.
const maxTelemetryQName = 128

// TelemetryEvent is an immutable observation snapshot. Events are
// written once by the data path and read once by [*Engine.DrainTelemetry].
type TelemetryEvent struct {
	// Time is when the event was recorded.
	Time time.Time

	// Protocol is the transport protocol number (6 TCP, 17 UDP).
	Protocol uint8

	// Direction tells which way the packet was traveling.
	Direction Direction

	// Flags marks the conditions that made the event notable.
	Flags TelemetryFlags

	// Src is the packet source.
	Src netip.AddrPort

	// Dst is the packet destination.
	Dst netip.AddrPort

	// PayloadLen is the transport payload length in bytes.
	PayloadLen int

	// QName is the DNS query name, when one applies, at most
	// [maxTelemetryQName] bytes.
	QName string
}

// DefaultTelemetryCapacity is the default telemetry ring capacity.
const DefaultTelemetryCapacity = 4096

// telemetryRing is a fixed-capacity ring of [TelemetryEvent]. A record
// on a full ring overwrites the oldest unread event and bumps the
// dropped counter, so the data path never blocks on observability.
type telemetryRing struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// events is the ring storage, sized once at construction.
	events []TelemetryEvent

	// head indexes the oldest unread event.
	head int

	// count is the number of unread events.
	count int

	// dropped counts events overwritten before being read.
	dropped uint64
}

// newTelemetryRing creates a [*telemetryRing] with the given capacity.
func newTelemetryRing(capacity int) *telemetryRing {
	if capacity <= 0 {
		capacity = DefaultTelemetryCapacity
	}
	return &telemetryRing{
		mu:      sync.Mutex{},
		events:  make([]TelemetryEvent, capacity),
		head:    0,
		count:   0,
		dropped: 0,
	}
}

// record stores an event, overwriting the oldest unread one when full.
func (tr *telemetryRing) record(ev TelemetryEvent) {
	if len(ev.QName) > maxTelemetryQName {
		ev.QName = ev.QName[:maxTelemetryQName]
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	capacity := len(tr.events)
	if tr.count >= capacity {
		// overwrite the oldest unread slot
		tr.events[tr.head] = ev
		tr.head = (tr.head + 1) % capacity
		tr.dropped++
		return
	}
	tr.events[(tr.head+tr.count)%capacity] = ev
	tr.count++
}

// drain destructively reads up to max events in arrival order and
// returns them together with the cumulative dropped count.
func (tr *telemetryRing) drain(max int) ([]TelemetryEvent, uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if max < 0 {
		max = 0
	}
	n := min(tr.count, max)
	out := make([]TelemetryEvent, 0, n)
	capacity := len(tr.events)
	for idx := 0; idx < n; idx++ {
		out = append(out, tr.events[tr.head])
		tr.events[tr.head] = TelemetryEvent{}
		tr.head = (tr.head + 1) % capacity
	}
	tr.count -= n
	return out, tr.dropped
}
