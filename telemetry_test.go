// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryRingRecordAndDrain(t *testing.T) {
	ring := newTelemetryRing(8)
	ring.record(TelemetryEvent{QName: "first.example"})
	ring.record(TelemetryEvent{QName: "second.example"})

	events, dropped := ring.drain(10)
	require.Len(t, events, 2)
	assert.Equal(t, "first.example", events[0].QName)
	assert.Equal(t, "second.example", events[1].QName)
	assert.Equal(t, uint64(0), dropped)

	events, _ = ring.drain(10)
	assert.Empty(t, events)
}

func TestTelemetryRingDrainPartial(t *testing.T) {
	ring := newTelemetryRing(8)
	for idx := 0; idx < 5; idx++ {
		ring.record(TelemetryEvent{PayloadLen: idx})
	}

	events, _ := ring.drain(2)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].PayloadLen)
	assert.Equal(t, 1, events[1].PayloadLen)

	events, _ = ring.drain(100)
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].PayloadLen)
}

func TestTelemetryRingOverwritesOldest(t *testing.T) {
	ring := newTelemetryRing(2)
	ring.record(TelemetryEvent{PayloadLen: 1})
	ring.record(TelemetryEvent{PayloadLen: 2})
	ring.record(TelemetryEvent{PayloadLen: 3})

	events, dropped := ring.drain(10)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].PayloadLen)
	assert.Equal(t, 3, events[1].PayloadLen)
	assert.Equal(t, uint64(1), dropped)

	// the dropped count is cumulative across drains
	ring.record(TelemetryEvent{PayloadLen: 4})
	_, dropped = ring.drain(10)
	assert.Equal(t, uint64(1), dropped)
}

func TestTelemetryRingTruncatesQName(t *testing.T) {
	ring := newTelemetryRing(2)
	ring.record(TelemetryEvent{QName: strings.Repeat("a", 500)})
	events, _ := ring.drain(1)
	require.Len(t, events, 1)
	assert.Equal(t, maxTelemetryQName, len(events[0].QName))
}

func TestTelemetryRingNegativeDrain(t *testing.T) {
	ring := newTelemetryRing(2)
	ring.record(TelemetryEvent{})
	events, _ := ring.drain(-1)
	assert.Empty(t, events)
}
