// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowShaperDelayWithoutJitter(t *testing.T) {
	fs := newFlowShaper(30*time.Millisecond, 0, 1)
	for idx := 0; idx < 4; idx++ {
		assert.Equal(t, 30*time.Millisecond, fs.delay())
	}
}

func TestFlowShaperDelayNeverNegative(t *testing.T) {
	fs := newFlowShaper(-time.Second, 0, 1)
	assert.Equal(t, time.Duration(0), fs.delay())

	fs = newFlowShaper(time.Millisecond, 50*time.Millisecond, 1)
	for idx := 0; idx < 256; idx++ {
		assert.GreaterOrEqual(t, fs.delay(), time.Duration(0))
	}
}

func TestFlowShaperDelayJitterBounds(t *testing.T) {
	const latency = 50 * time.Millisecond
	const jitter = 20 * time.Millisecond
	fs := newFlowShaper(latency, jitter, 7)
	distinct := make(map[time.Duration]bool)
	for idx := 0; idx < 256; idx++ {
		d := fs.delay()
		assert.GreaterOrEqual(t, d, latency-jitter)
		assert.LessOrEqual(t, d, latency+jitter)
		distinct[d] = true
	}
	// with a 41-slot span the draws must not collapse to one value
	assert.Greater(t, len(distinct), 1)
}

func TestFlowShaperZeroSeedReplaced(t *testing.T) {
	fs := newFlowShaper(0, time.Millisecond, 0)
	assert.NotZero(t, fs.rng)
}

func TestFlowShaperPopReadyGatesOnHead(t *testing.T) {
	fs := newFlowShaper(30*time.Millisecond, 0, 1)
	now := time.Unix(1756000000, 0)
	first := &packetBuffer{length: 10}
	second := &packetBuffer{length: 20}

	// the second frame is scheduled earlier than the first, yet it
	// must wait behind it
	assert.Empty(t, fs.enqueue(first, now))
	assert.Empty(t, fs.enqueue(second, now.Add(-10*time.Millisecond)))

	_, ok := fs.popReady(now.Add(20 * time.Millisecond))
	assert.False(t, ok)

	pb, ok := fs.popReady(now.Add(30 * time.Millisecond))
	require.True(t, ok)
	assert.Same(t, first, pb)

	pb, ok = fs.popReady(now.Add(30 * time.Millisecond))
	require.True(t, ok)
	assert.Same(t, second, pb)

	_, ok = fs.popReady(now.Add(time.Hour))
	assert.False(t, ok)
	assert.False(t, fs.pending())
	assert.Equal(t, 0, fs.queuedBytes)
}

func TestFlowShaperPushFront(t *testing.T) {
	fs := newFlowShaper(30*time.Millisecond, 0, 1)
	now := time.Unix(1756000000, 0)
	first := &packetBuffer{length: 10}
	second := &packetBuffer{length: 20}
	assert.Empty(t, fs.enqueue(first, now))
	assert.Empty(t, fs.enqueue(second, now))

	ready := now.Add(30 * time.Millisecond)
	pb, ok := fs.popReady(ready)
	require.True(t, ok)
	require.Same(t, first, pb)

	// a backed-out frame goes to the head and is ready at once
	fs.pushFront(pb, ready)
	assert.Equal(t, 30, fs.queuedBytes)
	pb, ok = fs.popReady(ready)
	require.True(t, ok)
	assert.Same(t, first, pb)
}

func TestFlowShaperEnqueueEvictsOldestByCount(t *testing.T) {
	fs := newFlowShaper(0, 0, 1)
	now := time.Unix(1756000000, 0)
	first := &packetBuffer{length: 1}
	assert.Empty(t, fs.enqueue(first, now))
	for idx := 1; idx < maxShapedPayloads; idx++ {
		assert.Empty(t, fs.enqueue(&packetBuffer{length: 1}, now))
	}

	evicted := fs.enqueue(&packetBuffer{length: 1}, now)
	require.Len(t, evicted, 1)
	assert.Same(t, first, evicted[0])
	assert.Equal(t, maxShapedPayloads, len(fs.queue))
}

func TestFlowShaperEnqueueEvictsOldestByBytes(t *testing.T) {
	fs := newFlowShaper(0, 0, 1)
	now := time.Unix(1756000000, 0)
	big := &packetBuffer{length: maxShapedBytes - 100}
	assert.Empty(t, fs.enqueue(big, now))

	evicted := fs.enqueue(&packetBuffer{length: 200}, now)
	require.Len(t, evicted, 1)
	assert.Same(t, big, evicted[0])
	assert.Equal(t, 200, fs.queuedBytes)
}

func TestFlowShaperDrainAll(t *testing.T) {
	fs := newFlowShaper(time.Hour, 0, 1)
	now := time.Unix(1756000000, 0)
	first := &packetBuffer{length: 1}
	second := &packetBuffer{length: 2}
	third := &packetBuffer{length: 3}
	assert.Empty(t, fs.enqueue(first, now))
	assert.Empty(t, fs.enqueue(second, now))
	assert.Empty(t, fs.enqueue(third, now))

	all := fs.drainAll()
	require.Len(t, all, 3)
	assert.Same(t, first, all[0])
	assert.Same(t, second, all[1])
	assert.Same(t, third, all[2])
	assert.False(t, fs.pending())
	assert.Equal(t, 0, fs.queuedBytes)
	assert.Empty(t, fs.drainAll())
}
