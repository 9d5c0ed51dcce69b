// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import "time"

// Caps bounding each per-flow shaper queue.
const (
	// maxShapedPayloads bounds the queued frame count.
	maxShapedPayloads = 32

	// maxShapedBytes bounds the queued frame bytes.
	maxShapedBytes = 256 * 1024
)

// shapedFrame is a frame held back by policy until readyAt.
type shapedFrame struct {
	// pb is the frame awaiting emission, owned by the shaper.
	pb *packetBuffer

	// readyAt is when the frame becomes eligible for emission.
	readyAt time.Time
}

// flowShaper delays a shaped flow's frames by latency plus a uniform
// jitter in [-jitter, +jitter], clamped to a non-negative delay. The
// queue is bounded; when full, the oldest frame is evicted and handed
// back to the caller for release and drop accounting.
type flowShaper struct {
	// latency is the base delay applied to every frame.
	latency time.Duration

	// jitter is the half-width of the uniform jitter interval.
	jitter time.Duration

	// queue holds the delayed frames in arrival order.
	queue []shapedFrame

	// queuedBytes is the total frame bytes currently queued.
	queuedBytes int

	// rng is the xorshift32 state used to draw jitter.
	rng uint32
}

// newFlowShaper creates a [*flowShaper] with the given parameters and
// jitter seed. A zero seed is replaced to keep xorshift32 alive.
func newFlowShaper(latency, jitter time.Duration, seed uint32) *flowShaper {
	if seed == 0 {
		seed = 0x9e3779b9
	}
	return &flowShaper{
		latency:     latency,
		jitter:      jitter,
		queue:       nil,
		queuedBytes: 0,
		rng:         seed,
	}
}

// next advances the xorshift32 state.
func (fs *flowShaper) next() uint32 {
	x := fs.rng
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	fs.rng = x
	return x
}

// delay draws the next frame delay: latency plus a uniform jitter in
// [-jitter, +jitter], never negative.
func (fs *flowShaper) delay() time.Duration {
	if fs.jitter <= 0 {
		return max(fs.latency, 0)
	}
	span := uint32(2*fs.jitter/time.Millisecond) + 1
	offset := time.Duration(fs.next()%span)*time.Millisecond - fs.jitter
	return max(fs.latency+offset, 0)
}

// enqueue appends a frame scheduled at now plus the drawn delay and
// returns the frames evicted to respect the queue caps. The caller
// releases evicted frames and counts them as backpressure drops.
func (fs *flowShaper) enqueue(pb *packetBuffer, now time.Time) []*packetBuffer {
	var evicted []*packetBuffer
	for len(fs.queue) >= maxShapedPayloads ||
		(len(fs.queue) > 0 && fs.queuedBytes+pb.length > maxShapedBytes) {
		oldest := fs.queue[0]
		fs.queue = fs.queue[1:]
		fs.queuedBytes -= oldest.pb.length
		evicted = append(evicted, oldest.pb)
	}
	fs.queue = append(fs.queue, shapedFrame{
		pb:      pb,
		readyAt: now.Add(fs.delay()),
	})
	fs.queuedBytes += pb.length
	return evicted
}

// popReady removes and returns the head frame once its delay has
// elapsed. Frames behind the head never jump the queue, so shaping
// never reorders a flow's frames.
func (fs *flowShaper) popReady(now time.Time) (*packetBuffer, bool) {
	if len(fs.queue) <= 0 || fs.queue[0].readyAt.After(now) {
		return nil, false
	}
	head := fs.queue[0]
	fs.queue = fs.queue[1:]
	fs.queuedBytes -= head.pb.length
	return head.pb, true
}

// pushFront reinserts a frame at the head of the queue, ready
// immediately. Used to back out of a pop when the emission ring
// turns out to be full.
func (fs *flowShaper) pushFront(pb *packetBuffer, now time.Time) {
	fs.queue = append([]shapedFrame{{pb: pb, readyAt: now}}, fs.queue...)
	fs.queuedBytes += pb.length
}

// drainAll removes and returns every queued frame, used at teardown.
func (fs *flowShaper) drainAll() []*packetBuffer {
	var all []*packetBuffer
	for _, entry := range fs.queue {
		all = append(all, entry.pb)
	}
	fs.queue = nil
	fs.queuedBytes = 0
	return all
}

// pending reports whether any frame is still queued.
func (fs *flowShaper) pending() bool {
	return len(fs.queue) > 0
}
