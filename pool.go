// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"github.com/bassosimone/runtimex"
)

// DefaultRingCapacity is the default emission ring capacity in slots.
const DefaultRingCapacity = 1024

// emitBatchSize bounds the number of frames handed to the host emit
// callback in a single invocation.
const emitBatchSize = 64

// packetBuffer is a pooled fixed-capacity byte region. A buffer has
// exactly one owner at a time: the parser, a flow's shaper queue, the
// emission ring, or the pool free list. Hand-off is always an ownership
// transfer, never aliasing.
type packetBuffer struct {
	// data is the backing storage, capacity fixed at pool creation.
	data []byte

	// length is the number of meaningful bytes in data.
	length int

	// version is the IP version of the frame (4 or 6).
	version uint8

	// flow is the handle of the owning flow, zero when unowned.
	flow uint64

	// payload is the transport payload byte count carried by the
	// frame, credited back to the flow budget at emission time.
	payload int
}

// bytes returns the meaningful portion of the buffer.
func (pb *packetBuffer) bytes() []byte {
	return pb.data[:pb.length]
}

// packetPool is a fixed set of reusable [*packetBuffer] bounded by a
// configured byte budget. Free buffers circulate through a bounded
// channel, which both bounds memory and guarantees that no buffer is
// ever handed out twice concurrently.
type packetPool struct {
	// free holds the buffers not currently owned by any stage.
	free chan *packetBuffer

	// slotSize is the fixed capacity of every buffer.
	slotSize int
}

// newPacketPool creates a [*packetPool] whose total backing storage
// does not exceed budgetBytes. The slot size is the engine MTU, since
// no crafted frame may exceed it.
func newPacketPool(budgetBytes, slotSize int) *packetPool {
	runtimex.Assert(slotSize > 0)
	slots := budgetBytes / slotSize
	if slots < 1 {
		slots = 1
	}
	pool := &packetPool{
		free:     make(chan *packetBuffer, slots),
		slotSize: slotSize,
	}
	for idx := 0; idx < slots; idx++ {
		pool.free <- &packetBuffer{
			data:    make([]byte, slotSize),
			length:  0,
			version: 0,
			flow:    0,
			payload: 0,
		}
	}
	return pool
}

// acquire obtains a buffer sized for size bytes or fails with
// [ErrPoolExhausted] when the pool is empty. The pool never grows.
func (pp *packetPool) acquire(size int) (*packetBuffer, error) {
	runtimex.Assert(size > 0 && size <= pp.slotSize)
	select {
	case pb := <-pp.free:
		pb.length = size
		return pb, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// release returns a buffer to the pool.
func (pp *packetPool) release(pb *packetBuffer) {
	pb.length = 0
	pb.version = 0
	pb.flow = 0
	pb.payload = 0
	// the channel capacity equals the number of buffers in
	// existence so this send cannot block
	pp.free <- pb
}

// available returns the number of free buffers. The value is advisory
// and used by admission control as the pool-availability check.
func (pp *packetPool) available() int {
	return len(pp.free)
}

// emitRing is the bounded ring of frames awaiting emission to the
// host. Enqueueing on a full ring fails immediately so that the caller
// counts a backpressure drop instead of blocking the data path.
type emitRing struct {
	// slots holds the buffers awaiting emission.
	slots chan *packetBuffer
}

// newEmitRing creates a [*emitRing] with the given slot capacity.
func newEmitRing(capacity int) *emitRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &emitRing{
		slots: make(chan *packetBuffer, capacity),
	}
}

// enqueue transfers buffer ownership into the ring or fails with
// [ErrRingFull], leaving ownership with the caller.
func (er *emitRing) enqueue(pb *packetBuffer) error {
	select {
	case er.slots <- pb:
		return nil
	default:
		return ErrRingFull
	}
}

// drainBatch moves at most max buffers out of the ring, appending to
// out and returning the extended slice. It never blocks.
func (er *emitRing) drainBatch(out []*packetBuffer, max int) []*packetBuffer {
	for len(out) < max {
		select {
		case pb := <-er.slots:
			out = append(out, pb)
		default:
			return out
		}
	}
	return out
}
