//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package netvirt

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a packet snapshot.
type pcapSnapshot struct {
	// data is the data inside the snapshot.
	data []byte

	// length is the original length.
	length int
}

// PCAPTrace captures the frames crossing the engine into a pcap file.
//
// Construct using [NewPCAPTrace] and register with
// [EngineOptionPCAPTrace]; the engine then dumps every validated
// ingress frame and every emitted frame.
type PCAPTrace struct {
	// cancel interrupts the background goroutine.
	cancel context.CancelFunc

	// dropped counts the snapshots dropped due to a full buffer.
	dropped atomic.Uint64

	// errch contains the error returned by the background goroutine.
	errch chan error

	// snaps buffers the snapshots awaiting a disk write.
	snaps chan pcapSnapshot

	// once provides "once" semantics for Close.
	once sync.Once

	// snapSize is the number of bytes to capture per packet.
	snapSize uint16

	// testCancellationDrainHook, set only by tests, runs right
	// after cancellation is observed and before draining.
	testCancellationDrainHook func()

	// wc is the open writer we're using.
	wc io.WriteCloser
}

// PCAPTraceOption is an option for [NewPCAPTrace].
type PCAPTraceOption func(cfg *pcapTraceConfig)

// pcapTraceConfig is the internal type modified by [PCAPTraceOption].
type pcapTraceConfig struct {
	// buffer is the snapshot channel capacity.
	buffer int
}

// PCAPTraceOptionBuffer sets how many snapshots may sit in memory
// waiting for disk writes. Nonpositive counts are ignored.
func PCAPTraceOptionBuffer(count int) PCAPTraceOption {
	return func(cfg *pcapTraceConfig) {
		if count > 0 {
			cfg.buffer = count
		}
	}
}

// NewPCAPTrace creates a [*PCAPTrace] writing to wc and capturing at
// most snapSize bytes per packet.
func NewPCAPTrace(wc io.WriteCloser, snapSize uint16, options ...PCAPTraceOption) *PCAPTrace {
	// 1. initialize the configuration
	const manyPackets = 4096
	cfg := &pcapTraceConfig{
		buffer: manyPackets,
	}
	for _, option := range options {
		option(cfg)
	}

	// 2. initialize the trace struct
	ctx, cancel := context.WithCancel(context.Background())
	tr := &PCAPTrace{
		cancel:                    cancel,
		dropped:                   atomic.Uint64{},
		errch:                     make(chan error, 1),
		snaps:                     make(chan pcapSnapshot, cfg.buffer),
		once:                      sync.Once{},
		snapSize:                  snapSize,
		testCancellationDrainHook: nil,
		wc:                        wc,
	}

	// 3. start the worker and return
	go tr.saveLoop(ctx)
	return tr
}

// Dump records a snapshot of the given raw IPv4/IPv6 packet. When the
// in-memory buffer is full the snapshot is dropped and counted.
func (tr *PCAPTrace) Dump(packet []byte) {
	snapSize := min(len(packet), int(tr.snapSize))
	packetSnap := make([]byte, snapSize)
	copy(packetSnap, packet)
	select {
	case tr.snaps <- pcapSnapshot{data: packetSnap, length: len(packet)}:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped due to buffer overflow.
//
// Packets are dropped when Dump is called but the internal buffer is full.
// This happens when disk I/O cannot keep up with packet capture rate.
func (tr *PCAPTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// readOrDrain returns the next snapshot to save. After cancellation it
// keeps returning already-buffered snapshots until none is left.
func (tr *PCAPTrace) readOrDrain(ctx context.Context) (pcapSnapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
		if tr.testCancellationDrainHook != nil {
			tr.testCancellationDrainHook()
		}
		select {
		case snap := <-tr.snaps:
			return snap, true
		default:
			return pcapSnapshot{}, false
		}
	}
}

// saveLoop is the loop that dumps packets.
func (tr *PCAPTrace) saveLoop(ctx context.Context) {
	// 1. write the PCAP file header
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(uint32(tr.snapSize), layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}

	// 2. save snapshots until done, draining the buffer on exit
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		if err := tr.savePacket(w, snap); err != nil {
			tr.errch <- err
			return
		}
	}
}

// savePacket writes a single snapshot preserving the original length.
func (tr *PCAPTrace) savePacket(w *pcapgo.Writer, snap pcapSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:      time.Now(),
		CaptureLength:  len(snap.data),
		Length:         snap.length,
		InterfaceIndex: 0,
		AncillaryData:  []any{},
	}
	return w.WritePacket(ci, snap.data)
}

// Close interrupts the background goroutine and waits for it to join
// before closing the packet capture file. Only the first call performs
// the shutdown; later calls return nil.
func (tr *PCAPTrace) Close() (err error) {
	tr.once.Do(func() {
		// 1. notify the background goroutine to terminate
		tr.cancel()

		// 2. wait for the goroutine to terminate
		err1 := <-tr.errch

		// 3. close the open capture file
		err2 := tr.wc.Close()

		// 4. assemble a common error (nil on success)
		err = errors.Join(err1, err2)
	})
	return
}
