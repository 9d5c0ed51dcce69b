// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"net"
	"sync"
	"time"
)

// Engine is a user-space network virtualization engine.
//
// The engine consumes raw IP frames from a virtual device through
// [Engine.HandlePacket], tracks TCP and UDP flows, and translates
// them into socket operations on the embedding application through
// the [Host] capability interface. Frames traveling the other way are
// staged on a bounded emission ring and delivered in batches from the
// poll loop.
//
// Construct using [NewEngine], attach the host with [Engine.Start],
// and report socket events back through [Engine.OnDialResult],
// [Engine.OnTCPReceive], [Engine.OnUDPReceive], [Engine.OnTCPClose]
// and [Engine.OnUDPClose].
//
// Engine methods are safe for concurrent use.
type Engine struct {
	// counters tracks admission failures, backpressure drops and
	// invalid packets.
	counters flowCounters

	// dns caches name resolutions observed on the wire; protected
	// by mu.
	dns *dnsCache

	// flows maps transport endpoints to flow handles; protected
	// by mu.
	flows map[flowKey]uint64

	// host is the capability surface, set by Start; protected by mu.
	host Host

	// logx routes log messages to the configured sink.
	logx *logger

	// mtu is the clamped maximum emitted frame size.
	mtu int

	// mu protects the flow table and the lifecycle state.
	mu sync.Mutex

	// now returns the current time and is replaced in tests.
	now func() time.Time

	// perFlowBytes is the per-flow emission byte budget.
	perFlowBytes int

	// policy evaluates host rules against names and addresses.
	policy *policyEngine

	// pollInterval is the poll loop cadence.
	pollInterval time.Duration

	// pool recycles the packet buffers.
	pool *packetPool

	// resolver serves ResolveHost cache misses.
	resolver HostResolver

	// ring buffers the frames awaiting emission.
	ring *emitRing

	// rng is the xorshift32 state behind sequence numbers and
	// shaper seeds; protected by mu.
	rng uint32

	// running reports whether Start succeeded; protected by mu.
	running bool

	// slots resolves opaque handles to flows; protected by mu.
	slots flowSlots

	// stats tracks poll loop and emission statistics.
	stats flowStats

	// stop interrupts the poll loop; protected by mu.
	stop chan struct{}

	// telemetry is the bounded event ring.
	telemetry *telemetryRing

	// trace optionally captures frames, nil when disabled.
	trace *PCAPTrace

	// wg tracks the poll goroutine.
	wg sync.WaitGroup
}

// NewEngine creates an [*Engine] with the given sizing and options.
func NewEngine(config Config, options ...EngineOption) *Engine {
	// 1. apply defaults to the sizing knobs
	config = config.withDefaults()

	// 2. initialize the option-controlled dependencies
	cfg := &engineConfig{
		ringCapacity:      DefaultRingCapacity,
		telemetryCapacity: DefaultTelemetryCapacity,
		pollInterval:      DefaultPollInterval,
		sink:              nil,
		level:             LogInfo,
		crumbs:            0,
		trace:             nil,
		resolver:          nil,
	}
	for _, option := range options {
		option(cfg)
	}
	if cfg.resolver == nil {
		cfg.resolver = net.DefaultResolver
	}

	// 3. assemble the engine
	return &Engine{
		counters:     flowCounters{},
		dns:          newDNSCache(),
		flows:        make(map[flowKey]uint64),
		host:         nil,
		logx:         newLogger(cfg.sink, cfg.level, cfg.crumbs),
		mtu:          config.MTU,
		mu:           sync.Mutex{},
		now:          time.Now,
		perFlowBytes: config.PerFlowBytes,
		policy:       newPolicyEngine(),
		pollInterval: cfg.pollInterval,
		pool:         newPacketPool(config.PacketPoolBytes, config.MTU),
		resolver:     cfg.resolver,
		ring:         newEmitRing(cfg.ringCapacity),
		rng:          uint32(time.Now().UnixNano()>>10) | 1,
		running:      false,
		slots:        flowSlots{},
		stats:        flowStats{},
		stop:         nil,
		telemetry:    newTelemetryRing(cfg.telemetryCapacity),
		trace:        cfg.trace,
		wg:           sync.WaitGroup{},
	}
}

// Start attaches the host capability surface and starts the poll
// loop. Returns [ErrNoHost] when host is nil and [ErrAlreadyRunning]
// when the engine is already started.
func (eng *Engine) Start(host Host) error {
	if host == nil {
		return ErrNoHost
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.running {
		return ErrAlreadyRunning
	}
	eng.host = host
	eng.running = true
	eng.stop = make(chan struct{})
	stop := eng.stop
	eng.wg.Go(func() {
		eng.pollLoop(stop)
	})
	eng.logx.infof("engine: started, mtu %d, pool %d buffers",
		eng.mtu, eng.pool.available())
	return nil
}

// Stop stops the poll loop, closes every live flow toward the host
// and discards the frames still queued for emission. Returns
// [ErrNotRunning] when the engine is not started.
func (eng *Engine) Stop() error {
	// 1. flip the running flag and join the poll loop
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return ErrNotRunning
	}
	eng.running = false
	host := eng.host
	close(eng.stop)
	eng.mu.Unlock()
	eng.wg.Wait()

	// 2. tear down the flow table
	eng.mu.Lock()
	var closes callbackBatch
	eng.slots.each(func(f *flow) {
		eng.closeFlowLocked(f, "stopped", &closes)
	})
	eng.host = nil
	eng.mu.Unlock()

	// 3. notify the host and drop whatever was still queued
	closes.run(host)
	eng.drainRingDiscard()
	eng.logx.infof("engine: stopped")
	return nil
}

// pollLoop periodically advances the time-driven work: dial retries,
// flow expiries, shaper drains and frame emission.
func (eng *Engine) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(eng.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			eng.pollOnce()
		}
	}
}

// pollOnce runs a single poll iteration.
func (eng *Engine) pollOnce() {
	now := eng.now()

	// 1. time-driven flow work under the lock
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return
	}
	host := eng.host
	var batch callbackBatch
	eng.sweepFlowsLocked(now, &batch)
	eng.dispatchPendingDialsLocked(now, &batch)
	eng.drainShapersLocked(now)
	eng.mu.Unlock()

	// 2. host callbacks outside the lock
	batch.run(host)

	// 3. frame emission
	eng.emitFrames(host)
	eng.stats.pollIterations.Add(1)
}

// sweepFlowsLocked expires pending flows whose dial went unanswered
// and UDP flows idle past their timeout.
func (eng *Engine) sweepFlowsLocked(now time.Time, batch *callbackBatch) {
	eng.slots.each(func(f *flow) {
		switch {
		case f.state == statePending && now.Sub(f.pendingSince) > dialPendingTimeout:
			eng.logx.infof("flow: %s %s -> %s dial timed out",
				f.kind, f.local, f.remote)
			if f.kind == flowTCP {
				eng.refuseTCPFlowLocked(f)
			}
			eng.closeFlowLocked(f, "timeout", batch)
		case f.state == stateOpen && f.kind == flowUDP &&
			now.Sub(f.lastActivity) > udpIdleTimeout:
			// let a shaped flow finish draining before idling out
			if f.shaper != nil && f.shaper.pending() {
				return
			}
			eng.logx.debugf("flow: udp %s -> %s idle, closing",
				f.local, f.remote)
			eng.closeFlowLocked(f, "idle", batch)
		}
	})
}

// drainShapersLocked moves ready shaped frames onto the emission
// ring, stopping per flow at the first frame that does not fit so
// that no frame is lost or reordered.
func (eng *Engine) drainShapersLocked(now time.Time) {
	eng.slots.each(func(f *flow) {
		if f.shaper == nil {
			return
		}
		for {
			pb, ok := f.shaper.popReady(now)
			if !ok {
				return
			}
			if err := eng.ring.enqueue(pb); err != nil {
				f.shaper.pushFront(pb, now)
				return
			}
		}
	})
}

// emitFrames drains the emission ring in batches, hands the frames to
// the host and recycles the buffers.
func (eng *Engine) emitFrames(host Host) {
	var (
		buffers [emitBatchSize]*packetBuffer
		packets [emitBatchSize]EmittedPacket
	)
	for {
		batch := eng.ring.drainBatch(buffers[:0], emitBatchSize)
		if len(batch) <= 0 {
			return
		}
		out := packets[:0]
		var emittedBytes uint64
		for _, pb := range batch {
			out = append(out, EmittedPacket{Version: pb.version, Data: pb.bytes()})
			emittedBytes += uint64(pb.length)
			eng.tracePacket(pb.bytes())
		}
		host.EmitPackets(out)
		eng.stats.framesEmitted.Add(uint64(len(batch)))
		eng.stats.bytesEmitted.Add(emittedBytes)
		eng.creditEmitted(batch)
		if len(batch) < emitBatchSize {
			return
		}
	}
}

// creditEmitted returns the emitted payload bytes to their flow
// budgets and releases the buffers to the pool.
func (eng *Engine) creditEmitted(batch []*packetBuffer) {
	eng.mu.Lock()
	for _, pb := range batch {
		if pb.flow != 0 && pb.payload > 0 {
			if f := eng.slots.lookup(pb.flow); f != nil {
				f.budget += pb.payload
			}
		}
	}
	eng.mu.Unlock()
	for _, pb := range batch {
		eng.pool.release(pb)
	}
}

// drainRingDiscard releases every frame still sitting in the ring.
func (eng *Engine) drainRingDiscard() {
	var buffers [emitBatchSize]*packetBuffer
	for {
		batch := eng.ring.drainBatch(buffers[:0], emitBatchSize)
		if len(batch) <= 0 {
			return
		}
		for _, pb := range batch {
			eng.pool.release(pb)
		}
	}
}

// tracePacket dumps a frame into the capture when tracing is enabled.
func (eng *Engine) tracePacket(frame []byte) {
	if eng.trace != nil {
		eng.trace.Dump(frame)
	}
}

// nextRandLocked steps the engine's xorshift32 state.
func (eng *Engine) nextRandLocked() uint32 {
	x := eng.rng
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	eng.rng = x
	return x
}

// Counters returns a snapshot of the admission, backpressure and
// validation counters. Counters are cumulative and never reset.
func (eng *Engine) Counters() FlowCounters {
	return eng.counters.snapshot()
}

// Stats returns a snapshot of the poll loop and emission statistics.
func (eng *Engine) Stats() FlowStats {
	return eng.stats.snapshot()
}

// FlowCount returns the number of live flows.
func (eng *Engine) FlowCount() int {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.slots.count()
}

// DrainTelemetry removes and returns up to max buffered telemetry
// events, together with the cumulative count of events overwritten
// because the ring was full.
func (eng *Engine) DrainTelemetry(max int) ([]TelemetryEvent, uint64) {
	return eng.telemetry.drain(max)
}

// AddHostRule installs a policy rule and returns its identifier. The
// rule applies to flows admitted after this call.
func (eng *Engine) AddHostRule(hr HostRule) (uint64, error) {
	id, err := eng.policy.addRule(hr, eng.now())
	if err != nil {
		return 0, err
	}
	eng.logx.infof("policy: rule %d added: %s", id, hr.Pattern)
	return id, nil
}

// RemoveHostRule removes a policy rule, reporting whether a rule with
// that identifier existed.
func (eng *Engine) RemoveHostRule(id uint64) bool {
	removed := eng.policy.removeRule(id)
	if removed {
		eng.logx.infof("policy: rule %d removed", id)
	}
	return removed
}
