// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"time"
)

// Default sizing applied when [Config] fields are zero.
const (
	// DefaultMTU is the default maximum frame size, chosen to be
	// safe for IPv6 paths without path MTU discovery.
	DefaultMTU = MTUMinimumIPv6

	// DefaultPacketPoolBytes is the default packet pool budget.
	DefaultPacketPoolBytes = 4 << 20

	// DefaultPerFlowBytes is the default per-flow byte budget for
	// payload queued toward the device.
	DefaultPerFlowBytes = 64 << 10

	// DefaultPollInterval is the default cadence of the poll loop.
	DefaultPollInterval = 5 * time.Millisecond
)

// Config contains the sizing knobs of the engine. The zero value
// selects the defaults, which makes Config usable as an optional
// section of a larger YAML or JSON document.
type Config struct {
	// MTU is the largest frame the engine emits. Zero selects
	// [DefaultMTU]; other values are clamped between
	// [MTUMinimumIPv4] and [MTUJumbo].
	MTU int `yaml:"mtu" json:"mtu"`

	// PacketPoolBytes is the total byte budget backing the packet
	// pool. Zero selects [DefaultPacketPoolBytes].
	PacketPoolBytes int `yaml:"packet_pool_bytes" json:"packet_pool_bytes"`

	// PerFlowBytes is the per-flow byte budget for payload queued
	// toward the device. Zero selects [DefaultPerFlowBytes].
	PerFlowBytes int `yaml:"per_flow_bytes" json:"per_flow_bytes"`
}

// withDefaults returns a copy of cfg with zero fields replaced by the
// defaults and the MTU clamped into its valid range.
func (cfg Config) withDefaults() Config {
	cfg.MTU = clampMTU(cfg.MTU)
	if cfg.PacketPoolBytes <= 0 {
		cfg.PacketPoolBytes = DefaultPacketPoolBytes
	}
	if cfg.PerFlowBytes <= 0 {
		cfg.PerFlowBytes = DefaultPerFlowBytes
	}
	return cfg
}

// EngineOption is an option for [NewEngine].
type EngineOption func(cfg *engineConfig)

// engineConfig is the internal type modified by [EngineOption].
type engineConfig struct {
	// ringCapacity is the emission ring size in frames.
	ringCapacity int

	// telemetryCapacity is the telemetry ring size in events.
	telemetryCapacity int

	// pollInterval is the cadence of the poll loop.
	pollInterval time.Duration

	// sink receives log messages.
	sink LogSink

	// level is the maximum level forwarded to the sink.
	level LogLevel

	// crumbs is the enabled breadcrumb category mask.
	crumbs Breadcrumb

	// trace optionally records ingested and emitted frames.
	trace *PCAPTrace

	// resolver serves [Engine.ResolveHost] cache misses.
	resolver HostResolver
}

// EngineOptionRingCapacity sets the emission ring capacity in frames.
func EngineOptionRingCapacity(frames int) EngineOption {
	return func(cfg *engineConfig) {
		cfg.ringCapacity = frames
	}
}

// EngineOptionTelemetryCapacity sets the telemetry ring capacity in
// events.
func EngineOptionTelemetryCapacity(events int) EngineOption {
	return func(cfg *engineConfig) {
		cfg.telemetryCapacity = events
	}
}

// EngineOptionPollInterval sets the poll loop cadence. Nonpositive
// values are ignored.
func EngineOptionPollInterval(interval time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		if interval > 0 {
			cfg.pollInterval = interval
		}
	}
}

// EngineOptionLogSink routes engine logs at or below level to sink,
// with breadcrumb categories enabled according to the crumbs mask.
func EngineOptionLogSink(sink LogSink, level LogLevel, crumbs Breadcrumb) EngineOption {
	return func(cfg *engineConfig) {
		cfg.sink = sink
		cfg.level = level
		cfg.crumbs = crumbs
	}
}

// EngineOptionPCAPTrace records every ingested and emitted frame into
// the given trace.
func EngineOptionPCAPTrace(trace *PCAPTrace) EngineOption {
	return func(cfg *engineConfig) {
		cfg.trace = trace
	}
}

// EngineOptionResolver sets the resolver backing [Engine.ResolveHost].
// The default is [net.DefaultResolver].
func EngineOptionResolver(resolver HostResolver) EngineOption {
	return func(cfg *engineConfig) {
		cfg.resolver = resolver
	}
}
