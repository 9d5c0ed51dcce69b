// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"errors"
	"strings"
)

// Errors returned by the engine entry points.
var (
	// ErrAlreadyRunning is returned by Start when the engine is running.
	ErrAlreadyRunning = errors.New("netvirt: engine already running")

	// ErrNotRunning is returned by operations requiring a running engine.
	ErrNotRunning = errors.New("netvirt: engine not running")

	// ErrNoHost is returned by Start when the host callback set is nil.
	ErrNoHost = errors.New("netvirt: no host callback set")

	// ErrPolicyBlocked is returned when admission is denied by policy.
	ErrPolicyBlocked = errors.New("netvirt: blocked by host policy")

	// ErrPoolExhausted is returned when the packet pool has no free buffer.
	ErrPoolExhausted = errors.New("netvirt: packet pool exhausted")

	// ErrRingFull is returned when the emission ring has no free slot.
	ErrRingFull = errors.New("netvirt: emission ring full")

	// ErrUnknownFlow is returned for handles not naming a live flow.
	ErrUnknownFlow = errors.New("netvirt: unknown flow handle")

	// ErrFlowNotOpen is returned when a receive hits a non-open flow.
	ErrFlowNotOpen = errors.New("netvirt: flow is not open")

	// ErrBackpressure is returned when resource pressure made the
	// engine drop an entire payload.
	ErrBackpressure = errors.New("netvirt: payload dropped by backpressure")

	// ErrMalformedPacket is returned when ingress parsing fails.
	ErrMalformedPacket = errors.New("netvirt: malformed packet")

	// ErrUnsupportedTransport is returned for well-formed frames
	// carrying a transport other than TCP or UDP.
	ErrUnsupportedTransport = errors.New("netvirt: unsupported transport protocol")

	// ErrEmptyPattern is returned when a host rule has an empty pattern.
	ErrEmptyPattern = errors.New("netvirt: empty host rule pattern")

	// ErrNoAddresses is returned when a resolution yields no address.
	ErrNoAddresses = errors.New("netvirt: no addresses for host")
)

// dialReasonsMap maps substrings of host-reported dial failure messages
// to the canonical reasons used in logs and close notifications.
//
// The host reports whatever its socket layer produced; normalizing here
// keeps downstream consumers keyed on a small stable vocabulary.
var dialReasonsMap = map[string]string{
	"connection refused":     "refused",
	"connection reset":       "reset",
	"network is unreachable": "unreachable",
	"no route to host":       "unreachable",
	"host is down":           "unreachable",
	"timed out":              "timeout",
	"deadline exceeded":      "timeout",
	"operation canceled":     "canceled",
	"context canceled":       "canceled",
}

// canonicalDialReason normalizes a host-reported dial failure message.
func canonicalDialReason(message string) string {
	if message == "" {
		return "dial_failed"
	}
	lowered := strings.ToLower(message)
	for substring, reason := range dialReasonsMap {
		if strings.Contains(lowered, substring) {
			return reason
		}
	}
	return "dial_failed"
}
