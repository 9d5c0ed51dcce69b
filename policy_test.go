// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyAddRuleRejectsEmptyPattern(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)
	for _, pattern := range []string{"", "   ", "."} {
		id, err := pe.addRule(HostRule{Pattern: pattern}, now)
		assert.ErrorIs(t, err, ErrEmptyPattern)
		assert.Zero(t, id)
	}
}

func TestPolicyCompileRuleClassifiesPatterns(t *testing.T) {
	now := time.Unix(1756000000, 0)

	r, err := compileRule(HostRule{Pattern: "API.Example.Com."}, 1, now)
	require.NoError(t, err)
	assert.Equal(t, patternExact, r.kind)
	assert.Equal(t, "api.example.com", r.pattern)

	r, err = compileRule(HostRule{Pattern: "*.Example.com"}, 2, now)
	require.NoError(t, err)
	assert.Equal(t, patternSuffix, r.kind)
	assert.Equal(t, "example.com", r.pattern)

	r, err = compileRule(HostRule{Pattern: "api.*"}, 3, now)
	require.NoError(t, err)
	assert.Equal(t, patternPrefix, r.kind)
	assert.Equal(t, "api.", r.pattern)

	r, err = compileRule(HostRule{Pattern: "api*.example.com"}, 4, now)
	require.NoError(t, err)
	assert.Equal(t, patternGlob, r.kind)

	r, err = compileRule(HostRule{Pattern: "192.0.2.9"}, 5, now)
	require.NoError(t, err)
	assert.Equal(t, patternAddr, r.kind)
	assert.Equal(t, netip.MustParseAddr("192.0.2.9"), r.addr)

	r, err = compileRule(HostRule{Pattern: "2001:db8::1"}, 6, now)
	require.NoError(t, err)
	assert.Equal(t, patternAddr, r.kind)
}

func TestPolicyEvaluateHostSpecificity(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)

	_, err := pe.addRule(HostRule{
		Pattern:   "*",
		Action:    ActionShape,
		LatencyMs: 10,
	}, now)
	require.NoError(t, err)
	_, err = pe.addRule(HostRule{
		Pattern:   "*.example.com",
		Action:    ActionShape,
		LatencyMs: 20,
	}, now)
	require.NoError(t, err)
	_, err = pe.addRule(HostRule{
		Pattern: "api.example.com",
		Action:  ActionBlock,
	}, now)
	require.NoError(t, err)

	// the exact rule beats the suffix and glob rules
	d := pe.evaluateHost("api.example.com", now)
	assert.Equal(t, dispositionBlock, d.action)

	// the suffix rule beats the glob rule
	d = pe.evaluateHost("www.example.com", now)
	assert.Equal(t, dispositionShape, d.action)
	assert.Equal(t, 20*time.Millisecond, d.latency)

	// anything else falls through to the glob rule
	d = pe.evaluateHost("other.net", now)
	assert.Equal(t, dispositionShape, d.action)
	assert.Equal(t, 10*time.Millisecond, d.latency)
}

func TestPolicyExactShapeCarvesOutSuffixBlock(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)

	_, err := pe.addRule(HostRule{Pattern: "*.example.com", Action: ActionBlock}, now)
	require.NoError(t, err)
	_, err = pe.addRule(HostRule{
		Pattern:   "api.example.com",
		Action:    ActionShape,
		LatencyMs: 50,
		JitterMs:  10,
	}, now)
	require.NoError(t, err)

	d := pe.evaluateHost("api.example.com", now)
	assert.Equal(t, dispositionShape, d.action)
	assert.Equal(t, 50*time.Millisecond, d.latency)
	assert.Equal(t, 10*time.Millisecond, d.jitter)

	assert.Equal(t, dispositionBlock, pe.evaluateHost("mail.example.com", now).action)
}

func TestPolicyEvaluateHostTieGoesToNewestRule(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)

	_, err := pe.addRule(HostRule{
		Pattern:   "x.example",
		Action:    ActionShape,
		LatencyMs: 5,
	}, now)
	require.NoError(t, err)
	blockID, err := pe.addRule(HostRule{Pattern: "x.example", Action: ActionBlock}, now)
	require.NoError(t, err)

	assert.Equal(t, dispositionBlock, pe.evaluateHost("x.example", now).action)

	// removing the newer rule reinstates the older one
	assert.True(t, pe.removeRule(blockID))
	assert.Equal(t, dispositionShape, pe.evaluateHost("x.example", now).action)
	assert.False(t, pe.removeRule(blockID))
}

func TestPolicyEvaluateHostNoRules(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)
	assert.Equal(t, dispositionAllow, pe.evaluateHost("anything.example", now).action)
}

func TestPolicyRuleTTLClamped(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)

	// below the minimum, clamped up to one second
	_, err := pe.addRule(HostRule{
		Pattern: "short.example",
		Action:  ActionBlock,
		TTL:     100 * time.Millisecond,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, dispositionBlock, pe.evaluateHost("short.example", now.Add(500*time.Millisecond)).action)
	assert.Equal(t, dispositionAllow, pe.evaluateHost("short.example", now.Add(2*time.Second)).action)

	// above the maximum, clamped down to one hour
	_, err = pe.addRule(HostRule{
		Pattern: "long.example",
		Action:  ActionBlock,
		TTL:     24 * time.Hour,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, dispositionBlock, pe.evaluateHost("long.example", now.Add(59*time.Minute)).action)
	assert.Equal(t, dispositionAllow, pe.evaluateHost("long.example", now.Add(61*time.Minute)).action)
}

func TestPolicyAddRuleCompactsExpired(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)

	_, err := pe.addRule(HostRule{
		Pattern: "gone.example",
		Action:  ActionBlock,
		TTL:     time.Second,
	}, now)
	require.NoError(t, err)
	require.Len(t, pe.rules, 1)

	_, err = pe.addRule(HostRule{Pattern: "kept.example", Action: ActionBlock}, now.Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, pe.rules, 1)
	assert.Equal(t, "kept.example", pe.rules[0].pattern)
}

func TestPolicyEvaluateAddrLiteral(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)
	_, err := pe.addRule(HostRule{Pattern: "192.0.2.66", Action: ActionBlock}, now)
	require.NoError(t, err)

	assert.Equal(t, dispositionBlock, pe.evaluateAddr(netip.MustParseAddr("192.0.2.66"), now).action)
	assert.Equal(t, dispositionAllow, pe.evaluateAddr(netip.MustParseAddr("192.0.2.67"), now).action)

	// a mapped address unmaps before matching
	mapped := netip.AddrFrom16(netip.MustParseAddr("192.0.2.66").As16())
	assert.Equal(t, dispositionBlock, pe.evaluateAddr(mapped, now).action)
}

func TestPolicyEvaluateAddrUsesObservedDNS(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)
	addr := netip.MustParseAddr("198.51.100.7")
	_, err := pe.addRule(HostRule{Pattern: "*.tracker.example", Action: ActionBlock}, now)
	require.NoError(t, err)

	// before any DNS observation the address is anonymous
	assert.Equal(t, dispositionAllow, pe.evaluateAddr(addr, now).action)

	pe.observeDNSMapping("ads.tracker.example", []netip.Addr{addr}, 30, now)
	assert.Equal(t, dispositionBlock, pe.evaluateAddr(addr, now).action)

	// the mapping survives its TTL by the stale grace, then lapses
	assert.Equal(t, dispositionBlock, pe.evaluateAddr(addr, now.Add(33*time.Second)).action)
	assert.Equal(t, dispositionAllow, pe.evaluateAddr(addr, now.Add(40*time.Second)).action)
}

func TestPolicyObserveDNSMappingRefreshesInPlace(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)
	addr := netip.MustParseAddr("198.51.100.8")

	pe.observeDNSMapping("cdn.example", []netip.Addr{addr}, 10, now)
	pe.observeDNSMapping("cdn.example", []netip.Addr{addr}, 10, now.Add(8*time.Second))
	require.Len(t, pe.observed[addr], 1)
	assert.Equal(t, now.Add(18*time.Second), pe.observed[addr][0].expiresAt)
}

func TestPolicyObserveDNSMappingCapsHostsPerAddr(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)
	addr := netip.MustParseAddr("198.51.100.9")

	names := []string{
		"h00.example", "h01.example", "h02.example", "h03.example",
		"h04.example", "h05.example", "h06.example", "h07.example",
		"h08.example", "h09.example", "h10.example", "h11.example",
		"h12.example", "h13.example", "h14.example", "h15.example",
		"h16.example",
	}
	for _, name := range names {
		pe.observeDNSMapping(name, []netip.Addr{addr}, 300, now)
	}

	entries := pe.observed[addr]
	require.Len(t, entries, maxObservedHostsPerAddr)
	assert.Equal(t, "h01.example", entries[0].name)
	assert.Equal(t, "h16.example", entries[len(entries)-1].name)
}

func TestPolicyObserveDNSMappingIgnoresEmptyInputs(t *testing.T) {
	pe := newPolicyEngine()
	now := time.Unix(1756000000, 0)
	addr := netip.MustParseAddr("198.51.100.10")

	pe.observeDNSMapping("", []netip.Addr{addr}, 30, now)
	pe.observeDNSMapping("name.example", nil, 30, now)
	assert.Empty(t, pe.observed)
}
