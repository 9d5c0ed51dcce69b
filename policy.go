// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"net/netip"
	"path"
	"strings"
	"sync"
	"time"
)

// RuleAction is the action a [HostRule] applies to matching flows.
type RuleAction uint8

// Enumerate the rule actions.
const (
	// ActionBlock denies the dial and fails the flow immediately.
	ActionBlock = RuleAction(iota)

	// ActionShape delays matching traffic without altering it.
	ActionShape
)

// HostRule describes a policy rule applied to destination hosts.
type HostRule struct {
	// Pattern is the host pattern: an exact name ("api.example.com"),
	// a suffix ("*.example.com"), a prefix ("api.*"), an IP literal,
	// or a free-form glob. Empty patterns are rejected.
	Pattern string

	// Action selects blocking or shaping.
	Action RuleAction

	// LatencyMs is the shaping base delay in milliseconds.
	LatencyMs uint32

	// JitterMs is the shaping jitter half-width in milliseconds.
	JitterMs uint32

	// TTL optionally expires the rule. Zero means permanent;
	// nonzero values are clamped to [1s, 1h].
	TTL time.Duration
}

// Bounds applied to [HostRule.TTL] when nonzero.
const (
	hostRuleMinTTL = time.Second
	hostRuleMaxTTL = time.Hour
)

// patternKind ranks how specific a pattern is.
type patternKind uint8

// Pattern kinds in increasing specificity rank. The evaluation order
// contract is: exact (and IP literal) beats suffix beats prefix/glob,
// and ties go to the most recently added rule.
const (
	patternGlob = patternKind(iota)
	patternPrefix
	patternSuffix
	patternExact
	patternAddr
)

// rank returns the precedence rank used to compare matching rules.
func (kind patternKind) rank() int {
	switch kind {
	case patternAddr, patternExact:
		return 3
	case patternSuffix:
		return 2
	default:
		return 1
	}
}

// rule is a compiled [HostRule].
type rule struct {
	// id is the unique id assigned at insertion.
	id uint64

	// kind classifies the pattern.
	kind patternKind

	// pattern is the normalized match text: the exact name, the
	// suffix after "*.", the prefix before ".*", or the raw glob.
	pattern string

	// addr is the literal address for [patternAddr] rules.
	addr netip.Addr

	// action is the rule action.
	action RuleAction

	// latency and jitter are the shaping parameters.
	latency time.Duration
	jitter  time.Duration

	// expiresAt is the expiry deadline, zero for permanent rules.
	expiresAt time.Time
}

// expired reports whether the rule is past its expiry deadline.
func (r *rule) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && now.After(r.expiresAt)
}

// matchesHost reports whether the rule matches the normalized host.
func (r *rule) matchesHost(host string) bool {
	switch r.kind {
	case patternExact:
		return host == r.pattern
	case patternSuffix:
		return strings.HasSuffix(host, "."+r.pattern)
	case patternPrefix:
		return strings.HasPrefix(host, r.pattern)
	case patternGlob:
		matched, err := path.Match(r.pattern, host)
		return err == nil && matched
	default:
		return false
	}
}

// dispositionAction is the outcome of a policy evaluation.
type dispositionAction uint8

// Enumerate the disposition actions.
const (
	dispositionAllow = dispositionAction(iota)
	dispositionBlock
	dispositionShape
)

// disposition is the policy decision cached on a flow at creation.
type disposition struct {
	// action is the decided action.
	action dispositionAction

	// latency and jitter configure shaping when action is shape.
	latency time.Duration
	jitter  time.Duration
}

// Bounds on the observed-DNS map correlating addresses to hostnames.
const (
	// maxObservedHostsPerAddr caps the hostnames tracked per address.
	maxObservedHostsPerAddr = 16

	// observedStaleGrace extends an observed mapping past its DNS TTL
	// so that flows racing a cache expiry still match.
	observedStaleGrace = 5 * time.Second
)

// observedHost is a hostname seen resolving to an address.
type observedHost struct {
	// name is the normalized hostname.
	name string

	// expiresAt is when the DNS TTL runs out.
	expiresAt time.Time
}

// policyEngine holds the ordered rule set and the observed-DNS map.
//
// Rules are read on every admission and written rarely, hence the
// read-write mutex. Evaluation under a read lock never observes a
// partially inserted or removed rule.
type policyEngine struct {
	// mu provides mutual exclusion.
	mu sync.RWMutex

	// rules holds the compiled rules in insertion order.
	rules []rule

	// nextID is the next rule id to assign.
	nextID uint64

	// observed maps destination addresses to the hostnames recently
	// seen resolving to them.
	observed map[netip.Addr][]observedHost
}

// newPolicyEngine creates an empty [*policyEngine].
func newPolicyEngine() *policyEngine {
	return &policyEngine{
		mu:       sync.RWMutex{},
		rules:    nil,
		nextID:   1,
		observed: make(map[netip.Addr][]observedHost),
	}
}

// normalizeHost lowercases a hostname and strips the trailing dot.
func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// compileRule validates and compiles a [HostRule].
func compileRule(hr HostRule, id uint64, now time.Time) (rule, error) {
	pattern := normalizeHost(hr.Pattern)
	if pattern == "" {
		return rule{}, ErrEmptyPattern
	}

	compiled := rule{
		id:        id,
		kind:      patternExact,
		pattern:   pattern,
		addr:      netip.Addr{},
		action:    hr.Action,
		latency:   time.Duration(hr.LatencyMs) * time.Millisecond,
		jitter:    time.Duration(hr.JitterMs) * time.Millisecond,
		expiresAt: time.Time{},
	}

	switch {
	case strings.HasPrefix(pattern, "*."):
		compiled.kind = patternSuffix
		compiled.pattern = strings.TrimPrefix(pattern, "*.")
	case strings.HasSuffix(pattern, ".*"):
		compiled.kind = patternPrefix
		compiled.pattern = strings.TrimSuffix(pattern, "*")
	case strings.Contains(pattern, "*"):
		compiled.kind = patternGlob
	default:
		if addr, err := netip.ParseAddr(pattern); err == nil {
			compiled.kind = patternAddr
			compiled.addr = addr
		}
	}
	if compiled.pattern == "" {
		return rule{}, ErrEmptyPattern
	}

	if hr.TTL > 0 {
		ttl := min(max(hr.TTL, hostRuleMinTTL), hostRuleMaxTTL)
		compiled.expiresAt = now.Add(ttl)
	}
	return compiled, nil
}

// addRule compiles and inserts a rule, returning its id. Expired rules
// are compacted here so the set does not grow without bound.
func (pe *policyEngine) addRule(hr HostRule, now time.Time) (uint64, error) {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	compiled, err := compileRule(hr, pe.nextID, now)
	if err != nil {
		return 0, err
	}
	pe.nextID++

	kept := pe.rules[:0]
	for _, existing := range pe.rules {
		if !existing.expired(now) {
			kept = append(kept, existing)
		}
	}
	pe.rules = append(kept, compiled)
	return compiled.id, nil
}

// removeRule removes the rule with the given id and reports whether
// it existed. Other rules are unaffected either way.
func (pe *policyEngine) removeRule(id uint64) bool {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	for idx, existing := range pe.rules {
		if existing.id == id {
			pe.rules = append(pe.rules[:idx], pe.rules[idx+1:]...)
			return true
		}
	}
	return false
}

// hostMatch tracks the winning rule while evaluating candidates.
// Higher specificity rank wins; equal rank goes to the newer rule.
type hostMatch struct {
	disposition disposition
	rank        int
	id          uint64
}

// consider updates the match when rule r outranks the current winner.
func (m *hostMatch) consider(r *rule) {
	rank := r.kind.rank()
	if rank > m.rank || (rank == m.rank && r.id > m.id) {
		m.disposition, m.rank, m.id = r.disposition(), rank, r.id
	}
}

// evaluateHost decides the policy action for a destination hostname.
func (pe *policyEngine) evaluateHost(host string, now time.Time) disposition {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	match := hostMatch{disposition: disposition{action: dispositionAllow}}
	pe.matchHostLocked(&match, normalizeHost(host), now)
	return match.disposition
}

// evaluateAddr decides the policy action for a destination address,
// combining IP-literal rules with the hostnames the observed-DNS map
// associates to the address.
func (pe *policyEngine) evaluateAddr(addr netip.Addr, now time.Time) disposition {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	addr = addr.Unmap()
	match := hostMatch{disposition: disposition{action: dispositionAllow}}
	for idx := range pe.rules {
		r := &pe.rules[idx]
		if !r.expired(now) && r.kind == patternAddr && r.addr == addr {
			match.consider(r)
		}
	}

	for _, seen := range pe.observed[addr] {
		if now.After(seen.expiresAt.Add(observedStaleGrace)) {
			continue
		}
		pe.matchHostLocked(&match, seen.name, now)
	}
	return match.disposition
}

// matchHostLocked folds every rule matching host into the match.
func (pe *policyEngine) matchHostLocked(match *hostMatch, host string, now time.Time) {
	for idx := range pe.rules {
		r := &pe.rules[idx]
		if !r.expired(now) && r.kind != patternAddr && r.matchesHost(host) {
			match.consider(r)
		}
	}
}

// disposition converts the rule action into a flow disposition.
func (r *rule) disposition() disposition {
	switch r.action {
	case ActionBlock:
		return disposition{action: dispositionBlock}
	default:
		return disposition{
			action:  dispositionShape,
			latency: r.latency,
			jitter:  r.jitter,
		}
	}
}

// observeDNSMapping records that host resolved to addrs with the given
// TTL, feeding the address-to-hostname correlation used by
// [*policyEngine.evaluateAddr].
func (pe *policyEngine) observeDNSMapping(host string, addrs []netip.Addr, ttlSeconds uint32, now time.Time) {
	name := normalizeHost(host)
	if name == "" || len(addrs) <= 0 {
		return
	}
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)

	pe.mu.Lock()
	defer pe.mu.Unlock()
	for _, addr := range addrs {
		addr = addr.Unmap()
		entries := pe.observed[addr]

		// refresh the hostname in place when already tracked
		refreshed := false
		kept := entries[:0]
		for _, entry := range entries {
			if entry.name == name {
				entry.expiresAt = expiresAt
				refreshed = true
			}
			if !now.After(entry.expiresAt.Add(observedStaleGrace)) {
				kept = append(kept, entry)
			}
		}
		entries = kept
		if !refreshed {
			if len(entries) >= maxObservedHostsPerAddr {
				entries = entries[1:]
			}
			entries = append(entries, observedHost{name: name, expiresAt: expiresAt})
		}
		pe.observed[addr] = entries
	}
}
