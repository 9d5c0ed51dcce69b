// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv4 is the minimum MTU required by IPv4.
	MTUMinimumIPv4 = 576

	// MTUMinimumIPv6 is the minimum MTU required by IPv6.
	MTUMinimumIPv6 = 1280

	// MTUJumbo is the MTU used by jumbo frames.
	MTUJumbo = 9000
)

// clampMTU forces the configured MTU into the [MTUMinimumIPv4, MTUJumbo]
// range, substituting the default for nonpositive values.
func clampMTU(mtu int) int {
	switch {
	case mtu <= 0:
		return DefaultMTU
	case mtu < MTUMinimumIPv4:
		return MTUMinimumIPv4
	case mtu > MTUJumbo:
		return MTUJumbo
	default:
		return mtu
	}
}
