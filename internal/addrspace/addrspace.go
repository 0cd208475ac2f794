// Package addrspace parses and checks IP networks and inclusive address
// ranges. All functions are pure and treat IPv4 and IPv6 uniformly.
package addrspace

import (
	"net/netip"
	"strings"

	"go4.org/netipx"

	"stackwizard/internal/domain"
)

// ParseNetwork parses CIDR notation into a normalized prefix. A value
// whose host bits are set is masked, not rejected. Input without an
// explicit prefix length fails.
func ParseNetwork(text string) (netip.Prefix, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.Contains(trimmed, "/") {
		return netip.Prefix{}, &domain.InvalidAddressError{Text: text, Reason: "missing prefix length (e.g. /24)"}
	}
	prefix, err := netip.ParsePrefix(trimmed)
	if err != nil {
		return netip.Prefix{}, &domain.InvalidAddressError{Text: text, Reason: "not a valid network CIDR"}
	}
	return prefix.Masked(), nil
}

// ParseRange parses an inclusive range "low[,high]". The high endpoint
// defaults to low when absent.
func ParseRange(text string) (low, high netip.Addr, err error) {
	parts := strings.Split(text, ",")
	low, err = netip.ParseAddr(strings.TrimSpace(parts[0]))
	if err != nil {
		return netip.Addr{}, netip.Addr{}, &domain.InvalidAddressError{Text: text, Reason: "low endpoint is not a valid IP address"}
	}
	high, err = netip.ParseAddr(strings.TrimSpace(parts[len(parts)-1]))
	if err != nil {
		return netip.Addr{}, netip.Addr{}, &domain.InvalidAddressError{Text: text, Reason: "high endpoint is not a valid IP address"}
	}
	return low, high, nil
}

// Contains reports whether addr falls inside network.
func Contains(network netip.Prefix, addr netip.Addr) bool {
	return network.Contains(addr)
}

// RangeWithin reports whether both endpoints fall inside network.
func RangeWithin(network netip.Prefix, low, high netip.Addr) bool {
	r := netipx.RangeOfPrefix(network)
	return r.Contains(low) && r.Contains(high)
}

// Overlaps reports whether two inclusive ranges share any address.
// Reversed or mixed-family ranges never overlap anything.
func Overlaps(aLow, aHigh, bLow, bHigh netip.Addr) bool {
	a := netipx.IPRangeFrom(aLow, aHigh)
	b := netipx.IPRangeFrom(bLow, bHigh)
	if !a.IsValid() || !b.IsValid() {
		return false
	}
	return a.Overlaps(b)
}
