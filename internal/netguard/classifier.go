// Package netguard implements the SSRF defense layer: IP range
// classification, URL normalization, and raw-content URL rewriting.
package netguard

import (
	"net"
	"net/netip"
	"strings"
)

// blockedIPv4 is the canonical set of IPv4 ranges a fetch must never reach,
// per RFC 1918/3927/5771/etc. special-use registries.
var blockedIPv4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// blockedIPv6 is the canonical set of IPv6 ranges a fetch must never reach.
var blockedIPv6 = []netip.Prefix{
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
	netip.MustParsePrefix("2001::/32"),
	netip.MustParsePrefix("2002::/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// Classifier decides whether an IP literal or hostname falls inside a
// blocked range. The zero value has an empty blocked-hosts set and is
// usable directly.
type Classifier struct {
	blockedHosts map[string]struct{}
}

// NewClassifier builds a Classifier with the given extra blocked hostnames
// (matched case-insensitively, exact match only).
func NewClassifier(blockedHosts []string) *Classifier {
	c := &Classifier{blockedHosts: make(map[string]struct{}, len(blockedHosts))}
	for _, h := range blockedHosts {
		c.blockedHosts[strings.ToLower(h)] = struct{}{}
	}
	return c
}

// IsBlockedHost reports whether host (already lower-cased, no trailing dot)
// is in the configured blocked-hosts set.
func (c *Classifier) IsBlockedHost(host string) bool {
	if c == nil {
		return false
	}
	_, ok := c.blockedHosts[host]
	return ok
}

// IsBlockedIP reports whether s parses as an IP literal that falls in a
// blocked range, or is listed verbatim in the blocked-hosts set. It is pure
// and total: a non-IP string returns false (callers decide what to do with
// hostnames via IsBlockedHost/suffix checks instead).
func (c *Classifier) IsBlockedIP(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"))
	if err != nil {
		return false
	}
	return c.isBlockedAddr(addr) || c.IsBlockedHost(s)
}

func (c *Classifier) isBlockedAddr(addr netip.Addr) bool {
	// IPv4-mapped IPv6 literals (::ffff:a.b.c.d) are checked against the
	// embedded IPv4 address, not the IPv6 ranges.
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		for _, p := range blockedIPv4 {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	for _, p := range blockedIPv6 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsBlockedNetIP is the net.IP equivalent of IsBlockedIP's range check, used
// by the safe DNS resolver after a lookup returns net.IP values directly.
func (c *Classifier) IsBlockedNetIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true // unparseable is treated as unsafe
	}
	addr = addr.Unmap()
	return c.isBlockedAddr(addr)
}
