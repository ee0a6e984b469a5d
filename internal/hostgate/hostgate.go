// Package hostgate implements a host/origin admission gate: an allow-list
// built once at startup from loopback addresses, the configured bind host,
// and explicit entries, consulted on every request's Host and Origin
// headers. The map is an exact-match set rather than a prefix match, since
// Host and Origin values are checked whole, not by suffix.
package hostgate

import (
	"net"
	"strings"
)

// Gate is an immutable allow-list of hostnames. The zero value matches
// nothing; build with New.
type Gate struct {
	allowed map[string]struct{}
}

// New builds a Gate from explicit entries plus the always-present loopback
// addresses (localhost, 127.0.0.1, ::1) and, if bindHost is neither empty
// nor a wildcard ("", "0.0.0.0", "::"), the configured bind host itself.
func New(bindHost string, explicit []string) *Gate {
	g := &Gate{allowed: make(map[string]struct{})}
	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		g.allowed[h] = struct{}{}
	}
	switch bindHost {
	case "", "0.0.0.0", "::":
	default:
		g.allowed[strings.ToLower(bindHost)] = struct{}{}
	}
	for _, h := range explicit {
		h = strings.TrimSpace(strings.ToLower(h))
		if h != "" {
			g.allowed[h] = struct{}{}
		}
	}
	return g
}

// AllowHost reports whether host (as found in an HTTP request's Host
// header, possibly with a port) is on the allow-list. IPv6 literal
// brackets are stripped, and the port is stripped for non-IPv6 hosts.
func (g *Gate) AllowHost(host string) bool {
	return g.allowed != nil && contains(g.allowed, normalizeHost(host))
}

// AllowOrigin reports whether an Origin header value is admitted: an
// absent Origin always admits; otherwise its hostname, lower-cased, must
// be on the allow-list.
func (g *Gate) AllowOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	host := originHost(origin)
	if host == "" {
		return false
	}
	return g.allowed != nil && contains(g.allowed, strings.ToLower(host))
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

// normalizeHost strips IPv6 brackets, or the port from a "host:port" pair,
// leaving bare IPv6 literals and hostnames untouched.
func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if strings.HasPrefix(host, "[") {
		if end := strings.IndexByte(host, ']'); end >= 0 {
			return host[1:end]
		}
		return host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// originHost extracts the hostname portion of an Origin header value
// ("scheme://host[:port]"), without pulling in a full URL parse.
func originHost(origin string) string {
	rest := origin
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.IndexAny(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	return normalizeHost(rest)
}
