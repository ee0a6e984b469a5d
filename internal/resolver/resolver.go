// Package resolver implements a safe DNS resolver: a hostname lookup
// that follows CNAMEs a bounded number of hops, validates
// every intermediate name and final address against the SSRF host
// admission predicate, and is used both standalone (redirect preflight)
// and as the connect-time hook wired into the fetch client's transport.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/safefetch/fetchmcp/internal/netguard"
)

// Error kinds returned by Resolve.
var (
	ErrInvalidHostname = errors.New("EINVAL")
	ErrTimeout         = errors.New("ETIMEOUT")
	ErrNoData          = errors.New("ENODATA")
	ErrBlocked         = errors.New("EBLOCKED")
)

// ResolveError wraps one of the sentinel errors above with context.
type ResolveError struct {
	Kind     error
	Hostname string
	Detail   string
}

func (e *ResolveError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Hostname, e.Detail)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Hostname)
}

func (e *ResolveError) Unwrap() error { return e.Kind }

// MaxCNAMEDepth bounds how many CNAME hops Resolve will follow before
// giving up, to guard against pathological or malicious CNAME loops.
const MaxCNAMEDepth = 8

// DefaultTimeout is the default lookup timeout.
const DefaultTimeout = 5 * time.Second

// Resolver performs a safe DNS lookup. It is backed either by the stdlib
// resolver (default, used verbatim for address lookups) or, for
// CNAME-chain walking, by direct DNS queries via github.com/miekg/dns so
// each hop can be validated individually: the stdlib resolver collapses
// CNAME chains internally and never exposes the intermediate names, so a
// per-hop admission check needs its own query path.
type Resolver struct {
	Classifier   *netguard.Classifier
	Normalizer   *netguard.Normalizer
	Timeout      time.Duration
	MaxCNAMEHops int

	// Nameservers overrides the system resolver configuration for the
	// explicit CNAME walk; empty means "read /etc/resolv.conf".
	Nameservers []string

	// DisableCNAMEWalk skips the explicit miekg/dns CNAME walk entirely,
	// falling back to whatever CNAME following the stdlib resolver does
	// internally. Used by tests that inject lookupIPAddr and have no
	// network access.
	DisableCNAMEWalk bool

	lookupIPAddr func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// New builds a Resolver with the given classifier/normalizer and sane
// defaults for timeout and CNAME depth.
func New(c *netguard.Classifier, n *netguard.Normalizer) *Resolver {
	return &Resolver{
		Classifier:   c,
		Normalizer:   n,
		Timeout:      DefaultTimeout,
		MaxCNAMEHops: MaxCNAMEDepth,
		lookupIPAddr: net.DefaultResolver.LookupIPAddr,
	}
}

// Result is the outcome of a safe resolution.
type Result struct {
	Addrs []net.IPAddr
	CNAME []string // intermediate canonical names visited, in order
}

// Resolve implements assert_safe(hostname, deadline, cancel) from spec
// §4.4: walks CNAMEs up to MaxCNAMEHops with cycle detection, validating
// every intermediate name against the host admission predicate, then
// resolves A/AAAA records (all=true, server order preserved) and rejects
// the result if any address classifies as blocked.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (Result, error) {
	host := strings.ToLower(strings.TrimSuffix(hostname, "."))
	if host == "" {
		return Result{}, &ResolveError{Kind: ErrInvalidHostname, Hostname: hostname}
	}
	if r.Normalizer != nil {
		if err := r.Normalizer.CheckHost(host); err != nil {
			return Result{}, &ResolveError{Kind: ErrBlocked, Hostname: host, Detail: err.Error()}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	chain, final, err := r.followCNAMEChain(ctx, host)
	if err != nil {
		return Result{}, err
	}
	for _, name := range chain {
		if r.Normalizer != nil {
			if err := r.Normalizer.CheckHost(name); err != nil {
				return Result{}, &ResolveError{Kind: ErrBlocked, Hostname: name, Detail: err.Error()}
			}
		}
	}

	addrs, err := r.lookupIPAddr(ctx, final)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &ResolveError{Kind: ErrTimeout, Hostname: final}
		}
		return Result{}, &ResolveError{Kind: ErrNoData, Hostname: final, Detail: err.Error()}
	}
	if len(addrs) == 0 {
		return Result{}, &ResolveError{Kind: ErrNoData, Hostname: final}
	}
	for _, a := range addrs {
		if r.Classifier != nil && r.Classifier.IsBlockedNetIP(a.IP) {
			return Result{}, &ResolveError{Kind: ErrBlocked, Hostname: final, Detail: a.IP.String()}
		}
	}
	return Result{Addrs: addrs, CNAME: chain}, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultTimeout
	}
	return r.Timeout
}

func (r *Resolver) maxHops() int {
	if r.MaxCNAMEHops <= 0 {
		return MaxCNAMEDepth
	}
	return r.MaxCNAMEHops
}

// followCNAMEChain resolves host's CNAME records iteratively, bounded by
// maxHops with cycle detection, returning the visited intermediate names
// (excluding the original host) and the final name to resolve A/AAAA for.
// DNS lookup failures here (no resolver reachable, NXDOMAIN, etc.) are not
// fatal: they simply mean host has no CNAME and is itself the final name.
func (r *Resolver) followCNAMEChain(ctx context.Context, host string) (chain []string, final string, err error) {
	if r.DisableCNAMEWalk {
		return nil, host, nil
	}
	client := &dns.Client{Timeout: r.timeout()}
	servers := r.Nameservers
	if len(servers) == 0 {
		servers = systemNameservers()
	}
	if len(servers) == 0 {
		return nil, host, nil
	}

	visited := map[string]struct{}{host: {}}
	current := host
	for hop := 0; hop < r.maxHops(); hop++ {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(current), dns.TypeCNAME)
		m.RecursionDesired = true

		var resp *dns.Msg
		for _, srv := range servers {
			resp, _, err = client.ExchangeContext(ctx, m, srv)
			if err == nil {
				break
			}
		}
		if err != nil || resp == nil {
			return chain, current, nil
		}
		var next string
		for _, rr := range resp.Answer {
			if c, ok := rr.(*dns.CNAME); ok {
				next = strings.ToLower(strings.TrimSuffix(c.Target, "."))
				break
			}
		}
		if next == "" {
			return chain, current, nil
		}
		if _, seen := visited[next]; seen {
			return nil, "", &ResolveError{Kind: ErrInvalidHostname, Hostname: next, Detail: "CNAME cycle detected"}
		}
		visited[next] = struct{}{}
		chain = append(chain, next)
		current = next
	}
	return nil, "", &ResolveError{Kind: ErrInvalidHostname, Hostname: host, Detail: "CNAME chain too deep"}
}

// systemNameservers reads /etc/resolv.conf via miekg/dns's config loader.
// An empty result tells followCNAMEChain to skip the explicit CNAME walk
// and rely on the stdlib resolver's built-in (opaque) CNAME following.
func systemNameservers() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil {
		return nil
	}
	out := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, net.JoinHostPort(s, cfg.Port))
	}
	return out
}
