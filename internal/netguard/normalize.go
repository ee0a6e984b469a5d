package netguard

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultMaxURLLength is used when config does not override it.
const DefaultMaxURLLength = 8192

// DefaultBlockedHostSuffixes is the default blocked-suffix set.
var DefaultBlockedHostSuffixes = []string{".local", ".internal"}

// ValidationError is returned by Normalize for any input that fails an
// admission predicate: unparseable URL, unsupported scheme, embedded
// credentials, or a blocked host.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Normalizer parses, validates and canonicalizes a caller-supplied URL
// string.
type Normalizer struct {
	Classifier          *Classifier
	MaxURLLength        int
	BlockedHostSuffixes []string
}

// NewNormalizer builds a Normalizer with the given classifier and optional
// overrides; zero values fall back to package defaults.
func NewNormalizer(c *Classifier, maxURLLength int, blockedSuffixes []string) *Normalizer {
	if maxURLLength <= 0 {
		maxURLLength = DefaultMaxURLLength
	}
	if blockedSuffixes == nil {
		blockedSuffixes = DefaultBlockedHostSuffixes
	}
	return &Normalizer{Classifier: c, MaxURLLength: maxURLLength, BlockedHostSuffixes: blockedSuffixes}
}

// Normalized is the canonical form of a URL: lower-cased host, no
// trailing dot, no userinfo, explicit scheme, length-bounded.
type Normalized struct {
	URL      string
	Hostname string
}

// Normalize parses and canonicalizes raw. The returned Normalized always
// satisfies the host-admission predicate at creation time.
func (n *Normalizer) Normalize(raw string) (Normalized, error) {
	if raw == "" {
		return Normalized{}, validationErrorf("empty URL")
	}
	if len(raw) > n.MaxURLLength {
		return Normalized{}, validationErrorf("URL exceeds max length of %d", n.MaxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Normalized{}, validationErrorf("cannot parse URL: %v", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return Normalized{}, validationErrorf("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return Normalized{}, validationErrorf("URL must not contain credentials")
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return Normalized{}, validationErrorf("missing hostname")
	}
	if err := n.checkHost(host); err != nil {
		return Normalized{}, err
	}
	u.Host = host
	if p := u.Port(); p != "" {
		u.Host = host + ":" + p
	}
	u.User = nil
	u.Scheme = strings.ToLower(u.Scheme)
	out := u.String()
	if len(out) > n.MaxURLLength {
		return Normalized{}, validationErrorf("URL exceeds max length of %d", n.MaxURLLength)
	}
	return Normalized{URL: out, Hostname: host}, nil
}

// checkHost implements the admission predicate shared by Normalize and the
// redirect preflight: not a blocked host, not a blocked IP literal, not
// ending with a blocked suffix.
func (n *Normalizer) checkHost(host string) error {
	if n.Classifier != nil {
		if n.Classifier.IsBlockedHost(host) {
			return validationErrorf("Blocked host %q", host)
		}
		if n.Classifier.IsBlockedIP(host) {
			return validationErrorf("Blocked IP range: %q", host)
		}
	}
	for _, suf := range n.BlockedHostSuffixes {
		if suf != "" && strings.HasSuffix(host, suf) {
			return validationErrorf("Blocked host suffix %q", host)
		}
	}
	return nil
}

// CheckHost exposes the host-admission predicate for callers (the redirect
// follower and the safe DNS resolver) that must re-run it mid-hop without a
// full Normalize call.
func (n *Normalizer) CheckHost(host string) error {
	return n.checkHost(strings.ToLower(strings.TrimSuffix(host, ".")))
}
