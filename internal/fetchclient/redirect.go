package fetchclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/safefetch/fetchmcp/internal/netguard"
	"github.com/safefetch/fetchmcp/internal/resolver"
)

// ErrTooManyRedirects is returned when hop_count exceeds MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// ErrBadRedirect is returned for a redirect Location that is missing,
// unparseable, or carries userinfo.
var ErrBadRedirect = errors.New("bad redirect target")

var redirectStatuses = map[int]struct{}{
	http.StatusMovedPermanently:  {},
	http.StatusFound:             {},
	http.StatusSeeOther:          {},
	http.StatusTemporaryRedirect: {},
	http.StatusPermanentRedirect: {},
}

// HopError annotates an error with the URL of the hop that produced it, so
// callers can report which redirect in the chain failed.
type HopError struct {
	RequestURL string
	Err        error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("%s: %v", e.RequestURL, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// Follower drives a redirect state machine on top of a Client. Each hop is
// issued with redirect handling disabled on the underlying client (see
// New), so every Location header is observed and re-validated here
// before the next hop is taken.
type Follower struct {
	Client       *Client
	Normalizer   *netguard.Normalizer
	Resolver     *resolver.Resolver // optional DNS preflight; nil skips it
	MaxRedirects int
	HopTimeout   time.Duration
}

// DefaultMaxRedirects bounds the hop count when Follower.MaxRedirects is unset.
const DefaultMaxRedirects = 10

// Result is the terminal state of a successful Follow: the final response,
// the first and last URLs requested, and the number of redirects followed.
type Result struct {
	Response   *Response
	FinalURL   string
	OriginalURL string
	Hops       int
}

// Follow implements the (current_url, hop_count) state machine from spec
// §4.6. It owns the lifetime of every intermediate response body: all but
// the terminal one are closed before the next hop begins.
func (f *Follower) Follow(ctx context.Context, startURL string, headers map[string]string) (*Result, error) {
	current := startURL
	max := f.MaxRedirects
	if max <= 0 {
		max = DefaultMaxRedirects
	}

	for hop := 0; ; hop++ {
		if hop > max {
			return nil, &HopError{RequestURL: current, Err: ErrTooManyRedirects}
		}

		resp, err := f.Client.Get(ctx, current, headers, f.HopTimeout)
		if err != nil {
			return nil, &HopError{RequestURL: current, Err: err}
		}

		if _, isRedirect := redirectStatuses[resp.StatusCode]; !isRedirect {
			return &Result{Response: resp, FinalURL: current, OriginalURL: startURL, Hops: hop}, nil
		}

		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, &HopError{RequestURL: current, Err: errors.New("redirect status with no Location header")}
		}

		target, err := resolveRedirectTarget(current, loc)
		if err != nil {
			return nil, &HopError{RequestURL: current, Err: err}
		}

		if f.Normalizer != nil {
			normalized, err := f.Normalizer.Normalize(target)
			if err != nil {
				return nil, &HopError{RequestURL: current, Err: err}
			}
			target = normalized.URL
			if f.Resolver != nil {
				if _, err := f.Resolver.Resolve(ctx, normalized.Hostname); err != nil {
					return nil, &HopError{RequestURL: current, Err: err}
				}
			}
		}

		current = target
	}
}

// resolveRedirectTarget resolves loc against base and rejects userinfo or
// unparseable targets (EBADREDIRECT in spec terms).
func resolveRedirectTarget(base, loc string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base url: %v", ErrBadRedirect, err)
	}
	target, err := url.Parse(loc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRedirect, err)
	}
	resolved := baseURL.ResolveReference(target)
	if resolved.User != nil {
		return "", fmt.Errorf("%w: userinfo not allowed", ErrBadRedirect)
	}
	return resolved.String(), nil
}
