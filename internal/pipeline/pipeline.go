// Package pipeline implements the fetch pipeline: normalize, rewrite,
// cache lookup, fetch (resolve, redirect-follow, decode), transform and
// cache store, with per-fingerprint request coalescing and retry.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/safefetch/fetchmcp/internal/cache"
	"github.com/safefetch/fetchmcp/internal/fetchclient"
	"github.com/safefetch/fetchmcp/internal/logging"
	"github.com/safefetch/fetchmcp/internal/netguard"
	"github.com/safefetch/fetchmcp/internal/resolver"
)

// TransformFunc converts a decoded response body into the artifact stored
// in the cache and returned to callers.
type TransformFunc func(ctx context.Context, raw []byte, encoding, url string) (any, error)

// Result is what Fetch returns.
type Result struct {
	Data        any
	FromCache   bool
	URL         string
	OriginalURL string
	FinalURL    string
	FetchedAt   time.Time
	Fingerprint string
	Truncated   bool
}

// Pipeline wires the full fetch path together.
type Pipeline struct {
	Normalizer *netguard.Normalizer
	Rewriter   func(string) netguard.RewriteResult
	Resolver   *resolver.Resolver
	Client     *fetchclient.Client
	Follower   *fetchclient.Follower
	Cache      *cache.Cache
	Transform  TransformFunc
	Logger     logging.Logger

	MaxContentBytes int64
	HopTimeout      time.Duration
	MaxRedirects    int

	group singleflight.Group
}

// ValidationError wraps a netguard normalization failure so callers can
// distinguish it from transport errors. It is never retried.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// RateLimitError is returned when an upstream 429 survives every retry
// attempt. It carries the upstream status and the Retry-After the caller
// should honor, so the server's error mapper can surface both to the client
// (RetryAfterSeconds satisfies the retryAfterer interface in
// internal/server/dispatch.go).
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limited (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
}

// RetryAfterSeconds reports the Retry-After value in whole seconds.
func (e *RateLimitError) RetryAfterSeconds() int {
	return int(e.RetryAfter / time.Second)
}

// Fetch implements fetch(url, namespace, variation, force_refresh, cancel).
func (p *Pipeline) Fetch(ctx context.Context, rawURL, namespace, variation string, forceRefresh bool) (*Result, error) {
	normalized, err := p.Normalizer.Normalize(rawURL)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}
	normalizedURL := normalized.URL
	if p.Rewriter != nil {
		normalizedURL = p.Rewriter(normalizedURL).URL
	}

	fp := Fingerprint(namespace, normalizedURL, variation)

	if !forceRefresh && p.Cache != nil {
		if entry, ok := p.Cache.Get(cache.Fingerprint(fp)); ok {
			var data any
			if err := cache.Decode(entry, &data); err == nil {
				return &Result{
					Data:        data,
					FromCache:   true,
					URL:         rawURL,
					OriginalURL: rawURL,
					Fingerprint: fp,
					FetchedAt:   time.Now(),
				}, nil
			}
			if p.Logger != nil {
				p.Logger.Warn("cache entry failed to deserialize", "fingerprint", fp)
			}
		}
	}

	v, err, _ := p.group.Do(fp, func() (any, error) {
		return p.build(ctx, rawURL, normalizedURL, namespace, variation, fp)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (p *Pipeline) build(ctx context.Context, originalURL, normalizedURL, namespace, variation, fp string) (*Result, error) {
	res, raw, encoding, err := p.fetchWithRetry(ctx, normalizedURL)
	if err != nil {
		return nil, err
	}

	var artifact any
	if p.Transform != nil {
		artifact, err = p.Transform(ctx, raw, encoding, res.FinalURL)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{
		Data:        artifact,
		FromCache:   false,
		URL:         originalURL,
		OriginalURL: originalURL,
		FinalURL:    res.FinalURL,
		FetchedAt:   time.Now(),
		Fingerprint: fp,
	}

	if p.Cache != nil {
		if encoded, err := cache.Encode(artifact); err == nil {
			p.Cache.Set(cache.Fingerprint(fp), encoded, map[string]string{"final_url": res.FinalURL}, cache.SetOptions{})
			if res.FinalURL != "" && res.FinalURL != normalizedURL {
				finalFP := Fingerprint(namespace, res.FinalURL, variation)
				if finalFP != fp {
					p.Cache.Set(cache.Fingerprint(finalFP), encoded, map[string]string{"final_url": res.FinalURL}, cache.SetOptions{})
				}
			}
		} else if p.Logger != nil {
			p.Logger.Error("failed to encode artifact for cache", "fingerprint", fp, "err", err)
		}
	}

	return result, nil
}

// fetchWithRetry drives the redirect-following fetch (which itself
// preflights every hop through the resolver) with exponential backoff and
// full jitter between attempts.
func (p *Pipeline) fetchWithRetry(ctx context.Context, url string) (*fetchclient.Result, []byte, string, error) {
	const (
		minAttempts = 1
		maxAttempts = 10
		base        = time.Second
		maxWait     = 10 * time.Second
	)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, "", ctx.Err()
		}

		res, err := p.Follower.Follow(ctx, url, nil)
		if err != nil {
			if !retryable(err) || attempt == maxAttempts-1 {
				return nil, nil, "", err
			}
			lastErr = err
			sleep(ctx, fullJitterBackoff(attempt, base, maxWait))
			continue
		}

		if res.Response.StatusCode == http.StatusTooManyRequests {
			res.Response.Body.Close()
			wait := retryAfter(res.Response.Header.Get("Retry-After"))
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			if attempt == maxAttempts-1 {
				return nil, nil, "", &RateLimitError{StatusCode: http.StatusTooManyRequests, RetryAfter: wait}
			}
			lastErr = &RateLimitError{StatusCode: http.StatusTooManyRequests, RetryAfter: wait}
			if ctx.Err() != nil {
				return nil, nil, "", lastErr
			}
			sleep(ctx, wait)
			continue
		}

		if res.Response.StatusCode >= 400 && res.Response.StatusCode < 500 {
			res.Response.Body.Close()
			return nil, nil, "", fmt.Errorf("status %d: client error (not retried)", res.Response.StatusCode)
		}

		decoded, err := fetchclient.ReadBuffer(res.Response, p.maxContentBytes(), "")
		if err != nil {
			return nil, nil, "", err
		}
		return res, decoded.Buffer, decoded.Encoding, nil
	}
	return nil, nil, "", lastErr
}

func (p *Pipeline) maxContentBytes() int64 {
	if p.MaxContentBytes <= 0 {
		return 10 * 1024 * 1024
	}
	return p.MaxContentBytes
}

// retryable reports whether err (a transport/follow error) should be
// retried: everything except validation errors (including a redirect target
// that fails normalization), bad redirect targets, cancellation and deadline
// expiry.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var nve *netguard.ValidationError
	if errors.As(err, &nve) {
		return false
	}
	if errors.Is(err, fetchclient.ErrBadRedirect) {
		return false
	}
	return true
}

func fullJitterBackoff(attempt int, base, maxWait time.Duration) time.Duration {
	exp := base << attempt
	if exp <= 0 || exp > maxWait {
		exp = maxWait
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 60 * time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		d := time.Until(when)
		if d > 0 {
			return d
		}
	}
	return 60 * time.Second
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Fingerprint computes the stable cache key for (namespace, url, variation).
func Fingerprint(namespace, url, variation string) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(variation))
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))
}
