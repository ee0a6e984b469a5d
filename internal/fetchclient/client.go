// Package fetchclient implements the connection-pool fetcher, the manual
// redirect follower and the response decoder. It is the only package that
// issues outbound network requests; everything it returns has already
// passed through the SSRF-safe resolver's connect-time hook.
package fetchclient

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/safefetch/fetchmcp/internal/resolver"
)

// DefaultUserAgent is used when no ConfFunc overrides it.
const DefaultUserAgent = "fetchmcp/1.0 (+https://github.com/safefetch/fetchmcp)"

const (
	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	defaultAcceptLanguage = "en-US,en;q=0.5"
	defaultAcceptEncoding = "gzip, deflate, br"
)

// Client wraps a pooled *http.Client dialing exclusively through a
// resolver.Resolver, so every connection the pool opens has already been
// validated against the host admission predicate.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string

	headers [][2]string
}

// ConfFunc configures a Client at construction time.
type ConfFunc func(*Client)

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) ConfFunc {
	return func(c *Client) {
		if ua != "" {
			c.UserAgent = ua
		}
	}
}

// WithExtraHeaders adds fixed headers sent on every request, applied after
// the default set.
func WithExtraHeaders(hdr map[string]string) ConfFunc {
	return func(c *Client) {
		for k, v := range hdr {
			c.headers = append(c.headers, [2]string{k, v})
		}
	}
}

// New builds a Client whose transport pool is sized max(2*parallelism, 25)
// and dials only through res. A parallelism of 0 or less uses the floor of
// 25.
func New(res *resolver.Resolver, parallelism int, dialTimeout time.Duration, opts ...ConfFunc) *Client {
	poolSize := 2 * parallelism
	if poolSize < 25 {
		poolSize = 25
	}
	transport := &http.Transport{
		DialContext:         res.DialContext(dialTimeout),
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: poolSize,
		MaxConnsPerHost:     poolSize,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		// Pipelining is never enabled: each connection serves one
		// in-flight request at a time.
	}
	c := &Client{
		HTTPClient: &http.Client{
			Transport: transport,
			// Redirects are handled by this package's own state
			// machine, never by the stdlib client.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		UserAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is the raw outcome of a single GET hop: status, headers and an
// open body stream the caller must close.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	Request       *http.Request
	ContentLength int64
}

// Get issues a single GET request: per-call timeout and the caller's ctx
// are composed into a single either-fires deadline, and the fixed default
// header set is applied before any caller-supplied headers.
// The deadline stays live for the body stream too, until the caller closes
// the returned Response.Body.
func (c *Client) Get(ctx context.Context, rawURL string, extraHeaders map[string]string, timeout time.Duration) (*Response, error) {
	cancel := func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	c.applyHeaders(req, extraHeaders)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel},
		Request:       resp.Request,
		ContentLength: resp.ContentLength,
	}, nil
}

// cancelOnCloseBody releases the Get deadline's resources once the caller is
// done reading, instead of leaking the context until the deadline fires.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) applyHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", defaultAccept)
	req.Header.Set("Accept-Language", defaultAcceptLanguage)
	req.Header.Set("Accept-Encoding", defaultAcceptEncoding)
	req.Header.Set("Connection", "keep-alive")
	for _, kv := range c.headers {
		req.Header.Set(kv[0], kv[1])
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}
