package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safefetch/fetchmcp/internal/cache"
	"github.com/safefetch/fetchmcp/internal/fetchclient"
	"github.com/safefetch/fetchmcp/internal/netguard"
)

func newTestPipeline(t *testing.T, srv *httptest.Server, cacheStore *cache.Cache) *Pipeline {
	t.Helper()
	c := netguard.NewClassifier(nil)
	n := netguard.NewNormalizer(c, 0, nil)
	client := &fetchclient.Client{HTTPClient: srv.Client(), UserAgent: fetchclient.DefaultUserAgent}
	follower := &fetchclient.Follower{Client: client, Normalizer: n, MaxRedirects: 5}
	return &Pipeline{
		Normalizer: n,
		Rewriter:   func(u string) netguard.RewriteResult { return netguard.Rewrite(u) },
		Follower:   follower,
		Cache:      cacheStore,
		Transform: func(ctx context.Context, raw []byte, encoding, url string) (any, error) {
			return map[string]string{"body": string(raw)}, nil
		},
	}
}

func TestPipeline_FetchesAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := cache.New(0)
	p := newTestPipeline(t, srv, c)

	res, err := p.Fetch(context.Background(), srv.URL, "markdown", "", false)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, srv.URL, res.OriginalURL)

	res2, err := p.Fetch(context.Background(), srv.URL, "markdown", "", false)
	require.NoError(t, err)
	assert.True(t, res2.FromCache)
}

func TestPipeline_ForceRefreshSkipsCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("v"))
	}))
	defer srv.Close()

	c := cache.New(0)
	p := newTestPipeline(t, srv, c)

	_, err := p.Fetch(context.Background(), srv.URL, "markdown", "", false)
	require.NoError(t, err)
	_, err = p.Fetch(context.Background(), srv.URL, "markdown", "", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestPipeline_CoalescesConcurrentRequests(t *testing.T) {
	var hits int32
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-block
		w.Write([]byte("v"))
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv, cache.New(0))

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = p.Fetch(context.Background(), srv.URL, "markdown", "", false)
			done <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(block)
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestPipeline_RejectsBlockedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	p := newTestPipeline(t, srv, cache.New(0))
	_, err := p.Fetch(context.Background(), "http://127.0.0.1/", "markdown", "", false)
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestPipeline_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv, cache.New(0))
	_, err := p.Fetch(context.Background(), srv.URL, "markdown", "", false)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestPipeline_RateLimitExhaustionReturnsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv, cache.New(0))
	_, err := p.Fetch(context.Background(), srv.URL, "markdown", "", false)
	require.Error(t, err)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, http.StatusTooManyRequests, rle.StatusCode)
	assert.Equal(t, 0, rle.RetryAfterSeconds())
}

func TestFullJitterBackoff_BoundedByCap(t *testing.T) {
	d := fullJitterBackoff(10, time.Second, 10*time.Second)
	assert.LessOrEqual(t, d, 10*time.Second)
	assert.GreaterOrEqual(t, d, time.Duration(0))
}

func TestRetryAfter_SecondsForm(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryAfter("5"))
}

func TestRetryAfter_FallbackOnEmpty(t *testing.T) {
	assert.Equal(t, 60*time.Second, retryAfter(""))
}

func TestFingerprint_DeterministicAndNamespaceScoped(t *testing.T) {
	a := Fingerprint("markdown", "https://example.com/", "")
	b := Fingerprint("markdown", "https://example.com/", "")
	c := Fingerprint("raw", "https://example.com/", "")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
