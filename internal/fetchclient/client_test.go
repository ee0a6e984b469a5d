package fetchclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Get_AppliesDefaultHeaders(t *testing.T) {
	var gotUA, gotAccept, gotAcceptLang, gotAcceptEnc, gotExtra string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotAcceptLang = r.Header.Get("Accept-Language")
		gotAcceptEnc = r.Header.Get("Accept-Encoding")
		gotExtra = r.Header.Get("X-Extra")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), UserAgent: "test-agent/1"}
	resp, err := c.Get(context.Background(), srv.URL, map[string]string{"X-Extra": "yes"}, time.Second)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "test-agent/1", gotUA)
	assert.Equal(t, defaultAccept, gotAccept)
	assert.Equal(t, defaultAcceptLanguage, gotAcceptLang)
	assert.Equal(t, defaultAcceptEncoding, gotAcceptEnc)
	assert.Equal(t, "yes", gotExtra)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_Get_DoesNotFollowRedirectsItself(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer target.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	c := &Client{
		HTTPClient: &http.Client{
			Transport: srv.Client().Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		UserAgent: DefaultUserAgent,
	}
	resp, err := c.Get(context.Background(), srv.URL, nil, time.Second)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, target.URL, resp.Header.Get("Location"))
}

func TestClient_Get_TimeoutDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("slow"))
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), UserAgent: DefaultUserAgent}
	_, err := c.Get(context.Background(), srv.URL, nil, 5*time.Millisecond)
	require.Error(t, err)
}

func TestNew_PoolSizeFloor(t *testing.T) {
	c := New(nil, 0, 0)
	tr, ok := c.HTTPClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 25, tr.MaxIdleConns)
}

func TestNew_PoolSizeScalesWithParallelism(t *testing.T) {
	c := New(nil, 100, 0)
	tr, ok := c.HTTPClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 200, tr.MaxIdleConns)
}

func TestWithExtraHeaders_AppliedOnRequest(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{HTTPClient: srv.Client(), UserAgent: DefaultUserAgent}
	WithExtraHeaders(map[string]string{"X-Custom": "fixed"})(c)
	resp, err := c.Get(context.Background(), srv.URL, nil, time.Second)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "fixed", got)
}
