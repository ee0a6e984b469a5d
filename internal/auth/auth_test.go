package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticVerifierAccepts(t *testing.T) {
	v := NewStaticVerifier([]string{"secret-one", "secret-two"})
	info, err := v.Verify(context.Background(), "secret-two")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ClientID != "static" {
		t.Errorf("unexpected AuthInfo: %+v", info)
	}
}

func TestStaticVerifierRejects(t *testing.T) {
	v := NewStaticVerifier([]string{"secret-one"})
	if _, err := v.Verify(context.Background(), "wrong"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		authz, apiKey, want string
		ok                  bool
	}{
		{"Bearer abc123", "", "abc123", true},
		{"", "key-value", "key-value", true},
		{"", "", "", false},
		{"Basic xyz", "", "", false},
	}
	for _, c := range cases {
		got, ok := ExtractBearer(c.authz, c.apiKey)
		if got != c.want || ok != c.ok {
			t.Errorf("ExtractBearer(%q, %q) = (%q, %v), want (%q, %v)", c.authz, c.apiKey, got, ok, c.want, c.ok)
		}
	}
}

func TestOAuthIntrospectionVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"active": true,
			"scope":  "read write",
			"sub":    "user-1",
		})
	}))
	defer srv.Close()

	v := NewOAuthIntrospectionVerifier(srv.URL, "client", "secret", []string{"read"}, 0)
	info, err := v.Verify(context.Background(), "token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Subject != "user-1" || !info.HasScope("write") {
		t.Errorf("unexpected AuthInfo: %+v", info)
	}
}

func TestOAuthIntrospectionVerifierMissingScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"active": true, "scope": "read"})
	}))
	defer srv.Close()

	v := NewOAuthIntrospectionVerifier(srv.URL, "client", "secret", []string{"admin"}, 0)
	if _, err := v.Verify(context.Background(), "token"); err == nil {
		t.Fatal("expected error for missing required scope")
	}
}

func TestOAuthIntrospectionVerifierInactive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"active": false})
	}))
	defer srv.Close()

	v := NewOAuthIntrospectionVerifier(srv.URL, "client", "secret", nil, 0)
	if _, err := v.Verify(context.Background(), "token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
