// Package config implements configuration loading and validation,
// populated from environment variables, an optional YAML file, and CLI
// flags (flags win over file, file wins over nothing — environment
// variables are read directly into defaults before flag parsing, so flags
// override them too). Flag binding uses github.com/artyom/autoflags: tag
// exported fields with `flag:"name"` and bind them with one reflective
// call instead of hand-written flag.*Var calls per field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable this server reads at startup.
type Config struct {
	// Server bind
	ServerHost  string `flag:"host" yaml:"server_host"`
	ServerPort  int    `flag:"port" yaml:"server_port"`
	AllowRemote bool   `flag:"allow-remote" yaml:"allow_remote"`
	AllowedHostsCSV string `flag:"allowed-hosts" yaml:"allowed_hosts"`

	// Auth
	AuthMode                   string `flag:"auth-mode" yaml:"auth_mode"`
	StaticTokensCSV            string `flag:"static-tokens" yaml:"static_tokens"`
	OAuthIssuerURL             string `yaml:"oauth_issuer_url"`
	OAuthAuthorizationURL      string `yaml:"oauth_authorization_url"`
	OAuthTokenURL              string `yaml:"oauth_token_url"`
	OAuthIntrospectionURL      string `yaml:"oauth_introspection_url"`
	OAuthClientID              string `yaml:"oauth_client_id"`
	OAuthClientSecret          string `yaml:"oauth_client_secret"`
	OAuthRequiredScopesCSV     string `yaml:"oauth_required_scopes"`
	OAuthResourceURL           string `yaml:"oauth_resource_url"`
	OAuthIntrospectionTimeoutMS int   `yaml:"oauth_introspection_timeout_ms"`

	// Fetcher
	FetcherTimeoutMS      int    `yaml:"fetcher_timeout_ms"`
	FetcherMaxRedirects   int    `yaml:"fetcher_max_redirects"`
	FetcherMaxContentBytes int64 `yaml:"fetcher_max_content_bytes"`
	FetcherUserAgent      string `yaml:"fetcher_user_agent"`

	MaxURLLength          int `yaml:"max_url_length"`
	MaxHTMLSize           int `yaml:"max_html_size"`
	MaxInlineContentChars int `yaml:"max_inline_content_chars"`

	// Cache
	CacheEnabled    bool `flag:"cache" yaml:"cache_enabled"`
	CacheMaxEntries int  `yaml:"cache_max_entries"`
	CacheTTLSeconds int  `yaml:"cache_ttl_seconds"`

	// Sessions
	SessionTTLMS         int `yaml:"session_ttl_ms"`
	SessionInitTimeoutMS int `yaml:"session_init_timeout_ms"`
	MaxSessions          int `yaml:"max_sessions"`

	// Rate limiter
	RateLimitEnabled           bool `yaml:"rate_limit_enabled"`
	RateLimitMaxRequests       int  `yaml:"rate_limit_max_requests"`
	RateLimitWindowMS          int  `yaml:"rate_limit_window_ms"`
	RateLimitCleanupIntervalMS int  `yaml:"rate_limit_cleanup_interval_ms"`

	// Transform noise stripping
	NoiseExtraTokensCSV    string `yaml:"noise_extra_tokens"`
	NoiseExtraSelectorsCSV string `yaml:"noise_extra_selectors"`

	// HTTP server timeouts
	HTTPHeadersTimeoutMS  int `yaml:"http_headers_timeout_ms"`
	HTTPRequestTimeoutMS  int `yaml:"http_request_timeout_ms"`
	HTTPKeepaliveTimeoutMS int `yaml:"http_keepalive_timeout_ms"`
}

// Default returns a Config populated with production-sane defaults.
func Default() Config {
	return Config{
		ServerHost:  "127.0.0.1",
		ServerPort:  8080,
		AllowRemote: false,
		AuthMode:    "static",

		FetcherTimeoutMS:       30_000,
		FetcherMaxRedirects:    10,
		FetcherMaxContentBytes: 10 * 1024 * 1024,
		FetcherUserAgent:       "fetchmcp/1.0 (+https://github.com/safefetch/fetchmcp)",

		MaxURLLength:          8192,
		MaxHTMLSize:           5 * 1024 * 1024,
		MaxInlineContentChars: 20_000,

		CacheEnabled:    true,
		CacheMaxEntries: 500,
		CacheTTLSeconds: 3600,

		SessionTTLMS:         30 * 60 * 1000,
		SessionInitTimeoutMS: 30_000,
		MaxSessions:          1000,

		RateLimitEnabled:           true,
		RateLimitMaxRequests:       60,
		RateLimitWindowMS:          60_000,
		RateLimitCleanupIntervalMS: 5 * 60_000,

		OAuthIntrospectionTimeoutMS: 5_000,

		HTTPHeadersTimeoutMS:   10_000,
		HTTPRequestTimeoutMS:   60_000,
		HTTPKeepaliveTimeoutMS: 90_000,
	}
}

// LoadEnv overlays environment-variable overrides onto c.
func (c *Config) LoadEnv() {
	strVar(&c.ServerHost, "SERVER_HOST")
	intVar(&c.ServerPort, "SERVER_PORT")
	boolVar(&c.AllowRemote, "ALLOW_REMOTE")
	strVar(&c.AllowedHostsCSV, "ALLOWED_HOSTS")

	strVar(&c.AuthMode, "AUTH_MODE")
	strVar(&c.StaticTokensCSV, "STATIC_TOKENS")
	strVar(&c.OAuthIssuerURL, "OAUTH_ISSUER_URL")
	strVar(&c.OAuthAuthorizationURL, "OAUTH_AUTHORIZATION_URL")
	strVar(&c.OAuthTokenURL, "OAUTH_TOKEN_URL")
	strVar(&c.OAuthIntrospectionURL, "OAUTH_INTROSPECTION_URL")
	strVar(&c.OAuthClientID, "OAUTH_CLIENT_ID")
	strVar(&c.OAuthClientSecret, "OAUTH_CLIENT_SECRET")
	strVar(&c.OAuthRequiredScopesCSV, "OAUTH_REQUIRED_SCOPES")
	strVar(&c.OAuthResourceURL, "OAUTH_RESOURCE_URL")
	intVar(&c.OAuthIntrospectionTimeoutMS, "OAUTH_INTROSPECTION_TIMEOUT_MS")

	intVar(&c.FetcherTimeoutMS, "FETCHER_TIMEOUT_MS")
	intVar(&c.FetcherMaxRedirects, "FETCHER_MAX_REDIRECTS")
	int64Var(&c.FetcherMaxContentBytes, "FETCHER_MAX_CONTENT_BYTES")
	strVar(&c.FetcherUserAgent, "FETCHER_USER_AGENT")

	intVar(&c.MaxURLLength, "MAX_URL_LENGTH")
	intVar(&c.MaxHTMLSize, "MAX_HTML_SIZE")
	intVar(&c.MaxInlineContentChars, "MAX_INLINE_CONTENT_CHARS")

	boolVar(&c.CacheEnabled, "CACHE_ENABLED")
	intVar(&c.CacheMaxEntries, "CACHE_MAX_ENTRIES")
	intVar(&c.CacheTTLSeconds, "CACHE_TTL_SECONDS")

	intVar(&c.SessionTTLMS, "SESSION_TTL_MS")
	intVar(&c.SessionInitTimeoutMS, "SESSION_INIT_TIMEOUT_MS")
	intVar(&c.MaxSessions, "MAX_SESSIONS")

	boolVar(&c.RateLimitEnabled, "RATE_LIMIT_ENABLED")
	intVar(&c.RateLimitMaxRequests, "RATE_LIMIT_MAX_REQUESTS")
	intVar(&c.RateLimitWindowMS, "RATE_LIMIT_WINDOW_MS")
	intVar(&c.RateLimitCleanupIntervalMS, "RATE_LIMIT_CLEANUP_INTERVAL_MS")

	strVar(&c.NoiseExtraTokensCSV, "NOISE_EXTRA_TOKENS")
	strVar(&c.NoiseExtraSelectorsCSV, "NOISE_EXTRA_SELECTORS")

	intVar(&c.HTTPHeadersTimeoutMS, "HTTP_HEADERS_TIMEOUT_MS")
	intVar(&c.HTTPRequestTimeoutMS, "HTTP_REQUEST_TIMEOUT_MS")
	intVar(&c.HTTPKeepaliveTimeoutMS, "HTTP_KEEPALIVE_TIMEOUT_MS")
}

// LoadYAMLFile overlays the keys present in path onto c; env and flags
// still take precedence at the call sites in cmd/fetchmcp, since this is
// invoked before LoadEnv / flag parsing.
func (c *Config) LoadYAMLFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, c)
}

// List helpers: the CSV env/flag values above are exposed as slices for
// consumers.
func (c Config) AllowedHosts() []string        { return splitCSV(c.AllowedHostsCSV) }
func (c Config) StaticTokens() []string        { return splitCSV(c.StaticTokensCSV) }
func (c Config) OAuthRequiredScopes() []string { return splitCSV(c.OAuthRequiredScopesCSV) }
func (c Config) NoiseExtraTokens() []string    { return splitCSV(c.NoiseExtraTokensCSV) }
func (c Config) NoiseExtraSelectors() []string { return splitCSV(c.NoiseExtraSelectorsCSV) }

func (c Config) SessionTTL() time.Duration         { return time.Duration(c.SessionTTLMS) * time.Millisecond }
func (c Config) SessionInitTimeout() time.Duration { return time.Duration(c.SessionInitTimeoutMS) * time.Millisecond }
func (c Config) FetcherTimeout() time.Duration     { return time.Duration(c.FetcherTimeoutMS) * time.Millisecond }
func (c Config) RateLimitWindow() time.Duration    { return time.Duration(c.RateLimitWindowMS) * time.Millisecond }
func (c Config) RateLimitCleanupInterval() time.Duration {
	return time.Duration(c.RateLimitCleanupIntervalMS) * time.Millisecond
}
func (c Config) OAuthIntrospectionTimeout() time.Duration {
	return time.Duration(c.OAuthIntrospectionTimeoutMS) * time.Millisecond
}

// Validate rejects configurations that should not be allowed to start:
// binding to a non-loopback host without the remote-bind flag, missing
// OAuth configuration when required, or an empty static-token list in
// static mode.
func (c Config) Validate() error {
	if !c.AllowRemote && !isLoopbackHost(c.ServerHost) {
		return fmt.Errorf("refusing to bind to %q without ALLOW_REMOTE=true", c.ServerHost)
	}
	switch c.AuthMode {
	case "static":
		if len(c.StaticTokens()) == 0 {
			return fmt.Errorf("AUTH_MODE=static requires at least one token in STATIC_TOKENS")
		}
	case "oauth":
		missing := []string{}
		if c.OAuthIssuerURL == "" {
			missing = append(missing, "OAUTH_ISSUER_URL")
		}
		if c.OAuthIntrospectionURL == "" {
			missing = append(missing, "OAUTH_INTROSPECTION_URL")
		}
		if c.OAuthClientID == "" {
			missing = append(missing, "OAUTH_CLIENT_ID")
		}
		if len(missing) > 0 {
			return fmt.Errorf("AUTH_MODE=oauth requires %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q (want static or oauth)", c.AuthMode)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1", "":
		return true
	default:
		return false
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func strVar(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func intVar(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Var(dst *int64, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func boolVar(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
