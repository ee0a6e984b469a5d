// Command fetchmcp runs the safety-hardened fetch engine either as an HTTP
// server (default) or over stdio (--stdio): parses flags, builds a config
// struct, wires a handler, and either calls http.ListenAndServe or drives
// the stdio transport, with a graceful-shutdown sequence common to both.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/artyom/autoflags"

	"github.com/safefetch/fetchmcp/internal/auth"
	"github.com/safefetch/fetchmcp/internal/cache"
	"github.com/safefetch/fetchmcp/internal/config"
	"github.com/safefetch/fetchmcp/internal/fetchclient"
	"github.com/safefetch/fetchmcp/internal/hostgate"
	"github.com/safefetch/fetchmcp/internal/logging"
	"github.com/safefetch/fetchmcp/internal/netguard"
	"github.com/safefetch/fetchmcp/internal/pipeline"
	"github.com/safefetch/fetchmcp/internal/ratelimit"
	"github.com/safefetch/fetchmcp/internal/resolver"
	"github.com/safefetch/fetchmcp/internal/server"
	"github.com/safefetch/fetchmcp/internal/session"
	"github.com/safefetch/fetchmcp/internal/telemetry"
	"github.com/safefetch/fetchmcp/internal/transform"
)

const (
	serverName    = "fetchmcp"
	serverVersion = "1.0.0"
)

// secretQueryParams names query parameter keys telemetry redaction strips
// from logged URLs.
var secretQueryParams = []string{"token", "access_token", "api_key", "key", "secret", "password"}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		stdio      bool
		configPath string
		verbose    bool
	)
	flag.BoolVar(&stdio, "stdio", false, "run over stdio instead of starting the HTTP server")
	flag.StringVar(&configPath, "config", "", "path to a YAML config `file`")
	flag.BoolVar(&verbose, "verbose", false, "enable development (human-readable) logging")

	cfg := config.Default()
	autoflags.DefineFlagSet(flag.CommandLine, &cfg)
	flag.Parse()
	if configPath != "" {
		if err := cfg.LoadYAMLFile(configPath); err != nil {
			fmt.Fprintln(os.Stderr, "fetchmcp: loading config file:", err)
			return 1
		}
	}
	cfg.LoadEnv()
	// Parse again so explicitly set flags override the file and environment
	// layers applied above.
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "fetchmcp: configuration error:", err)
		return 1
	}

	var log logging.Logger
	if verbose {
		log = logging.NewDevelopment()
	} else {
		log = logging.New()
	}

	srv, err := build(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fetchmcp: startup error:", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.RunBackground(ctx)

	if stdio {
		if err := srv.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil {
			log.Error("stdio transport exited with error", "err", err)
			srv.Shutdown()
			return 1
		}
		srv.Shutdown()
		return 0
	}

	return serveHTTP(ctx, cfg, srv, log)
}

func build(cfg config.Config, log logging.Logger) (*server.Server, error) {
	classifier := netguard.NewClassifier(nil)
	normalizer := netguard.NewNormalizer(classifier, cfg.MaxURLLength, nil)

	res := resolver.New(classifier, normalizer)

	client := fetchclient.New(res, runtime.NumCPU(), cfg.FetcherTimeout(), fetchclient.WithUserAgent(cfg.FetcherUserAgent))
	follower := &fetchclient.Follower{
		Client:       client,
		Normalizer:   normalizer,
		Resolver:     res,
		MaxRedirects: cfg.FetcherMaxRedirects,
		HopTimeout:   cfg.FetcherTimeout(),
	}

	var artifactCache *cache.Cache
	if cfg.CacheEnabled {
		artifactCache = cache.New(cfg.CacheMaxEntries)
	}

	transformOpts := transform.Options{
		NoiseExtraTokens:    cfg.NoiseExtraTokens(),
		NoiseExtraSelectors: cfg.NoiseExtraSelectors(),
	}

	pl := &pipeline.Pipeline{
		Normalizer:      normalizer,
		Rewriter:        netguard.Rewrite,
		Resolver:        res,
		Client:          client,
		Follower:        follower,
		Cache:           artifactCache,
		Logger:          log,
		MaxContentBytes: cfg.FetcherMaxContentBytes,
		HopTimeout:      cfg.FetcherTimeout(),
		MaxRedirects:    cfg.FetcherMaxRedirects,
	}
	pl.Transform = func(ctx context.Context, raw []byte, encoding, url string) (any, error) {
		return transform.Transform(ctx, raw, encoding, url, transformOpts)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return nil, err
	}

	sessions := session.New(cfg.SessionTTL(), cfg.MaxSessions)
	limiter := ratelimit.New(cfg.RateLimitMaxRequests, cfg.RateLimitWindow(), cfg.RateLimitCleanupInterval())
	gate := hostgate.New(cfg.ServerHost, cfg.AllowedHosts())
	sink := telemetry.New(log, secretQueryParams)

	srv := server.New(server.Server{
		Info:               server.Info{Name: serverName, Version: serverVersion},
		Pipeline:           pl,
		Cache:              artifactCache,
		Sessions:           sessions,
		Limiter:            limiter,
		Gate:               gate,
		Sink:               sink,
		Verifier:           verifier,
		Logger:             log,
		GlobalInlineLimit:  cfg.MaxInlineContentChars,
		RateLimitEnabled:   cfg.RateLimitEnabled,
		CacheEnabled:       cfg.CacheEnabled,
		SessionInitTimeout: cfg.SessionInitTimeout(),
	})
	return srv, nil
}

func buildVerifier(cfg config.Config) (auth.Verifier, error) {
	switch cfg.AuthMode {
	case "static":
		return auth.NewStaticVerifier(cfg.StaticTokens()), nil
	case "oauth":
		return auth.NewOAuthIntrospectionVerifier(
			cfg.OAuthIntrospectionURL,
			cfg.OAuthClientID,
			cfg.OAuthClientSecret,
			cfg.OAuthRequiredScopes(),
			cfg.OAuthIntrospectionTimeout(),
		), nil
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q", cfg.AuthMode)
	}
}

func serveHTTP(ctx context.Context, cfg config.Config, srv *server.Server, log logging.Logger) int {
	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.HTTPHeadersTimeoutMS) * time.Millisecond,
		ReadTimeout:       time.Duration(cfg.HTTPRequestTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(cfg.HTTPKeepaliveTimeoutMS) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Debug("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("server error", "err", err)
		srv.Shutdown()
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
		return 1
	}
	return 0
}
