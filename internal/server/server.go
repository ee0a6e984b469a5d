package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/safefetch/fetchmcp/internal/auth"
	"github.com/safefetch/fetchmcp/internal/cache"
	"github.com/safefetch/fetchmcp/internal/hostgate"
	"github.com/safefetch/fetchmcp/internal/logging"
	"github.com/safefetch/fetchmcp/internal/pipeline"
	"github.com/safefetch/fetchmcp/internal/ratelimit"
	"github.com/safefetch/fetchmcp/internal/session"
	"github.com/safefetch/fetchmcp/internal/shaper"
	"github.com/safefetch/fetchmcp/internal/telemetry"
	"github.com/safefetch/fetchmcp/internal/transform"
)

// Info identifies this server in the initialize handshake and /health.
type Info struct {
	Name    string
	Version string
}

// Server wires the session store, rate limiter, host/origin gate and
// telemetry sink around the fetch pipeline and response shaper, exposing
// them over an HTTP wire surface compatible with the Model Context
// Protocol (MCP).
type Server struct {
	Info Info

	Pipeline *pipeline.Pipeline
	Cache    *cache.Cache
	Sessions *session.Store
	Limiter  *ratelimit.Limiter
	Gate     *hostgate.Gate
	Sink     *telemetry.Sink
	Verifier auth.Verifier
	Logger   logging.Logger

	GlobalInlineLimit  int
	RateLimitEnabled   bool
	CacheEnabled       bool
	SessionInitTimeout time.Duration

	startedAt time.Time
}

// New builds a Server. Callers must call RunBackground before serving
// traffic and Shutdown when done.
func New(s Server) *Server {
	s.startedAt = time.Now()
	return &s
}

// RunBackground starts the session evictor and rate-limit evictor.
func (s *Server) RunBackground(ctx context.Context) {
	if s.Sessions != nil {
		s.Sessions.RunEvictor(ctx)
	}
	if s.Limiter != nil && s.RateLimitEnabled {
		s.Limiter.Run(ctx)
	}
}

// Shutdown closes all sessions and stops the rate-limit evictor.
func (s *Server) Shutdown() {
	if s.Sessions != nil {
		s.Sessions.Shutdown()
	}
	if s.Limiter != nil {
		s.Limiter.Shutdown()
	}
}

// Handler returns the root http.Handler for the wire surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /mcp", s.gated(s.handleMCPPost))
	mux.HandleFunc("GET /mcp", s.gated(s.handleMCPGet))
	mux.HandleFunc("DELETE /mcp", s.gated(s.handleMCPDelete))
	mux.HandleFunc("GET /mcp/downloads/{namespace}/{hash}", s.gated(s.handleDownload))
	return mux
}

// gated wraps a handler with the host/origin gate and then the rate
// limiter, in that order: a request from a disallowed host never counts
// against another client's rate-limit budget.
func (s *Server) gated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Gate != nil {
			if !s.Gate.AllowHost(r.Host) {
				writeJSONError(w, http.StatusForbidden, "FORBIDDEN", "host not allowed")
				return
			}
			if !s.Gate.AllowOrigin(r.Header.Get("Origin")) {
				writeJSONError(w, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
				return
			}
		}
		if s.RateLimitEnabled && s.Limiter != nil {
			res := s.Limiter.Allow(clientKey(r))
			if !res.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())))
				writeJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"name":    s.Info.Name,
		"version": s.Info.Version,
		"uptime":  time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("MCP-Protocol-Version") != ProtocolVersion {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing or unsupported MCP-Protocol-Version")
		return
	}
	if r.Header.Get("Accept") == "" {
		r.Header.Set("Accept", "application/json, text/event-stream")
	}

	token, ok := s.authenticate(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
		return
	}
	_ = token

	body, err := peekBody(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "cannot read request body")
		return
	}
	if isBatch(body) {
		writeRPC(w, errorResponse(nil, RPCInvalidRequest, "batch requests are not supported"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, errorResponse(nil, RPCParseError, "malformed JSON-RPC request"))
		return
	}

	sessionID := r.Header.Get("mcp-session-id")
	if sessionID == "" && req.Method == "initialize" {
		s.handleInitialize(w, r.Context(), req)
		return
	}
	if sessionID == "" {
		writeRPC(w, errorResponse(req.ID, RPCInvalidRequest, "missing mcp-session-id"))
		return
	}
	entry, ok := s.Sessions.Get(sessionID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown session")
		return
	}
	s.Sessions.Touch(sessionID)
	_ = entry

	var tctx *telemetry.Context
	if s.Sink != nil {
		tctx = s.Sink.Start(requestID(req.ID), req.Method, "")
	}
	resp := s.dispatch(r.Context(), req)
	s.recordTelemetry(tctx, resp)
	writeRPC(w, resp)
}

// recordTelemetry closes out tctx with the outcome of resp: a JSON-RPC
// level error or a tool result with isError=true both emit an "error"
// event (so a fetch failure surfaced as a successful RPC call with
// isError=true is still distinguishable from a genuine success in
// telemetry); anything else emits "end".
func (s *Server) recordTelemetry(tctx *telemetry.Context, resp Response) {
	if tctx == nil || s.Sink == nil {
		return
	}
	if resp.Error != nil {
		s.Sink.Error(tctx, resp.Error.Message, "", http.StatusInternalServerError)
		return
	}
	if result, ok := resp.Result.(CallToolResult); ok && result.IsError {
		s.Sink.Error(tctx, toolErrorMessage(result), "", 0)
		return
	}
	s.Sink.End(tctx, http.StatusOK)
}

func toolErrorMessage(result CallToolResult) string {
	for _, b := range result.Content {
		if b.Type == "text" {
			return b.Text
		}
	}
	return "tool call failed"
}

func (s *Server) handleInitialize(w http.ResponseWriter, ctx context.Context, req Request) {
	release, err := s.Sessions.Admit()
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "SERVER_BUSY", "server busy")
		return
	}

	initCtx := ctx
	if s.SessionInitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, s.SessionInitTimeout)
		defer cancel()
	}

	id := newSessionID()
	entry := session.Entry{ID: id}
	// The handshake itself (building the InitializeResult below) is
	// synchronous, but the reserved in_flight slot must still be released
	// on the failure path if the deadline armed above has already passed
	// (e.g. the client's request context was canceled while its body was
	// still being read, before we got here).
	if initCtx.Err() != nil {
		s.Sessions.Abort(release, entry)
		writeJSONError(w, http.StatusGatewayTimeout, "TIMEOUT", "session initialization timed out")
		return
	}
	s.Sessions.Confirm(release, entry)

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      map[string]any{"name": s.Info.Name, "version": s.Info.Version},
		Capabilities:    map[string]any{"tools": map[string]any{}},
	}
	resp := resultResponse(req.ID, result)
	w.Header().Set("mcp-session-id", id)
	writeRPC(w, resp)
}

func (s *Server) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "GET /mcp requires Accept: text/event-stream")
		return
	}
	sessionID := r.Header.Get("mcp-session-id")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing mcp-session-id")
		return
	}
	if _, ok := s.Sessions.Get(sessionID); !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "unknown session")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	<-r.Context().Done()
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("mcp-session-id")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "missing mcp-session-id")
		return
	}
	if entry, ok := s.Sessions.Remove(sessionID); ok {
		if entry.Transport != nil {
			entry.Transport.Close()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var hashPattern = regexp.MustCompile(`^[0-9a-fA-F.]{8,64}$`)

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	hash := r.PathValue("hash")
	if namespace != "markdown" {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown namespace")
		return
	}
	if !hashPattern.MatchString(hash) {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed hash")
		return
	}
	if !s.CacheEnabled || s.Cache == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "CACHE_DISABLED", "cache is disabled")
		return
	}
	fp := cache.Fingerprint(namespace + ":" + hash)
	entry, ok := s.Cache.Get(fp)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "no cached artifact for this fingerprint")
		return
	}
	var artifact transform.Artifact
	if err := cache.Decode(entry, &artifact); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "cached artifact is corrupt")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(artifact.Markdown))
}

func (s *Server) authenticate(r *http.Request) (auth.AuthInfo, bool) {
	if s.Verifier == nil {
		return auth.AuthInfo{}, true
	}
	apiKey := ""
	if _, static := s.Verifier.(*auth.StaticVerifier); static {
		apiKey = r.Header.Get("X-API-Key")
	}
	token, ok := auth.ExtractBearer(r.Header.Get("Authorization"), apiKey)
	if !ok {
		return auth.AuthInfo{}, false
	}
	info, err := s.Verifier.Verify(r.Context(), token)
	if err != nil {
		return auth.AuthInfo{}, false
	}
	return info, true
}

func peekBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func isBatch(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func newSessionID() string {
	return uuid.NewString()
}

func requestID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return newSessionID()
	}
	return string(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRPC(w http.ResponseWriter, resp Response) {
	writeJSON(w, http.StatusOK, resp)
}

// writeJSONError writes the standard HTTP error shape:
// {error: {message, code, statusCode, details?}}.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message":    message,
			"code":       code,
			"statusCode": status,
		},
	})
}
