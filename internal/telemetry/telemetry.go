// Package telemetry implements a fetch telemetry sink: start/end/error
// events carrying request ids, published on a single named channel with a
// slow-request warning. A typed event is published to subscribers, with
// logging as one subscriber.
package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/safefetch/fetchmcp/internal/logging"
)

// EventType distinguishes the three event shapes this package emits.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// SlowRequestThreshold is the duration past which an End event triggers a
// slow-request warning log line.
const SlowRequestThreshold = 5 * time.Second

// Event is the wire shape of a single telemetry emission.
type Event struct {
	V         int       `json:"v"`
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id"`

	// start fields
	Method      string `json:"method,omitempty"`
	RedactedURL string `json:"redacted_url,omitempty"`

	// end fields
	Status     int           `json:"status,omitempty"`
	DurationMS int64         `json:"duration_ms,omitempty"`
	Duration   time.Duration `json:"-"`

	// error fields
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Context is the immutable-after-start bookkeeping for one in-flight
// fetch.
type Context struct {
	RequestID   string
	StartTime   time.Time
	Method      string
	redactedURL string
	urlUpdated  bool

	mu sync.Mutex
}

// Subscriber receives every emitted Event. Emission never blocks on, or
// raises into the request path because of, a misbehaving subscriber:
// Sink.emit recovers panics and ignores them.
type Subscriber func(Event)

// Sink is the single named channel events are published on.
type Sink struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	secrets     map[string]struct{}
	log         logging.Logger
}

// New builds a Sink. secretQueryParams names query parameter keys stripped
// by Redact (case-insensitive).
func New(log logging.Logger, secretQueryParams []string) *Sink {
	s := &Sink{secrets: make(map[string]struct{}), log: log}
	for _, p := range secretQueryParams {
		s.secrets[strings.ToLower(p)] = struct{}{}
	}
	if log != nil {
		s.Subscribe(s.logSubscriber)
	}
	return s
}

// Subscribe registers a subscriber invoked on every subsequent Emit.
func (s *Sink) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// Start begins a request's telemetry context and emits a start event.
func (s *Sink) Start(requestID, method, rawURL string) *Context {
	ctx := &Context{
		RequestID:   requestID,
		StartTime:   time.Now(),
		Method:      method,
		redactedURL: s.Redact(rawURL),
	}
	s.emit(Event{
		V:           1,
		Type:        EventStart,
		RequestID:   requestID,
		Method:      method,
		RedactedURL: ctx.redactedURL,
	})
	return ctx
}

// UpdateURL updates the context's redacted URL exactly once, for when the
// final post-redirect URL becomes known.
func (c *Context) UpdateURL(rawURL string, redact func(string) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.urlUpdated {
		return
	}
	c.urlUpdated = true
	c.redactedURL = redact(rawURL)
}

// End emits a terminal "end" event for ctx and, if the request ran longer
// than SlowRequestThreshold, a slow-request warning.
func (s *Sink) End(ctx *Context, status int) {
	d := time.Since(ctx.StartTime)
	s.emit(Event{
		V:          1,
		Type:       EventEnd,
		RequestID:  ctx.RequestID,
		Status:     status,
		DurationMS: d.Milliseconds(),
		Duration:   d,
	})
	if d > SlowRequestThreshold && s.log != nil {
		s.log.Warn("slow request", "request_id", ctx.RequestID, "duration", d, "status", status)
	}
}

// Error emits an "error" event for ctx.
func (s *Sink) Error(ctx *Context, message, code string, status int) {
	d := time.Since(ctx.StartTime)
	s.emit(Event{
		V:          1,
		Type:       EventError,
		RequestID:  ctx.RequestID,
		Message:    message,
		Code:       code,
		Status:     status,
		DurationMS: d.Milliseconds(),
		Duration:   d,
	})
}

// emit fans Event out to every subscriber; a panicking subscriber never
// propagates into the request path. Publish failures are swallowed.
func (s *Sink) emit(e Event) {
	s.mu.RLock()
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.RUnlock()
	for _, sub := range subs {
		safeCall(sub, e)
	}
}

func safeCall(sub Subscriber, e Event) {
	defer func() { recover() }()
	sub(e)
}

func (s *Sink) logSubscriber(e Event) {
	switch e.Type {
	case EventStart:
		s.log.Debug("fetch start", "request_id", e.RequestID, "method", e.Method, "url", e.RedactedURL)
	case EventEnd:
		s.log.Debug("fetch end", "request_id", e.RequestID, "status", e.Status, "duration_ms", e.DurationMS)
	case EventError:
		s.log.Error("fetch error", "request_id", e.RequestID, "message", e.Message, "code", e.Code, "status", e.Status)
	}
}

// Redact strips userinfo and secret-named query parameters from rawURL.
// Malformed URLs are returned as a fixed placeholder so a redaction
// failure never leaks the original string.
func (s *Sink) Redact(rawURL string) string {
	return redact(rawURL, s.secrets)
}
