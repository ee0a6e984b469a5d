// Package shaper implements fence-aware, link-aware Markdown truncation
// and the structured reply envelope returned to MCP clients, scanning
// content byte by byte rather than reaching for a full Markdown parser.
package shaper

import (
	"strings"
	"time"
)

// TruncationMarker is appended whenever content is cut short.
const TruncationMarker = "...[truncated]"

// Truncate applies a truncation policy. perCall and global are byte
// limits; 0 for perCall means "use global", 0 for global means unlimited.
func Truncate(content string, perCall, global int) (out string, truncated bool) {
	limit := effectiveLimit(perCall, global)
	if limit <= 0 || len(content) <= limit {
		return content, false
	}

	cutoff := limit - len(TruncationMarker)
	if cutoff < 0 {
		cutoff = 0
	}
	if cutoff > len(content) {
		cutoff = len(content)
	}

	var closer string
	cutoff, closer = closeOpenFence(content, cutoff)
	if linkCutoff := avoidBisectingLink(content, cutoff); linkCutoff < cutoff {
		// The link check moved the boundary earlier than the fence
		// closer's insertion point; re-scan at the new boundary so a fence
		// still open there is closed, and none is added otherwise.
		cutoff, closer = closeOpenFence(content, linkCutoff)
	}

	return content[:cutoff] + closer + TruncationMarker, true
}

func effectiveLimit(perCall, global int) int {
	switch {
	case perCall <= 0 && global <= 0:
		return 0 // unlimited
	case perCall <= 0:
		return global
	case global <= 0:
		return perCall
	case perCall < global:
		return perCall
	default:
		return global
	}
}

// closeOpenFence scans content[0:cutoff] for fenced code blocks (line-leading runs of ` ``` ` or `~~~`, length >= 3),
// tracking a single-entry stack. If the fence is still open at cutoff, this
// reduces cutoff to make room for a matching closer and returns that closer
// text for the caller to splice back in before the marker.
func closeOpenFence(content string, cutoff int) (newCutoff int, closer string) {
	type fence struct {
		ch  byte
		len int
	}
	var open *fence

	lineStart := 0
	for lineStart < cutoff {
		lineEnd := strings.IndexByte(content[lineStart:], '\n')
		var line string
		if lineEnd < 0 {
			line = content[lineStart:cutoff]
		} else {
			end := lineStart + lineEnd
			if end > cutoff {
				end = cutoff
			}
			line = content[lineStart:end]
		}
		trimmed := strings.TrimLeft(line, " \t")
		if ch, n := fenceRun(trimmed); n >= 3 {
			switch {
			case open == nil:
				open = &fence{ch: ch, len: n}
			case ch == open.ch && n >= open.len:
				open = nil
			}
		}
		if lineEnd < 0 {
			break
		}
		lineStart += lineEnd + 1
	}

	if open == nil {
		return cutoff, ""
	}
	closer = "\n" + strings.Repeat(string(open.ch), open.len) + "\n"
	newCutoff = cutoff - len(closer)
	if newCutoff < 0 {
		newCutoff = 0
	}
	return newCutoff, closer
}

func fenceRun(line string) (byte, int) {
	if line == "" {
		return 0, 0
	}
	ch := line[0]
	if ch != '`' && ch != '~' {
		return 0, 0
	}
	n := 0
	for n < len(line) && line[n] == ch {
		n++
	}
	return ch, n
}

// avoidBisectingLink: if cutoff falls inside a Markdown link or image span starting before cutoff and whose closing `)`
// would land at or after cutoff, move cutoff back to just before the
// opening `[` or `![`.
func avoidBisectingLink(content string, cutoff int) int {
	searchFrom := 0
	if cutoff > 200 {
		searchFrom = cutoff - 200 // links are never pathologically long in practice
	}
	window := content[searchFrom:cutoff]
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] != '[' {
			continue
		}
		start := searchFrom + i
		if start > 0 && content[start-1] == '!' {
			start--
		}
		closeParen := strings.IndexByte(content[start:], ')')
		if closeParen < 0 {
			continue
		}
		absoluteClose := start + closeParen
		if absoluteClose >= cutoff && start < cutoff {
			return start
		}
	}
	return cutoff
}

// Reply is the structured envelope returned to MCP clients.
type Reply struct {
	URL              string            `json:"url"`
	ResolvedURL      string            `json:"resolved_url"`
	FinalURL         string            `json:"final_url,omitempty"`
	CacheResourceURI string            `json:"cache_resource_uri,omitempty"`
	InputURL         string            `json:"input_url"`
	Title            string            `json:"title,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Markdown         string            `json:"markdown"`
	FromCache        bool              `json:"from_cache"`
	FetchedAt        time.Time         `json:"fetched_at"`
	ContentSize      int               `json:"content_size"`
	Truncated        bool              `json:"truncated,omitempty"`
}

// BuildOptions supplies the per-call truncation limit and the resources
// Shape needs to fill in optional reply fields.
type BuildOptions struct {
	InlineLimit      int
	GlobalLimit      int
	CacheResourceURI string // set only when the artifact is cached
}

// Shape builds the Reply for a single fetch result, applying the
// truncation policy to markdown and recording its pre-truncation size.
func Shape(inputURL, resolvedURL, finalURL, title, markdown string, metadata map[string]string, fromCache bool, fetchedAt time.Time, opts BuildOptions) Reply {
	size := len(markdown)
	truncatedMarkdown, truncated := Truncate(markdown, opts.InlineLimit, opts.GlobalLimit)
	return Reply{
		URL:              resolvedURL,
		ResolvedURL:      resolvedURL,
		FinalURL:         finalURL,
		CacheResourceURI: opts.CacheResourceURI,
		InputURL:         inputURL,
		Title:            title,
		Metadata:         metadata,
		Markdown:         truncatedMarkdown,
		FromCache:        fromCache,
		FetchedAt:        fetchedAt,
		ContentSize:      size,
		Truncated:        truncated,
	}
}
