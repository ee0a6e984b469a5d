package shaper

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTruncate_UnderLimitUnchanged(t *testing.T) {
	out, truncated := Truncate("short", 100, 0)
	assert.Equal(t, "short", out)
	assert.False(t, truncated)
}

func TestTruncate_ZeroGlobalMeansUnlimited(t *testing.T) {
	content := strings.Repeat("a", 10000)
	out, truncated := Truncate(content, 0, 0)
	assert.Equal(t, content, out)
	assert.False(t, truncated)
}

func TestTruncate_PerCallOverridesGlobalWhenSmaller(t *testing.T) {
	content := strings.Repeat("a", 100)
	out, truncated := Truncate(content, 20, 1000)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(out), 20)
}

func TestTruncate_ZeroPerCallUsesGlobal(t *testing.T) {
	content := strings.Repeat("a", 100)
	out, truncated := Truncate(content, 0, 20)
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(out), 20)
}

func TestTruncate_ClosesOpenFence(t *testing.T) {
	content := "before\n```go\n" + strings.Repeat("x", 50) + "\nafter\n```\nmore text"
	out, truncated := Truncate(content, 30, 0)
	assert.True(t, truncated)
	// the fence must be closed before the marker: an odd number of
	// ``` delimiters outside of an escaped context signals breakage.
	assert.Equal(t, 2, strings.Count(out, "```"))
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
}

func TestTruncate_DoesNotCloseAlreadyClosedFence(t *testing.T) {
	// Cutoff lands well after the closing fence, so the fenced block is
	// fully contained in the visible window and needs no synthetic closer.
	content := "```go\ncode\n```\n" + strings.Repeat("tail ", 20)
	out, truncated := Truncate(content, 40, 0)
	assert.True(t, truncated)
	assert.Equal(t, 2, strings.Count(out, "```"))
}

func TestTruncate_AvoidsBisectingLink(t *testing.T) {
	content := "see [this long link text](https://example.com/some/long/path) for more"
	limit := strings.Index(content, "https://example.com/some") + 5
	out, truncated := Truncate(content, limit, 0)
	assert.True(t, truncated)
	assert.NotContains(t, out, "[this long link text](https")
	assert.False(t, strings.HasSuffix(strings.TrimSuffix(out, TruncationMarker), "["))
}

func TestTruncate_MarkerAppended(t *testing.T) {
	content := strings.Repeat("a", 100)
	out, truncated := Truncate(content, 10, 0)
	assert.True(t, truncated)
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
}

func TestTruncate_ClosedFenceEndsOnItsOwnLine(t *testing.T) {
	content := "# Title\n\n~~~\n" + strings.Repeat("a", 21000) + "\n~~~\n"
	out, truncated := Truncate(content, 20000, 0)
	assert.True(t, truncated)
	assert.True(t, strings.HasSuffix(out, "~~~\n"+TruncationMarker),
		"closing fence must sit on its own line before the marker, got tail %q", out[len(out)-40:])
	assert.False(t, strings.HasSuffix(out, "```\n"+TruncationMarker))
}

func TestShape_PopulatesReplyFields(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	reply := Shape("https://in.example/", "https://resolved.example/", "https://final.example/",
		"Title", "markdown body", map[string]string{"og:type": "article"}, true, now,
		BuildOptions{CacheResourceURI: "fetchmcp://markdown/abcd1234"})

	assert.Equal(t, "https://in.example/", reply.InputURL)
	assert.Equal(t, "https://resolved.example/", reply.ResolvedURL)
	assert.Equal(t, "https://final.example/", reply.FinalURL)
	assert.Equal(t, "fetchmcp://markdown/abcd1234", reply.CacheResourceURI)
	assert.Equal(t, "Title", reply.Title)
	assert.True(t, reply.FromCache)
	assert.Equal(t, len("markdown body"), reply.ContentSize)
	assert.False(t, reply.Truncated)
}
