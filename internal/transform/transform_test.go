package transform

import (
	"context"
	"testing"

	"github.com/artyom/oembed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHTML = `<!DOCTYPE html>
<html><head>
<title>Plain Title</title>
<meta property="og:title" content="OG Title">
<meta property="og:site_name" content="Example Site">
<meta property="og:type" content="article">
<meta property="og:description" content="An example page">
</head>
<body>
<nav>skip this nav</nav>
<p>Hello, <strong>world</strong>.</p>
</body></html>`

func TestTransform_ExtractsOpenGraphTitleAndMetadata(t *testing.T) {
	art, err := Transform(context.Background(), []byte(sampleHTML), "utf-8", "https://example.com/page", Options{})
	require.NoError(t, err)
	assert.Equal(t, "OG Title", art.Title)
	assert.Equal(t, "Example Site", art.Metadata["og:site_name"])
	assert.Equal(t, "article", art.Metadata["og:type"])
	assert.Contains(t, art.Markdown, "Hello")
}

func TestTransform_FallsBackToTitleTag(t *testing.T) {
	html := `<html><head><title>Only Title</title></head><body><p>text</p></body></html>`
	art, err := Transform(context.Background(), []byte(html), "utf-8", "https://example.com/", Options{})
	require.NoError(t, err)
	assert.Equal(t, "Only Title", art.Title)
}

func TestTransform_StripsNoiseSelectors(t *testing.T) {
	art, err := Transform(context.Background(), []byte(sampleHTML), "utf-8", "https://example.com/", Options{
		NoiseExtraSelectors: []string{"nav"},
	})
	require.NoError(t, err)
	assert.NotContains(t, art.Markdown, "skip this nav")
}

func TestTransform_StripsNoiseTokens(t *testing.T) {
	html := `<html><body><p>keep this REMOVE_ME marker</p></body></html>`
	art, err := Transform(context.Background(), []byte(html), "utf-8", "https://example.com/", Options{
		NoiseExtraTokens: []string{"REMOVE_ME"},
	})
	require.NoError(t, err)
	assert.NotContains(t, art.Markdown, "REMOVE_ME")
}

func TestTransform_EmptyBodyErrors(t *testing.T) {
	_, err := Transform(context.Background(), nil, "utf-8", "https://example.com/", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestTransform_InvokesFetchOEmbedWhenDiscovered(t *testing.T) {
	html := `<html><head>
<link rel="alternate" type="application/json+oembed" href="https://example.com/oembed?url=x">
</head><body><p>text</p></body></html>`
	called := false
	art, err := Transform(context.Background(), []byte(html), "utf-8", "https://example.com/", Options{
		FetchOEmbed: func(ctx context.Context, endpoint string) (*oembed.Metadata, error) {
			called = true
			return &oembed.Metadata{Thumbnail: "https://example.com/thumb.jpg", Provider: "Example"}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "https://example.com/thumb.jpg", art.Metadata["oembed:thumbnail_url"])
	assert.Equal(t, "Example", art.Metadata["oembed:provider"])
}
