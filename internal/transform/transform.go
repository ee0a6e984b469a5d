// Package transform implements the default transform the fetch pipeline
// applies to a fetched body: HTML parsing, metadata extraction (OpenGraph
// + oEmbed discovery) and a Markdown rendering of the page body, as a
// single pure function of (bytes, encoding, url).
package transform

import (
	"bytes"
	"context"
	"errors"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/artyom/oembed"
	"github.com/dyatlov/go-opengraph/opengraph"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/htmlindex"
)

// Artifact is the shaped result of a transform, cached and returned to
// callers of the fetch pipeline.
type Artifact struct {
	Markdown  string
	Title     string
	Metadata  map[string]string
	Truncated bool
}

// Options configures a Transform call. FetchOEmbed is an optional
// capability, supplied by a caller that has network access, used to resolve
// a discovered oEmbed endpoint into metadata; when it is nil only the
// endpoint URL is recorded. Transform itself never performs I/O.
type Options struct {
	NoiseExtraTokens    []string
	NoiseExtraSelectors []string
	FetchOEmbed         func(ctx context.Context, endpointURL string) (*oembed.Metadata, error)
}

// ErrEmptyBody is returned when there is nothing to transform.
var ErrEmptyBody = errors.New("transform: empty body")

// Transform decodes raw into UTF-8 text using encoding, then extracts
// metadata and renders Markdown from it.
func Transform(ctx context.Context, raw []byte, encoding, pageURL string, opts Options) (Artifact, error) {
	if len(raw) == 0 {
		return Artifact{}, ErrEmptyBody
	}

	htmlText, err := decodeToUTF8(raw, encoding)
	if err != nil {
		return Artifact{}, err
	}

	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return Artifact{}, err
	}

	stripNoiseSelectors(doc, opts.NoiseExtraSelectors)

	meta := map[string]string{}

	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(strings.NewReader(renderNode(doc))); err == nil {
		if og.SiteName != "" {
			meta["og:site_name"] = og.SiteName
		}
		if og.Type != "" {
			meta["og:type"] = og.Type
		}
		if og.Description != "" {
			meta["og:description"] = og.Description
		}
		if len(og.Images) > 0 && og.Images[0] != nil {
			meta["og:image"] = og.Images[0].URL
		}
	}

	if endpoint, found, err := oembed.Discover(strings.NewReader(renderNode(doc))); err == nil && found {
		meta["oembed:endpoint"] = endpoint
		if opts.FetchOEmbed != nil {
			if info, err := opts.FetchOEmbed(ctx, endpoint); err == nil && info != nil {
				if info.Thumbnail != "" {
					meta["oembed:thumbnail_url"] = info.Thumbnail
				}
				if info.Provider != "" {
					meta["oembed:provider"] = info.Provider
				}
			}
		}
	}

	title := og.Title
	if title == "" {
		title = findTitle(doc)
	}

	convOpts := []converter.ConvertOptionFunc{}
	if pageURL != "" {
		if domain := originOf(pageURL); domain != "" {
			convOpts = append(convOpts, converter.WithDomain(domain))
		}
	}
	markdown, err := htmltomarkdown.ConvertString(renderNode(doc), convOpts...)
	if err != nil {
		return Artifact{}, err
	}
	markdown = stripNoiseTokens(markdown, opts.NoiseExtraTokens)

	return Artifact{
		Markdown: markdown,
		Title:    title,
		Metadata: meta,
	}, nil
}

// decodeToUTF8 transcodes raw using the named encoding, falling back to the
// raw bytes verbatim for unrecognized labels (default is always utf-8).
func decodeToUTF8(raw []byte, encoding string) (string, error) {
	if encoding == "" || strings.EqualFold(encoding, "utf-8") {
		return string(raw), nil
	}
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return string(raw), nil
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw), nil
	}
	return string(out), nil
}

// findTitle walks the parsed tree for the first <title> text node, grounded
// on html_meta_parser.go's findTitle (which tokenizes raw bytes; this walks
// the already-parsed tree since Transform parses once and reuses doc for
// every extraction stage).
func findTitle(doc *html.Node) string {
	var found string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				found = n.FirstChild.Data
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return found
}

// stripNoiseSelectors removes element subtrees whose tag name matches one of
// selectors (a flat list of bare tag names, e.g. "nav", "footer") before
// Markdown conversion, so operator-configured boilerplate never reaches the
// artifact.
func stripNoiseSelectors(doc *html.Node, selectors []string) {
	if len(selectors) == 0 {
		return
	}
	set := make(map[string]struct{}, len(selectors))
	for _, s := range selectors {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		var next *html.Node
		for c := n.FirstChild; c != nil; c = next {
			next = c.NextSibling
			if c.Type == html.ElementNode {
				if _, match := set[strings.ToLower(c.Data)]; match {
					n.RemoveChild(c)
					continue
				}
			}
			walk(c)
		}
	}
	walk(doc)
}

// stripNoiseTokens removes literal substrings from the rendered markdown.
func stripNoiseTokens(markdown string, tokens []string) string {
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		markdown = strings.ReplaceAll(markdown, tok, "")
	}
	return markdown
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

func originOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rawURL[:idx+3] + rest
}
