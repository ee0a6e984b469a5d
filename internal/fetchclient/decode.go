package fetchclient

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/html/charset"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding token this
// decoder does not recognize.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// ErrUnsupportedContentType is returned when the Content-Type media type
// fails the textual gate.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// ErrBinaryContent is returned when the body matches a known binary
// signature, or carries a stray NUL in its first bytes.
var ErrBinaryContent = errors.New("binary content rejected")

// ErrContentTooLarge is returned when the response's declared or actual
// size exceeds the configured limit. Strict mode is this core's default
// (§4.7): oversized bodies fail rather than silently truncate.
var ErrContentTooLarge = errors.New("content exceeds size limit")

// peekSize is large enough to hold every signature this decoder checks plus
// the NUL-sniffing window.
const peekSize = 1000

// Decoded is the result of reading and decoding a response body.
type Decoded struct {
	Buffer    []byte
	Encoding  string
	Size      int
	Truncated bool
}

// ReadBuffer reads and decodes a response body: content-type gate,
// Content-Length check, content-encoding peel, size-bounded streaming,
// binary-signature rejection and charset resolution, in that fixed order.
func ReadBuffer(resp *Response, maxBytes int64, declaredEncoding string) (*Decoded, error) {
	defer resp.Body.Close()
	contentType := resp.Header.Get("Content-Type")
	if err := checkContentTypeGate(contentType); err != nil {
		return nil, err
	}

	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: content-length %d", ErrContentTooLarge, resp.ContentLength)
	}

	body, err := peelContentEncoding(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}

	buf, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeded %d bytes while streaming", ErrContentTooLarge, maxBytes)
	}

	if err := checkBinarySignature(buf); err != nil {
		return nil, err
	}

	enc := declaredEncoding
	if enc == "" {
		_, name, _ := charset.DetermineEncoding(buf, contentType)
		enc = name
	}
	if enc == "" {
		enc = "utf-8"
	}

	return &Decoded{Buffer: buf, Encoding: enc, Size: len(buf)}, nil
}

// ReadText is ReadBuffer followed by charset-aware transcoding to UTF-8
// text.
func ReadText(resp *Response, maxBytes int64, declaredEncoding string) (text string, size int, truncated bool, err error) {
	dec, err := ReadBuffer(resp, maxBytes, declaredEncoding)
	if err != nil {
		return "", 0, false, err
	}
	e, _, _ := charset.DetermineEncoding(dec.Buffer, resp.Header.Get("Content-Type"))
	r := e.NewDecoder().Reader(bytes.NewReader(dec.Buffer))
	out, err := io.ReadAll(r)
	if err != nil {
		// Decoding errors fall back to the raw bytes rather than failing
		// the whole fetch over a mislabeled charset.
		out = dec.Buffer
	}
	return string(out), dec.Size, dec.Truncated, nil
}

// checkContentTypeGate rejects a non-textual Content-Type. An absent
// header is allowed; presence of one demands a textual media type.
func checkContentTypeGate(contentType string) error {
	if contentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Unparseable Content-Type headers are common in the wild
		// (missing quotes, stray params); do not fail the fetch on a
		// header the server itself got wrong.
		return nil
	}
	if strings.HasPrefix(mediaType, "text/") {
		return nil
	}
	allowed := map[string]struct{}{
		"application/json":         {},
		"application/ld+json":      {},
		"application/xml":          {},
		"application/xhtml+xml":    {},
		"application/javascript":   {},
		"application/ecmascript":   {},
		"application/x-javascript": {},
		"application/yaml":         {},
		"application/x-yaml":       {},
		"application/markdown":     {},
	}
	if _, ok := allowed[mediaType]; ok {
		return nil
	}
	for _, suffix := range []string{"+json", "+xml", "+yaml", "+text", "+markdown"} {
		if strings.HasSuffix(mediaType, suffix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedContentType, mediaType)
}

// peelContentEncoding parses the Content-Encoding token list and chains
// decompressors in reverse list order. Before each gzip or deflate layer it
// peeks the first chunk to confirm the body actually carries that encoding,
// and treats the body as already decoded when it does not; a br layer is
// decoded without such a check.
func peelContentEncoding(body io.ReadCloser, header string) (io.Reader, error) {
	tokens := splitEncodingTokens(header)
	if len(tokens) == 0 {
		return body, nil
	}

	buffered := bufio.NewReaderSize(body, peekSize)
	var r io.Reader = buffered

	for i := len(tokens) - 1; i >= 0; i-- {
		peek, _ := buffered.Peek(peekSize)
		tok := tokens[i]
		switch tok {
		case "identity":
			continue
		case "gzip", "x-gzip":
			if !looksLikeGzip(peek) {
				return buffered, nil
			}
			gr, err := gzip.NewReader(buffered)
			if err != nil {
				return nil, fmt.Errorf("%w: gzip: %v", ErrUnsupportedEncoding, err)
			}
			r = gr
		case "deflate":
			if !looksLikeZlib(peek) {
				return buffered, nil
			}
			zr, err := zlib.NewReader(buffered)
			if err != nil {
				return nil, fmt.Errorf("%w: deflate: %v", ErrUnsupportedEncoding, err)
			}
			r = zr
		case "br":
			r = brotli.NewReader(buffered)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, tok)
		}
		buffered = bufio.NewReaderSize(r, peekSize)
		r = buffered
	}
	return r, nil
}

func splitEncodingTokens(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func looksLikeGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func looksLikeZlib(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	cmf, flg := b[0], b[1]
	if cmf&0x0f != 8 {
		return false
	}
	return (uint16(cmf)*256+uint16(flg))%31 == 0
}

// binarySignatures maps a magic prefix to the format name used in error
// messages.
var binarySignatures = []struct {
	name string
	sig  []byte
}{
	{"pdf", []byte("%PDF-")},
	{"png", []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}},
	{"gif", []byte("GIF8")},
	{"jpeg", []byte{0xff, 0xd8, 0xff}},
	{"riff", []byte("RIFF")},
	{"bmp", []byte("BM")},
	{"tiff-le", []byte{0x49, 0x49, 0x2a, 0x00}},
	{"tiff-be", []byte{0x4d, 0x4d, 0x00, 0x2a}},
	{"ico", []byte{0x00, 0x00, 0x01, 0x00}},
	{"zip", []byte("PK\x03\x04")},
	{"gzip", []byte{0x1f, 0x8b}},
	{"bz2", []byte("BZh")},
	{"rar", []byte("Rar!\x1a\x07")},
	{"7z", []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}},
	{"elf", []byte{0x7f, 'E', 'L', 'F'}},
	{"pe", []byte("MZ")},
	{"macho-32", []byte{0xfe, 0xed, 0xfa, 0xce}},
	{"macho-64", []byte{0xfe, 0xed, 0xfa, 0xcf}},
	{"wasm", []byte{0x00, 'a', 's', 'm'}},
	{"matroska", []byte{0x1a, 0x45, 0xdf, 0xa3}},
	{"flv", []byte("FLV")},
	{"id3", []byte("ID3")},
	{"mp3-sync", []byte{0xff, 0xfb}},
	{"ogg", []byte("OggS")},
	{"flac", []byte("fLaC")},
	{"midi", []byte("MThd")},
	{"woff", []byte("wOFF")},
	{"woff2", []byte("wOF2")},
	{"otf", []byte("OTTO")},
	{"sqlite", []byte("SQLite format 3\x00")},
}

// checkBinarySignature rejects a body matching a known binary file signature.
func checkBinarySignature(buf []byte) error {
	for _, s := range binarySignatures {
		if bytes.HasPrefix(buf, s.sig) {
			return fmt.Errorf("%w: %s signature", ErrBinaryContent, s.name)
		}
	}
	if bytes.HasPrefix(buf, []byte{0x00, 0x00, 0x00}) {
		// ftyp boxes (MP4/MOV/3GP) carry their box size first, so the
		// magic sits at offset 4 rather than 0.
		if len(buf) > 8 && bytes.Equal(buf[4:8], []byte("ftyp")) {
			return fmt.Errorf("%w: mp4 signature", ErrBinaryContent)
		}
	}
	if hasUTF16or32BOM(buf) {
		return nil
	}
	window := buf
	if len(window) > peekSize {
		window = window[:peekSize]
	}
	if bytes.IndexByte(window, 0x00) >= 0 {
		return fmt.Errorf("%w: embedded NUL byte", ErrBinaryContent)
	}
	return nil
}

// hasUTF16or32BOM reports whether buf opens with a UTF-16 or UTF-32 byte
// order mark; those encodings legitimately embed NUL bytes for ASCII-range
// code points, so the NUL-sniffing binary check does not apply to them.
func hasUTF16or32BOM(buf []byte) bool {
	switch {
	case bytes.HasPrefix(buf, []byte{0xff, 0xfe, 0x00, 0x00}):
		return true // UTF-32 LE
	case bytes.HasPrefix(buf, []byte{0x00, 0x00, 0xfe, 0xff}):
		return true // UTF-32 BE
	case bytes.HasPrefix(buf, []byte{0xff, 0xfe}):
		return true // UTF-16 LE
	case bytes.HasPrefix(buf, []byte{0xfe, 0xff}):
		return true // UTF-16 BE
	default:
		return false
	}
}

