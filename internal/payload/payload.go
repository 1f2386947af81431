// Package payload turns raw subscription bytes into classified text: it
// undoes base64 wrapping and decides whether the result is a structured
// manifest or a plain line list. The cascade never fails; at worst the raw
// bytes pass through as text and line-level scheme matching filters the rest.
package payload

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sub-aggregator-api/internal/protocol"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// Shape is the detected content shape of a decoded payload.
type Shape string

const (
	ShapeManifest   Shape = "structured-manifest"
	ShapePlainLines Shape = "plain-lines"
)

// Top-level keys whose presence on the opening line marks a node manifest.
var manifestKeyRe = regexp.MustCompile(`(?i)^(proxy-providers|proxies|proxy|rules)\s*:`)

// Classify inspects decoded text and reports its shape. For manifests the
// matched top-level key is returned so the extractor knows where to look.
// This is a textual heuristic on the first non-blank line, not a parse.
func Classify(text string) (Shape, string) {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := manifestKeyRe.FindStringSubmatch(trimmed); m != nil {
			return ShapeManifest, m[1]
		}
		return ShapePlainLines, ""
	}
	return ShapePlainLines, ""
}

// Decode recovers text from raw subscription bytes. The returned flag
// reports whether a base64 layer was removed.
//
// Payloads that already open with a recognized scheme prefix skip decoding
// entirely. Otherwise the whole trimmed payload is tried as base64 with
// padding repaired; any failure falls back to the bytes-as-text form.
func Decode(raw []byte) (string, bool) {
	text := decodeText(raw)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}
	if protocol.HasSchemePrefix(trimmed) {
		return text, false
	}

	decoded, err := decodeBlob(trimmed)
	if err != nil {
		return text, false
	}
	return decodeText(decoded), true
}

// decodeBlob strips interior whitespace and padding, then tries the
// URL-safe alphabet first (the common wrapping) and the standard one after.
func decodeBlob(s string) ([]byte, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			b.WriteByte(s[i])
		}
	}
	compact := strings.TrimRight(b.String(), "=")

	var lastErr error
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.RawStdEncoding} {
		out, err := enc.DecodeString(compact)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// decodeText converts bytes to a string, trying UTF-8, then GBK, then
// Latin-1. The last step cannot fail, so neither can this function.
func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	if out, err := simplifiedchinese.GBK.NewDecoder().Bytes(b); err == nil && utf8.Valid(out) {
		return string(out)
	}
	out, _ := charmap.ISO8859_1.NewDecoder().Bytes(b)
	return string(out)
}
