// Package protocol parses proxy node URIs and derives their deduplication
// identity. One pure parse function per scheme, selected via a prefix table.
package protocol

import (
	"errors"
	"strings"
)

// Scheme is the protocol tag of a proxy URI.
type Scheme string

const (
	SchemeSS        Scheme = "ss"
	SchemeSSR       Scheme = "ssr"
	SchemeVMess     Scheme = "vmess"
	SchemeVLESS     Scheme = "vless"
	SchemeTrojan    Scheme = "trojan"
	SchemeSnell     Scheme = "snell"
	SchemeHysteria  Scheme = "hysteria"
	SchemeHysteria2 Scheme = "hysteria2"
	SchemeTUIC      Scheme = "tuic"
	SchemeHTTP      Scheme = "http"
	SchemeHTTPS     Scheme = "https"
	SchemeSocks5    Scheme = "socks5"
	SchemeUnknown   Scheme = "unknown"
)

// Node is one parsed proxy endpoint descriptor.
type Node struct {
	Scheme Scheme
	// DedupKey is built only from identity-bearing fields. Two nodes with
	// equal DedupKey are the same node regardless of tag or formatting.
	DedupKey string
	// Raw is the exact representation emitted to output.
	Raw string
}

var (
	// ErrNotNode marks lines that are not node content at all (comments,
	// blanks, rule lines, unknown schemes). They are ignored silently.
	ErrNotNode = errors.New("not a node line")
	// ErrUnparseable marks lines that matched a scheme prefix but failed
	// that scheme's extraction rule. They are counted and dropped.
	ErrUnparseable = errors.New("unparseable node line")
)

type parseFunc func(line string) (Node, error)

// rules is ordered so that longer prefixes win over their own prefixes
// (hysteria2 before hysteria, https before http).
var rules = []struct {
	prefix string
	scheme Scheme
	parse  parseFunc
}{
	{"ss://", SchemeSS, parseSS},
	{"ssr://", SchemeSSR, parseSSR},
	{"vmess://", SchemeVMess, parseVMess},
	{"vless://", SchemeVLESS, parseVLESS},
	{"trojan://", SchemeTrojan, parseTrojan},
	{"snell://", SchemeSnell, parseSnell},
	{"hysteria2://", SchemeHysteria2, parseHysteria2},
	{"hy2://", SchemeHysteria2, parseHysteria2},
	{"hysteria://", SchemeHysteria, parseHysteria},
	{"tuic://", SchemeTUIC, parseTUIC},
	{"https://", SchemeHTTPS, parsePlainProxy},
	{"http://", SchemeHTTP, parsePlainProxy},
	{"socks5://", SchemeSocks5, parsePlainProxy},
}

// MatchScheme reports which recognized scheme a line starts with, if any.
// Prefix matching is case-insensitive; the line itself is left untouched.
func MatchScheme(line string) (Scheme, bool) {
	lower := strings.ToLower(line)
	for _, r := range rules {
		if strings.HasPrefix(lower, r.prefix) {
			return r.scheme, true
		}
	}
	return SchemeUnknown, false
}

// HasSchemePrefix reports whether the text begins with any recognized
// proxy URI scheme. Used by the payload cascade to skip base64 decoding.
func HasSchemePrefix(text string) bool {
	_, ok := MatchScheme(strings.TrimSpace(text))
	return ok
}

// ParseLine parses a single line into a Node.
//
// Returns ErrNotNode for blank lines, comments and lines without a
// recognized scheme prefix. Returns an error wrapping ErrUnparseable when
// the line matched a scheme but its extraction rule failed; the failed
// scheme is recoverable via errors.As on *UnparseableError.
func ParseLine(line string) (Node, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Node{}, ErrNotNode
	}

	lower := strings.ToLower(line)
	for _, r := range rules {
		if !strings.HasPrefix(lower, r.prefix) {
			continue
		}
		n, err := r.parse(line)
		if err != nil {
			return Node{}, &UnparseableError{Scheme: r.scheme, Cause: err}
		}
		n.Scheme = r.scheme
		n.Raw = line
		return n, nil
	}
	return Node{}, ErrNotNode
}

// UnparseableError carries the scheme a dropped line claimed to be.
type UnparseableError struct {
	Scheme Scheme
	Cause  error
}

func (e *UnparseableError) Error() string {
	return string(e.Scheme) + ": " + e.Cause.Error()
}

func (e *UnparseableError) Unwrap() error { return ErrUnparseable }
