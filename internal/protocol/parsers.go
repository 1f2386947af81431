package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Loose host:port matcher for payloads that are not well-formed URLs.
var hostPortRe = regexp.MustCompile(`([\w.-]+):(\d{1,5})`)

func stripScheme(line string) string {
	if idx := strings.Index(line, "://"); idx >= 0 {
		return line[idx+3:]
	}
	return line
}

func cutFragment(s string) string {
	if idx := strings.IndexByte(s, '#'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func validPort(s string) bool {
	p, err := strconv.Atoi(s)
	return err == nil && p >= 1 && p <= 65535
}

// decodeB64 accepts standard and URL-safe alphabets, padded or not.
// Padding is stripped and the raw codecs used, which makes missing or
// truncated padding a non-issue.
func decodeB64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	var lastErr error
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func decodeB64Text(s string) (string, error) {
	b, err := decodeB64(s)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("decoded payload is not valid utf-8")
	}
	return string(b), nil
}

// parseSS handles both SIP002 (userinfo@host:port) and the legacy fully
// base64-encoded form, falling back to loose host:port extraction when the
// credential part cannot be decoded.
func parseSS(line string) (Node, error) {
	body := cutFragment(stripScheme(line))
	if idx := strings.IndexByte(body, '?'); idx >= 0 {
		body = body[:idx]
	}
	body = strings.TrimSuffix(body, "/")
	if body == "" {
		return Node{}, errors.New("empty ss payload")
	}

	var credPart, hostPart string
	if at := strings.LastIndexByte(body, '@'); at >= 0 {
		credPart, hostPart = body[:at], body[at+1:]
	} else {
		// Legacy form: the whole payload is base64 of either a JSON object
		// or "cipher:password@host:port".
		decoded, err := decodeB64Text(body)
		if err != nil {
			// Not base64 either; last resort is a bare host:port tail.
			hostPart = body
		} else if strings.HasPrefix(strings.TrimSpace(decoded), "{") {
			return parseSSJSON(decoded)
		} else if at := strings.LastIndexByte(decoded, '@'); at >= 0 {
			credPart, hostPart = decoded[:at], decoded[at+1:]
			// credentials are already plain text here
			if server, port, ok := extractHostPort(hostPart); ok {
				return ssNode(server, port, credPart), nil
			}
			return Node{}, errors.New("no host:port in decoded ss payload")
		} else {
			hostPart = decoded
		}
	}

	server, port, ok := extractHostPort(hostPart)
	if !ok {
		return Node{}, errors.New("no host:port in ss payload")
	}

	cred := ""
	if credPart != "" {
		if decoded, err := decodeB64Text(credPart); err == nil && strings.Contains(decoded, ":") {
			cred = decoded
		} else if unescaped, err := url.PathUnescape(credPart); err == nil && strings.Contains(unescaped, ":") {
			cred = unescaped
		}
	}
	return ssNode(server, port, cred), nil
}

func parseSSJSON(doc string) (Node, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(doc), &obj); err != nil {
		return Node{}, fmt.Errorf("ss json: %w", err)
	}
	server := jsonString(obj, "server")
	port := jsonString(obj, "server_port")
	if port == "" {
		port = jsonString(obj, "port")
	}
	if server == "" || !validPort(port) {
		return Node{}, errors.New("ss json missing server or port")
	}
	cred := ""
	if m, p := jsonString(obj, "method"), jsonString(obj, "password"); m != "" && p != "" {
		cred = m + ":" + p
	}
	return ssNode(server, port, cred), nil
}

func ssNode(server, port, cred string) Node {
	key := "ss://" + net.JoinHostPort(server, port)
	if c, p, ok := strings.Cut(cred, ":"); ok && c != "" && p != "" {
		key += "|" + c + ":" + p
	}
	return Node{DedupKey: key}
}

func extractHostPort(s string) (server, port string, ok bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/")
	if host, p, err := net.SplitHostPort(s); err == nil && host != "" && validPort(p) {
		return host, p, true
	}
	m := hostPortRe.FindStringSubmatch(s)
	if m == nil || !validPort(m[2]) {
		return "", "", false
	}
	return m[1], m[2], true
}

// parseVMess decodes the base64 JSON payload; add, port and id are all
// required for identity.
func parseVMess(line string) (Node, error) {
	body := cutFragment(stripScheme(line))
	decoded, err := decodeB64(body)
	if err != nil {
		return Node{}, fmt.Errorf("vmess base64: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(decoded, &obj); err != nil {
		return Node{}, fmt.Errorf("vmess json: %w", err)
	}

	server := jsonString(obj, "add")
	port := jsonString(obj, "port")
	id := jsonString(obj, "id")
	if server == "" || id == "" || !validPort(port) {
		return Node{}, errors.New("vmess json missing add, port or id")
	}

	return Node{DedupKey: fmt.Sprintf("vmess://%s@%s", id, net.JoinHostPort(server, port))}, nil
}

// parseTrojan keys on endpoint only; the password is carried in userinfo
// but does not define a distinct node.
func parseTrojan(line string) (Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Node{}, fmt.Errorf("trojan uri: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" || !validPort(port) {
		return Node{}, errors.New("trojan uri missing host or port")
	}
	return Node{DedupKey: "trojan://" + net.JoinHostPort(host, port)}, nil
}

// parseVLESS includes security and transport type in the key: the same
// endpoint over tls vs reality, or ws vs grpc, is a distinct node.
func parseVLESS(line string) (Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Node{}, fmt.Errorf("vless uri: %w", err)
	}
	uuid := u.User.Username()
	host, port := u.Hostname(), u.Port()
	if uuid == "" || host == "" || !validPort(port) {
		return Node{}, errors.New("vless uri missing uuid, host or port")
	}
	q := u.Query()
	key := fmt.Sprintf("vless://%s@%s?security=%s&type=%s",
		uuid, net.JoinHostPort(host, port), q.Get("security"), q.Get("type"))
	return Node{DedupKey: key}, nil
}

// parseSSR decodes the base64 colon-separated record
// server:port:protocol:method:obfs:b64(password)[/?params].
func parseSSR(line string) (Node, error) {
	body := cutFragment(stripScheme(line))
	decoded, err := decodeB64Text(body)
	if err != nil {
		return Node{}, fmt.Errorf("ssr base64: %w", err)
	}
	if idx := strings.Index(decoded, "/?"); idx >= 0 {
		decoded = decoded[:idx]
	}
	parts := strings.Split(decoded, ":")
	if len(parts) < 5 {
		return Node{}, errors.New("ssr record has fewer than 5 fields")
	}
	server, port := parts[0], parts[1]
	if server == "" || !validPort(port) {
		return Node{}, errors.New("ssr record missing server or port")
	}
	return Node{DedupKey: "ssr://" + net.JoinHostPort(server, port)}, nil
}

func parseSnell(line string) (Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Node{}, fmt.Errorf("snell uri: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	psk := u.Query().Get("psk")
	if host == "" || !validPort(port) || psk == "" {
		return Node{}, errors.New("snell uri missing host, port or psk")
	}
	return Node{DedupKey: fmt.Sprintf("snell://%s?psk=%s", net.JoinHostPort(host, port), psk)}, nil
}

func parseHysteria(line string) (Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Node{}, fmt.Errorf("hysteria uri: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	auth := u.Query().Get("auth")
	if host == "" || !validPort(port) || auth == "" {
		return Node{}, errors.New("hysteria uri missing host, port or auth")
	}
	return Node{DedupKey: fmt.Sprintf("hysteria://%s?auth=%s", net.JoinHostPort(host, port), auth)}, nil
}

// parseHysteria2 also accepts the hy2:// alias; the password travels as
// percent-encoded userinfo.
func parseHysteria2(line string) (Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Node{}, fmt.Errorf("hysteria2 uri: %w", err)
	}
	password := u.User.Username()
	host, port := u.Hostname(), u.Port()
	if password == "" || host == "" || !validPort(port) {
		return Node{}, errors.New("hysteria2 uri missing password, host or port")
	}
	key := fmt.Sprintf("hysteria2://%s@%s", password, net.JoinHostPort(host, port))
	return Node{DedupKey: key}, nil
}

func parseTUIC(line string) (Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Node{}, fmt.Errorf("tuic uri: %w", err)
	}
	uuid := u.User.Username()
	password, hasPassword := u.User.Password()
	host, port := u.Hostname(), u.Port()
	if uuid == "" || !hasPassword || password == "" || host == "" || !validPort(port) {
		return Node{}, errors.New("tuic uri missing uuid, password, host or port")
	}
	key := fmt.Sprintf("tuic://%s:%s@%s", uuid, password, net.JoinHostPort(host, port))
	return Node{DedupKey: key}, nil
}

// parsePlainProxy covers http, https and socks5 forwarders. Userinfo is
// part of the identity when both user and password are present.
func parsePlainProxy(line string) (Node, error) {
	u, err := url.Parse(line)
	if err != nil {
		return Node{}, fmt.Errorf("proxy uri: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" || !validPort(port) {
		return Node{}, errors.New("proxy uri missing host or port")
	}
	key := strings.ToLower(u.Scheme) + "://" + net.JoinHostPort(host, port)
	if password, ok := u.User.Password(); ok && u.User.Username() != "" {
		key += "@" + u.User.Username() + ":" + password
	}
	return Node{DedupKey: key}, nil
}

func jsonString(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.Itoa(int(v))
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}
