// Package manifest extracts proxy nodes from structured (Clash-style)
// subscription documents and renders them back to normalized URI form.
package manifest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sub-aggregator-api/internal/protocol"
	"gopkg.in/yaml.v3"
)

// Result is the outcome of walking one manifest.
type Result struct {
	Nodes []protocol.Node
	// SkippedEntries counts map entries dropped for missing required fields.
	SkippedEntries int
	// Providers counts node-provider references recognized but not fetched.
	Providers int
	// Unparseable counts bare-string entries that matched a scheme prefix
	// but failed its parse rule.
	Unparseable int
}

// Candidate top-level keys holding the node list, checked in order.
var nodeListKeys = []string{"proxies", "Proxy", "proxy"}

// Extract parses the document and walks its node list. A manifest whose
// node-list key is absent or not a list yields an empty Result and no
// error; the caller then falls through to plain-line parsing.
func Extract(text string) (Result, error) {
	var root map[string]any
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return Result{}, fmt.Errorf("manifest parse: %w", err)
	}

	var res Result
	res.Providers = countProviders(root)

	entries := findNodeList(root)
	if entries == nil {
		return res, nil
	}

	for _, entry := range entries {
		switch e := entry.(type) {
		case map[string]any:
			uri := buildURI(e)
			if uri == "" {
				res.SkippedEntries++
				continue
			}
			node, err := protocol.ParseLine(uri)
			if err != nil {
				res.SkippedEntries++
				continue
			}
			res.Nodes = append(res.Nodes, node)
		case string:
			node, err := protocol.ParseLine(e)
			if err != nil {
				if errors.Is(err, protocol.ErrUnparseable) {
					res.Unparseable++
				}
				continue
			}
			res.Nodes = append(res.Nodes, node)
		}
	}
	return res, nil
}

func findNodeList(root map[string]any) []any {
	for _, key := range nodeListKeys {
		if v, ok := root[key]; ok {
			if list, ok := v.([]any); ok {
				return list
			}
		}
	}
	return nil
}

// countProviders recognizes external node-provider collections so they are
// not mistaken for node entries. They are never dereferenced here; that
// would recurse the whole subscription fetch.
func countProviders(root map[string]any) int {
	v, ok := root["proxy-providers"]
	if !ok {
		return 0
	}
	if m, ok := v.(map[string]any); ok {
		return len(m)
	}
	return 0
}

// buildURI renders one manifest map entry to its normalized URI form.
// Entries missing required identity fields render to "" and are skipped;
// one bad entry never aborts extraction.
func buildURI(entry map[string]any) string {
	server := getString(entry, "server")
	port := getString(entry, "port")
	if server == "" || port == "" {
		return ""
	}
	hostPort := net.JoinHostPort(server, port)
	name := url.QueryEscape(getString(entry, "name"))

	switch strings.ToLower(getString(entry, "type")) {
	case "ss":
		cipher := getString(entry, "cipher")
		password := getString(entry, "password")
		if cipher == "" || password == "" {
			return ""
		}
		auth := base64.RawURLEncoding.EncodeToString([]byte(cipher + ":" + password))
		return "ss://" + auth + "@" + hostPort + "#" + name

	case "vmess":
		uuid := getString(entry, "uuid")
		if uuid == "" {
			return ""
		}
		doc := map[string]string{
			"v":    "2",
			"ps":   name,
			"add":  server,
			"port": port,
			"id":   uuid,
			"aid":  getStringDefault(entry, "alterId", "0"),
			"net":  getStringDefault(entry, "network", "tcp"),
			"host": wsHost(entry),
			"path": wsPath(entry),
			"tls":  tlsFlag(entry),
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return ""
		}
		return "vmess://" + base64.RawURLEncoding.EncodeToString(raw)

	case "trojan":
		password := getString(entry, "password")
		if password == "" {
			return ""
		}
		uri := "trojan://" + password + "@" + hostPort
		if sni := getString(entry, "sni"); sni != "" {
			uri += "?sni=" + url.QueryEscape(sni)
		}
		return uri + "#" + name

	case "vless":
		uuid := getString(entry, "uuid")
		if uuid == "" {
			return ""
		}
		q := url.Values{}
		q.Set("type", getStringDefault(entry, "network", "tcp"))
		if tlsFlag(entry) == "tls" {
			q.Set("security", "tls")
		}
		if h := wsHost(entry); h != "" {
			q.Set("host", h)
		}
		if p := wsPath(entry); p != "" {
			q.Set("path", p)
		}
		return "vless://" + uuid + "@" + hostPort + "?" + q.Encode() + "#" + name

	case "snell":
		psk := getString(entry, "psk")
		if psk == "" {
			return ""
		}
		return "snell://" + hostPort + "?psk=" + url.QueryEscape(psk) + "#" + name

	case "hysteria":
		auth := getString(entry, "auth-str")
		if auth == "" {
			auth = getString(entry, "auth_str")
		}
		if auth == "" {
			auth = getString(entry, "password")
		}
		if auth == "" {
			return ""
		}
		return "hysteria://" + hostPort + "?auth=" + url.QueryEscape(auth) + "#" + name

	case "hysteria2":
		password := getString(entry, "password")
		if password == "" {
			return ""
		}
		return "hysteria2://" + url.QueryEscape(password) + "@" + hostPort + "#" + name

	case "tuic":
		uuid := getString(entry, "uuid")
		password := getString(entry, "password")
		if uuid == "" || password == "" {
			return ""
		}
		return "tuic://" + uuid + ":" + password + "@" + hostPort + "#" + name

	case "http", "https", "socks5":
		scheme := strings.ToLower(getString(entry, "type"))
		user := getString(entry, "username")
		pass := getString(entry, "password")
		if user != "" && pass != "" {
			return scheme + "://" + url.QueryEscape(user) + ":" + url.QueryEscape(pass) + "@" + hostPort + "#" + name
		}
		return scheme + "://" + hostPort + "#" + name
	}
	return ""
}

func getString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func getStringDefault(m map[string]any, key, def string) string {
	if s := getString(m, key); s != "" {
		return s
	}
	return def
}

func tlsFlag(m map[string]any) string {
	switch v := m["tls"].(type) {
	case bool:
		if v {
			return "tls"
		}
	case string:
		if v == "true" || v == "tls" || v == "1" {
			return "tls"
		}
	}
	return ""
}

func wsHost(m map[string]any) string {
	if opts, ok := m["ws-opts"].(map[string]any); ok {
		if headers, ok := opts["headers"].(map[string]any); ok {
			return getString(headers, "Host")
		}
	}
	if headers, ok := m["ws-headers"].(map[string]any); ok {
		return getString(headers, "Host")
	}
	return ""
}

func wsPath(m map[string]any) string {
	if opts, ok := m["ws-opts"].(map[string]any); ok {
		return getString(opts, "path")
	}
	return getString(m, "ws-path")
}
