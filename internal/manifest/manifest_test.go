package manifest

import (
	"strings"
	"testing"

	"github.com/sub-aggregator-api/internal/protocol"
)

func TestExtract_MixedEntries(t *testing.T) {
	doc := `
proxies:
  - name: jp-1
    type: trojan
    server: s.example
    port: 443
    password: p
  - name: ss-1
    type: ss
    server: 1.2.3.4
    port: 8388
    cipher: aes-256-gcm
    password: pw
  - "hysteria2://pw@h.example:443#inline"
  - name: broken
    type: trojan
    server: s2.example
    port: 443
`
	res, err := Extract(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 3 {
		t.Fatalf("nodes=%d, want=3", len(res.Nodes))
	}
	if res.SkippedEntries != 1 {
		t.Fatalf("skipped=%d, want=1", res.SkippedEntries)
	}

	if res.Nodes[0].Scheme != protocol.SchemeTrojan {
		t.Fatalf("scheme=%q, want=trojan", res.Nodes[0].Scheme)
	}
	if res.Nodes[0].DedupKey != "trojan://s.example:443" {
		t.Fatalf("key=%q, want=trojan://s.example:443", res.Nodes[0].DedupKey)
	}
	if !strings.HasPrefix(res.Nodes[0].Raw, "trojan://p@s.example:443") {
		t.Fatalf("raw=%q, want trojan://p@s.example:443 prefix", res.Nodes[0].Raw)
	}

	if res.Nodes[1].DedupKey != "ss://1.2.3.4:8388|aes-256-gcm:pw" {
		t.Fatalf("ss key=%q", res.Nodes[1].DedupKey)
	}
	if res.Nodes[2].Scheme != protocol.SchemeHysteria2 {
		t.Fatalf("inline scheme=%q, want=hysteria2", res.Nodes[2].Scheme)
	}
}

func TestExtract_VMessRoundTrips(t *testing.T) {
	doc := `
proxies:
  - name: vm-1
    type: vmess
    server: v.example
    port: 443
    uuid: uuid-9
    alterId: 0
    network: ws
    tls: true
    ws-opts:
      path: /ws
      headers:
        Host: cdn.example
`
	res, err := Extract(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 1 {
		t.Fatalf("nodes=%d, want=1", len(res.Nodes))
	}
	if res.Nodes[0].DedupKey != "vmess://uuid-9@v.example:443" {
		t.Fatalf("key=%q", res.Nodes[0].DedupKey)
	}
}

func TestExtract_AlternateTopLevelKeys(t *testing.T) {
	for _, key := range []string{"proxies", "Proxy", "proxy"} {
		doc := key + ":\n  - \"trojan://p@s.example:443\"\n"
		res, err := Extract(doc)
		if err != nil {
			t.Fatalf("key %s: unexpected error: %v", key, err)
		}
		if len(res.Nodes) != 1 {
			t.Fatalf("key %s: nodes=%d, want=1", key, len(res.Nodes))
		}
	}
}

func TestExtract_ProvidersRecognizedNotFetched(t *testing.T) {
	doc := `
proxy-providers:
  provider-a:
    type: http
    url: https://example.com/provider.yaml
  provider-b:
    type: file
    path: ./local.yaml
proxies:
  - "trojan://p@s.example:443"
`
	res, err := Extract(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Providers != 2 {
		t.Fatalf("providers=%d, want=2", res.Providers)
	}
	if len(res.Nodes) != 1 {
		t.Fatalf("nodes=%d, want=1", len(res.Nodes))
	}
}

func TestExtract_NodeListAbsent(t *testing.T) {
	res, err := Extract("rules:\n  - MATCH,DIRECT\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 0 {
		t.Fatalf("nodes=%d, want=0", len(res.Nodes))
	}
}

func TestExtract_NodeListNotAList(t *testing.T) {
	res, err := Extract("proxies: 3\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 0 {
		t.Fatalf("nodes=%d, want=0", len(res.Nodes))
	}
}

func TestExtract_InvalidYAML(t *testing.T) {
	if _, err := Extract("proxies: [unclosed\n\t"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestExtract_UnknownTypeSkipped(t *testing.T) {
	doc := `
proxies:
  - name: wg
    type: wireguard
    server: w.example
    port: 51820
`
	res, err := Extract(doc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Nodes) != 0 || res.SkippedEntries != 1 {
		t.Fatalf("nodes=%d skipped=%d, want 0/1", len(res.Nodes), res.SkippedEntries)
	}
}
