package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		NodeID:    "node-123",
		NodeName:  "File Server",
		Port:      12345,
		ChunkSize: 1024,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}
	broadcaster.Stop()

	if gotInstance != "File Server" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 12345 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "node_id=node-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "chunk_size=1024")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		t.Fatal("register must not be called for invalid config")
		return nil, nil
	}
	cases := []Config{
		{NodeName: "x", Port: 1, ChunkSize: 1, registerFn: register},
		{NodeID: "x", Port: 1, ChunkSize: 1, registerFn: register},
		{NodeID: "x", NodeName: "x", ChunkSize: 1, registerFn: register},
		{NodeID: "x", NodeName: "x", Port: 1, registerFn: register},
	}
	for i, cfg := range cases {
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestStartBroadcasterWrapsRegisterError(t *testing.T) {
	boom := errors.New("no multicast")
	_, err := StartBroadcaster(Config{
		NodeID:    "n",
		NodeName:  "n",
		Port:      1,
		ChunkSize: 1,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped register error, got %v", err)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
