package proxy

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/storefront/edge-gateway/internal/config"
)

func TestNewTransportDefault(t *testing.T) {
	tr, err := NewTransport(DefaultTransportConfig)
	if err != nil {
		t.Fatal(err)
	}
	if tr.MaxIdleConns != 512 {
		t.Errorf("expected MaxIdleConns 512, got %d", tr.MaxIdleConns)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("expected HTTP/2 to be attempted")
	}
}

func TestNewTransportBadCAFile(t *testing.T) {
	cfg := DefaultTransportConfig
	cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	if _, err := NewTransport(cfg); err == nil {
		t.Error("expected error for missing CA file")
	}

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.CAFile = garbage
	if _, err := NewTransport(cfg); err == nil {
		t.Error("expected error for CA file without certificates")
	}
}

func TestTransportPoolFromConfig(t *testing.T) {
	pool, err := NewTransportPoolFromConfig(
		config.ProxyConfig{Transport: config.TransportConfig{MaxIdleConns: 100}},
		map[string]config.UpstreamConfig{
			"user-service":  {Transport: config.TransportConfig{ResponseHeaderTimeout: 2 * time.Second}},
			"order-service": {},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	if names := pool.Names(); len(names) != 1 || names[0] != "user-service" {
		t.Fatalf("Names = %v, want [user-service]", names)
	}

	user := pool.Get("user-service").(*http.Transport)
	if user.ResponseHeaderTimeout != 2*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v", user.ResponseHeaderTimeout)
	}
	if user.MaxIdleConns != 100 {
		t.Errorf("upstream transport should inherit proxy settings, got MaxIdleConns %d", user.MaxIdleConns)
	}

	if pool.Get("order-service") != pool.Get("") {
		t.Error("upstream without overrides should share the default transport")
	}

	pool.CloseIdleConnections()
}

func TestMergeTransportConfigs(t *testing.T) {
	merged := MergeTransportConfigs(DefaultTransportConfig,
		config.TransportConfig{MaxIdleConns: 200, CAFile: "/tmp/ca.pem"},
		config.TransportConfig{MaxIdleConns: 300, DialTimeout: 5 * time.Second, DisableKeepAlives: true},
	)

	if merged.MaxIdleConns != 300 {
		t.Errorf("expected later overlay to win, got %d", merged.MaxIdleConns)
	}
	if merged.CAFile != "/tmp/ca.pem" {
		t.Errorf("CAFile = %q", merged.CAFile)
	}
	if merged.DialTimeout != 5*time.Second || !merged.DisableKeepAlives {
		t.Errorf("unexpected merge result %+v", merged)
	}
	if merged.TLSHandshakeTimeout != 10*time.Second {
		t.Errorf("expected TLSHandshakeTimeout unchanged at 10s, got %v", merged.TLSHandshakeTimeout)
	}
}
