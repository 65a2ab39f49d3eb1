package listener

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/storefront/edge-gateway/internal/config"
)

// generateTestCert creates a temporary self-signed certificate for testing.
func generateTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return
}

func stop(t *testing.T, l *HTTPListener) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Errorf("failed to stop listener: %v", err)
	}
}

func TestHTTPListenerStartStop(t *testing.T) {
	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "public",
		Address: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "pong")
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.Protocol() != "http" {
		t.Errorf("Protocol = %q", l.Protocol())
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, l)

	if l.Addr() == "127.0.0.1:0" {
		t.Fatal("Addr should report the bound port after Start")
	}

	resp, err := http.Get("http://" + l.Addr() + "/ping")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Errorf("body = %q", body)
	}
}

func TestHTTPListenerAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	l, err := NewHTTPListener(HTTPListenerConfig{ID: "dup", Address: ln.Addr().String(), Handler: http.NotFoundHandler()})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err == nil {
		t.Error("expected bind error for an address in use")
	}
}

func TestHTTPListenerTLS(t *testing.T) {
	certFile, keyFile := generateTestCert(t)

	l, err := NewHTTPListener(HTTPListenerConfig{
		ID:      "secure",
		Address: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		TLS: config.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.Protocol() != "https" {
		t.Errorf("Protocol = %q", l.Protocol())
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stop(t, l)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get("https://" + l.Addr() + "/")
	if err != nil {
		t.Fatalf("TLS request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}

	newCert, newKey := generateTestCert(t)
	if err := l.ReloadTLSCert(newCert, newKey); err != nil {
		t.Errorf("ReloadTLSCert failed: %v", err)
	}
	if err := l.ReloadTLSCert(filepath.Join(t.TempDir(), "nope.pem"), newKey); err == nil {
		t.Error("expected error reloading a missing certificate")
	}
}

func TestHTTPListenerBadTLSFiles(t *testing.T) {
	_, err := NewHTTPListener(HTTPListenerConfig{
		ID:  "broken",
		TLS: config.TLSConfig{Enabled: true, CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"},
	})
	if err == nil {
		t.Error("expected error for missing certificate files")
	}
}

func TestFromConfig(t *testing.T) {
	lc := config.ListenerConfig{
		ID:      "public",
		Address: ":8080",
		HTTP:    config.HTTPListenerConfig{ReadTimeout: 5 * time.Second, MaxHeaderBytes: 4096},
	}
	cfg := FromConfig(lc, http.NotFoundHandler())
	if cfg.ID != "public" || cfg.Address != ":8080" || cfg.ReadTimeout != 5*time.Second || cfg.MaxHeaderBytes != 4096 {
		t.Errorf("unexpected listener config %+v", cfg)
	}

	l, err := NewHTTPListener(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if l.Server().WriteTimeout != 30*time.Second {
		t.Errorf("WriteTimeout default = %v", l.Server().WriteTimeout)
	}
}
