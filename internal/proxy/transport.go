package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/storefront/edge-gateway/internal/config"
)

// TransportConfig configures an upstream HTTP transport
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration

	InsecureSkipVerify bool
	CAFile             string

	DisableKeepAlives bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:        512,
	MaxIdleConnsPerHost: 64,
	IdleConnTimeout:     90 * time.Second,
	DialTimeout:         10 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// NewTransport creates a new HTTP transport with the given configuration
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("ca file %s: no certificates found", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
	}, nil
}

// MergeTransportConfigs applies non-zero values from config.TransportConfig overlays
// onto a base TransportConfig. Later overlays win.
func MergeTransportConfigs(base TransportConfig, overlays ...config.TransportConfig) TransportConfig {
	for _, o := range overlays {
		if o.MaxIdleConns > 0 {
			base.MaxIdleConns = o.MaxIdleConns
		}
		if o.MaxIdleConnsPerHost > 0 {
			base.MaxIdleConnsPerHost = o.MaxIdleConnsPerHost
		}
		if o.MaxConnsPerHost > 0 {
			base.MaxConnsPerHost = o.MaxConnsPerHost
		}
		if o.IdleConnTimeout > 0 {
			base.IdleConnTimeout = o.IdleConnTimeout
		}
		if o.DialTimeout > 0 {
			base.DialTimeout = o.DialTimeout
		}
		if o.TLSHandshakeTimeout > 0 {
			base.TLSHandshakeTimeout = o.TLSHandshakeTimeout
		}
		if o.ResponseHeaderTimeout > 0 {
			base.ResponseHeaderTimeout = o.ResponseHeaderTimeout
		}
		if o.DisableKeepAlives {
			base.DisableKeepAlives = true
		}
		if o.InsecureSkipVerify {
			base.InsecureSkipVerify = true
		}
		if o.CAFile != "" {
			base.CAFile = o.CAFile
		}
	}
	return base
}

// TransportPool manages a pool of transports keyed by upstream name.
type TransportPool struct {
	defaultTransport http.RoundTripper
	transports       map[string]http.RoundTripper
}

// NewTransportPool creates a pool whose default transport uses base.
func NewTransportPool(base TransportConfig) (*TransportPool, error) {
	t, err := NewTransport(base)
	if err != nil {
		return nil, err
	}
	return &TransportPool{
		defaultTransport: t,
		transports:       make(map[string]http.RoundTripper),
	}, nil
}

// NewTransportPoolFromConfig builds the default transport from the proxy
// settings and one transport per upstream that overrides any of them.
func NewTransportPoolFromConfig(proxyCfg config.ProxyConfig, upstreams map[string]config.UpstreamConfig) (*TransportPool, error) {
	base := MergeTransportConfigs(DefaultTransportConfig, proxyCfg.Transport)
	pool, err := NewTransportPool(base)
	if err != nil {
		return nil, fmt.Errorf("default transport: %w", err)
	}
	for name, up := range upstreams {
		if up.Transport == (config.TransportConfig{}) {
			continue
		}
		if err := pool.Set(name, MergeTransportConfigs(base, up.Transport)); err != nil {
			return nil, fmt.Errorf("upstream %s transport: %w", name, err)
		}
	}
	return pool, nil
}

// Get returns a transport for the given upstream name.
// Returns the default transport for empty or unknown names.
func (tp *TransportPool) Get(name string) http.RoundTripper {
	if name != "" {
		if t, ok := tp.transports[name]; ok {
			return t
		}
	}
	return tp.defaultTransport
}

// Set adds a named transport built from the given config.
func (tp *TransportPool) Set(name string, cfg TransportConfig) error {
	t, err := NewTransport(cfg)
	if err != nil {
		return err
	}
	tp.transports[name] = t
	return nil
}

// SetRoundTripper installs rt for the named upstream.
func (tp *TransportPool) SetRoundTripper(name string, rt http.RoundTripper) {
	tp.transports[name] = rt
}

// Names returns the upstream names that have custom transports.
func (tp *TransportPool) Names() []string {
	names := make([]string, 0, len(tp.transports))
	for name := range tp.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	type idleCloser interface{ CloseIdleConnections() }
	if c, ok := tp.defaultTransport.(idleCloser); ok {
		c.CloseIdleConnections()
	}
	for _, t := range tp.transports {
		if c, ok := t.(idleCloser); ok {
			c.CloseIdleConnections()
		}
	}
}
