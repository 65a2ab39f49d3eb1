package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/logging"
)

// HTTPListener wraps an HTTP server as a Listener
type HTTPListener struct {
	id      string
	address string
	server  *http.Server
	tlsCfg  *tls.Config
	certPtr atomic.Pointer[tls.Certificate] // for hot TLS cert reload

	mu       sync.Mutex
	listener net.Listener
}

// HTTPListenerConfig holds configuration for creating an HTTP listener
type HTTPListenerConfig struct {
	ID                string
	Address           string
	Handler           http.Handler
	TLS               config.TLSConfig
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ReadHeaderTimeout time.Duration
}

// FromConfig converts a listener config section into HTTPListenerConfig.
func FromConfig(lc config.ListenerConfig, handler http.Handler) HTTPListenerConfig {
	return HTTPListenerConfig{
		ID:                lc.ID,
		Address:           lc.Address,
		Handler:           handler,
		TLS:               lc.TLS,
		ReadTimeout:       lc.HTTP.ReadTimeout,
		WriteTimeout:      lc.HTTP.WriteTimeout,
		IdleTimeout:       lc.HTTP.IdleTimeout,
		MaxHeaderBytes:    lc.HTTP.MaxHeaderBytes,
		ReadHeaderTimeout: lc.HTTP.ReadHeaderTimeout,
	}
}

// NewHTTPListener creates a new HTTP listener
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{
		id:      cfg.ID,
		address: cfg.Address,
	}

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		h.certPtr.Store(&cert)

		h.tlsCfg = &tls.Config{
			GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
				return h.certPtr.Load(), nil
			},
			MinVersion: tls.VersionTLS12,
		}

		// A CA file turns on client certificate verification.
		if cfg.TLS.CAFile != "" {
			caCert, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read client CA file: %w", err)
			}
			caPool := x509.NewCertPool()
			if !caPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse client CA certificate")
			}
			h.tlsCfg.ClientCAs = caPool
			h.tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1MB
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}

	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           cfg.Handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: readHeaderTimeout,
		TLSConfig:         h.tlsCfg,
		ErrorLog:          zap.NewStdLog(logging.Global().Named("http").With(zap.String("listener", cfg.ID))),
	}

	return h, nil
}

// ID returns the listener ID
func (h *HTTPListener) ID() string {
	return h.id
}

// Protocol returns "http" or "https"
func (h *HTTPListener) Protocol() string {
	if h.tlsCfg != nil {
		return "https"
	}
	return "http"
}

// Addr returns the bound address once started, the configured one before.
func (h *HTTPListener) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.address
}

// Start binds the address and serves in the background.
func (h *HTTPListener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	if h.tlsCfg != nil {
		ln = tls.NewListener(ln, h.tlsCfg)
	}

	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	go func() {
		if err := h.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logging.Error("listener stopped serving", zap.String("id", h.id), zap.Error(err))
		}
	}()
	return nil
}

// Stop stops the HTTP listener, waiting for in-flight requests until ctx ends
func (h *HTTPListener) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// ReloadTLSCert hot-swaps the TLS certificate without restarting the listener.
func (h *HTTPListener) ReloadTLSCert(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificates: %w", err)
	}
	h.certPtr.Store(&cert)
	return nil
}

// Server returns the underlying HTTP server
func (h *HTTPListener) Server() *http.Server {
	return h.server
}
