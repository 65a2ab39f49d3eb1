// Package gateway assembles the request pipeline and serves it.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/storefront/edge-gateway/internal/auth"
	"github.com/storefront/edge-gateway/internal/circuitbreaker"
	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/fallback"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/metrics"
	"github.com/storefront/edge-gateway/internal/middleware"
	"github.com/storefront/edge-gateway/internal/middleware/accesslog"
	authfilter "github.com/storefront/edge-gateway/internal/middleware/auth"
	"github.com/storefront/edge-gateway/internal/middleware/cors"
	"github.com/storefront/edge-gateway/internal/mock"
	"github.com/storefront/edge-gateway/internal/proxy"
	"github.com/storefront/edge-gateway/internal/registry"
	"github.com/storefront/edge-gateway/internal/registry/consul"
	"github.com/storefront/edge-gateway/internal/registry/dns"
	"github.com/storefront/edge-gateway/internal/registry/etcd"
	"github.com/storefront/edge-gateway/internal/registry/memory"
	"github.com/storefront/edge-gateway/internal/router"
)

// DemoMock is the mock target name served by the in-process demo upstream.
const DemoMock = "demo"

// Option configures a Gateway.
type Option func(*Gateway)

// WithCollector shares a metrics collector across gateway generations.
func WithCollector(c *metrics.Collector) Option {
	return func(g *Gateway) { g.collector = c }
}

// WithRegistry replaces the registry built from the configuration.
func WithRegistry(reg registry.Registry) Option {
	return func(g *Gateway) { g.registry = reg }
}

// Gateway is an immutable snapshot of one configuration: everything a
// request touches is built once in New and never mutated afterwards.
// A reload builds a new Gateway.
type Gateway struct {
	config     *config.Config
	collector  *metrics.Collector
	verifier   *auth.Verifier
	table      *router.Table
	registry   registry.Registry
	resolver   *registry.Resolver
	breakers   *circuitbreaker.Manager
	transports *proxy.TransportPool
	mock       *mock.Server
	dispatcher *proxy.Dispatcher
	filters    []middleware.Filter
	handler    http.Handler

	cancelWatch context.CancelFunc
}

// New builds a gateway from cfg.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{config: cfg}
	for _, opt := range opts {
		opt(g)
	}
	if g.collector == nil {
		g.collector = metrics.NewCollector()
	}

	verifier, err := auth.NewVerifier(cfg.Authentication.JWT)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	g.verifier = verifier

	table, err := router.New(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize routes: %w", err)
	}
	g.table = table

	if g.registry == nil {
		reg, err := newRegistry(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize registry: %w", err)
		}
		g.registry = reg
	}
	g.resolver = registry.NewResolver(g.registry, cfg.Upstreams, cfg.Registry.CacheTTL)
	g.breakers = circuitbreaker.NewManager(cfg.Upstreams, g.collector)

	transports, err := proxy.NewTransportPoolFromConfig(cfg.Proxy, cfg.Upstreams)
	if err != nil {
		g.registry.Close()
		return nil, fmt.Errorf("failed to initialize transports: %w", err)
	}
	g.transports = transports

	corsFilter, err := cors.New(cfg.CORS)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to initialize cors: %w", err)
	}
	authFilter := authfilter.New(verifier, cfg.Authentication, authfilter.WithFailureRecorder(g.collector))
	g.filters = []middleware.Filter{
		corsFilter,
		middleware.NewRecoveryFilter(),
		authFilter,
		accesslog.New(accesslog.WithRecorder(g.collector)),
	}

	g.mock = mock.New(verifier)
	responder := fallback.NewResponder()
	g.dispatcher, err = proxy.NewDispatcher(proxy.Config{
		Table:          table,
		Resolver:       g.resolver,
		Upstreams:      cfg.Upstreams,
		Breakers:       g.breakers,
		Transports:     transports,
		Mocks:          map[string]http.Handler{DemoMock: g.mock},
		Fallback:       responder,
		IdentityHeader: authFilter.IdentityHeader(),
		DefaultTimeout: cfg.Proxy.Timeout,
		Recorder:       g.collector,
	})
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	g.handler = g.buildHandler(responder)

	ctx, cancel := context.WithCancel(context.Background())
	g.cancelWatch = cancel
	g.resolver.Watch(ctx)

	logging.Info("gateway initialized",
		zap.Int("routes", table.Len()),
		zap.Int("upstreams", len(cfg.Upstreams)),
		zap.String("registry", registryType(cfg)),
	)
	return g, nil
}

func (g *Gateway) buildHandler(responder *fallback.Responder) http.Handler {
	pipeline := middleware.NewFilterChain(g.filters...).Then(g.dispatcher)

	if g.config.Fallback.ExposeEndpoints {
		// Fallback endpoints answer directly, outside the filter chain.
		mux := http.NewServeMux()
		for _, category := range []string{fallback.CategoryUser, fallback.CategoryProduct, fallback.CategoryOrder} {
			mux.Handle("/fallback/"+category, responder.Handler(category))
		}
		mux.Handle("/", pipeline)
		pipeline = mux
	}

	return middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.CleanPath(),
	).Then(pipeline)
}

func registryType(cfg *config.Config) string {
	if cfg.Registry.Type == "" {
		return string(registry.TypeMemory)
	}
	return cfg.Registry.Type
}

func newRegistry(cfg *config.Config) (registry.Registry, error) {
	switch registry.Type(registryType(cfg)) {
	case registry.TypeMemory:
		return memory.FromUpstreams(cfg.Upstreams)
	case registry.TypeConsul:
		return consul.New(cfg.Registry.Consul)
	case registry.TypeEtcd:
		return etcd.New(cfg.Registry.Etcd)
	case registry.TypeDNS:
		return dns.New(cfg.Registry.DNS)
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Registry.Type)
	}
}

// Handler returns the request pipeline:
// Recovery, RequestID, CleanPath, then the ordered filters and the dispatcher.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Config returns the configuration this gateway was built from.
func (g *Gateway) Config() *config.Config { return g.config }

// Routes returns the compiled route table.
func (g *Gateway) Routes() []*router.Route { return g.table.Routes() }

// Registry returns the service registry.
func (g *Gateway) Registry() registry.Registry { return g.registry }

// Breakers returns the per-upstream circuit breakers.
func (g *Gateway) Breakers() *circuitbreaker.Manager { return g.breakers }

// Dispatcher returns the terminal handler.
func (g *Gateway) Dispatcher() *proxy.Dispatcher { return g.dispatcher }

// Mock returns the in-process demo upstream.
func (g *Gateway) Mock() *mock.Server { return g.mock }

// Close stops registry watches and releases connections. Requests already
// running on this gateway keep their transports until they finish.
func (g *Gateway) Close() error {
	if g.cancelWatch != nil {
		g.cancelWatch()
	}
	if g.transports != nil {
		g.transports.CloseIdleConnections()
	}
	var errs []error
	if g.registry != nil {
		if err := g.registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("registry: %w", err))
		}
	}
	return stderrors.Join(errs...)
}
