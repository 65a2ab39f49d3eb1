// Package proxy dispatches routed requests to their upstreams.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/storefront/edge-gateway/internal/circuitbreaker"
	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/errors"
	"github.com/storefront/edge-gateway/internal/fallback"
	"github.com/storefront/edge-gateway/internal/loadbalancer"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/metrics"
	"github.com/storefront/edge-gateway/internal/router"
	"github.com/storefront/edge-gateway/internal/variables"
)

// DefaultTimeout bounds an upstream call when neither the route nor the
// upstream sets a timeout.
const DefaultTimeout = 30 * time.Second

// BackendResolver turns an upstream name into its live backends.
type BackendResolver interface {
	Resolve(ctx context.Context, upstream string) ([]*loadbalancer.Backend, error)
}

// Recorder receives dispatch outcomes.
type Recorder interface {
	RecordUpstream(upstream, outcome string)
	SetBackendHealth(upstream, backend string, healthy bool)
}

// Config holds dispatcher dependencies
type Config struct {
	Table          *router.Table
	Resolver       BackendResolver
	Upstreams      map[string]config.UpstreamConfig
	Breakers       *circuitbreaker.Manager
	Transports     *TransportPool
	Mocks          map[string]http.Handler
	Fallback       *fallback.Responder
	IdentityHeader string
	DefaultTimeout time.Duration
	Recorder       Recorder
}

// Dispatcher is the terminal handler of the filter chain. It resolves the
// route, picks a backend and streams the upstream response back.
type Dispatcher struct {
	table          *router.Table
	resolver       BackendResolver
	upstreams      map[string]config.UpstreamConfig
	breakers       *circuitbreaker.Manager
	transports     *TransportPool
	mocks          map[string]http.Handler
	fallback       *fallback.Responder
	identityHeader string
	defaultTimeout time.Duration
	recorder       Recorder

	mu        sync.Mutex
	balancers map[string]loadbalancer.Balancer
}

// NewDispatcher validates cfg and creates a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Table == nil {
		return nil, fmt.Errorf("proxy: route table is required")
	}
	for _, route := range cfg.Table.Routes() {
		switch {
		case route.Target.IsLoadBalanced() && cfg.Resolver == nil:
			return nil, fmt.Errorf("proxy: route %s needs a resolver for %s", route.ID, route.Target)
		case route.Target.IsMock():
			if _, ok := cfg.Mocks[route.Target.Service]; !ok {
				return nil, fmt.Errorf("proxy: route %s: unknown mock %q", route.ID, route.Target.Service)
			}
		}
	}

	d := &Dispatcher{
		table:          cfg.Table,
		resolver:       cfg.Resolver,
		upstreams:      cfg.Upstreams,
		breakers:       cfg.Breakers,
		transports:     cfg.Transports,
		mocks:          cfg.Mocks,
		fallback:       cfg.Fallback,
		identityHeader: cfg.IdentityHeader,
		defaultTimeout: cfg.DefaultTimeout,
		recorder:       cfg.Recorder,
		balancers:      make(map[string]loadbalancer.Balancer),
	}
	if d.breakers == nil {
		d.breakers = circuitbreaker.NewManager(nil, nil)
	}
	if d.transports == nil {
		pool, err := NewTransportPool(DefaultTransportConfig)
		if err != nil {
			return nil, err
		}
		d.transports = pool
	}
	if d.fallback == nil {
		d.fallback = fallback.NewResponder()
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = DefaultTimeout
	}
	if d.recorder == nil {
		d.recorder = nopRecorder{}
	}
	return d, nil
}

// ServeHTTP resolves the route of r and forwards it.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	varCtx := variables.GetFromRequest(r)

	route, err := d.table.Resolve(r.URL.Path)
	if err != nil {
		errors.ErrNotFound.WithRequestID(varCtx.RequestID).WriteJSON(w)
		return
	}
	varCtx.RouteID = route.ID

	if route.Target.IsMock() {
		varCtx.Upstream = route.Target.String()
		d.serveMock(w, r, route, varCtx)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), d.timeoutFor(route))
	defer cancel()

	upstream, target, backend, balancer, err := d.pick(ctx, route)
	varCtx.Upstream = upstream
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", errors.ErrUpstreamTimeout, err)
		}
		d.fail(w, r, route, upstream, "", err)
		return
	}
	if backend != nil {
		backend.IncrActive()
		defer backend.DecrActive()
	}

	outReq := d.outboundRequest(ctx, r, target, varCtx)
	transport := d.transports.Get(upstream)

	resp, err := d.breakers.Execute(upstream, func() (*http.Response, error) {
		return transport.RoundTrip(outReq)
	})
	if err != nil {
		kind := d.classify(ctx, r, err)
		if stderrors.Is(kind, errors.ErrUpstreamUnreachable) && balancer != nil {
			balancer.MarkUnhealthy(backend.URL)
			d.recorder.SetBackendHealth(upstream, backend.URL, false)
		}
		d.fail(w, r, route, upstream, target.String(), fmt.Errorf("%w: %w", kind, err))
		return
	}
	defer resp.Body.Close()

	d.recorder.RecordUpstream(upstream, metrics.OutcomeSuccess)
	if backend != nil {
		d.recorder.SetBackendHealth(upstream, backend.URL, true)
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	copyBody(w, resp)
}

// pick selects where the request goes. For literal targets the upstream is
// the target host and there is no balancer.
func (d *Dispatcher) pick(ctx context.Context, route *router.Route) (string, *url.URL, *loadbalancer.Backend, loadbalancer.Balancer, error) {
	if !route.Target.IsLoadBalanced() {
		return route.Target.URL.Host, route.Target.URL, nil, nil, nil
	}

	upstream := route.Target.Service
	backends, err := d.resolver.Resolve(ctx, upstream)
	if err != nil {
		return upstream, nil, nil, nil, err
	}
	balancer, err := d.balancerFor(upstream, backends)
	if err != nil {
		return upstream, nil, nil, nil, err
	}
	backend := balancer.Next()
	if backend == nil {
		return upstream, nil, nil, nil, fmt.Errorf("%w: %s has no healthy backend", errors.ErrUpstreamUnreachable, upstream)
	}
	return upstream, backend.ParsedURL, backend, balancer, nil
}

// balancerFor returns the balancer of upstream, syncing it with the latest
// resolved backends.
func (d *Dispatcher) balancerFor(upstream string, backends []*loadbalancer.Backend) (loadbalancer.Balancer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.balancers[upstream]; ok {
		if !b.SameURLs(backends) {
			b.UpdateBackends(backends)
		}
		return b, nil
	}

	up := d.upstreams[upstream]
	b, err := loadbalancer.New(up.LoadBalancer, nil, up.UnhealthyCooldown)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", upstream, err)
	}
	b.UpdateBackends(backends)
	d.balancers[upstream] = b
	return b, nil
}

// Balancers returns a snapshot of the balancer backends per upstream.
func (d *Dispatcher) Balancers() map[string][]*loadbalancer.Backend {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string][]*loadbalancer.Backend, len(d.balancers))
	for name, b := range d.balancers {
		out[name] = b.GetBackends()
	}
	return out
}

func (d *Dispatcher) timeoutFor(route *router.Route) time.Duration {
	if route.Timeout > 0 {
		return route.Timeout
	}
	if route.Target.IsLoadBalanced() {
		if up, ok := d.upstreams[route.Target.Service]; ok && up.Timeout > 0 {
			return up.Timeout
		}
	}
	return d.defaultTimeout
}

// classify maps a failed upstream call to one of the dispatch error kinds.
// context.Canceled means the client went away.
func (d *Dispatcher) classify(ctx context.Context, r *http.Request, err error) error {
	switch {
	case stderrors.Is(err, errors.ErrCircuitOpen):
		return errors.ErrCircuitOpen
	case r.Context().Err() != nil:
		return context.Canceled
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.ErrUpstreamTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.ErrUpstreamTimeout
	}
	return errors.ErrUpstreamUnreachable
}

// fail answers with the fallback body of the route category. Nothing is
// written when the client is gone.
func (d *Dispatcher) fail(w http.ResponseWriter, r *http.Request, route *router.Route, upstream, backend string, err error) {
	fields := []zap.Field{
		zap.String("route_id", route.ID),
		zap.String("upstream", upstream),
		zap.String("request_id", variables.GetFromRequest(r).RequestID),
		zap.Error(err),
	}
	if backend != "" {
		fields = append(fields, zap.String("backend", backend))
	}

	if r.Context().Err() != nil {
		d.recorder.RecordUpstream(upstream, metrics.OutcomeCanceled)
		logging.Debug("client canceled request", fields...)
		return
	}

	d.recorder.RecordUpstream(upstream, outcomeFor(err))
	logging.Warn("upstream call failed", fields...)
	d.fallback.Write(w, route.Category, err)
}

func outcomeFor(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrCircuitOpen):
		return metrics.OutcomeBreakerOpen
	case stderrors.Is(err, errors.ErrUpstreamTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeUnreachable
	}
}

// serveMock hands the prepared request to an in-process upstream.
func (d *Dispatcher) serveMock(w http.ResponseWriter, r *http.Request, route *router.Route, varCtx *variables.Context) {
	h := d.mocks[route.Target.Service]
	out := r.Clone(r.Context())
	d.prepareHeaders(out.Header, r, varCtx)
	h.ServeHTTP(w, out)
	d.recorder.RecordUpstream(varCtx.Upstream, metrics.OutcomeSuccess)
}

// outboundRequest builds the upstream request. The path and query are
// forwarded unchanged under the target base path.
func (d *Dispatcher) outboundRequest(ctx context.Context, r *http.Request, target *url.URL, varCtx *variables.Context) *http.Request {
	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	if target.Path == "" {
		targetURL.RawPath = r.URL.RawPath
	}
	targetURL.RawQuery = r.URL.RawQuery

	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	outReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	outReq.Header = make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		outReq.Header[k] = vv
	}
	d.prepareHeaders(outReq.Header, r, varCtx)

	prop := otel.GetTextMapPropagator()
	prop.Inject(prop.Extract(ctx, propagation.HeaderCarrier(r.Header)), propagation.HeaderCarrier(outReq.Header))
	return outReq
}

// prepareHeaders rewrites h, a copy of the inbound headers of r, into the
// header set the upstream receives.
func (d *Dispatcher) prepareHeaders(h http.Header, r *http.Request, varCtx *variables.Context) {
	removeHopHeaders(h)

	// The identity header is only ever set by the authentication filter.
	if d.identityHeader != "" {
		h.Del(d.identityHeader)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+host)
		} else {
			h.Set("X-Forwarded-For", host)
		}
	}
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)

	if varCtx.RequestID != "" {
		h.Set("X-Request-ID", varCtx.RequestID)
	}
	for k, vv := range varCtx.OutboundHeaders() {
		h[k] = vv
	}
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// copyBody streams the upstream body. Bodies of unknown length are flushed
// chunk by chunk so event streams reach the client as they arrive.
func copyBody(w http.ResponseWriter, resp *http.Response) {
	if resp.ContentLength != -1 {
		io.Copy(w, resp.Body)
		return
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			rc.Flush()
		}
		if err != nil {
			return
		}
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

type nopRecorder struct{}

func (nopRecorder) RecordUpstream(string, string)         {}
func (nopRecorder) SetBackendHealth(string, string, bool) {}
