package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/errors"
	"github.com/storefront/edge-gateway/internal/loadbalancer"
	"github.com/storefront/edge-gateway/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL  = 10 * time.Second
	defaultCacheSize = 256
	lookupTimeout    = 5 * time.Second
)

// Resolver turns an upstream name into its current backends. Lookups are
// cached for a TTL and concurrent misses for the same upstream share one
// registry call.
type Resolver struct {
	reg       Registry
	upstreams map[string]config.UpstreamConfig
	cache     *expirable.LRU[string, []*loadbalancer.Backend]
	group     singleflight.Group
}

// NewResolver creates a resolver over reg. ttl <= 0 uses the default.
func NewResolver(reg Registry, upstreams map[string]config.UpstreamConfig, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Resolver{
		reg:       reg,
		upstreams: upstreams,
		cache:     expirable.NewLRU[string, []*loadbalancer.Backend](defaultCacheSize, nil, ttl),
	}
}

// Resolve returns the healthy backends of upstream. An empty result is an
// ErrUpstreamUnreachable.
func (r *Resolver) Resolve(ctx context.Context, upstream string) ([]*loadbalancer.Backend, error) {
	if backends, ok := r.cache.Get(upstream); ok {
		return backends, nil
	}

	ch := r.group.DoChan(upstream, func() (interface{}, error) {
		// Detached from the caller so one canceled request does not fail
		// the others waiting on the same lookup.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return r.lookup(lookupCtx, upstream)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*loadbalancer.Backend), nil
	}
}

func (r *Resolver) lookup(ctx context.Context, upstream string) ([]*loadbalancer.Backend, error) {
	name, tags := r.serviceFor(upstream)
	services, err := r.reg.DiscoverWithTags(ctx, name, tags)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w: %w", upstream, errors.ErrUpstreamUnreachable, err)
	}

	backends := toBackends(services)
	if len(backends) == 0 {
		return nil, fmt.Errorf("resolve %s: no instances: %w", upstream, errors.ErrUpstreamUnreachable)
	}
	r.cache.Add(upstream, backends)
	return backends, nil
}

// Invalidate drops the cached backends of upstream.
func (r *Resolver) Invalidate(upstream string) {
	r.cache.Remove(upstream)
}

// Watch keeps the cache current from registry change notifications until
// ctx is canceled. Upstreams whose registry cannot watch fall back to TTL
// expiry.
func (r *Resolver) Watch(ctx context.Context) {
	for upstream := range r.upstreams {
		name, tags := r.serviceFor(upstream)
		ch, err := r.reg.Watch(ctx, name)
		if err != nil {
			logging.Warn("registry watch failed",
				zap.String("upstream", upstream),
				zap.Error(err),
			)
			continue
		}
		go r.consume(ctx, upstream, tags, ch)
	}
}

func (r *Resolver) consume(ctx context.Context, upstream string, tags []string, ch <-chan []*Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case services, ok := <-ch:
			if !ok {
				return
			}
			var matching []*Service
			for _, svc := range services {
				if HasAllTags(svc.Tags, tags) {
					matching = append(matching, svc)
				}
			}
			backends := toBackends(matching)
			if len(backends) == 0 {
				r.cache.Remove(upstream)
			} else {
				r.cache.Add(upstream, backends)
			}
			logging.Debug("upstream instances changed",
				zap.String("upstream", upstream),
				zap.Int("instances", len(backends)),
			)
		}
	}
}

func (r *Resolver) serviceFor(upstream string) (string, []string) {
	up, ok := r.upstreams[upstream]
	if !ok || up.Service.Name == "" {
		return upstream, up.Service.Tags
	}
	return up.Service.Name, up.Service.Tags
}

func toBackends(services []*Service) []*loadbalancer.Backend {
	backends := make([]*loadbalancer.Backend, 0, len(services))
	for _, svc := range services {
		if !svc.Healthy() {
			continue
		}
		b, err := loadbalancer.NewBackend(svc.URL(), svc.Weight)
		if err != nil {
			continue
		}
		backends = append(backends, b)
	}
	return backends
}
