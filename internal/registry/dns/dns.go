package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/registry"
	"go.uber.org/zap"
)

// resolver abstracts DNS lookups for testability.
type resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Registry implements read-only discovery from DNS SRV records (RFC 2782).
// Only the lowest priority tier is returned; SRV weights become backend
// weights.
type Registry struct {
	domain       string
	protocol     string
	timeout      time.Duration
	pollInterval time.Duration
	resolver     resolver
	cache        map[string][]*registry.Service
	cacheMu      sync.RWMutex
	watchers     map[string]context.CancelFunc
	watchMu      sync.Mutex
}

// New creates a new DNS SRV registry.
func New(cfg config.DNSConfig) (*Registry, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("dns registry: domain is required")
	}

	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	r := net.DefaultResolver
	if cfg.Nameserver != "" {
		r = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: timeout}
				return d.DialContext(ctx, "udp", cfg.Nameserver)
			},
		}
	}

	return &Registry{
		domain:       cfg.Domain,
		protocol:     protocol,
		timeout:      timeout,
		pollInterval: pollInterval,
		resolver:     r,
		cache:        make(map[string][]*registry.Service),
		watchers:     make(map[string]context.CancelFunc),
	}, nil
}

// Register is a no-op; DNS is read-only.
func (r *Registry) Register(_ context.Context, _ *registry.Service) error {
	return nil
}

// Deregister is a no-op; DNS is read-only.
func (r *Registry) Deregister(_ context.Context, _ string) error {
	return nil
}

// Discover resolves the service. On lookup failure the last good answer is
// returned if there is one.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	services, err := r.fetchServices(ctx, serviceName)
	if err != nil {
		r.cacheMu.RLock()
		cached, ok := r.cache[serviceName]
		r.cacheMu.RUnlock()
		if ok {
			logging.Debug("dns lookup failed, serving last answer",
				zap.String("service", serviceName),
				zap.Error(err),
			)
			return cached, nil
		}
		return nil, err
	}
	return services, nil
}

// DiscoverWithTags ignores tags; SRV records carry none.
func (r *Registry) DiscoverWithTags(ctx context.Context, serviceName string, _ []string) ([]*registry.Service, error) {
	return r.Discover(ctx, serviceName)
}

// Watch polls DNS and reports changes.
func (r *Registry) Watch(ctx context.Context, serviceName string) (<-chan []*registry.Service, error) {
	ch := make(chan []*registry.Service, 10)

	watchCtx, cancel := context.WithCancel(ctx)

	r.watchMu.Lock()
	if existingCancel, ok := r.watchers[serviceName]; ok {
		existingCancel()
	}
	r.watchers[serviceName] = cancel
	r.watchMu.Unlock()

	go r.pollService(watchCtx, serviceName, ch)

	return ch, nil
}

// Close cancels all watcher goroutines.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)

	return nil
}

// fetchServices performs SRV + A lookups and updates the cache.
func (r *Registry) fetchServices(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout())
	defer cancel()

	_, srvs, err := r.resolver.LookupSRV(ctx, serviceName, r.protocol, r.domain)
	if err != nil {
		return nil, fmt.Errorf("dns srv lookup failed for %s: %w", serviceName, err)
	}
	if len(srvs) == 0 {
		return nil, fmt.Errorf("dns srv lookup for %s returned no records", serviceName)
	}

	lowest := srvs[0].Priority
	for _, srv := range srvs[1:] {
		if srv.Priority < lowest {
			lowest = srv.Priority
		}
	}

	services := make([]*registry.Service, 0, len(srvs))
	for _, srv := range srvs {
		if srv.Priority != lowest {
			continue
		}
		target := strings.TrimSuffix(srv.Target, ".")
		services = append(services, &registry.Service{
			ID:      fmt.Sprintf("%s-%s-%d", serviceName, target, srv.Port),
			Name:    serviceName,
			Address: r.resolveTarget(ctx, target),
			Port:    int(srv.Port),
			Weight:  int(srv.Weight),
			Health:  registry.HealthPassing,
			Metadata: map[string]string{
				"srv_target": target,
			},
		})
	}

	// Heavier records first, ID breaks ties.
	sort.Slice(services, func(i, j int) bool {
		if services[i].Weight != services[j].Weight {
			return services[i].Weight > services[j].Weight
		}
		return services[i].ID < services[j].ID
	})

	r.cacheMu.Lock()
	r.cache[serviceName] = services
	r.cacheMu.Unlock()

	return services, nil
}

func (r *Registry) lookupTimeout() time.Duration {
	if r.timeout <= 0 {
		return 5 * time.Second
	}
	return r.timeout
}

// resolveTarget resolves an SRV target hostname to an address, preferring
// IPv4. The hostname itself is used when resolution fails.
func (r *Registry) resolveTarget(ctx context.Context, target string) string {
	if net.ParseIP(target) != nil {
		return target
	}

	addrs, err := r.resolver.LookupHost(ctx, target)
	if err != nil || len(addrs) == 0 {
		return target
	}

	for _, addr := range addrs {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}

	return addrs[0]
}

// pollService polls DNS at the configured interval and sends updates on changes.
func (r *Registry) pollService(ctx context.Context, serviceName string, ch chan []*registry.Service) {
	defer close(ch)

	services, err := r.fetchServices(ctx, serviceName)
	if err == nil {
		select {
		case ch <- services:
		case <-ctx.Done():
			return
		}
	}
	lastServices := services

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newServices, err := r.fetchServices(ctx, serviceName)
			if err != nil {
				continue
			}

			if !servicesEqual(lastServices, newServices) {
				lastServices = newServices
				select {
				case ch <- newServices:
				default:
					// Channel full; drop update (cache is still current).
				}
			}
		}
	}
}

// servicesEqual compares two service slices by their sorted IDs.
func servicesEqual(a, b []*registry.Service) bool {
	if len(a) != len(b) {
		return false
	}

	aIDs := make([]string, len(a))
	bIDs := make([]string, len(b))
	for i := range a {
		aIDs[i] = a[i].ID
	}
	for i := range b {
		bIDs[i] = b[i].ID
	}
	sort.Strings(aIDs)
	sort.Strings(bIDs)

	for i := range aIDs {
		if aIDs[i] != bIDs[i] {
			return false
		}
	}
	return true
}
