package consul

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/registry"
	"go.uber.org/zap"
)

const watchWaitTime = 30 * time.Second

// Registry implements service registry using Consul
type Registry struct {
	client     *consulapi.Client
	datacenter string
	namespace  string
	watchers   map[string]context.CancelFunc
	watcherMu  sync.Mutex

	// newBackOff builds the retry schedule of a watch loop.
	newBackOff func() backoff.BackOff
}

// New creates a new Consul registry and checks the agent is reachable.
func New(cfg config.ConsulConfig) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	consulCfg.Namespace = cfg.Namespace
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	return &Registry{
		client:     client,
		datacenter: cfg.Datacenter,
		namespace:  cfg.Namespace,
		watchers:   make(map[string]context.CancelFunc),
		newBackOff: defaultBackOff,
	}, nil
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up
	return bo
}

// Register registers a service instance with Consul
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	registration := &consulapi.AgentServiceRegistration{
		ID:      service.ID,
		Name:    service.Name,
		Address: service.Address,
		Port:    service.Port,
		Tags:    service.Tags,
		Meta:    service.Metadata,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           service.URL() + "/health",
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
	}

	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	return nil
}

// Deregister removes a service instance from Consul
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

// Discover returns all passing instances of a service
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	return r.DiscoverWithTags(ctx, serviceName, nil)
}

// DiscoverWithTags returns passing instances carrying every tag
func (r *Registry) DiscoverWithTags(ctx context.Context, serviceName string, tags []string) ([]*registry.Service, error) {
	entries, _, err := r.client.Health().ServiceMultipleTags(serviceName, tags, true, r.queryOptions(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}
	return convertEntries(entries), nil
}

func (r *Registry) queryOptions(ctx context.Context) *consulapi.QueryOptions {
	q := &consulapi.QueryOptions{
		Datacenter: r.datacenter,
		Namespace:  r.namespace,
	}
	return q.WithContext(ctx)
}

func convertEntries(entries []*consulapi.ServiceEntry) []*registry.Service {
	services := make([]*registry.Service, 0, len(entries))
	for _, entry := range entries {
		svc := &registry.Service{
			ID:       entry.Service.ID,
			Name:     entry.Service.Service,
			Address:  entry.Service.Address,
			Port:     entry.Service.Port,
			Weight:   entry.Service.Weights.Passing,
			Tags:     entry.Service.Tags,
			Metadata: entry.Service.Meta,
			Health:   convertHealth(entry.Checks),
		}
		if scheme := entry.Service.Meta["scheme"]; scheme != "" {
			svc.Scheme = scheme
		}
		// Use node address if service address is empty
		if svc.Address == "" && entry.Node != nil {
			svc.Address = entry.Node.Address
		}
		services = append(services, svc)
	}
	return services
}

// convertHealth converts Consul health checks to registry health status
func convertHealth(checks consulapi.HealthChecks) registry.HealthStatus {
	for _, check := range checks {
		if check.Status == consulapi.HealthCritical {
			return registry.HealthCritical
		}
		if check.Status == consulapi.HealthWarning {
			return registry.HealthWarning
		}
	}
	return registry.HealthPassing
}

// Watch subscribes to service changes using Consul blocking queries
func (r *Registry) Watch(ctx context.Context, serviceName string) (<-chan []*registry.Service, error) {
	ch := make(chan []*registry.Service, 10)

	watchCtx, cancel := context.WithCancel(ctx)

	r.watcherMu.Lock()
	// Cancel any existing watcher for this service
	if existingCancel, ok := r.watchers[serviceName]; ok {
		existingCancel()
	}
	r.watchers[serviceName] = cancel
	r.watcherMu.Unlock()

	go r.watchService(watchCtx, serviceName, ch)

	return ch, nil
}

// watchService runs blocking queries, backing off while Consul is unreachable.
func (r *Registry) watchService(ctx context.Context, serviceName string, ch chan []*registry.Service) {
	defer close(ch)

	bo := r.newBackOff()
	var lastIndex uint64

	for {
		q := r.queryOptions(ctx)
		q.WaitIndex = lastIndex
		q.WaitTime = watchWaitTime

		entries, meta, err := r.client.Health().Service(serviceName, "", true, q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			wait := bo.NextBackOff()
			logging.Warn("consul watch failed, retrying",
				zap.String("service", serviceName),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		bo.Reset()

		// Blocking query timed out without changes
		if meta.LastIndex == lastIndex {
			continue
		}
		// Consul requires resetting the index if it goes backwards
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}
		lastIndex = meta.LastIndex

		select {
		case ch <- convertEntries(entries):
		case <-ctx.Done():
			return
		}
	}
}

// Close cancels all watchers
func (r *Registry) Close() error {
	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()

	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)

	return nil
}
