package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/registry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	defaultPrefix = "/services/"
	leaseTTL      = 30 // seconds
)

// Registry implements service registry using etcd. Instances are stored as
// JSON under <prefix><service>/<id>.
type Registry struct {
	client   *clientv3.Client
	prefix   string
	watchers map[string]context.CancelFunc
	watchMu  sync.Mutex
}

// New creates a new etcd registry and checks the first endpoint answers.
func New(cfg config.EtcdConfig) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd registry: at least one endpoint is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &Registry{
		client:   client,
		prefix:   normalizePrefix(cfg.Prefix),
		watchers: make(map[string]context.CancelFunc),
	}, nil
}

func normalizePrefix(p string) string {
	if p == "" {
		return defaultPrefix
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// Register stores the instance under a lease kept alive until ctx ends.
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	lease, err := r.client.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(service)
	if err != nil {
		return fmt.Errorf("failed to marshal service: %w", err)
	}

	key := r.serviceKey(service.Name, service.ID)
	if _, err := r.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range keepAliveCh {
		}
	}()

	return nil
}

// Deregister removes a service instance from etcd
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	for _, kv := range resp.Kvs {
		_, id := r.parseServiceKey(string(kv.Key))
		if id != serviceID {
			continue
		}
		if _, err := r.client.Delete(ctx, string(kv.Key)); err != nil {
			return fmt.Errorf("failed to deregister service: %w", err)
		}
		return nil
	}

	return registry.ErrServiceNotFound
}

// Discover returns all healthy instances of a service
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	return r.DiscoverWithTags(ctx, serviceName, nil)
}

// DiscoverWithTags returns healthy instances carrying every tag
func (r *Registry) DiscoverWithTags(ctx context.Context, serviceName string, tags []string) ([]*registry.Service, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	values := make([][]byte, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		values[i] = kv.Value
	}
	return decodeServices(values, tags), nil
}

// decodeServices parses stored instances, dropping unreadable or unhealthy ones.
func decodeServices(values [][]byte, tags []string) []*registry.Service {
	services := make([]*registry.Service, 0, len(values))
	for _, v := range values {
		var svc registry.Service
		if err := json.Unmarshal(v, &svc); err != nil {
			logging.Debug("skipping unreadable etcd service entry", zap.Error(err))
			continue
		}
		if svc.Healthy() && registry.HasAllTags(svc.Tags, tags) {
			services = append(services, &svc)
		}
	}
	return services
}

// Watch subscribes to service changes
func (r *Registry) Watch(ctx context.Context, serviceName string) (<-chan []*registry.Service, error) {
	ch := make(chan []*registry.Service, 10)

	watchCtx, cancel := context.WithCancel(ctx)

	r.watchMu.Lock()
	if existingCancel, ok := r.watchers[serviceName]; ok {
		existingCancel()
	}
	r.watchers[serviceName] = cancel
	r.watchMu.Unlock()

	go r.watchService(watchCtx, serviceName, ch)

	return ch, nil
}

// watchService sends the current state, then a fresh listing after every change.
func (r *Registry) watchService(ctx context.Context, serviceName string, ch chan []*registry.Service) {
	defer close(ch)

	if services, err := r.Discover(ctx, serviceName); err == nil {
		select {
		case ch <- services:
		case <-ctx.Done():
			return
		}
	}

	watchCh := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				logging.Warn("etcd watch error", zap.String("service", serviceName), zap.Error(err))
				continue
			}

			services, err := r.Discover(ctx, serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- services:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close cancels all watchers and closes the client
func (r *Registry) Close() error {
	r.watchMu.Lock()
	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	r.watchMu.Unlock()

	return r.client.Close()
}

func (r *Registry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// serviceKey generates the etcd key for a service instance
func (r *Registry) serviceKey(serviceName, serviceID string) string {
	return r.servicePrefix(serviceName) + serviceID
}

// parseServiceKey extracts service name and ID from key
func (r *Registry) parseServiceKey(key string) (serviceName, serviceID string) {
	trimmed := strings.TrimPrefix(key, r.prefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
