package loadbalancer

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storefront/edge-gateway/internal/config"
)

// DefaultCooldown is how long a failed backend is skipped when the upstream
// does not configure one.
const DefaultCooldown = 10 * time.Second

// Backend represents a backend server
type Backend struct {
	URL            string
	Weight         int
	Healthy        bool
	ActiveRequests int64
	ParsedURL      *url.URL // pre-parsed URL to avoid per-request parsing

	unhealthyUntil time.Time
}

// NewBackend creates a healthy backend with a pre-parsed URL.
func NewBackend(rawURL string, weight int) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend %q: url needs scheme and host", rawURL)
	}
	if weight <= 0 {
		weight = 1
	}
	return &Backend{URL: rawURL, Weight: weight, Healthy: true, ParsedURL: u}, nil
}

// IncrActive atomically increments the active request count.
func (b *Backend) IncrActive() { atomic.AddInt64(&b.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (b *Backend) DecrActive() { atomic.AddInt64(&b.ActiveRequests, -1) }

// GetActive atomically reads the active request count.
func (b *Backend) GetActive() int64 { return atomic.LoadInt64(&b.ActiveRequests) }

// Balancer is the interface for load balancers
type Balancer interface {
	// Next returns the next backend to use, or nil if none is healthy
	Next() *Backend
	// UpdateBackends replaces the backend set, keeping health marks by URL
	UpdateBackends(backends []*Backend)
	// MarkHealthy marks a backend as healthy
	MarkHealthy(url string)
	// MarkUnhealthy takes a backend out of rotation for the cooldown
	MarkUnhealthy(url string)
	// GetBackends returns a snapshot of all backends
	GetBackends() []*Backend
	// HealthyCount returns the number of healthy backends
	HealthyCount() int
	// SameURLs reports whether the balancer holds exactly these backend URLs
	SameURLs(backends []*Backend) bool
}

// New creates the balancer named by policy.
func New(policy string, backends []*Backend, cooldown time.Duration) (Balancer, error) {
	var b Balancer
	switch policy {
	case "", "round_robin":
		b = NewRoundRobin(backends)
	case "weighted_round_robin":
		b = NewWeightedRoundRobin(backends)
	case "least_conn":
		b = NewLeastConnections(backends)
	default:
		return nil, fmt.Errorf("unknown load balancer %q", policy)
	}
	if c, ok := b.(interface{ SetCooldown(time.Duration) }); ok {
		c.SetCooldown(cooldown)
	}
	return b, nil
}

// FromConfig builds the static backends of an upstream.
func FromConfig(up config.UpstreamConfig) ([]*Backend, error) {
	backends := make([]*Backend, 0, len(up.Backends))
	for _, bc := range up.Backends {
		b, err := NewBackend(bc.URL, bc.Weight)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// baseBalancer provides common functionality for balancers
type baseBalancer struct {
	backends      []*Backend
	urlIndex      map[string]int // URL → index in backends for O(1) health mark
	cachedHealthy atomic.Value   // []*Backend, rebuilt on health changes, read lock-free
	nextRecovery  atomic.Int64   // unix nanos of the earliest cooldown expiry, 0 if none
	cooldown      time.Duration
	now           func() time.Time
	mu            sync.RWMutex
}

func (b *baseBalancer) setBackends(backends []*Backend) {
	for _, be := range backends {
		if be.Weight == 0 {
			be.Weight = 1
		}
		if be.ParsedURL == nil {
			be.ParsedURL, _ = url.Parse(be.URL)
		}
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.cooldown == 0 {
		b.cooldown = DefaultCooldown
	}
	b.backends = backends
	b.buildIndex()
}

// SetCooldown sets how long MarkUnhealthy keeps a backend out of rotation.
func (b *baseBalancer) SetCooldown(d time.Duration) {
	if d <= 0 {
		d = DefaultCooldown
	}
	b.mu.Lock()
	b.cooldown = d
	b.mu.Unlock()
}

// buildIndex rebuilds the URL→index map from the current backends slice.
// Caller must hold the write lock.
func (b *baseBalancer) buildIndex() {
	b.urlIndex = make(map[string]int, len(b.backends))
	for i, backend := range b.backends {
		b.urlIndex[backend.URL] = i
	}
	b.rebuildHealthyCache()
}

// rebuildHealthyCache updates the atomic cached healthy slice and the
// earliest recovery deadline. Caller must hold the write lock.
func (b *baseBalancer) rebuildHealthyCache() {
	healthy := make([]*Backend, 0, len(b.backends))
	var earliest int64
	for _, be := range b.backends {
		if be.Healthy {
			healthy = append(healthy, be)
			continue
		}
		if !be.unhealthyUntil.IsZero() {
			if n := be.unhealthyUntil.UnixNano(); earliest == 0 || n < earliest {
				earliest = n
			}
		}
	}
	b.cachedHealthy.Store(healthy)
	b.nextRecovery.Store(earliest)
}

// CachedHealthyBackends returns the pre-computed healthy backends slice.
// Backends whose cooldown elapsed are restored first.
func (b *baseBalancer) CachedHealthyBackends() []*Backend {
	if next := b.nextRecovery.Load(); next != 0 && b.now().UnixNano() >= next {
		b.recoverExpired()
	}
	if v := b.cachedHealthy.Load(); v != nil {
		return v.([]*Backend)
	}
	return nil
}

func (b *baseBalancer) recoverExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	changed := false
	for _, be := range b.backends {
		if !be.Healthy && !be.unhealthyUntil.IsZero() && !now.Before(be.unhealthyUntil) {
			be.Healthy = true
			be.unhealthyUntil = time.Time{}
			changed = true
		}
	}
	if changed {
		b.rebuildHealthyCache()
	}
}

// UpdateBackends replaces the list of backends. The input is copied, so
// callers may share it between balancers.
func (b *baseBalancer) UpdateBackends(backends []*Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*Backend, 0, len(backends))
	for _, in := range backends {
		backend := &Backend{URL: in.URL, Weight: in.Weight, ParsedURL: in.ParsedURL, Healthy: true}
		if backend.Weight == 0 {
			backend.Weight = 1
		}
		if backend.ParsedURL == nil {
			backend.ParsedURL, _ = url.Parse(backend.URL)
		}
		// Preserve health status and load for existing backends
		if idx, ok := b.urlIndex[backend.URL]; ok {
			old := b.backends[idx]
			backend.Healthy = old.Healthy
			backend.unhealthyUntil = old.unhealthyUntil
			backend.ActiveRequests = atomic.LoadInt64(&old.ActiveRequests)
		}
		next = append(next, backend)
	}

	b.backends = next
	b.buildIndex()
}

// MarkHealthy marks a backend as healthy
func (b *baseBalancer) MarkHealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.urlIndex[url]; ok {
		b.backends[idx].Healthy = true
		b.backends[idx].unhealthyUntil = time.Time{}
		b.rebuildHealthyCache()
	}
}

// MarkUnhealthy marks a backend as unhealthy until the cooldown elapses
func (b *baseBalancer) MarkUnhealthy(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.urlIndex[url]; ok {
		b.backends[idx].Healthy = false
		b.backends[idx].unhealthyUntil = b.now().Add(b.cooldown)
		b.rebuildHealthyCache()
	}
}

// GetBackends returns a copy of all backends
func (b *baseBalancer) GetBackends() []*Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Backend, len(b.backends))
	for i, backend := range b.backends {
		result[i] = &Backend{
			URL:            backend.URL,
			Weight:         backend.Weight,
			Healthy:        backend.Healthy,
			ActiveRequests: atomic.LoadInt64(&backend.ActiveRequests),
			ParsedURL:      backend.ParsedURL,
		}
	}
	return result
}

// HealthyCount returns the number of healthy backends
func (b *baseBalancer) HealthyCount() int {
	return len(b.CachedHealthyBackends())
}

// SameURLs reports whether the balancer already holds exactly these backend URLs.
func (b *baseBalancer) SameURLs(backends []*Backend) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(backends) != len(b.backends) {
		return false
	}
	for _, be := range backends {
		if _, ok := b.urlIndex[be.URL]; !ok {
			return false
		}
	}
	return true
}
