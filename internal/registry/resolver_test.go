package registry

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/errors"
)

type fakeRegistry struct {
	mu       sync.Mutex
	services map[string][]*Service
	err      error
	calls    atomic.Int32
	delay    time.Duration
	lastTags []string
	watch    chan []*Service
}

func (f *fakeRegistry) Register(context.Context, *Service) error { return nil }
func (f *fakeRegistry) Deregister(context.Context, string) error { return nil }
func (f *fakeRegistry) Close() error                             { return nil }

func (f *fakeRegistry) Discover(ctx context.Context, name string) ([]*Service, error) {
	return f.DiscoverWithTags(ctx, name, nil)
}

func (f *fakeRegistry) DiscoverWithTags(ctx context.Context, name string, tags []string) ([]*Service, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTags = tags
	if f.err != nil {
		return nil, f.err
	}
	return f.services[name], nil
}

func (f *fakeRegistry) Watch(ctx context.Context, name string) (<-chan []*Service, error) {
	if f.watch == nil {
		return nil, stderrors.New("watch unsupported")
	}
	return f.watch, nil
}

func userInstances() map[string][]*Service {
	return map[string][]*Service{
		"user-service": {
			{ID: "u1", Name: "user-service", Address: "10.0.1.10", Port: 8081},
			{ID: "u2", Name: "user-service", Address: "10.0.1.11", Port: 8081, Health: HealthCritical},
		},
	}
}

func TestResolve(t *testing.T) {
	reg := &fakeRegistry{services: userInstances()}
	r := NewResolver(reg, nil, time.Minute)

	backends, err := r.Resolve(context.Background(), "user-service")
	if err != nil {
		t.Fatal(err)
	}
	if len(backends) != 1 || backends[0].URL != "http://10.0.1.10:8081" {
		t.Fatalf("unexpected backends %+v", backends)
	}

	// Served from cache.
	r.Resolve(context.Background(), "user-service")
	if reg.calls.Load() != 1 {
		t.Errorf("expected 1 registry call, got %d", reg.calls.Load())
	}

	r.Invalidate("user-service")
	r.Resolve(context.Background(), "user-service")
	if reg.calls.Load() != 2 {
		t.Errorf("expected lookup after invalidation, got %d calls", reg.calls.Load())
	}
}

func TestResolveUsesServiceNameAndTags(t *testing.T) {
	reg := &fakeRegistry{services: map[string][]*Service{
		"catalog": {{ID: "c1", Name: "catalog", Address: "10.0.2.10", Port: 8082}},
	}}
	r := NewResolver(reg, map[string]config.UpstreamConfig{
		"product-service": {Service: config.ServiceConfig{Name: "catalog", Tags: []string{"v2"}}},
	}, time.Minute)

	backends, err := r.Resolve(context.Background(), "product-service")
	if err != nil {
		t.Fatal(err)
	}
	if len(backends) != 1 {
		t.Fatalf("expected 1 backend, got %d", len(backends))
	}
	if len(reg.lastTags) != 1 || reg.lastTags[0] != "v2" {
		t.Errorf("tags not passed: %v", reg.lastTags)
	}
}

func TestResolveEmptyIsUnreachable(t *testing.T) {
	r := NewResolver(&fakeRegistry{}, nil, time.Minute)

	_, err := r.Resolve(context.Background(), "order-service")
	if !stderrors.Is(err, errors.ErrUpstreamUnreachable) {
		t.Fatalf("expected ErrUpstreamUnreachable, got %v", err)
	}
}

func TestResolveRegistryErrorIsUnreachable(t *testing.T) {
	cause := stderrors.New("connection refused")
	reg := &fakeRegistry{err: cause}
	r := NewResolver(reg, nil, time.Minute)

	_, err := r.Resolve(context.Background(), "order-service")
	if !stderrors.Is(err, errors.ErrUpstreamUnreachable) || !stderrors.Is(err, cause) {
		t.Fatalf("expected wrapped unreachable error, got %v", err)
	}

	// Failures are not cached.
	reg.mu.Lock()
	reg.err = nil
	reg.services = userInstances()
	reg.mu.Unlock()
	if _, err := r.Resolve(context.Background(), "user-service"); err != nil {
		t.Errorf("expected recovery, got %v", err)
	}
}

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	reg := &fakeRegistry{services: userInstances(), delay: 50 * time.Millisecond}
	r := NewResolver(reg, nil, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "user-service"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := reg.calls.Load(); n != 1 {
		t.Errorf("expected a single registry call, got %d", n)
	}
}

func TestResolveHonorsCallerCancellation(t *testing.T) {
	reg := &fakeRegistry{services: userInstances(), delay: 200 * time.Millisecond}
	r := NewResolver(reg, nil, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := r.Resolve(ctx, "user-service"); !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestResolveCacheExpires(t *testing.T) {
	reg := &fakeRegistry{services: userInstances()}
	r := NewResolver(reg, nil, 20*time.Millisecond)

	r.Resolve(context.Background(), "user-service")
	time.Sleep(60 * time.Millisecond)
	r.Resolve(context.Background(), "user-service")

	if n := reg.calls.Load(); n != 2 {
		t.Errorf("expected cache expiry to trigger a lookup, got %d calls", n)
	}
}

func TestWatchUpdatesCache(t *testing.T) {
	reg := &fakeRegistry{watch: make(chan []*Service, 1)}
	r := NewResolver(reg, map[string]config.UpstreamConfig{"user-service": {}}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Watch(ctx)

	reg.watch <- []*Service{{ID: "u9", Name: "user-service", Address: "10.0.1.99", Port: 8081}}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if backends, ok := r.cache.Get("user-service"); ok && len(backends) == 1 {
			if backends[0].URL != "http://10.0.1.99:8081" {
				t.Errorf("URL = %s", backends[0].URL)
			}
			if reg.calls.Load() != 0 {
				t.Error("watch update should not call the registry")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cache not updated from watch")
}

func TestServiceURL(t *testing.T) {
	s := &Service{Address: "2001:db8::1", Port: 8443, Scheme: "https"}
	if got := s.URL(); got != "https://[2001:db8::1]:8443" {
		t.Errorf("URL = %s", got)
	}
}
