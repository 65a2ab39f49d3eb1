package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/registry"
)

func TestFromUpstreams(t *testing.T) {
	r, err := FromUpstreams(map[string]config.UpstreamConfig{
		"user-service": {Backends: []config.BackendConfig{
			{URL: "http://10.0.1.10:8081", Weight: 2},
			{URL: "https://users.internal"},
		}},
		"product-service": {
			Service:  config.ServiceConfig{Name: "catalog", Tags: []string{"v2"}},
			Backends: []config.BackendConfig{{URL: "http://10.0.2.10:8082"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	users, _ := r.Discover(context.Background(), "user-service")
	if len(users) != 2 {
		t.Fatalf("expected 2 user instances, got %d", len(users))
	}
	if users[0].URL() != "http://10.0.1.10:8081" || users[0].Weight != 2 {
		t.Errorf("unexpected first instance %+v", users[0])
	}
	if users[1].URL() != "https://users.internal:443" {
		t.Errorf("default https port not applied: %s", users[1].URL())
	}

	catalog, _ := r.DiscoverWithTags(context.Background(), "catalog", []string{"v2"})
	if len(catalog) != 1 {
		t.Errorf("expected upstream registered under its service name, got %d", len(catalog))
	}
}

func TestRegisterDiscoverDeregister(t *testing.T) {
	r := New()
	ctx := context.Background()

	if err := r.Register(ctx, &registry.Service{Name: "order-service", Address: "10.0.3.10", Port: 8083}); err != nil {
		t.Fatal(err)
	}
	r.Register(ctx, &registry.Service{ID: "sick", Name: "order-service", Address: "10.0.3.11", Port: 8083, Health: registry.HealthCritical})

	services, _ := r.Discover(ctx, "order-service")
	if len(services) != 1 || services[0].ID == "" {
		t.Fatalf("expected 1 healthy instance with generated id, got %+v", services)
	}

	if err := r.Deregister(ctx, services[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister(ctx, "missing"); err != registry.ErrServiceNotFound {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
	if services, _ := r.Discover(ctx, "order-service"); len(services) != 0 {
		t.Errorf("expected no instances, got %d", len(services))
	}
}

func TestDiscoverWithTags(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.Register(ctx, &registry.Service{ID: "a", Name: "svc", Address: "h", Port: 1, Tags: []string{"prod", "eu"}})
	r.Register(ctx, &registry.Service{ID: "b", Name: "svc", Address: "h", Port: 2, Tags: []string{"prod"}})

	got, _ := r.DiscoverWithTags(ctx, "svc", []string{"prod", "eu"})
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestWatch(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := r.Watch(ctx, "svc")
	if err != nil {
		t.Fatal(err)
	}
	if initial := <-ch; len(initial) != 0 {
		t.Fatalf("expected empty initial state, got %d", len(initial))
	}

	r.Register(context.Background(), &registry.Service{ID: "a", Name: "svc", Address: "h", Port: 1})
	select {
	case update := <-ch:
		if len(update) != 1 {
			t.Errorf("expected 1 instance, got %d", len(update))
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestHandler(t *testing.T) {
	r := New()
	h := r.Handler()

	body := `{"name":"user-service","address":"10.0.1.20","port":8081}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/services", strings.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("POST status = %d: %s", w.Code, w.Body.String())
	}
	var created registry.Service
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/services?name=user-service", nil))
	var listed []registry.Service
	json.Unmarshal(w.Body.Bytes(), &listed)
	if len(listed) != 1 {
		t.Errorf("expected 1 listed service, got %d", len(listed))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/services", strings.NewReader(`{"name":"x"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing address, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("DELETE", "/services/"+created.ID, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/services/"+created.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d", w.Code)
	}
}
