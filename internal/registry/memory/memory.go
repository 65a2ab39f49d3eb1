package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/registry"
)

// Registry is an in-process service registry. It is seeded from the static
// upstream backends and can be changed at runtime through Handler.
type Registry struct {
	services map[string]*registry.Service
	watchers map[string][]chan []*registry.Service
	mu       sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		services: make(map[string]*registry.Service),
		watchers: make(map[string][]chan []*registry.Service),
	}
}

// FromUpstreams creates a registry holding the static backends of every
// upstream, registered under the upstream's service name.
func FromUpstreams(upstreams map[string]config.UpstreamConfig) (*Registry, error) {
	r := New()
	names := make([]string, 0, len(upstreams))
	for name := range upstreams {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		up := upstreams[name]
		serviceName := up.Service.Name
		if serviceName == "" {
			serviceName = name
		}
		for i, b := range up.Backends {
			svc, err := serviceFromURL(serviceName, b.URL)
			if err != nil {
				return nil, fmt.Errorf("upstream %s: %w", name, err)
			}
			svc.ID = fmt.Sprintf("%s-%d", serviceName, i)
			svc.Weight = b.Weight
			svc.Tags = append([]string(nil), up.Service.Tags...)
			r.services[svc.ID] = svc
		}
	}
	return r, nil
}

func serviceFromURL(name, raw string) (*registry.Service, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", raw, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		portStr = "80"
		if u.Scheme == "https" {
			portStr = "443"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("backend %q: invalid port", raw)
	}
	return &registry.Service{
		Name:    name,
		Scheme:  u.Scheme,
		Address: host,
		Port:    port,
		Health:  registry.HealthPassing,
	}, nil
}

// Register registers a service instance
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if service.ID == "" {
		service.ID = uuid.New().String()
	}
	if service.Health == "" {
		service.Health = registry.HealthPassing
	}

	r.services[service.ID] = service
	r.notifyWatchers(service.Name)

	return nil
}

// Deregister removes a service instance
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	service, exists := r.services[serviceID]
	if !exists {
		return registry.ErrServiceNotFound
	}

	delete(r.services, serviceID)
	r.notifyWatchers(service.Name)

	return nil
}

// Discover returns all healthy instances of a service
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	return r.DiscoverWithTags(ctx, serviceName, nil)
}

// DiscoverWithTags returns healthy instances carrying all tags, ordered by ID.
func (r *Registry) DiscoverWithTags(ctx context.Context, serviceName string, tags []string) ([]*registry.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.healthyLocked(serviceName, tags), nil
}

func (r *Registry) healthyLocked(serviceName string, tags []string) []*registry.Service {
	var result []*registry.Service
	for _, svc := range r.services {
		if svc.Name == serviceName && svc.Healthy() && registry.HasAllTags(svc.Tags, tags) {
			result = append(result, svc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Watch subscribes to service changes. The current state is delivered first.
func (r *Registry) Watch(ctx context.Context, serviceName string) (<-chan []*registry.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan []*registry.Service, 10)
	ch <- r.healthyLocked(serviceName, nil)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)

	go func() {
		<-ctx.Done()
		r.removeWatcher(serviceName, ch)
	}()

	return ch, nil
}

func (r *Registry) removeWatcher(serviceName string, ch chan []*registry.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	watchers := r.watchers[serviceName]
	for i, w := range watchers {
		if w == ch {
			r.watchers[serviceName] = append(watchers[:i], watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// notifyWatchers notifies all watchers of a service change (caller must hold lock)
func (r *Registry) notifyWatchers(serviceName string) {
	watchers := r.watchers[serviceName]
	if len(watchers) == 0 {
		return
	}
	services := r.healthyLocked(serviceName, nil)
	for _, ch := range watchers {
		select {
		case ch <- services:
		default:
			// Channel full, skip
		}
	}
}

// Close closes every open watch channel.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, watchers := range r.watchers {
		for _, ch := range watchers {
			close(ch)
		}
		delete(r.watchers, name)
	}
	return nil
}

// GetAll returns all registered services ordered by ID
func (r *Registry) GetAll() []*registry.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*registry.Service, 0, len(r.services))
	for _, svc := range r.services {
		result = append(result, svc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Handler serves the registry over REST:
//
//	GET    /services[?name=]  list instances
//	POST   /services          register an instance
//	GET    /services/{id}     fetch one instance
//	DELETE /services/{id}     deregister
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/services", r.handleServices)
	mux.HandleFunc("/services/", r.handleService)
	return mux
}

func (r *Registry) handleServices(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch req.Method {
	case http.MethodGet:
		name := req.URL.Query().Get("name")
		services := r.GetAll()
		if name != "" {
			filtered := services[:0]
			for _, svc := range services {
				if svc.Name == name {
					filtered = append(filtered, svc)
				}
			}
			services = filtered
		}
		json.NewEncoder(w).Encode(services)

	case http.MethodPost:
		var svc registry.Service
		if err := json.NewDecoder(req.Body).Decode(&svc); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		switch {
		case svc.Name == "":
			writeError(w, http.StatusBadRequest, "name is required")
			return
		case svc.Address == "":
			writeError(w, http.StatusBadRequest, "address is required")
			return
		case svc.Port == 0:
			writeError(w, http.StatusBadRequest, "port is required")
			return
		}

		if err := r.Register(req.Context(), &svc); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(svc)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Registry) handleService(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := strings.TrimPrefix(req.URL.Path, "/services/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "service id required")
		return
	}

	switch req.Method {
	case http.MethodGet:
		r.mu.RLock()
		svc, exists := r.services[id]
		r.mu.RUnlock()
		if !exists {
			writeError(w, http.StatusNotFound, "service not found")
			return
		}
		json.NewEncoder(w).Encode(svc)

	case http.MethodDelete:
		if err := r.Deregister(req.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, "service not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
