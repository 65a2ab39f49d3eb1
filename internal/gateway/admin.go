package gateway

import (
	"net/http"
	"time"
)

// adminHandler serves operational endpoints on the admin listener.
// Each request reads the gateway current at that moment.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.collector.Handler())
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/backends", s.handleBackends)
	mux.HandleFunc("/circuit-breakers", s.handleCircuitBreakers)
	mux.HandleFunc("/listeners", s.handleListeners)
	mux.HandleFunc("/reload", s.handleReload)
	mux.HandleFunc("/reload/status", s.handleReloadStatus)
	mux.HandleFunc("/services", s.handleServices)
	mux.HandleFunc("/services/", s.handleServices)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gw := s.current.Load()
	writeJSON(w, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"routes":    len(gw.Routes()),
		"upstreams": len(gw.Config().Upstreams),
		"listeners": s.manager.Count(),
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	type routeInfo struct {
		ID       string `json:"id"`
		Path     string `json:"path"`
		Target   string `json:"target"`
		Category string `json:"category,omitempty"`
		Timeout  string `json:"timeout,omitempty"`
		Debug    bool   `json:"debug,omitempty"`
	}

	routes := s.current.Load().Routes()
	result := make([]routeInfo, 0, len(routes))
	for _, route := range routes {
		info := routeInfo{
			ID:       route.ID,
			Path:     route.Pattern,
			Target:   route.Target.String(),
			Category: route.Category,
			Debug:    route.Debug,
		}
		if route.Timeout > 0 {
			info.Timeout = route.Timeout.String()
		}
		result = append(result, info)
	}
	writeJSON(w, result)
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	type backendInfo struct {
		URL     string `json:"url"`
		Weight  int    `json:"weight"`
		Healthy bool   `json:"healthy"`
		Active  int64  `json:"active_requests"`
	}

	result := make(map[string][]backendInfo)
	for upstream, backends := range s.current.Load().Dispatcher().Balancers() {
		infos := make([]backendInfo, 0, len(backends))
		for _, b := range backends {
			infos = append(infos, backendInfo{
				URL:     b.URL,
				Weight:  b.Weight,
				Healthy: b.Healthy,
				Active:  b.GetActive(),
			})
		}
		result[upstream] = infos
	}
	writeJSON(w, result)
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.current.Load().Breakers().Snapshots())
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	type listenerInfo struct {
		ID       string `json:"id"`
		Protocol string `json:"protocol"`
		Address  string `json:"address"`
	}

	ids := s.manager.List()
	result := make([]listenerInfo, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.manager.Get(id); ok {
			result = append(result, listenerInfo{ID: id, Protocol: l.Protocol(), Address: l.Addr()})
		}
	}
	writeJSON(w, result)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result := s.reload("admin")
	s.logReload(result)
	writeJSON(w, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ReloadHistory())
}

// handleServices exposes registries that can be administered over HTTP.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.current.Load().Registry().(interface{ Handler() http.Handler })
	if !ok {
		http.Error(w, "registry is not administrable", http.StatusNotImplemented)
		return
	}
	reg.Handler().ServeHTTP(w, r)
}
