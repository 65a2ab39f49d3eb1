package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/listener"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/metrics"
)

const (
	adminListenerID = "admin"
	reloadHistory   = 50
)

// ReloadResult describes one configuration reload attempt.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Server serves the current gateway on the configured listeners and swaps
// in a freshly built gateway on reload.
type Server struct {
	current    atomic.Pointer[Gateway]
	collector  *metrics.Collector
	manager    *listener.Manager
	watcher    *config.Watcher
	configPath string
	startTime  time.Time

	reloadMu sync.Mutex
	history  []ReloadResult
}

// NewServer creates a gateway server.
// configPath is the path to the YAML config file, used for reload.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	s := &Server{
		collector:  metrics.NewCollector(),
		manager:    listener.NewManager(),
		configPath: configPath,
		startTime:  time.Now(),
	}

	gw, err := New(cfg, WithCollector(s.collector))
	if err != nil {
		return nil, err
	}
	s.current.Store(gw)

	if err := s.initListeners(cfg); err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to initialize listeners: %w", err)
	}
	return s, nil
}

func (s *Server) initListeners(cfg *config.Config) error {
	for _, lc := range cfg.Listeners {
		if lc.Protocol != "" && lc.Protocol != config.ProtocolHTTP {
			return fmt.Errorf("unknown protocol for listener %s: %s", lc.ID, lc.Protocol)
		}
		l, err := listener.NewHTTPListener(listener.FromConfig(lc, s))
		if err != nil {
			return fmt.Errorf("failed to create listener %s: %w", lc.ID, err)
		}
		if err := s.manager.Add(l); err != nil {
			return err
		}
	}

	if cfg.Admin.Enabled {
		l, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
			ID:           adminListenerID,
			Address:      cfg.Admin.Address,
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to create admin listener: %w", err)
		}
		if err := s.manager.Add(l); err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP hands the request to the gateway current at arrival. A reload
// during the request does not affect it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().Handler().ServeHTTP(w, r)
}

// Gateway returns the gateway currently serving requests.
func (s *Server) Gateway() *Gateway {
	return s.current.Load()
}

// Collector returns the metrics collector shared by all gateway generations.
func (s *Server) Collector() *metrics.Collector {
	return s.collector
}

// Listeners returns the listener manager.
func (s *Server) Listeners() *listener.Manager {
	return s.manager
}

// Start binds every listener and, when enabled, starts watching the
// configuration file.
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start listeners: %w", err)
	}

	cfg := s.current.Load().Config()
	if cfg.Reload.Watch && s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, cfg.Reload.Debounce)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		w.OnChange(func(newCfg *config.Config) {
			s.logReload(s.apply(newCfg, "watch"))
		})
		if err := w.Start(); err != nil {
			w.Stop()
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
		s.watcher = w
		logging.Info("watching configuration", zap.String("path", s.configPath))
	}
	return nil
}

// Run starts the server and blocks until SIGINT or SIGTERM.
// SIGHUP triggers a config reload.
func (s *Server) Run() error {
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for sig := range quit {
		if sig == syscall.SIGHUP {
			s.logReload(s.ReloadConfig())
			continue
		}
		logging.Info("shutting down gracefully", zap.String("signal", sig.String()))
		return s.Shutdown(30 * time.Second)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones until timeout
// and releases the current gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logging.Error("config watcher stop error", zap.Error(err))
		}
	}

	if err := s.manager.StopAll(ctx); err != nil {
		logging.Error("listener shutdown error", zap.Error(err))
	}

	if err := s.current.Load().Close(); err != nil {
		logging.Error("gateway close error", zap.Error(err))
		return err
	}

	logging.Info("server shutdown complete")
	return nil
}

// ReloadConfig reloads the configuration file and swaps in a new gateway.
// A file that fails to load or build keeps the current gateway serving.
func (s *Server) ReloadConfig() ReloadResult {
	return s.reload("signal")
}

func (s *Server) reload(source string) ReloadResult {
	if s.configPath == "" {
		return ReloadResult{Timestamp: time.Now(), Source: source, Error: "no config path configured"}
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		result := ReloadResult{
			Timestamp: time.Now(),
			Source:    source,
			Error:     fmt.Sprintf("config load failed: %v", err),
		}
		s.record(result)
		return result
	}
	return s.apply(newCfg, source)
}

// apply builds a gateway from cfg and makes it current. The previous
// gateway is closed once swapped out.
func (s *Server) apply(cfg *config.Config, source string) ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	result := ReloadResult{Timestamp: time.Now(), Source: source}

	gw, err := New(cfg, WithCollector(s.collector))
	if err != nil {
		result.Error = err.Error()
		s.recordLocked(result)
		return result
	}

	old := s.current.Swap(gw)
	result.Success = true
	result.Changes = diffConfig(old.Config(), cfg)

	if !slices.Equal(old.Config().Listeners, cfg.Listeners) || old.Config().Admin != cfg.Admin {
		logging.Warn("listener changes take effect after a restart")
	}
	if err := old.Close(); err != nil {
		logging.Warn("failed to close previous gateway", zap.Error(err))
	}

	s.recordLocked(result)
	return result
}

func (s *Server) record(result ReloadResult) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.recordLocked(result)
}

func (s *Server) recordLocked(result ReloadResult) {
	s.collector.RecordReload(result.Success)
	s.history = append(s.history, result)
	if len(s.history) > reloadHistory {
		s.history = s.history[len(s.history)-reloadHistory:]
	}
}

// ReloadHistory returns the most recent reload attempts, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return append([]ReloadResult(nil), s.history...)
}

func (s *Server) logReload(result ReloadResult) {
	if result.Success {
		logging.Info("config reloaded",
			zap.String("source", result.Source),
			zap.Strings("changes", result.Changes),
		)
		return
	}
	logging.Error("config reload failed",
		zap.String("source", result.Source),
		zap.String("error", result.Error),
	)
}

// diffConfig lists route and upstream additions and removals.
func diffConfig(old, cur *config.Config) []string {
	var changes []string

	oldRoutes := make(map[string]config.RouteConfig, len(old.Routes))
	for _, r := range old.Routes {
		oldRoutes[r.ID] = r
	}
	seen := make(map[string]bool, len(cur.Routes))
	for _, r := range cur.Routes {
		seen[r.ID] = true
		prev, ok := oldRoutes[r.ID]
		switch {
		case !ok:
			changes = append(changes, "route added: "+r.ID)
		case prev != r:
			changes = append(changes, "route changed: "+r.ID)
		}
	}
	for _, r := range old.Routes {
		if !seen[r.ID] {
			changes = append(changes, "route removed: "+r.ID)
		}
	}

	for _, name := range sortedKeys(cur.Upstreams) {
		if _, ok := old.Upstreams[name]; !ok {
			changes = append(changes, "upstream added: "+name)
		}
	}
	for _, name := range sortedKeys(old.Upstreams) {
		if _, ok := cur.Upstreams[name]; !ok {
			changes = append(changes, "upstream removed: "+name)
		}
	}
	return changes
}

func sortedKeys(m map[string]config.UpstreamConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
