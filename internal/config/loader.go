package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// Route target schemes.
const (
	SchemeLoadBalanced = "lb"
	SchemeMock         = "mock"
)

var validCategories = map[string]bool{
	"":        true,
	"user":    true,
	"product": true,
	"order":   true,
}

var validAlgorithms = map[string]bool{
	"HS256": true,
	"HS384": true,
	"HS512": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if err := l.validateListeners(cfg); err != nil {
		return err
	}

	validTypes := map[string]bool{
		"memory": true,
		"consul": true,
		"etcd":   true,
		"dns":    true,
	}
	if !validTypes[cfg.Registry.Type] {
		return fmt.Errorf("invalid registry type: %s", cfg.Registry.Type)
	}
	if cfg.Registry.Type == "dns" && cfg.Registry.DNS.Domain == "" {
		return fmt.Errorf("registry.dns: domain is required")
	}
	if cfg.Registry.Type == "etcd" && len(cfg.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("registry.etcd: at least one endpoint is required")
	}
	if cfg.Registry.CacheTTL < 0 {
		return fmt.Errorf("registry.cache_ttl must be >= 0")
	}

	for name, up := range cfg.Upstreams {
		if err := l.validateUpstream(name, up); err != nil {
			return err
		}
	}

	routeIDs := make(map[string]bool)
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if err := l.validateRoute(cfg, route); err != nil {
			return err
		}
	}

	if err := l.validateAuthentication(cfg.Authentication); err != nil {
		return err
	}

	if err := ValidateCORS(cfg.CORS); err != nil {
		return err
	}

	if cfg.Proxy.Timeout < 0 {
		return fmt.Errorf("proxy.timeout must be >= 0")
	}

	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}

	return nil
}

func (l *Loader) validateListeners(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	listenerIDs := make(map[string]bool)
	for i, listener := range cfg.Listeners {
		if listener.ID == "" {
			return fmt.Errorf("listener %d: id is required", i)
		}
		if listenerIDs[listener.ID] {
			return fmt.Errorf("duplicate listener id: %s", listener.ID)
		}
		listenerIDs[listener.ID] = true

		if listener.Address == "" {
			return fmt.Errorf("listener %s: address is required", listener.ID)
		}
		if listener.Protocol != ProtocolHTTP {
			return fmt.Errorf("listener %s: invalid protocol: %q", listener.ID, listener.Protocol)
		}
		if listener.TLS.Enabled {
			if listener.TLS.CertFile == "" {
				return fmt.Errorf("listener %s: TLS enabled but cert_file not provided", listener.ID)
			}
			if listener.TLS.KeyFile == "" {
				return fmt.Errorf("listener %s: TLS enabled but key_file not provided", listener.ID)
			}
		}
	}
	return nil
}

func (l *Loader) validateUpstream(name string, up UpstreamConfig) error {
	if name == "" {
		return fmt.Errorf("upstream name must not be empty")
	}
	for i, b := range up.Backends {
		u, err := url.Parse(b.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("upstream %s: backend %d: invalid url %q", name, i, b.URL)
		}
		if b.Weight < 0 {
			return fmt.Errorf("upstream %s: backend %d: weight must be >= 0", name, i)
		}
	}
	switch up.LoadBalancer {
	case "", "round_robin", "weighted_round_robin", "least_conn":
	default:
		return fmt.Errorf("upstream %s: unknown load_balancer %q", name, up.LoadBalancer)
	}
	if up.Timeout < 0 {
		return fmt.Errorf("upstream %s: timeout must be >= 0", name)
	}
	if up.UnhealthyCooldown < 0 {
		return fmt.Errorf("upstream %s: unhealthy_cooldown must be >= 0", name)
	}
	cb := up.CircuitBreaker
	if cb.FailureThreshold < 0 || cb.MaxRequests < 0 || cb.Timeout < 0 || cb.Interval < 0 {
		return fmt.Errorf("upstream %s: circuit_breaker values must be >= 0", name)
	}
	return nil
}

func (l *Loader) validateRoute(cfg *Config, route RouteConfig) error {
	if route.Path == "" {
		return fmt.Errorf("route %s: path is required", route.ID)
	}
	if !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("route %s: path must start with /", route.ID)
	}
	if !doublestar.ValidatePattern(route.Path) {
		return fmt.Errorf("route %s: invalid path pattern %q", route.ID, route.Path)
	}
	if !validCategories[route.Category] {
		return fmt.Errorf("route %s: invalid category %q", route.ID, route.Category)
	}
	if route.Timeout < 0 {
		return fmt.Errorf("route %s: timeout must be >= 0", route.ID)
	}
	if route.URI == "" {
		return fmt.Errorf("route %s: uri is required", route.ID)
	}

	u, err := url.Parse(route.URI)
	if err != nil {
		return fmt.Errorf("route %s: invalid uri: %w", route.ID, err)
	}
	switch u.Scheme {
	case SchemeLoadBalanced:
		if u.Host == "" {
			return fmt.Errorf("route %s: lb uri must name an upstream", route.ID)
		}
		up, ok := cfg.Upstreams[u.Host]
		if cfg.Registry.Type == "memory" && (!ok || len(up.Backends) == 0) {
			return fmt.Errorf("route %s: upstream %q has no static backends", route.ID, u.Host)
		}
	case SchemeMock:
		if u.Host == "" {
			return fmt.Errorf("route %s: mock uri must name a service", route.ID)
		}
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("route %s: uri has no host", route.ID)
		}
	default:
		return fmt.Errorf("route %s: unsupported uri scheme %q", route.ID, u.Scheme)
	}
	return nil
}

func (l *Loader) validateAuthentication(a AuthenticationConfig) error {
	if a.JWT.Secret == "" {
		return fmt.Errorf("authentication.jwt: secret is required")
	}
	if !validAlgorithms[a.JWT.Algorithm] {
		return fmt.Errorf("authentication.jwt: unsupported algorithm %q", a.JWT.Algorithm)
	}
	if a.IdentityHeader == "" {
		return fmt.Errorf("authentication: identity_header must not be empty")
	}
	for _, p := range a.PublicPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("authentication: public path %q must start with /", p)
		}
	}
	return nil
}

// ValidateCORS checks the cross-origin policy.
func ValidateCORS(c CORSConfig) error {
	if c.AllowOrigin == "" {
		return fmt.Errorf("cors: allow_origin is required")
	}
	if c.AllowOrigin == "*" && c.AllowCredentials {
		return fmt.Errorf("cors: allow_origin \"*\" cannot be combined with allow_credentials")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("cors: max_age must be >= 0")
	}
	return nil
}
