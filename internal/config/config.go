package config

import (
	"time"
)

// Protocol represents the listener protocol type
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
)

// Config represents the complete gateway configuration
type Config struct {
	Listeners      []ListenerConfig          `yaml:"listeners"`
	Registry       RegistryConfig            `yaml:"registry"`
	Upstreams      map[string]UpstreamConfig `yaml:"upstreams"`
	Routes         []RouteConfig             `yaml:"routes"`
	Authentication AuthenticationConfig      `yaml:"authentication"`
	CORS           CORSConfig                `yaml:"cors"`
	Proxy          ProxyConfig               `yaml:"proxy"`
	Fallback       FallbackConfig            `yaml:"fallback"`
	Logging        LoggingConfig             `yaml:"logging"`
	Admin          AdminConfig               `yaml:"admin"`
	Reload         ReloadConfig              `yaml:"reload"`
}

// ListenerConfig defines a listener configuration
type ListenerConfig struct {
	ID       string             `yaml:"id"`
	Address  string             `yaml:"address"` // e.g., ":8080"
	Protocol Protocol           `yaml:"protocol"`
	TLS      TLSConfig          `yaml:"tls"`
	HTTP     HTTPListenerConfig `yaml:"http,omitempty"`
}

// HTTPListenerConfig defines HTTP-specific listener settings
type HTTPListenerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// TLSConfig defines TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// RegistryConfig defines service discovery settings
type RegistryConfig struct {
	Type     string        `yaml:"type"` // memory, consul, etcd, dns
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Consul   ConsulConfig  `yaml:"consul"`
	Etcd     EtcdConfig    `yaml:"etcd"`
	DNS      DNSConfig     `yaml:"dns"`
}

// ConsulConfig defines Consul connection settings
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
	Namespace  string `yaml:"namespace"`
}

// EtcdConfig defines etcd connection settings
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

// DNSConfig defines DNS SRV discovery settings
type DNSConfig struct {
	Domain       string        `yaml:"domain"`   // e.g. "service.consul"
	Protocol     string        `yaml:"protocol"` // tcp or udp
	Nameserver   string        `yaml:"nameserver"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// UpstreamConfig defines a named backend pool referenced as lb://<name>
type UpstreamConfig struct {
	Backends          []BackendConfig      `yaml:"backends"`
	Service           ServiceConfig        `yaml:"service"`
	LoadBalancer      string               `yaml:"load_balancer"` // round_robin, weighted_round_robin, least_conn
	Timeout           time.Duration        `yaml:"timeout"`
	UnhealthyCooldown time.Duration        `yaml:"unhealthy_cooldown"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Transport         TransportConfig      `yaml:"transport"`
}

// BackendConfig defines a static backend instance
type BackendConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// ServiceConfig names the service looked up in the registry
type ServiceConfig struct {
	Name string   `yaml:"name"`
	Tags []string `yaml:"tags"`
}

// CircuitBreakerConfig defines per-upstream circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening
	MaxRequests      int           `yaml:"max_requests"`      // probes allowed while half-open
	Timeout          time.Duration `yaml:"timeout"`           // open -> half-open
	Interval         time.Duration `yaml:"interval"`          // closed-state counter reset
}

// TransportConfig defines upstream HTTP transport settings
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	DisableKeepAlives     bool          `yaml:"disable_keep_alives"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
}

// RouteConfig defines a single path route.
//
// URI accepts lb://<upstream>, mock://<name> or a literal http(s) base URL.
type RouteConfig struct {
	ID       string        `yaml:"id"`
	Path     string        `yaml:"path"`
	URI      string        `yaml:"uri"`
	Category string        `yaml:"category"` // fallback category: user, product, order
	Timeout  time.Duration `yaml:"timeout"`
	Debug    bool          `yaml:"debug"`
}

// AuthenticationConfig defines the bearer token filter settings
type AuthenticationConfig struct {
	JWT            JWTConfig `yaml:"jwt"`
	PublicPaths    []string  `yaml:"public_paths"`
	IdentityHeader string    `yaml:"identity_header"`
	Realm          string    `yaml:"realm"`
}

// JWTConfig defines the shared-secret token settings
type JWTConfig struct {
	Secret    string `yaml:"secret"`
	Algorithm string `yaml:"algorithm"` // HS256, HS384, HS512
}

// CORSConfig defines the cross-origin policy
type CORSConfig struct {
	AllowOrigin      string   `yaml:"allow_origin"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds
}

// ProxyConfig defines dispatcher defaults
type ProxyConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	Transport TransportConfig `yaml:"transport"`
}

// FallbackConfig defines the fallback layer settings
type FallbackConfig struct {
	ExposeEndpoints bool `yaml:"expose_endpoints"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"` // json or console
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
}

// AdminConfig defines the admin listener serving metrics and health
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ReloadConfig controls configuration hot reload
type ReloadConfig struct {
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultPublicPaths are reachable without a bearer token.
var DefaultPublicPaths = []string{
	"/api/auth/login",
	"/api/auth/register",
	"/api/auth/validate",
	"/api/auth/check-email",
	"/api/products",
	"/api/products/portadas",
	"/portadas",
	"/uploads",
	"/actuator",
	"/eureka",
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listeners: []ListenerConfig{{
			ID:       "default-http",
			Address:  ":8080",
			Protocol: ProtocolHTTP,
			HTTP: HTTPListenerConfig{
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			},
		}},
		Registry: RegistryConfig{
			Type:     "memory",
			CacheTTL: 10 * time.Second,
			Consul: ConsulConfig{
				Address:    "localhost:8500",
				Scheme:     "http",
				Datacenter: "dc1",
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				DialTimeout: 5 * time.Second,
				Prefix:      "/services/",
			},
			DNS: DNSConfig{
				Protocol:     "tcp",
				Timeout:      5 * time.Second,
				PollInterval: 30 * time.Second,
			},
		},
		Authentication: AuthenticationConfig{
			JWT: JWTConfig{
				Algorithm: "HS256",
			},
			PublicPaths:    append([]string(nil), DefaultPublicPaths...),
			IdentityHeader: "X-User-Email",
			Realm:          "api",
		},
		CORS: CORSConfig{
			AllowOrigin:      "http://localhost:4200",
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
			AllowHeaders:     []string{"*"},
			AllowCredentials: true,
			MaxAge:           3600,
		},
		Proxy: ProxyConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Admin: AdminConfig{
			Address: ":9091",
		},
		Reload: ReloadConfig{
			Debounce: 500 * time.Millisecond,
		},
	}
}
