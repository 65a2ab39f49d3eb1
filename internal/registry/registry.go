package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// HealthStatus represents the health status of a service
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Service represents a service instance
type Service struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Scheme   string            `json:"scheme,omitempty"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Weight   int               `json:"weight,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Health   HealthStatus      `json:"health"`
}

// URL returns the base URL of the instance
func (s *Service) URL() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Healthy reports whether the instance may receive traffic.
func (s *Service) Healthy() bool {
	return s.Health == HealthPassing || s.Health == ""
}

// Registry defines the interface for service discovery
type Registry interface {
	// Register registers a service instance
	Register(ctx context.Context, service *Service) error

	// Deregister removes a service instance
	Deregister(ctx context.Context, serviceID string) error

	// Discover returns all healthy instances of a service
	Discover(ctx context.Context, serviceName string) ([]*Service, error)

	// DiscoverWithTags returns instances matching specific tags
	DiscoverWithTags(ctx context.Context, serviceName string, tags []string) ([]*Service, error)

	// Watch subscribes to service changes
	Watch(ctx context.Context, serviceName string) (<-chan []*Service, error)

	// Close closes the registry connection
	Close() error
}

// Type represents the type of registry
type Type string

const (
	TypeMemory Type = "memory"
	TypeConsul Type = "consul"
	TypeEtcd   Type = "etcd"
	TypeDNS    Type = "dns"
)

// ErrServiceNotFound is returned when a service is not found
var ErrServiceNotFound = errors.New("service not found")

// HasAllTags reports whether serviceTags contains every required tag.
func HasAllTags(serviceTags, requiredTags []string) bool {
	if len(requiredTags) == 0 {
		return true
	}

	tagSet := make(map[string]bool, len(serviceTags))
	for _, t := range serviceTags {
		tagSet[t] = true
	}

	for _, t := range requiredTags {
		if !tagSet[t] {
			return false
		}
	}
	return true
}
