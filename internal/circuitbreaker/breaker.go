// Package circuitbreaker keeps one breaker per upstream in front of the
// dispatcher's outbound calls.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/storefront/edge-gateway/internal/config"
	"github.com/storefront/edge-gateway/internal/errors"
	"github.com/storefront/edge-gateway/internal/logging"
	"github.com/storefront/edge-gateway/internal/metrics"
)

// Defaults applied to enabled breakers that leave a setting unset.
const (
	DefaultFailureThreshold = 5
	DefaultMaxRequests      = 1
	DefaultTimeout          = 30 * time.Second
)

// Breaker guards calls to one upstream.
type Breaker = gobreaker.CircuitBreaker[*http.Response]

// StateRecorder receives breaker state transitions.
type StateRecorder interface {
	SetCircuitBreakerState(upstream string, state int)
}

// Manager lazily creates breakers for upstreams that enable one.
type Manager struct {
	settings map[string]config.CircuitBreakerConfig
	recorder StateRecorder

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a manager for the given upstreams. recorder may be nil.
func NewManager(upstreams map[string]config.UpstreamConfig, recorder StateRecorder) *Manager {
	settings := make(map[string]config.CircuitBreakerConfig, len(upstreams))
	for name, up := range upstreams {
		if up.CircuitBreaker.Enabled {
			settings[name] = up.CircuitBreaker
		}
	}
	return &Manager{
		settings: settings,
		recorder: recorder,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker of upstream, or nil when it has none.
func (m *Manager) For(upstream string) *Breaker {
	cfg, ok := m.settings[upstream]
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[upstream]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[*http.Response](m.newSettings(upstream, cfg))
	m.breakers[upstream] = b
	if m.recorder != nil {
		m.recorder.SetCircuitBreakerState(upstream, metrics.StateClosed)
	}
	return b
}

func (m *Manager) newSettings(upstream string, cfg config.CircuitBreakerConfig) gobreaker.Settings {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return gobreaker.Settings{
		Name:        upstream,
		MaxRequests: uint32(maxRequests),
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return int(c.ConsecutiveFailures) >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state changed",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if m.recorder != nil {
				m.recorder.SetCircuitBreakerState(name, gaugeValue(to))
			}
		},
		IsSuccessful: isSuccessful,
	}
}

// Execute runs fn through the breaker of upstream. Without a breaker fn runs
// directly. A rejected call returns an error matching errors.ErrCircuitOpen.
func (m *Manager) Execute(upstream string, fn func() (*http.Response, error)) (*http.Response, error) {
	b := m.For(upstream)
	if b == nil {
		return fn()
	}
	resp, err := b.Execute(fn)
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", errors.ErrCircuitOpen, upstream, err)
	}
	return resp, err
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Upstream            string `json:"upstream"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Snapshots returns the breakers created so far, sorted by upstream.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.breakers))
	for name, b := range m.breakers {
		c := b.Counts()
		out = append(out, Snapshot{
			Upstream:            name,
			State:               b.State().String(),
			Requests:            c.Requests,
			TotalFailures:       c.TotalFailures,
			ConsecutiveFailures: c.ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Upstream < out[j].Upstream })
	return out
}

// A client that hangs up says nothing about the upstream.
func isSuccessful(err error) bool {
	return err == nil || stderrors.Is(err, context.Canceled)
}

func gaugeValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return metrics.StateOpen
	case gobreaker.StateHalfOpen:
		return metrics.StateHalfOpen
	default:
		return metrics.StateClosed
	}
}
