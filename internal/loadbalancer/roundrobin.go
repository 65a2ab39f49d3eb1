package loadbalancer

import (
	"sync/atomic"
)

// RoundRobin implements round-robin load balancing
type RoundRobin struct {
	baseBalancer
	current uint64
}

// NewRoundRobin creates a new round-robin balancer.
// Healthy status is preserved as-is from the input.
func NewRoundRobin(backends []*Backend) *RoundRobin {
	rr := &RoundRobin{}
	rr.setBackends(backends)
	return rr
}

// Next returns the next healthy backend using round-robin.
func (rr *RoundRobin) Next() *Backend {
	healthy := rr.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}

	idx := atomic.AddUint64(&rr.current, 1)
	return healthy[(idx-1)%uint64(len(healthy))]
}

// WeightedRoundRobin implements weighted round-robin load balancing
type WeightedRoundRobin struct {
	baseBalancer
	current       int
	currentWeight int
}

// NewWeightedRoundRobin creates a new weighted round-robin balancer
func NewWeightedRoundRobin(backends []*Backend) *WeightedRoundRobin {
	wrr := &WeightedRoundRobin{current: -1}
	wrr.setBackends(backends)
	return wrr
}

// gcd calculates the greatest common divisor
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Next returns the next backend using weighted round-robin
func (wrr *WeightedRoundRobin) Next() *Backend {
	healthy := wrr.CachedHealthyBackends()
	if len(healthy) == 0 {
		return nil
	}

	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	maxWeight := 0
	gcdWeight := healthy[0].Weight
	for _, b := range healthy {
		if b.Weight > maxWeight {
			maxWeight = b.Weight
		}
		gcdWeight = gcd(gcdWeight, b.Weight)
	}

	for {
		wrr.current = (wrr.current + 1) % len(healthy)
		if wrr.current == 0 {
			wrr.currentWeight -= gcdWeight
			if wrr.currentWeight <= 0 {
				wrr.currentWeight = maxWeight
			}
		}
		if healthy[wrr.current].Weight >= wrr.currentWeight {
			return healthy[wrr.current]
		}
	}
}

// UpdateBackends updates backends and restarts the weight cycle
func (wrr *WeightedRoundRobin) UpdateBackends(backends []*Backend) {
	wrr.baseBalancer.UpdateBackends(backends)
	wrr.mu.Lock()
	wrr.current = -1
	wrr.currentWeight = 0
	wrr.mu.Unlock()
}
