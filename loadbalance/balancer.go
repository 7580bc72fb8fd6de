// Package loadbalance picks the instance a client connects to when it
// discovers servers through a registry.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  the same client key always lands on the same instance
package loadbalance

import (
	"github.com/pkg/errors"

	"stream-rpc/registry"
)

// ErrNoInstances is returned by Pick when the instance list is empty.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer with the given name.
func New(name, key string) (Balancer, error) {
	switch name {
	case "RoundRobin", "round-robin", "":
		return &RoundRobinBalancer{}, nil
	case "WeightedRandom", "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "ConsistentHash", "consistent-hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
}
