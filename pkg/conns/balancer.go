package conns

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LoadBalancingAlgorithm selects which candidate factory serves the next
// acquisition. Implementations are shared across concurrent callers.
type LoadBalancingAlgorithm interface {
	Next() ConnectionFactory
	Factories() []ConnectionFactory
}

// failureObserver is an optional algorithm hook invoked when an acquisition
// from the selected factory fails.
type failureObserver interface {
	OnFailure(factory ConnectionFactory)
}

// successObserver is an optional algorithm hook invoked when an acquisition
// from the selected factory succeeds.
type successObserver interface {
	OnSuccess(factory ConnectionFactory)
}

// RoundRobinLoadBalancingAlgorithm cycles through the configured factories in
// order. The cursor advances with an atomic increment so concurrent callers
// never select the same slot twice in one cycle.
type RoundRobinLoadBalancingAlgorithm struct {
	factories []ConnectionFactory
	cursor    uint64
}

// NewRoundRobinLoadBalancingAlgorithm cycles over factories in the given
// order.
func NewRoundRobinLoadBalancingAlgorithm(factories []ConnectionFactory) *RoundRobinLoadBalancingAlgorithm {
	return &RoundRobinLoadBalancingAlgorithm{factories: factories}
}

func (a *RoundRobinLoadBalancingAlgorithm) Next() ConnectionFactory {
	index := atomic.AddUint64(&a.cursor, 1) - 1
	return a.factories[index%uint64(len(a.factories))]
}

func (a *RoundRobinLoadBalancingAlgorithm) Factories() []ConnectionFactory {
	return a.factories
}

// FailoverLoadBalancingAlgorithm always prefers the lowest-index healthy
// factory. A failure marks the factory unhealthy; the mark recovers on the
// next success, or when every candidate is marked. This is a retry-next-time
// policy with no timer, distinct from heartbeat detection.
type FailoverLoadBalancingAlgorithm struct {
	factories []ConnectionFactory

	mu        sync.Mutex
	unhealthy map[int]bool
}

// NewFailoverLoadBalancingAlgorithm prefers factories earlier in the slice.
func NewFailoverLoadBalancingAlgorithm(factories []ConnectionFactory) *FailoverLoadBalancingAlgorithm {
	return &FailoverLoadBalancingAlgorithm{
		factories: factories,
		unhealthy: make(map[int]bool),
	}
}

func (a *FailoverLoadBalancingAlgorithm) Next() ConnectionFactory {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, factory := range a.factories {
		if !a.unhealthy[i] {
			return factory
		}
	}

	// Every candidate is marked; clear the marks and start over at the top.
	a.unhealthy = make(map[int]bool)
	return a.factories[0]
}

func (a *FailoverLoadBalancingAlgorithm) Factories() []ConnectionFactory {
	return a.factories
}

func (a *FailoverLoadBalancingAlgorithm) OnFailure(factory ConnectionFactory) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, candidate := range a.factories {
		if candidate == factory {
			a.unhealthy[i] = true
			return
		}
	}
}

func (a *FailoverLoadBalancingAlgorithm) OnSuccess(factory ConnectionFactory) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, candidate := range a.factories {
		if candidate == factory {
			delete(a.unhealthy, i)
			return
		}
	}
}

// LoadBalancedConnectionFactory composes several candidate factories behind a
// pluggable selection algorithm. On failure it retries the next candidate,
// never more than one full pass, then propagates the last observed error.
type LoadBalancedConnectionFactory struct {
	algorithm LoadBalancingAlgorithm
	logger    *zap.Logger
}

// NewLoadBalancedConnectionFactory balances acquisitions over the
// algorithm's candidates. A nil logger disables logging.
func NewLoadBalancedConnectionFactory(algorithm LoadBalancingAlgorithm, logger *zap.Logger) *LoadBalancedConnectionFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoadBalancedConnectionFactory{
		algorithm: algorithm,
		logger:    logger.With(zap.String("component", "load-balancer")),
	}
}

func (f *LoadBalancedConnectionFactory) GetConnection() (Connection, error) {
	return f.GetConnectionAsync(nil).Wait()
}

// GetConnectionAsync chains candidate attempts through callbacks so the
// calling goroutine never blocks.
func (f *LoadBalancedConnectionFactory) GetConnectionAsync(handler ConnectionHandler) *ConnectionFuture {
	future := NewConnectionFuture(handler)
	f.attempt(future, len(f.algorithm.Factories()))
	return future
}

func (f *LoadBalancedConnectionFactory) attempt(future *ConnectionFuture, attemptsLeft int) {
	selected := f.algorithm.Next()

	selected.GetConnectionAsync(func(conn Connection, err error) {
		if err == nil {
			if observer, ok := f.algorithm.(successObserver); ok {
				observer.OnSuccess(selected)
			}
			if !future.Complete(conn, nil) {
				_ = conn.Close()
			}
			return
		}

		if observer, ok := f.algorithm.(failureObserver); ok {
			observer.OnFailure(selected)
		}
		f.logger.Debug("candidate factory failed",
			zap.String("factory", fmt.Sprintf("%v", selected)),
			zap.Int("attemptsLeft", attemptsLeft-1),
			zap.Error(err))

		if attemptsLeft <= 1 {
			future.Complete(nil, err)
			return
		}
		f.attempt(future, attemptsLeft-1)
	})
}

// Close closes every candidate factory, returning the first error observed.
func (f *LoadBalancedConnectionFactory) Close() error {
	var firstErr error
	for _, factory := range f.algorithm.Factories() {
		if err := factory.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *LoadBalancedConnectionFactory) String() string {
	return fmt.Sprintf("load-balanced(%d factories)", len(f.algorithm.Factories()))
}
