// Package resilience provides retry and circuit breaker helpers for calls to
// remote data hosts.
package resilience

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ErrCircuitOpen is returned when a call is rejected by an open circuit.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when a host is cut off.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive tripping failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before one probe is let through.
	ResetTimeout time.Duration
	// ShouldTrip decides which errors count. Default: IsTransient, so a
	// missing month (404) does not cut off its host.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig returns the default breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// CircuitBreaker guards calls to one remote host. While half-open only a
// single probe is in flight; its outcome closes or reopens the circuit.
type CircuitBreaker struct {
	cfg  CircuitBreakerConfig
	name string
	now  func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	d := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = d.ResetTimeout
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open, and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for functions that return a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := cb.acquire(); err != nil {
		var zero T
		return zero, err
	}
	val, err := fn(ctx)
	cb.record(err)
	return val, err
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.setState(CircuitHalfOpen)
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
	}
	cb.probing = cb.state == CircuitHalfOpen
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	if err == nil || !cb.cfg.ShouldTrip(err) {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.setState(CircuitClosed)
		}
		return
	}

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		cb.setState(CircuitOpen)
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	if cb.state == to {
		return
	}
	zap.L().Warn("circuit breaker state change",
		zap.String("host", cb.name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", to),
	)
	cb.state = to
}

// HostBreakers keeps one circuit breaker per remote host.
type HostBreakers struct {
	cfg      CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewHostBreakers creates an empty per-host registry.
func NewHostBreakers(cfg CircuitBreakerConfig) *HostBreakers {
	return &HostBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for rawURL's host, creating it on first use.
func (hb *HostBreakers) For(rawURL string) *CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()
	cb, ok := hb.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(hb.cfg)
		cb.name = host
		hb.breakers[host] = cb
	}
	return cb
}
