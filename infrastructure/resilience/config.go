// Package resilience guards the Message Bus Adapter's outbound calls
// against a broker outage: a circuit breaker trips after consecutive
// failures and fails fast until the broker recovers, instead of
// letting every publisher pile up on a dead connection.
package resilience

import (
	"context"
	"net/http"
	"sync"
	"time"

	svcerrors "github.com/evolution-substrate/engine/infrastructure/errors"
	"github.com/evolution-substrate/engine/pkg/logger"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls a CircuitBreaker's trip/recovery thresholds.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int

	// Timeout is how long the circuit stays open before probing in half-open state.
	Timeout time.Duration

	// HalfOpenMax is the number of successes required in half-open state to close again.
	HalfOpenMax int

	// OnStateChange, if set, is notified of every state transition.
	OnStateChange func(from, to State)
}

func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker wraps an operation against the Message Bus Adapter's
// broker connection. Every failure it records is surfaced to callers
// as a BusUnavailable service error (BusTimeout when the caller's
// context is already done), so the Runtime and Orchestrator
// only ever need to branch on the substrate's own error taxonomy
// rather than on broker-specific errors or ErrCircuitOpen directly.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	state  State

	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{config: cfg, state: StateClosed}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn guarded by the breaker. operation names the bus
// call for error reporting (e.g. "publish_event"). Both a breaker
// rejection and a failure of fn itself come back wrapped as
// infrastructure/errors.BusUnavailable, except that a failure of fn
// after ctx is done comes back as BusTimeout; callers never need to
// re-wrap the result.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return svcerrors.BusUnavailable(operation, err)
	}

	err := fn()
	cb.afterRequest(err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return svcerrors.BusTimeout(operation)
		}
		return svcerrors.BusUnavailable(operation, err)
	}
	return nil
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.config.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.halfOpenReqs++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenMax {
			cb.setState(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.successes = 0
	default:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(old, newState)
	}
}

// ErrCircuitOpen and ErrTooManyRequests are the breaker's own
// rejection reasons; Execute always wraps them in a BusUnavailable
// service error before returning, so callers outside this package
// never see them directly.
var (
	ErrCircuitOpen     = svcerrors.New(svcerrors.ErrCodeBusUnavailable, "circuit breaker is open", http.StatusServiceUnavailable)
	ErrTooManyRequests = svcerrors.New(svcerrors.ErrCodeBusUnavailable, "too many requests in half-open state", http.StatusServiceUnavailable)
)

// BusCircuitBreakerConfig provides preconfigured circuit breaker settings
// for message bus publish/consume paths.
type BusCircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int

	// TimeoutSeconds is the duration to wait in open state before trying half-open.
	TimeoutSeconds int

	// HalfOpenMax is the maximum number of requests allowed in half-open state.
	HalfOpenMax int

	// Logger for state change notifications (optional).
	Logger *logger.Logger
}

// DefaultBusCBConfig is suited to a production message broker: a handful of
// consecutive failures opens the circuit for 30s before probing again.
func DefaultBusCBConfig(log *logger.Logger) Config {
	return BusCBConfig(BusCircuitBreakerConfig{
		MaxFailures:    5,
		TimeoutSeconds: 30,
		HalfOpenMax:    3,
		Logger:         log,
	})
}

// StrictBusCBConfig fails fast; suited to the degraded-state transition
// described for BusUnavailable, where the Runtime should stop publishing
// quickly rather than hammer an unreachable broker.
func StrictBusCBConfig(log *logger.Logger) Config {
	return BusCBConfig(BusCircuitBreakerConfig{
		MaxFailures:    3,
		TimeoutSeconds: 60,
		HalfOpenMax:    1,
		Logger:         log,
	})
}

// LenientBusCBConfig tolerates more transient failures; suited to an
// in-memory bus backend used in tests, where failures are rare and
// synthetic.
func LenientBusCBConfig(log *logger.Logger) Config {
	return BusCBConfig(BusCircuitBreakerConfig{
		MaxFailures:    10,
		TimeoutSeconds: 15,
		HalfOpenMax:    5,
		Logger:         log,
	})
}

// BusCBConfig builds a Config from a BusCircuitBreakerConfig, wiring a
// structured log line into the state-change callback when a logger is
// supplied.
func BusCBConfig(cfg BusCircuitBreakerConfig) Config {
	cbConfig := Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     SecondsToDuration(cfg.TimeoutSeconds),
		HalfOpenMax: cfg.HalfOpenMax,
	}

	if cbConfig.MaxFailures <= 0 {
		cbConfig.MaxFailures = 5
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 30 * time.Second
	}
	if cbConfig.HalfOpenMax <= 0 {
		cbConfig.HalfOpenMax = 3
	}

	if cfg.Logger != nil {
		cbConfig.OnStateChange = func(from, to State) {
			cfg.Logger.WithFields(map[string]interface{}{
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("bus circuit breaker state changed")
		}
	}

	return cbConfig
}

// SecondsToDuration converts seconds to Duration.
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
