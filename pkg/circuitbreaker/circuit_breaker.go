package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a CircuitBreaker
type Config struct {
	Name        string
	MaxFailures uint32
	// Cooldown is how long the breaker stays open before letting a trial request through.
	Cooldown         time.Duration
	HalfOpenMaxCalls uint32
	// IsFailure decides which errors count against the breaker. Context
	// cancellation never counts. Nil counts every other error.
	IsFailure func(error) bool
	// OnStateChange is called outside the breaker's lock.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker stops calling a failing dependency for a cooldown period
type CircuitBreaker struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32
	rejectedCount   uint32
}

// New creates a new circuit breaker
func New(name string, maxFailures uint32, cooldown time.Duration) *CircuitBreaker {
	return NewWithConfig(Config{Name: name, MaxFailures: maxFailures, Cooldown: cooldown}, nil)
}

// NewWithConfig creates a circuit breaker with a custom logger
func NewWithConfig(cfg Config, logger *logrus.Logger) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 1
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.cfg.Cooldown {
		transition = cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		cb.rejectedCount++
		return &CircuitBreakerError{Name: cb.cfg.Name, State: cb.state}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			cb.rejectedCount++
			return &CircuitBreakerError{Name: cb.cfg.Name, State: cb.state}
		}
		cb.halfOpenCalls++
	}
	cb.requestCount++
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if err != nil && cb.countsAsFailure(err) {
		cb.failures++
		cb.lastFailureTime = cb.now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.cfg.MaxFailures {
				transition = cb.setState(StateOpen)
			}
		case StateHalfOpen:
			transition = cb.setState(StateOpen)
		}
		return
	}

	cb.successCount++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successCount >= cb.cfg.HalfOpenMaxCalls {
			transition = cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if cb.cfg.IsFailure != nil {
		return cb.cfg.IsFailure(err)
	}
	return true
}

// setState must be called with mu held; the returned func runs the
// notifications after unlock.
func (cb *CircuitBreaker) setState(next State) func() {
	prev := cb.state
	if prev == next {
		return nil
	}
	cb.state = next
	cb.halfOpenCalls = 0
	cb.successCount = 0
	if next == StateClosed {
		cb.failures = 0
	}
	failures := cb.failures

	return func() {
		entry := cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.cfg.Name,
			"from":            prev.String(),
			"state":           next.String(),
		})
		switch next {
		case StateOpen:
			entry.WithField("failures", failures).Warn("Circuit breaker opened due to failures")
		case StateHalfOpen:
			entry.Info("Circuit breaker transitioned to half-open")
		case StateClosed:
			entry.Info("Circuit breaker closed after successful recovery")
		}
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(cb.cfg.Name, prev, next)
		}
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.cfg.Name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Rejected:        cb.rejectedCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint32
	Rejected        uint32
	Successes       uint32
	LastFailureTime time.Time
}

// CircuitBreakerError represents an error when the circuit breaker is open
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
