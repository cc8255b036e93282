package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Strategy selects how delays grow between attempts
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
)

// BackoffConfig contains configuration for retry delays
type BackoffConfig struct {
	Strategy     Strategy      `json:"strategy"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	// MaxAttempts <= 0 retries until the context is done.
	MaxAttempts int  `json:"max_attempts"`
	Jitter      bool `json:"jitter"`
}

// DefaultBackoffConfig returns the reconnect defaults
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Strategy:     Exponential,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       true,
	}
}

// LinearBackoffConfig returns a fixed-attempt linear schedule: attempt n waits n*step
func LinearBackoffConfig(attempts int, step time.Duration) BackoffConfig {
	return BackoffConfig{
		Strategy:     Linear,
		InitialDelay: step,
		MaxDelay:     time.Duration(attempts) * step,
		MaxAttempts:  attempts,
	}
}

// Notify is called after a failed attempt, before waiting delay
type Notify func(err error, attempt int, delay time.Duration)

// Backoff retries operations with a configured delay schedule
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Strategy == "" {
		config.Strategy = Exponential
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	return &Backoff{config: config}
}

// Retry executes the operation until it succeeds, attempts run out, or ctx is done
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryNotify(ctx, operation, func(error) bool { return true }, nil)
}

// RetryWithPredicate stops early when isRetryable rejects an error
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	return b.RetryNotify(ctx, operation, isRetryable, nil)
}

// RetryNotify is RetryWithPredicate with a per-failure callback
func (b *Backoff) RetryNotify(ctx context.Context, operation func() error, isRetryable func(error) bool, notify Notify) error {
	var lastErr error

	for attempt := 1; b.config.MaxAttempts <= 0 || attempt <= b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == b.config.MaxAttempts {
			break
		}

		delay := b.calculateDelay(attempt)
		if notify != nil {
			notify(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay computes the delay after the given failed attempt
func (b *Backoff) calculateDelay(attempt int) time.Duration {
	var delay float64
	switch b.config.Strategy {
	case Linear:
		delay = float64(b.config.InitialDelay) * float64(attempt)
	default:
		delay = float64(b.config.InitialDelay)
		for i := 1; i < attempt; i++ {
			delay *= b.config.Multiplier
			if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
				break
			}
		}
	}

	if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// ±25% jitter
	if b.config.Jitter {
		jitter := delay * 0.25
		delay += (secureFloat64() - 0.5) * 2 * jitter

		if delay < 0 {
			delay = float64(b.config.InitialDelay)
		}
		if b.config.MaxDelay > 0 && delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// GetNextDelay returns the delay used after the given attempt
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.calculateDelay(attempt)
}

// secureFloat64 generates a cryptographically secure float64 in [0, 1)
func secureFloat64() float64 {
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}
	return float64(n.Uint64()) / float64(math.MaxUint64)
}
