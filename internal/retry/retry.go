// Package retry computes exponential backoff delays for queue retries and
// retries infrastructure calls such as connecting to Postgres or Redis at startup.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/seed-scraper/internal/logging"
)

// Policy configures retry behavior
type Policy struct {
	MaxAttempts  int           // total attempts including the first
	InitialDelay time.Duration // delay after the first failure
	MaxDelay     time.Duration // cap for a single delay; zero means uncapped
	Multiplier   float64
}

// DefaultPolicy returns the queue default: 3 attempts, exponential from 5s.
// Pattern: 5s, 10s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     10 * time.Minute,
		Multiplier:   2.0,
	}
}

// ExponentialPolicy returns a policy doubling from base for the given attempts
func ExponentialPolicy(attempts int, base time.Duration) Policy {
	p := DefaultPolicy()
	p.MaxAttempts = attempts
	p.InitialDelay = base
	return p
}

// Delay returns the wait before the next attempt after attemptsMade failures (1-based)
func (p Policy) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attemptsMade-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Exhausted reports whether no attempt remains after attemptsMade failures
func (p Policy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxAttempts
}

// Result contains information about the retry operation
type Result struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// Func is a function that can be retried
type Func func(ctx context.Context, attempt int) error

// WithExponentialBackoff executes fn until it succeeds, the policy is exhausted or ctx is done
func WithExponentialBackoff(ctx context.Context, policy Policy, fn Func) *Result {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &Result{}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration.String(),
				}).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if policy.Exhausted(attempt) {
			logger.WithError(err).WithField("attempts", attempt).Error("Operation failed after max retry attempts")
			break
		}

		delay := policy.Delay(attempt)
		logger.WithError(err).WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": policy.MaxAttempts,
			"delay":       delay.String(),
		}).Warn("Operation failed, retrying with exponential backoff")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// Do retries fn under policy and returns the last error when it never succeeds
func Do(ctx context.Context, policy Policy, fn Func) error {
	result := WithExponentialBackoff(ctx, policy, fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
