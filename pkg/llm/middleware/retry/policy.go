// Package retry provides retry logic with exponential backoff for resilient LLM calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"roomaker/pkg/llm/middleware/circuit"
	"roomaker/pkg/llmerrors"
)

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `yaml:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `yaml:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `yaml:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `yaml:"jitter"`         // Add random jitter to prevent thundering herd
}

// DefaultConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default error classifier. Classified LLM errors decide for
// themselves; unclassified errors are retried unless they look like auth or
// request errors.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Caller cancellation ends the run. DeadlineExceeded stays retryable since
	// per-request timeouts wrap it while the parent context is still live.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"400", "401", "403", "404", "unauthorized", "forbidden", "invalid api key"} {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}
	return true
}

// Policy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a new retry policy with the given configuration and classifier.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
	}
}

// CalculateDelay computes the delay before the given attempt number.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	// Jitter stays within +/-10% of the base delay.
	if p.Config.Jitter && delay > 0 {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
	}

	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
