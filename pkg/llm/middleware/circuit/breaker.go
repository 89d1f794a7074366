// Package circuit stops calling a provider that keeps failing. The breaker
// counts outcomes by llmerrors class: provider-side failures count, problems
// with the request itself do not, and a rejected API key opens it at once.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomaker/pkg/cancel"
	"roomaker/pkg/llmerrors"
)

// State is the breaker position.
type State int

// Breaker states.
const (
	Closed   State = iota // calls pass
	Open                  // calls are rejected until the timeout elapses
	HalfOpen              // trial calls decide whether to close again
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config bounds the breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive provider failures before opening
	SuccessThreshold int           `yaml:"success_threshold"` // trial successes needed to close from half-open
	Timeout          time.Duration `yaml:"timeout"`           // how long the breaker stays open
}

// DefaultConfig is used when the configuration file sets nothing.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 1,
	Timeout:          30 * time.Second,
}

// Error is returned instead of calling the provider while the breaker is open.
type Error struct {
	State   State
	RetryIn time.Duration
	Cause   string // class of the failure that opened the breaker
}

func (e *Error) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("circuit breaker is %s", e.State)
	}
	return fmt.Sprintf("circuit breaker is %s after %s errors (retry in %s)",
		e.State, e.Cause, e.RetryIn.Round(time.Second))
}

// outcome is how one call result moves the breaker.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeIgnored         // says nothing about provider health
	outcomeFailure
	outcomeTrip // opens the breaker regardless of the threshold
)

func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, cancel.ErrCancelled):
		return outcomeIgnored
	}
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeBadPrompt:
		return outcomeIgnored
	case llmerrors.ErrorTypeAuth:
		return outcomeTrip
	default:
		return outcomeFailure
	}
}

// Breaker is a three-state circuit breaker shared by every client a factory builds.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	config       Config
	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	cause        string
	now          func() time.Time
}

// New creates a closed breaker.
func New(config Config) *Breaker {
	return &Breaker{
		config: config,
		state:  Closed,
		now:    time.Now,
	}
}

// Allow returns nil when a call may go ahead and an *Error while the breaker is
// open. Once the timeout has elapsed an open breaker turns half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.config.Timeout {
		b.state = HalfOpen
		b.successCount = 0
		return nil
	}
	return &Error{State: Open, RetryIn: b.config.Timeout - elapsed, Cause: b.cause}
}

// Record moves the breaker according to the result of a call.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch classify(err) {
	case outcomeSuccess:
		b.onSuccess()
	case outcomeIgnored:
	case outcomeFailure:
		b.onFailure(err, false)
	case outcomeTrip:
		b.onFailure(err, true)
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.cause = ""
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			b.cause = ""
		}
	}
}

func (b *Breaker) onFailure(err error, trip bool) {
	b.failureCount++
	if trip || b.state == HalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.state = Open
		b.openedAt = b.now()
		b.successCount = 0
		b.cause = llmerrors.TypeOf(err).String()
	}
}
