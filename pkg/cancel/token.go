// Package cancel provides the cancellation token shared by every stage of a pipeline run.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrCancelled is returned (possibly wrapped) once a run observes cancellation.
var ErrCancelled = errors.New("pipeline run cancelled")

// Token is a monotonic cancellation flag. Once set it stays set.
// The zero value is ready to use; a nil *Token is never cancelled.
type Token struct {
	flag atomic.Bool
}

func New() *Token {
	return &Token{}
}

// Cancel sets the flag. Calling it more than once is harmless.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.flag.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	return t != nil && t.flag.Load()
}

// Check returns ErrCancelled if the token is set or ctx is done.
func (t *Token) Check(ctx context.Context) error {
	if t.Cancelled() {
		return ErrCancelled
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}
	return nil
}

// IsCancelled reports whether err is, or wraps, ErrCancelled or a context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
