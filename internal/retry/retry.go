package retry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrTooManyAttempts = errors.New("too many retry attempts")

// Callable is re-invoked until it succeeds, returns a non-retryable
// error, or the attempts are exhausted.
type Callable func(attempt int) error

type retryableError struct {
	error
	attempt int
}

// Error marks err as retryable for the current attempt. A nil err stays nil.
func Error(err error, attempt int) error {
	if err == nil {
		return nil
	}
	return &retryableError{error: err, attempt: attempt}
}

type Attempts interface {
	Next() (time.Duration, bool)
	Current() int
}

func Start(ctx context.Context, a Attempts, cb Callable) error {
	for {
		err := cb(a.Current())
		if err == nil {
			return nil
		}

		// callable encountered an unrecoverable error
		re, ok := err.(*retryableError)
		if !ok {
			return err
		}

		next, stop := a.Next()
		if stop {
			return errors.Wrapf(re.error, "%s (attempt %d)", ErrTooManyAttempts.Error(), re.attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next):
			continue
		}
	}
}

// Incremental retries cb with a linearly growing delay between attempts.
func Incremental(ctx context.Context, step time.Duration, maxRetries int, cb Callable) error {
	return Start(ctx, IncrementalAttempts(step, maxRetries), cb)
}

type incrementalAttempts struct {
	sync.RWMutex
	prev time.Duration
	step time.Duration
	max  int
	curr int
}

func (a *incrementalAttempts) Next() (time.Duration, bool) {
	a.Lock()
	defer a.Unlock()

	a.curr++
	if a.curr > a.max {
		return 0, true
	}

	next := a.prev + a.step
	a.prev = next

	return next, false
}

func (a *incrementalAttempts) Current() int {
	a.RLock()
	defer a.RUnlock()
	return a.curr
}

func IncrementalAttempts(step time.Duration, max int) Attempts {
	return &incrementalAttempts{
		prev: 0,
		step: step,
		max:  max,
		curr: 1,
	}
}
