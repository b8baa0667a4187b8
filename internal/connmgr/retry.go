package connmgr

import (
	"context"
	"time"
)

// Policy is a bounded retry schedule: at most MaxAttempts tries with a
// fixed Backoff between them. It replaces ad-hoc retry loops at the
// scan-locate and radio-connect steps so both use the same bounds.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done.
// The last attempt's error is returned; a context cancellation before the
// first attempt returns the context error.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}

		last = fn()
		if last == nil {
			return nil
		}

		if i < attempts && p.Backoff > 0 {
			select {
			case <-time.After(p.Backoff):
			case <-ctx.Done():
				return last
			}
		}
	}
	return last
}
