package backoff

import (
	"context"
	"errors"
)

// ErrExhausted is returned when every attempt failed with a retryable error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. The returned count is the number of calls made.
// On exhaustion the error wraps both ErrExhausted and the last failure.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) (int, error) {
	attempts := p.Attempts()
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		last = fn(attempt)
		if last == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(last) {
			return attempt, last
		}
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return attempt, err
		}
	}
	return attempts, errors.Join(ErrExhausted, last)
}
