package retry

import (
	"context"
	"time"
)

// Do runs op and retries it per the policy while isRetryable reports the
// returned error as transient. A nil isRetryable retries every error. The
// final error is returned once retries are exhausted or the context is done.
func Do(ctx context.Context, policy Policy, isRetryable func(error) bool, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt >= policy.MaxRetries {
			return lastErr
		}

		timer := time.NewTimer(policy.Delay(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}
