package outbox

// RetryClassifier determines whether an error should not be retried.
// Non-retryable failures (malformed payload, unroutable type) send the event
// straight to DEAD instead of burning retry attempts.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a plain function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
