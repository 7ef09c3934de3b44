package scheduler

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy computes the delay before a failed job's next attempt:
// backoff(n) = min(cap, base * 2^(n-1)) + jitter, jitter uniform in
// [0, base].
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryPolicy matches the scheduler's documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 5 * time.Second, Cap: 5 * time.Minute}
}

// maxAttemptsByKind gives the default max_attempts per job kind; a caller
// may override per job.
var maxAttemptsByKind = map[string]int{
	"scan":              1,
	"custom_scan":       1,
	"ai_scan":           1,
	"generate_template": 3,
	"validate_template": 1,
	"refine_template":   3,
}

// MaxAttempts returns the default retry budget for a job kind, 1 if
// unknown.
func MaxAttempts(kind string) int {
	if n, ok := maxAttemptsByKind[kind]; ok {
		return n
	}
	return 1
}

// NextDelay returns the backoff delay before retrying a job on its
// (1-indexed) nth failed attempt, built on backoff.ExponentialBackOff so
// the doubling/cap arithmetic matches the library's own semantics rather
// than being hand-rolled, with jitter layered on top per the policy.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Cap
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	delay := eb.InitialInterval
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * eb.Multiplier)
		if delay > eb.MaxInterval {
			delay = eb.MaxInterval
			break
		}
	}

	jitter := time.Duration(rand.Int63n(int64(p.Base) + 1))
	return delay + jitter
}

// NotBefore returns the absolute time a job retrying on its nth attempt
// should become eligible for re-dispatch.
func (p RetryPolicy) NotBefore(attempt int) time.Time {
	return time.Now().Add(p.NextDelay(attempt))
}
