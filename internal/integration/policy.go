package integration

import "time"

// RetryPolicy bounds retries for one failure category. Exponential policies
// wait Base*2^(attempt-1); linear ones wait Base*attempt. Max caps both.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Linear      bool
}

var transientPolicy = RetryPolicy{MaxAttempts: 5, Base: time.Second, Max: time.Minute}

var policies = map[Category]RetryPolicy{
	CategoryRateLimit:   {MaxAttempts: 10, Base: time.Minute, Max: time.Hour},
	CategoryNetwork:     transientPolicy,
	CategoryTimeout:     transientPolicy,
	CategoryServerError: transientPolicy,
	CategoryUnknown:     {MaxAttempts: 3, Base: 30 * time.Second, Max: 90 * time.Second, Linear: true},
	CategoryValidation:  {},
	CategoryNotFound:    {},
	CategoryAuth:        {},
}

// PolicyFor returns the retry policy for c. Unrecognized categories get the
// UNKNOWN policy.
func PolicyFor(c Category) RetryPolicy {
	if p, ok := policies[c]; ok {
		return p
	}
	return policies[CategoryUnknown]
}

// RetryDelay is how long to wait after the given failed attempt (1-based).
func RetryDelay(c Category, attempt int) time.Duration {
	return PolicyFor(c).Delay(attempt)
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures.
func ShouldRetry(c Category, attempt int) bool {
	return attempt < PolicyFor(c).MaxAttempts
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.MaxAttempts == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	if p.Linear {
		if p.Base > 0 && time.Duration(attempt) > p.Max/p.Base {
			return p.Max
		}
		return p.Base * time.Duration(attempt)
	}

	shift := attempt - 1
	if shift >= 62 || p.Base > p.Max>>shift {
		return p.Max
	}
	return p.Base << shift
}
