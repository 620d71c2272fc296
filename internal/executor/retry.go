package executor

import (
	"math"
	"time"
)

// RetryPolicy defines the retry behavior for retryable step failures.
// The constants here are configuration defaults, not hard requirements;
// callers override them through executor options or config.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// Multiplier scales the delay for each subsequent retry.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryPolicy returns the default exponential backoff policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BackoffBase: 500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Delay computes the backoff before retry number retryCount (1-based):
// BackoffBase * Multiplier^retryCount, capped at MaxDelay.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	delay := time.Duration(float64(p.BackoffBase) * math.Pow(multiplier, float64(retryCount)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
