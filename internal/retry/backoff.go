package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// CalculateBackoff calculates exponential backoff with jitter for retry
// attempts. Uses math/rand/v2, which is fine for non-cryptographic jitter.
func CalculateBackoff(policy *Policy, attempt int32) time.Duration {
	if attempt <= 0 {
		return policy.InitialInterval
	}

	multiplier := math.Pow(policy.BackoffCoefficient, float64(attempt-1))
	backoff := float64(policy.InitialInterval) * multiplier

	jitterFactor := 0.8 + rand.Float64()*0.4
	backoff *= jitterFactor

	if backoff > float64(policy.MaximumInterval) {
		backoff = float64(policy.MaximumInterval)
	}

	return time.Duration(backoff)
}
