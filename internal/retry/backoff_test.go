package retry

import (
	"testing"
	"time"
)

func TestCalculateBackoff_Bounds(t *testing.T) {
	policy := DefaultPolicy().
		WithInitialInterval(100 * time.Millisecond).
		WithBackoffCoefficient(2.0).
		WithMaximumInterval(time.Minute)

	tests := []struct {
		attempt int32
		min     time.Duration
		max     time.Duration
	}{
		{0, 100 * time.Millisecond, 100 * time.Millisecond},
		{1, 80 * time.Millisecond, 120 * time.Millisecond},
		{2, 160 * time.Millisecond, 240 * time.Millisecond},
		{3, 320 * time.Millisecond, 480 * time.Millisecond},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			got := CalculateBackoff(policy, tt.attempt)
			if got < tt.min || got > tt.max {
				t.Fatalf("attempt %d backoff = %v, want within [%v, %v]", tt.attempt, got, tt.min, tt.max)
			}
		}
	}
}

func TestCalculateBackoff_CapsAtMaximum(t *testing.T) {
	policy := DefaultPolicy().
		WithInitialInterval(time.Second).
		WithBackoffCoefficient(10.0).
		WithMaximumInterval(5 * time.Second)

	for i := 0; i < 20; i++ {
		if got := CalculateBackoff(policy, 10); got > 5*time.Second {
			t.Fatalf("backoff = %v exceeds maximum interval", got)
		}
	}
}

func TestPolicy_ShouldRetry(t *testing.T) {
	policy := DefaultPolicy().
		WithMaximumAttempts(3).
		WithNonRetryableErrors([]string{"InvalidInput"})

	tests := []struct {
		name      string
		attempt   int32
		errorName string
		want      bool
	}{
		{"first retry", 1, "Timeout", true},
		{"second retry", 2, "Timeout", true},
		{"attempts exhausted", 3, "Timeout", false},
		{"non-retryable error", 1, "InvalidInput", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.ShouldRetry(tt.attempt, tt.errorName); got != tt.want {
				t.Errorf("ShouldRetry(%d, %q) = %v, want %v", tt.attempt, tt.errorName, got, tt.want)
			}
		})
	}
}
