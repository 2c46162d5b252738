package domain

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowsToCap(t *testing.T) {
	policy := DefaultBackoff

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := policy.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > policy.Cap {
			t.Fatalf("delay %v exceeds cap %v at attempt %d", d, policy.Cap, attempt)
		}
		prev = d
	}
}

func TestBackoffDelayFirstAttempt(t *testing.T) {
	policy := BackoffPolicy{Base: 5 * time.Second, Multiplier: 2, Cap: 5 * time.Minute}

	d := policy.Delay(1)
	if d < policy.Base {
		t.Fatalf("first delay %v below base %v", d, policy.Base)
	}
	// Jitter is bounded by an eighth of the pre-jitter delay.
	if max := policy.Base + policy.Base/8; d > max {
		t.Fatalf("first delay %v above jitter ceiling %v", d, max)
	}
}

func TestBackoffDelayConstantAtCap(t *testing.T) {
	policy := BackoffPolicy{Base: 5 * time.Second, Multiplier: 2, Cap: 5 * time.Minute}

	// 5s doubled 7 times is 640s, past the 300s cap.
	for attempt := 8; attempt <= 12; attempt++ {
		if d := policy.Delay(attempt); d != policy.Cap {
			t.Fatalf("delay at attempt %d = %v, want cap %v", attempt, d, policy.Cap)
		}
	}
}

func TestBackoffDelayZeroValueDefaults(t *testing.T) {
	var policy BackoffPolicy
	d := policy.Delay(1)
	if d < 5*time.Second {
		t.Fatalf("zero-value policy delay = %v, want at least 5s", d)
	}
	if d := policy.Delay(100); d != 5*time.Minute {
		t.Fatalf("zero-value policy late delay = %v, want 5m cap", d)
	}
}
