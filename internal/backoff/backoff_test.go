package backoff_test

import (
	"testing"
	"time"

	"shortform/internal/backoff"
	"shortform/internal/config"
)

func TestConstantDelay(t *testing.T) {
	s := backoff.NewConstant(3 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		if got := s.Delay(attempt); got != 3*time.Second {
			t.Fatalf("attempt %d: got %s", attempt, got)
		}
	}
}

func TestExponentialGrowthAndCap(t *testing.T) {
	s := backoff.NewExponential(2*time.Second, 2, 10*time.Second)
	cases := map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 10 * time.Second, // capped
		9: 10 * time.Second,
	}
	for attempt, want := range cases {
		if got := s.Delay(attempt); got != want {
			t.Fatalf("attempt %d: got %s, want %s", attempt, got, want)
		}
	}
}

func TestExponentialCustomMultiplier(t *testing.T) {
	s := backoff.NewExponential(time.Second, 3, 0)
	if got := s.Delay(3); got != 9*time.Second {
		t.Fatalf("got %s, want 9s", got)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	s := backoff.NewJitter(backoff.NewExponential(4*time.Second, 2, time.Minute))
	for i := 0; i < 100; i++ {
		d := s.Delay(2) // base 8s
		if d < 4*time.Second || d > 8*time.Second {
			t.Fatalf("jittered delay %s outside [4s, 8s]", d)
		}
	}
}

func TestJitterZeroBase(t *testing.T) {
	s := backoff.NewJitter(backoff.NewConstant(0))
	if got := s.Delay(1); got != 0 {
		t.Fatalf("got %s, want 0", got)
	}
}

func TestFromPolicy(t *testing.T) {
	s := backoff.FromPolicy(config.Retry{
		MaxAttempts:      4,
		BaseDelaySeconds: 2,
		Multiplier:       2,
		MaxDelaySeconds:  16,
	})
	for i := 0; i < 50; i++ {
		d := s.Delay(10)
		if d > 16*time.Second {
			t.Fatalf("delay %s exceeds cap", d)
		}
	}
}
