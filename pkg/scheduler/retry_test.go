package scheduler

import (
	"testing"
	"time"
)

func TestRetryPolicy_NextDelay_Doubles(t *testing.T) {
	p := RetryPolicy{Base: 5 * time.Second, Cap: 5 * time.Minute}

	cases := []struct {
		attempt  int
		minFloor time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
	}
	for _, c := range cases {
		d := p.NextDelay(c.attempt)
		if d < c.minFloor {
			t.Fatalf("attempt %d: delay %v below expected floor %v", c.attempt, d, c.minFloor)
		}
		if d > c.minFloor+p.Base {
			t.Fatalf("attempt %d: delay %v exceeds floor+jitter bound %v", c.attempt, d, c.minFloor+p.Base)
		}
	}
}

func TestRetryPolicy_NextDelay_CappedAtMax(t *testing.T) {
	p := RetryPolicy{Base: 5 * time.Second, Cap: 20 * time.Second}

	d := p.NextDelay(10)
	if d < p.Cap {
		t.Fatalf("expected delay to be at least cap %v, got %v", p.Cap, d)
	}
	if d > p.Cap+p.Base {
		t.Fatalf("expected delay to never exceed cap+jitter bound, got %v", d)
	}
}

func TestRetryPolicy_NotBefore(t *testing.T) {
	p := DefaultRetryPolicy()
	before := time.Now()
	nb := p.NotBefore(1)
	if !nb.After(before) {
		t.Fatalf("expected NotBefore to be in the future")
	}
}

func TestMaxAttempts(t *testing.T) {
	cases := map[string]int{
		"scan":              1,
		"custom_scan":       1,
		"ai_scan":           1,
		"generate_template": 3,
		"validate_template": 1,
		"refine_template":   3,
		"unknown_kind":      1,
	}
	for kind, want := range cases {
		if got := MaxAttempts(kind); got != want {
			t.Fatalf("MaxAttempts(%q) = %d, want %d", kind, got, want)
		}
	}
}
