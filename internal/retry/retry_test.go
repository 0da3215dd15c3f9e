package retry

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	reset := time.Unix(1767225600, 0)
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"plain", errors.New("boom"), ClassTransient},
		{"transient", Transient(errors.New("db down")), ClassTransient},
		{"permanent", Permanentf("bad payload"), ClassPermanent},
		{"wrapped permanent", fmt.Errorf("handler: %w", Permanent(errors.New("x"))), ClassPermanent},
		{"rate limited", &RateLimitedError{ResetAt: reset, Status: 429}, ClassRateLimited},
		{"wrapped rate limited", fmt.Errorf("step: %w", &RateLimitedError{ResetAt: reset}), ClassRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResetAt(t *testing.T) {
	reset := time.Unix(1767225600, 0)
	got, ok := ResetAt(fmt.Errorf("x: %w", &RateLimitedError{ResetAt: reset}))
	if !ok || !got.Equal(reset) {
		t.Errorf("ResetAt() = %v, %v", got, ok)
	}
	if _, ok := ResetAt(errors.New("plain")); ok {
		t.Error("ResetAt() on plain error should be false")
	}
}

func TestNilWrappers(t *testing.T) {
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestUnwrap(t *testing.T) {
	base := errors.New("root cause")
	if !errors.Is(Transient(base), base) {
		t.Error("TransientError does not unwrap")
	}
	if !errors.Is(Permanent(base), base) {
		t.Error("PermanentError does not unwrap")
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Cap: 30 * time.Second}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestPolicyNonDecreasingWithJitter(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		r := r
		p := Policy{Base: time.Second, Cap: time.Minute, Jitter: 1, rnd: func() float64 { return r }}
		prev := time.Duration(0)
		for n := 1; n <= 20; n++ {
			d := p.Delay(n)
			if d < prev {
				t.Fatalf("rnd=%v: Delay(%d) = %v < Delay(%d) = %v", r, n, d, n-1, prev)
			}
			if d > p.Cap {
				t.Fatalf("rnd=%v: Delay(%d) = %v exceeds cap", r, n, d)
			}
			prev = d
		}
	}
}

func TestPolicyUncapped(t *testing.T) {
	p := NewPolicy(time.Second, 0, 0)
	if got := p.Delay(4); got != 8*time.Second {
		t.Errorf("Delay(4) = %v, want 8s", got)
	}
}

func TestPolicyUncappedDoesNotOverflow(t *testing.T) {
	for _, jitter := range []float64{0, 1} {
		p := Policy{Base: time.Second, Jitter: jitter, rnd: func() float64 { return 0.999 }}
		prev := time.Duration(0)
		for n := 1; n <= 200; n++ {
			d := p.Delay(n)
			if d <= 0 {
				t.Fatalf("jitter=%v: Delay(%d) = %v, want positive", jitter, n, d)
			}
			if d < prev {
				t.Fatalf("jitter=%v: Delay(%d) = %v < Delay(%d) = %v", jitter, n, d, n-1, prev)
			}
			prev = d
		}
		if got := p.Delay(200); got != time.Duration(math.MaxInt64) {
			t.Errorf("jitter=%v: Delay(200) = %v, want the maximum duration", jitter, got)
		}
	}
}
