// Package retry classifies failures and computes retry delays for both the
// webhook processor and the sync job scheduler.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Class is the retry decision implied by an error.
type Class string

const (
	ClassNone        Class = "none"
	ClassTransient   Class = "transient"
	ClassPermanent   Class = "permanent"
	ClassRateLimited Class = "rate_limited"
)

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + errString(e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that no retry can fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + errString(e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// RateLimitedError is a provider 403/429; retry no earlier than ResetAt.
type RateLimitedError struct {
	ResetAt time.Time
	Status  int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (status %d) until %s", e.Status, e.ResetAt.UTC().Format(time.RFC3339))
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Classify inspects the error chain. Unclassified errors are transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var p *PermanentError
	if errors.As(err, &p) {
		return ClassPermanent
	}
	return ClassTransient
}

// ResetAt returns the reset time carried by a rate limited error.
func ResetAt(err error) (time.Time, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.ResetAt, true
	}
	return time.Time{}, false
}

// Policy computes exponential backoff: base * 2^(attempts-1), capped.
// Jitter only ever lengthens a delay and never past Cap, so consecutive
// delays stay non-decreasing.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction of the delay, 0 disables
	rnd    func() float64
}

// maxDelay is where uncapped policies saturate.
const maxDelay = time.Duration(math.MaxInt64)

func NewPolicy(base, cap time.Duration, jitter float64) Policy {
	return Policy{Base: base, Cap: cap, Jitter: jitter, rnd: rand.Float64}
}

// Delay returns the wait before the next attempt after `attempts` failures (1-based).
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		if p.Cap > 0 && d >= p.Cap {
			break
		}
		if d > maxDelay/2 {
			d = maxDelay
			break
		}
		d *= 2
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 && p.rnd != nil {
		// Jitter is limited to the gap below the next exponential step, so
		// delay(n) + jitter <= base*2^n <= delay(n+1).
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		headroom := d
		if p.Cap > 0 && d+headroom > p.Cap {
			headroom = p.Cap - d
		}
		if headroom > 0 {
			extra := time.Duration(float64(headroom) * j * p.rnd())
			if extra > maxDelay-d {
				extra = maxDelay - d
			}
			d += extra
		}
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
