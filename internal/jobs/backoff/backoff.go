// Package backoff computes the delay before a failed job becomes eligible again.
package backoff

import (
	"fmt"
	"math"
	"time"
)

const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"
)

// Strategy computes the retry delay for a job that has failed attempt times
// (1-indexed). Implementations are stateless and safe for concurrent use.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Fixed always waits Interval
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Exponential doubles the delay per attempt: min(Initial * 2^(attempt-1), Max)
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// New builds the named strategy
func New(name string, initial, max time.Duration) (Strategy, error) {
	if initial < 0 || max < 0 {
		return nil, fmt.Errorf("backoff durations must not be negative")
	}
	switch name {
	case StrategyFixed:
		return Fixed{Interval: initial}, nil
	case "", StrategyExponential:
		return Exponential{Initial: initial, Max: max}, nil
	}
	return nil, fmt.Errorf("unknown backoff strategy %q", name)
}
