// Package retrypolicy implements the engine's pure, stateless retry-delay
// computation (spec §4.2). Given an attempt number and a Strategy it returns
// either a Delay or Terminal — no I/O, no clock reads beyond jitter, no
// shared state. MessageProcessor consults it in Nack before touching
// storage.
package retrypolicy

import (
	"math"
	"math/rand/v2"
	"time"
)

// Decision is the outcome of evaluating a Strategy at a given attempt.
type Decision struct {
	// Terminal is true when attempt has exhausted the strategy's schedule
	// (attempt > max_attempts, or past the end of a Custom schedule).
	Terminal bool
	// DelayMs is the milliseconds to wait before the next attempt. Only
	// meaningful when Terminal is false.
	DelayMs int64
}

// Kind tags which retry curve a Strategy uses.
type Kind string

const (
	KindFixed       Kind = "fixed"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential_backoff"
	KindCustom      Kind = "custom"
)

// Strategy is the declarative retry curve. It is not persisted: the engine
// builds one from its EngineConfig at construction time.
type Strategy struct {
	Kind Kind

	// Fixed
	DelayMs int64

	// Linear: base_ms + step_ms * (attempt-1), capped at cap_ms.
	BaseMs int64
	StepMs int64
	CapMs  int64

	// ExponentialBackoff: min(max_ms, base_ms * multiplier^(attempt-1)).
	MaxMs      int64
	Multiplier float64
	// JitterFraction adds up to ±JitterFraction of the computed delay
	// (spec §4.2 "optional ±25% jitter"). 0 disables jitter. 0.25 matches
	// the spec's example.
	JitterFraction float64

	// Custom: schedule[attempt-1] is the delay for that attempt; once
	// attempt exceeds len(schedule) the policy is Terminal.
	Schedule []int64

	// MaxAttempts bounds every strategy: Terminal once attempt > MaxAttempts.
	MaxAttempts uint32
}

// Next evaluates the strategy for the given 1-indexed attempt number.
func Next(attempt uint32, s Strategy) Decision {
	if s.MaxAttempts > 0 && attempt > s.MaxAttempts {
		return Decision{Terminal: true}
	}

	switch s.Kind {
	case KindFixed:
		return Decision{DelayMs: s.DelayMs}

	case KindLinear:
		d := s.BaseMs + s.StepMs*int64(attempt-1)
		if s.CapMs > 0 && d > s.CapMs {
			d = s.CapMs
		}
		return Decision{DelayMs: d}

	case KindExponential:
		mult := s.Multiplier
		if mult <= 0 {
			mult = 2
		}
		raw := float64(s.BaseMs) * math.Pow(mult, float64(attempt-1))
		if s.MaxMs > 0 && raw > float64(s.MaxMs) {
			raw = float64(s.MaxMs)
		}
		d := int64(raw)
		if s.JitterFraction > 0 {
			d = applyJitter(d, s.JitterFraction)
			if s.MaxMs > 0 && d > s.MaxMs {
				d = s.MaxMs
			}
		}
		return Decision{DelayMs: d}

	case KindCustom:
		idx := int(attempt) - 1
		if idx < 0 || idx >= len(s.Schedule) {
			return Decision{Terminal: true}
		}
		return Decision{DelayMs: s.Schedule[idx]}

	default:
		return Decision{Terminal: true}
	}
}

// applyJitter perturbs d by up to ±fraction, never going negative.
func applyJitter(d int64, fraction float64) int64 {
	if d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * fraction * float64(d)
	out := int64(float64(d) + delta)
	if out < 0 {
		return 0
	}
	return out
}

// Delay is a convenience conversion of a Decision's milliseconds to a
// time.Duration.
func (d Decision) Delay() time.Duration {
	return time.Duration(d.DelayMs) * time.Millisecond
}
