package processor

import (
	"math"
	"time"
)

// ewma tracks messages_per_second with an exponentially decaying average,
// same shape as domregistry's success_rate EMA (new = old*decay + sample*(1-decay))
// but applied on a wall-clock tick rather than a fixed alpha, since completions
// arrive at an irregular rate.
type ewma struct {
	halfLife time.Duration
	value    float64
	last     time.Time
}

func newEWMA(halfLifeSeconds float64) *ewma {
	return &ewma{halfLife: time.Duration(halfLifeSeconds * float64(time.Second))}
}

// tick records one completion at time at and updates the rate estimate.
func (e *ewma) tick(at time.Time) {
	if e.last.IsZero() {
		e.last = at
		e.value = 0
		return
	}
	elapsed := at.Sub(e.last)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	instant := 1.0 / elapsed.Seconds()
	decay := decayFactor(elapsed, e.halfLife)
	e.value = e.value*decay + instant*(1-decay)
	e.last = at
}

// rate returns the current estimate, decayed for time elapsed since the last
// tick (so an idle processor's reported rate falls toward zero).
func (e *ewma) rate() float64 {
	if e.last.IsZero() {
		return 0
	}
	decay := decayFactor(time.Since(e.last), e.halfLife)
	return e.value * decay
}

func decayFactor(elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
}
