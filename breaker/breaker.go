// Package breaker adapts github.com/sony/gobreaker's TwoStepCircuitBreaker
// to the Closed/Open/HalfOpen contract of spec §4.3: the failure ratio over
// every call counted since the breaker last changed state trips it open (the
// counts are not a rolling window of recent calls, and Config.WindowSize is
// not applied), a cooldown admits a bounded number
// of half-open probes, and every transition is reported through a callback
// so the engine can persist CircuitBreakerState rows and emit
// CircuitBreakerStateChanged events (spec §3, §4.3).
//
// Grounded on jordigilh-kubernaut's circuitbreaker.Manager usage
// (gobreaker.Settings{ReadyToTrip, OnStateChange}) and connectivity/breaker.go's
// per-service keyed-breaker shape from the teacher.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker's three-state machine using the engine's own
// vocabulary (spec §3 CircuitBreakerState.state).
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds the per-handler tunables from spec §4.3 / storage.BreakerConfig.
type Config struct {
	WindowSize     uint32
	ThresholdRatio float64
	MinCalls       uint32
	ResetTimeoutS  uint32
	ProbeCount     uint32
}

// StateChangeFunc is invoked on every transition, keyed by handler id.
type StateChangeFunc func(handlerID string, from, to State)

// Manager lazily creates and caches one breaker per handler id, behind a
// read-mostly RWMutex (spec §9 "Shared mutable maps... hash map behind a
// readers-writer lock suffices").
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	onChange StateChangeFunc
}

// NewManager creates a Manager. onChange may be nil.
func NewManager(onChange StateChangeFunc) *Manager {
	if onChange == nil {
		onChange = func(string, State, State) {}
	}
	return &Manager{breakers: make(map[string]*Breaker), onChange: onChange}
}

// Get returns the breaker for handlerID, creating it with cfg on first use.
// Subsequent calls ignore cfg and return the cached breaker (config changes
// require Reset or a fresh handler id, matching "handler" being the unit of
// breaker identity in spec §3).
func (m *Manager) Get(handlerID string, cfg Config) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[handlerID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[handlerID]; ok {
		return b
	}
	b = newBreaker(handlerID, cfg, m.onChange)
	m.breakers[handlerID] = b
	return b
}

// Reset forces a handler's breaker back to Closed (admin "manual reset").
// gobreaker exposes no API to force an existing breaker's internal state,
// so Reset replaces the cached breaker with a fresh Closed one built from
// the same config — any in-flight Allow() on the old breaker still
// completes against it harmlessly.
func (m *Manager) Reset(handlerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.breakers[handlerID]
	if !ok {
		return
	}
	fresh := newBreaker(handlerID, old.cfg, m.onChange)
	m.breakers[handlerID] = fresh
	if old.lastReportedState != StateClosed {
		m.onChange(handlerID, old.lastReportedState, StateClosed)
	}
}

// Snapshot returns the current observed state and counters for a handler,
// for admin inspection (spec §6 "Breaker state inspection").
func (m *Manager) Snapshot(handlerID string) (Snapshot, bool) {
	m.mu.RLock()
	b, ok := m.breakers[handlerID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.snapshot(), true
}

// Snapshot is a point-in-time view of a breaker's counters, mirroring
// storage.BreakerRow.
type Snapshot struct {
	HandlerID            string
	State                State
	FailureCount         uint32
	SuccessCountHalfOpen uint32
	OpenedAt             *time.Time
}

// Breaker wraps one handler's TwoStepCircuitBreaker plus the mirrored
// counters the engine persists for admin inspection.
type Breaker struct {
	handlerID string
	cfg       Config
	cb        *gobreaker.TwoStepCircuitBreaker
	onChange  StateChangeFunc

	mu                   sync.Mutex
	failureCount         uint32
	successCountHalfOpen uint32
	openedAt             *time.Time
	lastReportedState    State
}

func newBreaker(handlerID string, cfg Config, onChange StateChangeFunc) *Breaker {
	if cfg.ThresholdRatio <= 0 {
		cfg.ThresholdRatio = 0.5
	}
	if cfg.MinCalls == 0 {
		cfg.MinCalls = 5
	}
	if cfg.ResetTimeoutS == 0 {
		cfg.ResetTimeoutS = 30
	}
	if cfg.ProbeCount == 0 {
		cfg.ProbeCount = 1
	}

	b := &Breaker{handlerID: handlerID, cfg: cfg, lastReportedState: StateClosed, onChange: onChange}

	settings := gobreaker.Settings{
		Name:        handlerID,
		MaxRequests: cfg.ProbeCount,
		Interval:    0, // counts accumulate for the life of the Closed state, reset on every transition
		Timeout:     time.Duration(cfg.ResetTimeoutS) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= cfg.MinCalls &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.ThresholdRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.reportTransition(fromGobreaker(from), fromGobreaker(to))
		},
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(settings)
	return b
}

// ErrOpen is returned by Allow when the breaker is open or the half-open
// probe budget is exhausted.
var ErrOpen = fmt.Errorf("breaker: circuit open")

// Allow admits or rejects a call. On admission it returns a done function
// that MUST be called exactly once with the call's outcome; on rejection it
// returns a nil done and ErrOpen (spec §4.8 step 2: "do not count as a
// handler failure" — a rejected call bypasses record_success/record_failure
// entirely, matching gobreaker's Before/After semantics).
func (b *Breaker) Allow() (done func(success bool), err error) {
	step, err := b.cb.Allow()
	if err != nil {
		return nil, ErrOpen
	}
	return func(success bool) {
		step(success)
		b.recordOutcome(success)
	}, nil
}

func (b *Breaker) recordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		if fromGobreaker(b.cb.State()) == StateHalfOpen {
			b.successCountHalfOpen++
		} else {
			b.failureCount = 0
		}
	} else {
		b.failureCount++
	}
}

func (b *Breaker) reportTransition(from, to State) {
	b.mu.Lock()
	switch to {
	case StateOpen:
		now := time.Now()
		b.openedAt = &now
	case StateClosed:
		b.failureCount = 0
		b.successCountHalfOpen = 0
		b.openedAt = nil
	case StateHalfOpen:
		b.successCountHalfOpen = 0
	}
	b.lastReportedState = to
	b.mu.Unlock()
	b.onChange(b.handlerID, from, to)
}

func (b *Breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		HandlerID:            b.handlerID,
		State:                fromGobreaker(b.cb.State()),
		FailureCount:         b.failureCount,
		SuccessCountHalfOpen: b.successCountHalfOpen,
		OpenedAt:             b.openedAt,
	}
}

// ResetTimeout returns the configured reset_timeout_s as a Duration — the
// dispatcher's Retry{delay_ms} when a call is rejected Open (spec §4.8).
func (b *Breaker) ResetTimeout() time.Duration {
	return time.Duration(b.cfg.ResetTimeoutS) * time.Second
}

// contextKey namespaces values this package stores on a context, reserved
// for future use by HTTP-transport breaker middleware.
type contextKey string

const handlerIDKey contextKey = "breaker_handler_id"

// WithHandlerID attaches a handler id to ctx for logging in wrapped calls.
func WithHandlerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, handlerIDKey, id)
}
