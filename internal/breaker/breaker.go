// Package breaker provides a circuit breaker for calls to the broker and
// other remote stores, modeled as an explicit state machine.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	// Closed passes calls through and tracks outcomes.
	Closed State = iota
	// Open rejects calls until the open interval elapses.
	Open
	// HalfOpen admits a limited number of probe calls.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// Settings tune the breaker. Zero values fall back to defaults.
type Settings struct {
	// WindowSize is the number of recent calls considered.
	WindowSize int
	// FailureRateThreshold opens the breaker when the failure share of the
	// window reaches it (0..1). Counted only once the window is full.
	FailureRateThreshold float64
	// SlowCallThreshold is the duration past which a call counts as slow.
	SlowCallThreshold time.Duration
	// SlowRateThreshold opens the breaker when the slow-call share of the
	// window reaches it (0..1).
	SlowRateThreshold float64
	// OpenInterval is how long the breaker stays open before probing.
	OpenInterval time.Duration
	// HalfOpenProbes is the number of calls admitted in half-open state.
	HalfOpenProbes int
}

func (s Settings) withDefaults() Settings {
	if s.WindowSize <= 0 {
		s.WindowSize = 20
	}
	if s.FailureRateThreshold <= 0 {
		s.FailureRateThreshold = 0.5
	}
	if s.SlowCallThreshold <= 0 {
		s.SlowCallThreshold = 5 * time.Second
	}
	if s.SlowRateThreshold <= 0 {
		s.SlowRateThreshold = 0.8
	}
	if s.OpenInterval <= 0 {
		s.OpenInterval = 30 * time.Second
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 3
	}
	return s
}

type outcome struct {
	failed bool
	slow   bool
}

// Breaker is a sliding-count circuit breaker. Safe for concurrent use.
type Breaker struct {
	settings Settings
	now      func() time.Time

	mu         sync.Mutex
	state      State
	window     []outcome
	openedAt   time.Time
	probes     int
	probeFails int
}

// New creates a breaker with the given settings.
func New(settings Settings) *Breaker {
	return &Breaker{
		settings: settings.withDefaults(),
		now:      time.Now,
	}
}

// State returns the current state, transitioning open → half-open when the
// open interval has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.settings.OpenInterval {
		b.state = HalfOpen
		b.probes = 0
		b.probeFails = 0
	}
	return b.state
}

// Execute runs fn under the breaker. In open state it returns ErrOpen
// without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.currentState() {
	case Open:
		b.mu.Unlock()
		return ErrOpen
	case HalfOpen:
		if b.probes >= b.settings.HalfOpenProbes {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probes++
	}
	b.mu.Unlock()

	start := b.now()
	err := fn()
	elapsed := b.now().Sub(start)

	b.record(err != nil, elapsed >= b.settings.SlowCallThreshold)
	return err
}

func (b *Breaker) record(failed, slow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if failed {
			b.probeFails++
			b.trip()
			return
		}
		if b.probes >= b.settings.HalfOpenProbes && b.probeFails == 0 {
			b.state = Closed
			b.window = b.window[:0]
		}
	default:
		b.window = append(b.window, outcome{failed: failed, slow: slow})
		if len(b.window) > b.settings.WindowSize {
			b.window = b.window[1:]
		}
		if len(b.window) < b.settings.WindowSize {
			return
		}
		var failures, slows int
		for _, o := range b.window {
			if o.failed {
				failures++
			}
			if o.slow {
				slows++
			}
		}
		failureRate := float64(failures) / float64(len(b.window))
		slowRate := float64(slows) / float64(len(b.window))
		if failureRate >= b.settings.FailureRateThreshold || slowRate >= b.settings.SlowRateThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.window = b.window[:0]
}
