package regulator

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so retry backoff and breaker cool-down can be driven in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns a Clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSettings configures a count-based rolling-window breaker.
type BreakerSettings struct {
	// FailureRateThreshold is a percentage in (0, 100].
	FailureRateThreshold float64
	WindowSize           int
	MinimumCalls         int
	OpenDuration         time.Duration
	HalfOpenTrials       int
}

// DefaultBreakerSettings mirrors the service defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureRateThreshold: 50,
		WindowSize:           10,
		MinimumCalls:         5,
		OpenDuration:         30 * time.Second,
		HalfOpenTrials:       3,
	}
}

func (s BreakerSettings) normalized() BreakerSettings {
	if s.WindowSize <= 0 {
		s.WindowSize = 10
	}
	if s.MinimumCalls <= 0 {
		s.MinimumCalls = 1
	}
	if s.MinimumCalls > s.WindowSize {
		s.MinimumCalls = s.WindowSize
	}
	if s.FailureRateThreshold <= 0 || s.FailureRateThreshold > 100 {
		s.FailureRateThreshold = 50
	}
	if s.HalfOpenTrials <= 0 {
		s.HalfOpenTrials = 1
	}
	if s.OpenDuration < 0 {
		s.OpenDuration = 0
	}
	return s
}

// Breaker is a circuit breaker for one upstream. Outcomes are recorded in a ring of the
// last WindowSize calls; once at least MinimumCalls are recorded and the failure rate
// reaches the threshold the breaker opens. After OpenDuration it admits HalfOpenTrials
// trial calls: any failure reopens, all succeeding closes.
type Breaker struct {
	name     string
	settings BreakerSettings
	clock    Clock

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	window     []bool
	next       int
	recorded   int
	failures   int
	openedAt   time.Time
	admitted   int
	succeeded  int
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, settings BreakerSettings, clock Clock) *Breaker {
	if clock == nil {
		clock = SystemClock()
	}
	settings = settings.normalized()
	return &Breaker{
		name:     name,
		settings: settings,
		clock:    clock,
		window:   make([]bool, settings.WindowSize),
	}
}

// Name returns the upstream the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving Open to HalfOpen if the cool-down elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Allow asks permission for one call. On success the returned func must be called
// exactly once with the call's outcome. ErrCircuitOpen is returned while open or while
// all half-open trial slots are taken.
func (b *Breaker) Allow() (func(success bool), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()
	switch b.state {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if b.admitted >= b.settings.HalfOpenTrials {
			return nil, ErrCircuitOpen
		}
		b.admitted++
	}

	generation := b.generation
	var once sync.Once
	return func(success bool) {
		once.Do(func() { b.record(generation, success) })
	}, nil
}

func (b *Breaker) record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Outcome belongs to a state we already left.
	if generation != b.generation {
		return
	}

	switch b.state {
	case StateClosed:
		if b.recorded == len(b.window) {
			if b.window[b.next] {
				b.failures--
			}
		} else {
			b.recorded++
		}
		b.window[b.next] = !success
		if !success {
			b.failures++
		}
		b.next = (b.next + 1) % len(b.window)

		if b.recorded >= b.settings.MinimumCalls {
			rate := float64(b.failures) * 100 / float64(b.recorded)
			if rate >= b.settings.FailureRateThreshold {
				b.toLocked(StateOpen)
			}
		}
	case StateHalfOpen:
		if !success {
			b.toLocked(StateOpen)
			return
		}
		b.succeeded++
		if b.succeeded >= b.settings.HalfOpenTrials {
			b.toLocked(StateClosed)
		}
	}
}

func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && !b.clock.Now().Before(b.openedAt.Add(b.settings.OpenDuration)) {
		b.toLocked(StateHalfOpen)
	}
}

func (b *Breaker) toLocked(state BreakerState) {
	b.state = state
	b.generation++
	b.admitted = 0
	b.succeeded = 0
	switch state {
	case StateOpen:
		b.openedAt = b.clock.Now()
	case StateClosed:
		for i := range b.window {
			b.window[i] = false
		}
		b.next = 0
		b.recorded = 0
		b.failures = 0
	}
}

// BreakerRegistry hands out one Breaker per upstream name.
type BreakerRegistry struct {
	settings BreakerSettings
	clock    Clock

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry whose breakers share settings and clock.
func NewBreakerRegistry(settings BreakerSettings, clock Clock) *BreakerRegistry {
	if clock == nil {
		clock = SystemClock()
	}
	return &BreakerRegistry{
		settings: settings,
		clock:    clock,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.settings, r.clock)
	r.breakers[name] = b
	return b
}
