package breaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpenState circuit breaker is open
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrTooManyRequests half-open probe budget exhausted
	ErrTooManyRequests = errors.New("circuit breaker half-open probe limit reached")
)

// IsBreakerError checks if err was produced by a breaker rejecting the call
func IsBreakerError(err error) bool {
	return errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests)
}

// Config circuit breaker configuration
type Config struct {
	// MaxRequests probes allowed while half-open, and successes needed to close
	MaxRequests uint32
	// Interval closed-state window after which counts reset
	Interval time.Duration
	// Timeout open duration before probing
	Timeout time.Duration
	// FailureRatio and MinRequests decide when a closed breaker trips
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange optional transition hook
	OnStateChange func(name string, from, to State)
}

// Counts request outcomes inside the current window
type Counts struct {
	Requests             uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
}

func (c Counts) failureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

// CircuitBreaker guards calls to one destination
type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	deadline time.Time // window end when closed, probe start when open
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}

	cb := &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
	cb.deadline = cb.now().Add(cfg.Interval)
	return cb
}

// Name returns the guarded destination
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker rejects it. fn's error counts as a
// failure; a panic counts as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(fn func() error) (err error) {
	if err := cb.allow(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(false)
			panic(r)
		}
	}()

	err = fn()
	cb.record(err == nil)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance(cb.now())
	return cb.state
}

// Counts returns the counts of the current window
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance(cb.now())
	switch cb.state {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if cb.counts.Requests >= cb.cfg.MaxRequests {
			return ErrTooManyRequests
		}
	}
	cb.counts.Requests++
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.advance(now)

	if success {
		cb.counts.ConsecutiveSuccesses++
		if cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.Failures++
	cb.counts.ConsecutiveSuccesses = 0
	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen, now)
	case StateClosed:
		if cb.counts.Requests >= cb.cfg.MinRequests && cb.counts.failureRatio() >= cb.cfg.FailureRatio {
			cb.transition(StateOpen, now)
		}
	}
}

// advance applies time based transitions; callers hold mu.
func (cb *CircuitBreaker) advance(now time.Time) {
	switch cb.state {
	case StateClosed:
		if now.After(cb.deadline) {
			cb.counts = Counts{}
			cb.deadline = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		if !now.Before(cb.deadline) {
			cb.transition(StateHalfOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.counts = Counts{}
	switch to {
	case StateClosed:
		cb.deadline = now.Add(cb.cfg.Interval)
	case StateOpen:
		cb.deadline = now.Add(cb.cfg.Timeout)
	default:
		cb.deadline = time.Time{}
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// Manager hands out one breaker per destination
type Manager struct {
	breakers sync.Map
	cfg      Config
}

// NewManager creates a new circuit breaker manager
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Get gets or creates the breaker for name
func (m *Manager) Get(name string) *CircuitBreaker {
	if cb, ok := m.breakers.Load(name); ok {
		return cb.(*CircuitBreaker)
	}
	actual, _ := m.breakers.LoadOrStore(name, NewCircuitBreaker(name, m.cfg))
	return actual.(*CircuitBreaker)
}

// Execute runs fn through the breaker for name
func (m *Manager) Execute(name string, fn func() error) error {
	return m.Get(name).Execute(fn)
}
