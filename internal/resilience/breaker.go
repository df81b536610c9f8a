// Package resilience holds the circuit breaker that guards each vendor adapter.
//
// A breaker trips after consecutive failures so a vendor that is down is
// skipped without paying its timeout on every request, then lets a few probe
// calls through after a cool-down. Safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

type BreakerConfig struct {
	// Name labels log lines, e.g. "tenant-a/elevenlabs/tts".
	Name string

	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the open period before probing. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax probe calls must all succeed to close again. Default 1.
	HalfOpenMax int

	// Counts decides whether an error is the vendor's fault. Errors it
	// rejects (caller misuse, caller cancellation) leave the breaker untouched.
	// Nil counts every error.
	Counts func(error) bool

	Now    func() time.Time
	Logger *slog.Logger
}

type Breaker struct {
	cfg BreakerConfig

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	probes         int
	probeSuccesses int
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg}
}

// Execute runs fn unless the breaker is open. fn's error is returned as-is.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && (b.cfg.Counts == nil || b.cfg.Counts(err)) {
		b.onFailure(probe)
	} else {
		b.onSuccess(probe)
	}
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeSuccesses = 0
		b.cfg.Logger.Info("circuit breaker half-open", "name", b.cfg.Name)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil
	default:
		return false, nil
	}
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.trip("probe failed")
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.trip("consecutive failures")
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probe bool) {
	if !probe {
		if b.state == StateClosed {
			b.failures = 0
		}
		return
	}
	b.probeSuccesses++
	if b.state == StateHalfOpen && b.probeSuccesses >= b.cfg.HalfOpenMax {
		b.state = StateClosed
		b.failures = 0
		b.cfg.Logger.Info("circuit breaker closed", "name", b.cfg.Name)
	}
}

func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
	b.failures = 0
	b.cfg.Logger.Warn("circuit breaker opened", "name", b.cfg.Name, "reason", reason)
}

// State reports the current state; an open breaker past its reset timeout reads as half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Registry hands out one breaker per key, created on first use.
type Registry struct {
	base BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(base BreakerConfig) *Registry {
	return &Registry{base: base, breakers: map[string]*Breaker{}}
}

func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.base
	cfg.Name = key
	b := NewBreaker(cfg)
	r.breakers[key] = b
	return b
}
