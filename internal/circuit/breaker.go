// Package circuit guards the network tier with per-host circuit breakers.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/objectfs/tiercache/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests through
	StateClosed State = iota
	// StateOpen rejects requests until the open timeout elapses
	StateOpen
	// StateHalfOpen lets a limited number of probe requests through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// MaxRequests is the number of probes allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration `yaml:"timeout"`

	// IsFailure decides whether an error counts against the breaker.
	// Defaults to any non-nil error.
	IsFailure func(err error) bool `yaml:"-"`

	// OnStateChange is called with the breaker lock held
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// Counts holds the numbers of requests and their outcomes since the last state change
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Breaker implements the circuit breaker pattern for one host
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Execute runs fn if the breaker allows it. A rejected call fails with
// CIRCUIT_OPEN without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if state == StateOpen ||
		(state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests) {
		return errors.Newf(errors.ErrCodeCircuitOpen, "circuit for %s is %s", b.name, state).
			WithComponent("circuit").
			WithRetryable(false)
	}

	b.counts.Requests++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if !b.config.IsFailure(err) {
		b.counts.ConsecutiveFailures = 0
		b.counts.ConsecutiveSuccesses++
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && b.expiry.Before(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.counts = Counts{}

	if state == StateOpen {
		b.expiry = now.Add(b.config.Timeout)
	} else {
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.currentState(time.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed, time.Now())
	b.counts = Counts{}
}

// Name returns the name of the breaker
func (b *Breaker) Name() string {
	return b.name
}

// Set lazily creates one breaker per name (typically a host)
type Set struct {
	config   Config
	breakers *xsync.MapOf[string, *Breaker]
}

// NewSet creates an empty breaker set sharing config
func NewSet(config Config) *Set {
	return &Set{
		config:   config,
		breakers: xsync.NewMapOf[string, *Breaker](),
	}
}

// Get returns the breaker for name, creating it on first use
func (s *Set) Get(name string) *Breaker {
	breaker, _ := s.breakers.LoadOrCompute(name, func() *Breaker {
		return NewBreaker(name, s.config)
	})
	return breaker
}

// Stats returns the state of every breaker
func (s *Set) Stats() map[string]BreakerStats {
	stats := make(map[string]BreakerStats)
	s.breakers.Range(func(name string, b *Breaker) bool {
		stats[name] = BreakerStats{Name: name, State: b.State(), Counts: b.Counts()}
		return true
	})
	return stats
}

// ResetAll closes every breaker
func (s *Set) ResetAll() {
	s.breakers.Range(func(_ string, b *Breaker) bool {
		b.Reset()
		return true
	})
}

// BreakerStats represents statistics for a single breaker
type BreakerStats struct {
	Name   string `json:"name"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}
