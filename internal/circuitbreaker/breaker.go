// Package circuitbreaker short-circuits calls to handler agents that keep
// failing, and lets a few trial calls through once a cooldown has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config applies to every breaker a Registry creates. Zero values take the
// defaults.
type Config struct {
	// FailureThreshold consecutive failures open the breaker. Default 5.
	FailureThreshold uint32
	// Cooldown is how long an open breaker rejects calls. Default 30s.
	Cooldown time.Duration
	// HalfOpenTrials successful trial calls close the breaker again. Default 1.
	HalfOpenTrials uint32
	// OnStateChange is called with the breaker's lock held.
	OnStateChange func(name string, from, to State)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 5
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 30 * time.Second
	}
	if out.HalfOpenTrials == 0 {
		out.HalfOpenTrials = 1
	}
	return out
}

// Counts are reset on every state change.
type Counts struct {
	Requests             uint32 `json:"requests"`
	ConsecutiveFailures  uint32 `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32 `json:"consecutiveSuccesses"`
}

type Breaker struct {
	name string
	cfg  Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	openedAt   time.Time
	inFlight   uint32

	now func() time.Time
}

func newBreaker(name string, cfg Config, now func() time.Time) *Breaker {
	return &Breaker{name: name, cfg: cfg, now: now}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn unless the breaker is open. A panic in fn counts as a failure
// and is re-raised.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	ok := false
	defer func() { b.after(gen, ok) }()

	err = fn(ctx)
	ok = err == nil
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked() {
	case StateOpen:
		return b.generation, ErrCircuitOpen
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenTrials {
			return b.generation, ErrTooManyRequests
		}
	}
	b.inFlight++
	b.counts.Requests++
	return b.generation, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentLocked()
	if gen != b.generation {
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}

	if success {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.HalfOpenTrials {
			b.setStateLocked(StateClosed)
		}
		return
	}

	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	if state == StateHalfOpen || b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
		b.setStateLocked(StateOpen)
	}
}

func (b *Breaker) currentLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setStateLocked(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setStateLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.counts = Counts{}
	b.inFlight = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds one breaker per name, created on first use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker

	now func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to State) {
			slog.Warn("[CircuitBreaker] state change", "target", name, "from", from.String(), "to", to.String())
		}
	}
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker), now: time.Now}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newBreaker(name, r.cfg, r.now)
		r.breakers[name] = b
	}
	return b
}

// Remove drops the breaker for name, as when its agent is re-registered.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

type Stats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, b := range list {
		b.mu.Lock()
		out = append(out, Stats{Name: b.name, State: b.currentLocked().String(), Counts: b.counts})
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
