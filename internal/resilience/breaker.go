// Package resilience keeps failing models out of the request path.
//
// A [Breaker] is a three-state circuit breaker (closed, open, half-open) for
// one model. [Failover] tries an ordered list of models, each behind its own
// breaker from a [Set], and returns the first answer.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets a limited number of probes through. A failed probe
	// opens the breaker again; enough successful probes close it.
	StateHalfOpen
)

// String returns the lowercase state name.
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

// Defaults applied by [NewBreaker] to zero config fields.
const (
	DefaultMaxFailures  = 3
	DefaultResetTimeout = 30 * time.Second
	DefaultProbes       = 1
)

// Config tunes a [Breaker].
type Config struct {
	// MaxFailures is the number of consecutive failures that open the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration

	// Probes is the number of successful half-open calls needed to close.
	Probes int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.Probes <= 0 {
		c.Probes = DefaultProbes
	}
	return c
}

// Option configures a [Breaker] or a [Set].
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger for state changes.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Breaker guards one model.
type Breaker struct {
	name string
	cfg  Config
	opts options

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   int
	probeWins int
}

// NewBreaker returns a closed breaker named name.
func NewBreaker(name string, cfg Config, opts ...Option) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), opts: buildOptions(opts)}
}

// Name returns the guarded model's name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open. An error caused by ctx ending
// is returned as is and counts neither as failure nor as success.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing--
	}
	switch {
	case err != nil && ctx.Err() != nil:
		// Caller gave up; says nothing about the model.
	case err != nil:
		b.fail(probe)
	default:
		b.succeed(probe)
	}
	return err
}

// acquire decides whether a call may proceed and whether it is a probe.
func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.opts.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probeWins = 0
	}
	if b.state == StateHalfOpen {
		if b.probing+b.probeWins >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.probing++
		return true, nil
	}
	return false, nil
}

// fail must be called with b.mu held.
func (b *Breaker) fail(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.openedAt = b.opts.now()
		b.transition(StateOpen)
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.openedAt = b.opts.now()
		b.transition(StateOpen)
	}
}

// succeed must be called with b.mu held.
func (b *Breaker) succeed(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	if b.state != StateHalfOpen {
		return
	}
	b.probeWins++
	if b.probeWins >= b.cfg.Probes {
		b.failures = 0
		b.transition(StateClosed)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.opts.logger.Log(context.Background(), level, "resilience: breaker state changed",
		"model", b.name, "from", from.String(), "to", to.String(), "failures", b.failures)
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.opts.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.probing, b.probeWins = 0, 0, 0
	b.transition(StateClosed)
}
