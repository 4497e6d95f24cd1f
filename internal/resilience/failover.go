package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrAllFailed is returned by [Failover] when no model produced an answer.
var ErrAllFailed = errors.New("resilience: all models failed")

// Set hands out one [Breaker] per model name, created on first use with a
// shared config.
type Set struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet returns an empty Set.
func NewSet(cfg Config, opts ...Option) *Set {
	return &Set{cfg: cfg, opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.cfg, s.opts...)
		s.breakers[name] = b
	}
	return b
}

// States reports every known breaker's state by model name.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	bs := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		bs = append(bs, b)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(bs))
	for _, b := range bs {
		out[b.Name()] = b.State()
	}
	return out
}

// Failover calls fn for each model in order until one succeeds, skipping
// models whose breaker is open. It returns the result and the model that
// produced it. Duplicate names are tried once. When ctx ends, Failover stops
// and returns ctx's error. Otherwise the error wraps [ErrAllFailed] and every
// model's failure.
func Failover[R any](ctx context.Context, s *Set, models []string, fn func(ctx context.Context, model string) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
		seen = make(map[string]bool, len(models))
	)
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		var result R
		err := s.Get(model).Execute(ctx, func(ctx context.Context) error {
			var err error
			result, err = fn(ctx, model)
			return err
		})
		if err == nil {
			return result, model, nil
		}
		if ctx.Err() != nil {
			return zero, model, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
	}
	if len(errs) == 0 {
		return zero, "", fmt.Errorf("%w: no model configured", ErrAllFailed)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
