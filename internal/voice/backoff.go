package voice

import "time"

// Default reconnection parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffUnit = time.Second
)

// Backoff is the reconnection policy: attempt n (1-based) waits 2^n units, and
// at most MaxAttempts consecutive attempts are made. With the defaults the
// delays are 2s, 4s and 8s. A successful open resets the attempt counter.
type Backoff struct {
	// Unit scales the delay. Defaults to 1s if zero.
	Unit time.Duration

	// MaxAttempts bounds consecutive attempts. Defaults to 3 if zero; a
	// negative value disables reconnection.
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Unit <= 0 {
		b.Unit = DefaultBackoffUnit
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	return b
}

// Delay returns the wait before the given attempt and false once the attempt
// exceeds the budget.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	b = b.withDefaults()
	if attempt < 1 || attempt > b.MaxAttempts {
		return 0, false
	}
	return b.Unit << attempt, true
}

// Clock supplies timers to the supervisor so tests can run the reconnection
// policy without real waits.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
