package connection

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults for reconnecting to the box.
const (
	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff = 5 * time.Second

	// MaxBackoff is the maximum reconnection delay.
	MaxBackoff = 300 * time.Second

	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier = 2.0

	// MaxBackoffExponent caps the exponent applied to the multiplier.
	MaxBackoffExponent = 6

	// JitterFactor is the default jitter as a fraction of the base delay.
	JitterFactor = 0.0
)

// Backoff calculates exponential backoff delays:
//
//	delay(n) = min(initial × multiplier^min(n-1, maxExponent), max)
//
// where n is the number of failed attempts since the last Reset.
type Backoff struct {
	mu sync.Mutex

	// Configuration
	initial     time.Duration
	max         time.Duration
	multiplier  float64
	maxExponent int
	jitter      float64

	// Failed attempts since last reset
	attempts int

	// Random source for jitter
	rng *rand.Rand
}

// BackoffConfig allows customizing backoff parameters.
type BackoffConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxExponent int           `yaml:"max_exponent"`
	Jitter      float64       `yaml:"jitter"`
}

// DefaultBackoffConfig returns the default reconnect backoff.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:     InitialBackoff,
		Max:         MaxBackoff,
		Multiplier:  BackoffMultiplier,
		MaxExponent: MaxBackoffExponent,
		Jitter:      JitterFactor,
	}
}

// NewBackoff creates a new backoff calculator with default settings.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(DefaultBackoffConfig())
}

// NewBackoffWithConfig creates a backoff calculator with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.MaxExponent <= 0 {
		cfg.MaxExponent = MaxBackoffExponent
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		initial:     cfg.Initial,
		max:         cfg.Max,
		multiplier:  cfg.Multiplier,
		maxExponent: cfg.MaxExponent,
		jitter:      cfg.Jitter,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next records a failed attempt and returns the delay to wait before the
// next one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	return b.addJitter(b.delayFor(b.attempts))
}

// Peek returns the delay the next failure would produce, without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delayFor(b.attempts + 1)
}

// Reset resets the backoff to initial values.
// Call this after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of failed attempts since last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the base delay for the current attempt count (without
// jitter), or zero after a reset.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempts == 0 {
		return 0
	}
	return b.delayFor(b.attempts)
}

func (b *Backoff) delayFor(attempt int) time.Duration {
	exp := min(attempt-1, b.maxExponent)
	d := float64(b.initial) * math.Pow(b.multiplier, float64(exp))
	if d > float64(b.max) {
		return b.max
	}
	return time.Duration(d)
}

// addJitter adds random jitter to a delay.
func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	jitterAmount := time.Duration(float64(d) * b.jitter * b.rng.Float64())
	return d + jitterAmount
}

// BackoffSequence returns the default base delays for consecutive failures
// up to the cap.
func BackoffSequence() []time.Duration {
	return []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second, // max
	}
}
