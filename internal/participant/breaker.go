package participant

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a call
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	// FailureRate is the failure ratio (0-1) that trips the breaker
	FailureRate float64
	// MinSamples is the minimum number of calls in the window before
	// the failure rate is evaluated
	MinSamples int
	// OpenDuration is how long the breaker stays open before allowing
	// a probe call
	OpenDuration time.Duration
	// WindowSize is the number of recent calls tracked
	WindowSize int
}

// DefaultBreakerConfig returns default breaker configuration
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureRate:  0.5,
		MinSamples:   10,
		OpenDuration: 5 * time.Second,
		WindowSize:   50,
	}
}

// Breaker is a circuit breaker over participant calls. Only transport-level
// failures (transient, timeout, unavailable) count against the breaker;
// business rejections are successful calls from the transport's point of view.
type Breaker struct {
	config *BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	window    []bool // true = failure
	openedAt  time.Time
	probing   bool
	successes int
	failures  int
}

// NewBreaker creates a circuit breaker
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 50
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 1
	}
	return &Breaker{
		config: config,
		state:  BreakerClosed,
		window: make([]bool, 0, config.WindowSize),
	}
}

// Allow reports whether a call may proceed. In the half-open state only a
// single probe is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.config.OpenDuration {
			b.state = BreakerHalfOpen
			b.probing = true
			return nil
		}
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if failed {
			b.trip()
		} else {
			b.reset()
		}
		return
	}

	b.window = append(b.window, failed)
	if failed {
		b.failures++
	} else {
		b.successes++
	}
	if len(b.window) > b.config.WindowSize {
		evicted := b.window[0]
		b.window = b.window[1:]
		if evicted {
			b.failures--
		} else {
			b.successes--
		}
	}

	total := b.failures + b.successes
	if total >= b.config.MinSamples {
		rate := float64(b.failures) / float64(total)
		if rate >= b.config.FailureRate {
			b.trip()
		}
	}
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.window = b.window[:0]
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) reset() {
	b.state = BreakerClosed
	b.window = b.window[:0]
	b.failures = 0
	b.successes = 0
}
