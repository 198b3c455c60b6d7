package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/approvals/internal/config"
)

// ErrBreakerOpen is returned by Breaker.Allow while deliveries to a host are
// suspended.
var ErrBreakerOpen = errors.New("notify: circuit breaker open")

// BreakerState is the state of a Breaker.
type BreakerState int

// Breaker states. The numeric values are exported as the webhook circuit
// breaker gauge.
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
		return "half-open"
	}
	return "unknown"
}

// minRateSamples is the number of deliveries a window needs before its
// error rate can trip the breaker.
const minRateSamples = 10

// Breaker suspends deliveries to a webhook host after repeated failures.
// It opens on a run of consecutive failures or, when configured, on the
// error rate within a tumbling window. After the open timeout it lets
// probes through and closes again after enough consecutive successes.
type Breaker struct {
	cfg      config.CircuitBreakerConfig
	onChange func(BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a closed breaker. Zero thresholds fall back to 5
// failures, 2 successes and a 30s open timeout. onChange, if set, is called
// with the lock held whenever the state changes.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{
		cfg:         cfg,
		onChange:    onChange,
		windowStart: time.Now(),
	}
}

// Allow returns ErrBreakerOpen if a delivery must not be attempted now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a delivered notification.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countInWindow(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(BreakerClosed)
		}
	}
}

// Failure records a failed delivery.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countInWindow(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	return b.state
}

// ErrorRate returns the failure ratio and number of deliveries in the
// current window.
func (b *Breaker) ErrorRate() (float64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

// The helpers below expect b.mu to be held.

func (b *Breaker) trip() {
	b.openedAt = time.Now()
	b.setState(BreakerOpen)
}

func (b *Breaker) expireOpen() {
	if b.state == BreakerOpen && time.Since(b.openedAt) > b.cfg.Timeout {
		b.setState(BreakerHalfOpen)
	}
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	b.failures = 0
	b.successes = 0
	b.resetWindow()
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) countInWindow(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	b.rollWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rollWindow() {
	if b.cfg.ErrorRateWindow > 0 && time.Since(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = time.Now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}
