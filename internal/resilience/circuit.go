package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the state of a per-source circuit breaker.
type BreakerState int

const (
	// BreakerClosed is the normal operating state.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls immediately after repeated failures.
	BreakerOpen
	// BreakerHalfOpen allows a single probe to test recovery.
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
	default:
		return "unknown"
	}
}

// BreakerConfig controls per-source circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker is a circuit breaker guarding one source. A rejection from an
// open breaker is reported to callers as a retryable source error, so a
// tripped source degrades through the normal retry/skip path instead of
// hanging the DAG.
type Breaker struct {
	source string
	cfg    BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	lastFailure         time.Time

	nowFunc func() time.Time
}

// NewBreaker creates a breaker for the named source.
func NewBreaker(source string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		source:  source,
		cfg:     cfg,
		state:   BreakerClosed,
		nowFunc: time.Now,
	}
}

// Allow reports whether a call may proceed. When the breaker is open and
// the reset timeout has elapsed, it transitions to half-open and admits a
// single probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.transition(BreakerHalfOpen)
			return nil
		}
		return Retryable(b.source, &BreakerOpenError{Source: b.source})
	default:
		return nil
	}
}

// Record feeds a call outcome into the breaker. Only errors classified as
// retryable count toward tripping it; a permanent error says more about the
// target than the source's health.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsRetryable(err) {
		if b.state == BreakerHalfOpen {
			b.transition(BreakerClosed)
		}
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	b.lastFailure = b.nowFunc()

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// WithNow injects a clock for tests.
func (b *Breaker) WithNow(now func() time.Time) *Breaker {
	b.nowFunc = now
	return b
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	zap.L().Info("circuit breaker state change",
		zap.String("source", b.source),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// BreakerOpenError is the cause inside the retryable error returned when a
// call is rejected by an open breaker.
type BreakerOpenError struct {
	Source string
}

func (e *BreakerOpenError) Error() string {
	return "circuit breaker open for source " + e.Source
}

// SourceBreakers holds one breaker per source key.
type SourceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewSourceBreakers creates a per-source breaker registry.
func NewSourceBreakers(cfg BreakerConfig) *SourceBreakers {
	return &SourceBreakers{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for the named source, creating one if needed.
func (sb *SourceBreakers) Get(source string) *Breaker {
	sb.mu.RLock()
	b, ok := sb.breakers[source]
	sb.mu.RUnlock()
	if ok {
		return b
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if b, ok = sb.breakers[source]; ok {
		return b
	}
	b = NewBreaker(source, sb.cfg)
	sb.breakers[source] = b
	return b
}

// States returns a snapshot of all breaker states.
func (sb *SourceBreakers) States() map[string]BreakerState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]BreakerState, len(sb.breakers))
	for name, b := range sb.breakers {
		states[name] = b.State()
	}
	return states
}
