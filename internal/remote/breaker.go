package remote

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BreakerState is the circuit breaker position
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // Normal operation
	BreakerOpen                         // Failing, reject requests
	BreakerHalfOpen                     // Testing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker stops calling the remote service after repeated failures and
// probes it again once the cooldown has passed. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	now              func() time.Time
	logger           zerolog.Logger
}

// NewBreaker returns a closed breaker. A threshold of 0 disables it.
func NewBreaker(name string, failureThreshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: 1,
		cooldown:         cooldown,
		now:              time.Now,
		logger:           log.With().Str("component", "circuit_breaker").Str("name", name).Logger(),
	}
}

// Allow reports whether a request may proceed
func (b *Breaker) Allow() bool {
	if b.failureThreshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.successCount = 0
			b.logger.Info().Msg("circuit breaker half-open")
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			b.logger.Info().Msg("circuit breaker closed")
		}
	}
}

func (b *Breaker) RecordFailure() {
	if b.failureThreshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = BreakerOpen
			b.logger.Warn().Int("failures", b.failureCount).Msg("circuit breaker open")
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successCount = 0
		b.logger.Warn().Msg("circuit breaker open, probe failed")
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
