package engine

import (
	"time"

	"github.com/ksred/klear-executor/internal/config"
)

// RetryPolicy decides when a failed submit or report may run again and when
// to give up on it
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
	// MaxAttempts is the submit ceiling
	MaxAttempts int
	// MaxReportAttempts is the report ceiling; 0 retries forever so that a
	// fill is never abandoned
	MaxReportAttempts int
}

func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		Base:              time.Duration(cfg.BackoffBase) * time.Second,
		Max:               time.Duration(cfg.BackoffMax) * time.Second,
		MaxAttempts:       cfg.MaxAttempts,
		MaxReportAttempts: cfg.MaxReportAttempts,
	}
}

// Backoff returns the wait after the given number of attempts:
// Base * 2^(attempts-1), capped at Max. Zero attempts need no wait.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if attempts > 30 {
		return p.Max
	}
	d := p.Base * time.Duration(1<<(attempts-1))
	if d > p.Max || d <= 0 {
		return p.Max
	}
	return d
}

// Due reports whether the backoff since lastAttempt has elapsed
func (p RetryPolicy) Due(lastAttempt *time.Time, attempts int, now time.Time) bool {
	if lastAttempt == nil {
		return true
	}
	return !now.Before(lastAttempt.Add(p.Backoff(attempts)))
}

func (p RetryPolicy) SubmitExhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

func (p RetryPolicy) ReportExhausted(attempts int) bool {
	return p.MaxReportAttempts > 0 && attempts >= p.MaxReportAttempts
}
