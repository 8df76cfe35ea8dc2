package remote

import (
	"testing"
	"time"
)

func TestBreaker_Lifecycle(t *testing.T) {
	now := time.Now()
	b := NewBreaker("test", 3, time.Minute)
	b.now = func() time.Time { return now }

	if !b.Allow() || b.State() != BreakerClosed {
		t.Fatal("Expected a new breaker to be closed")
	}

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Error("Should still be CLOSED after 2 failures")
	}
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("Expected OPEN after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Error("Expected OPEN breaker to reject")
	}

	now = now.Add(time.Minute)
	if !b.Allow() || b.State() != BreakerHalfOpen {
		t.Fatalf("Expected HALF_OPEN after cooldown, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Fatalf("Expected failed probe to reopen, got %s", b.State())
	}

	now = now.Add(time.Minute)
	b.Allow()
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Errorf("Expected successful probe to close, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker("test", 2, time.Minute)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Errorf("Expected success to reset the failure count, got %s", b.State())
	}
}

func TestBreaker_DisabledWithZeroThreshold(t *testing.T) {
	b := NewBreaker("test", 0, time.Minute)
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if !b.Allow() {
		t.Error("Expected disabled breaker to always allow")
	}
}
