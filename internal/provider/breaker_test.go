package provider

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker open after %d failures, threshold is 3", i+1)
		}
	}
	b.RecordFailure()

	if b.Allow() {
		t.Fatal("breaker still allows calls after hitting threshold")
	}
	if got := b.Status().State; got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if !b.Allow() {
		t.Fatal("breaker tripped although failures were not consecutive")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("breaker closed after trip")
	}

	// Cooldown not yet elapsed.
	now = now.Add(30 * time.Second)
	if b.Allow() {
		t.Fatal("breaker allowed call before cooldown deadline")
	}

	// Cooldown elapsed: exactly one trial call.
	now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker rejected the half-open trial")
	}
	if got := b.Status().State; got != StateHalfOpen {
		t.Fatalf("state = %s, want %s", got, StateHalfOpen)
	}
	if b.Allow() {
		t.Fatal("breaker allowed a second call while trial in flight")
	}
}

func TestBreakerHalfOpenOutcomes(t *testing.T) {
	t.Run("trial success closes", func(t *testing.T) {
		now := time.Now()
		b := NewBreaker(1, time.Minute)
		b.now = func() time.Time { return now }

		b.RecordFailure()
		now = now.Add(2 * time.Minute)
		if !b.Allow() {
			t.Fatal("trial rejected")
		}
		b.RecordSuccess()

		st := b.Status()
		if st.State != StateClosed || st.Failures != 0 {
			t.Fatalf("after trial success: state=%s failures=%d, want closed/0", st.State, st.Failures)
		}
	})

	t.Run("trial failure reopens", func(t *testing.T) {
		now := time.Now()
		b := NewBreaker(1, time.Minute)
		b.now = func() time.Time { return now }

		b.RecordFailure()
		now = now.Add(2 * time.Minute)
		if !b.Allow() {
			t.Fatal("trial rejected")
		}
		b.RecordFailure()

		if got := b.Status().State; got != StateOpen {
			t.Fatalf("state = %s, want %s", got, StateOpen)
		}
		// Cooldown restarted from the trial failure.
		now = now.Add(30 * time.Second)
		if b.Allow() {
			t.Fatal("breaker allowed call before restarted cooldown elapsed")
		}
		now = now.Add(31 * time.Second)
		if !b.Allow() {
			t.Fatal("breaker rejected new trial after restarted cooldown")
		}
	})
}
