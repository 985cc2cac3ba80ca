package resilience

import (
	"testing"
	"time"
)

func testBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	b := NewBreaker("acct-1", "paper", BreakerConfig{
		Threshold:    3,
		BaseCooldown: 30 * time.Second,
		MaxCooldown:  10 * time.Minute,
	})
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	b.setNow(func() time.Time { return now })
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 2; i++ {
		if opened := b.RecordFailure(Transient); opened {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	if !b.Allow() {
		t.Fatal("breaker should still allow before threshold")
	}
	if opened := b.RecordFailure(Transient); !opened {
		t.Fatal("third failure should open the breaker")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must short-circuit")
	}
}

func TestBreakerInvalidInstrumentNeverCounts(t *testing.T) {
	b, _ := testBreaker(t)

	for i := 0; i < 10; i++ {
		b.RecordFailure(InvalidInstrument)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED after invalid-instrument failures", b.State())
	}

	// Interleaved invalid instruments must not advance the countable streak.
	b.RecordFailure(Transient)
	b.RecordFailure(InvalidInstrument)
	b.RecordFailure(Transient)
	if b.State() != StateClosed {
		t.Fatal("two countable failures must not open a threshold-3 breaker")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, now := testBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure(Transient)
	}
	if b.Allow() {
		t.Fatal("should not allow during cooldown")
	}

	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("cooldown elapsed; one probe should be admitted")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", b.State())
	}
	if b.Allow() {
		t.Fatal("only one probe at a time in half-open")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED after successful probe", b.State())
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow")
	}
}

func TestBreakerReleaseProbeFreesSlot(t *testing.T) {
	b, now := testBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure(Transient)
	}
	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}

	// The probe outcome carried no verdict on the venue; handing the slot
	// back must not leave the breaker stuck half-open.
	b.ReleaseProbe()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN after released probe", b.State())
	}
	if !b.Allow() {
		t.Fatal("released slot must admit the next probe immediately")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED after successful re-probe", b.State())
	}

	// Outside half-open the call is a no-op.
	b.ReleaseProbe()
	if b.State() != StateClosed || !b.Allow() {
		t.Fatal("ReleaseProbe on a closed breaker must change nothing")
	}
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	b, now := testBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure(Transient)
	}

	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be admitted")
	}
	if opened := b.RecordFailure(Transient); !opened {
		t.Fatal("failed probe should reopen")
	}

	snap := b.Snapshot()
	if snap.Cooldown != 60*time.Second {
		t.Fatalf("cooldown = %s, want 60s after failed probe", snap.Cooldown)
	}

	// Previous cooldown would have expired; the doubled one has not.
	*now = now.Add(31 * time.Second)
	if b.Allow() {
		t.Fatal("doubled cooldown should still be in effect")
	}
	*now = now.Add(30 * time.Second)
	if !b.Allow() {
		t.Fatal("doubled cooldown elapsed; probe should be admitted")
	}
}

func TestBreakerSuccessResetsCooldown(t *testing.T) {
	b, now := testBreaker(t)

	for i := 0; i < 3; i++ {
		b.RecordFailure(Transient)
	}
	*now = now.Add(31 * time.Second)
	b.Allow()
	b.RecordFailure(Transient) // cooldown now 60s
	*now = now.Add(61 * time.Second)
	b.Allow()
	b.RecordSuccess()

	if got := b.Snapshot().Cooldown; got != 30*time.Second {
		t.Fatalf("cooldown = %s, want base 30s after recovery", got)
	}
}

func TestBreakerRestore(t *testing.T) {
	b, now := testBreaker(t)
	for i := 0; i < 3; i++ {
		b.RecordFailure(RateLimit)
	}
	snap := b.Snapshot()
	if snap.State != "OPEN" || snap.LastFailureClass != "RATE_LIMIT" {
		t.Fatalf("snapshot = %+v", snap)
	}

	restored, _ := testBreaker(t)
	restored.setNow(func() time.Time { return *now })
	restored.Restore(snap)
	if restored.State() != StateOpen {
		t.Fatalf("restored state = %s, want OPEN", restored.State())
	}
	if restored.Allow() {
		t.Fatal("restored open breaker must honor the persisted cooldown")
	}
}
