package ratelimit

import (
	"testing"
	"time"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
)

func newTestBreaker(t *testing.T) (*Breaker, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l := NewLimiter(LimiterOptions{Clock: clk})
	return NewBreaker(l, LimiterOptions{Clock: clk}), clk
}

func TestBreakerFullCycle(t *testing.T) {
	b, clk := newTestBreaker(t)
	cfg := Config{MaxRequests: 1, Window: time.Second}
	bcfg := BreakerConfig{FailureThreshold: 2, ResetTimeout: 5 * time.Second}

	if ok, err := b.Allow("github", "api", cfg, bcfg); err != nil || !ok {
		t.Fatalf("first call: ok=%v err=%v", ok, err)
	}

	// Two limiter denials open the circuit.
	for i := 0; i < 2; i++ {
		if ok, _ := b.Allow("github", "api", cfg, bcfg); ok {
			t.Fatalf("denial %d unexpectedly allowed", i)
		}
	}
	if snap := b.Snapshot("github", "api"); snap.State != StateOpen || snap.Failures != 2 {
		t.Fatalf("snapshot = %+v, want open with 2 failures", snap)
	}

	// Before the cooldown everything is rejected, even though the limiter
	// window has long since reset.
	clk.Advance(2 * time.Second)
	if ok, _ := b.Allow("github", "api", cfg, bcfg); ok {
		t.Fatal("open circuit must reject before cooldown")
	}

	// After the cooldown one probe is admitted; the limiter passes, so the
	// circuit closes with failures cleared.
	clk.Advance(4 * time.Second)
	if ok, err := b.Allow("github", "api", cfg, bcfg); err != nil || !ok {
		t.Fatalf("probe: ok=%v err=%v", ok, err)
	}
	snap := b.Snapshot("github", "api")
	if snap.State != StateClosed || snap.Failures != 0 {
		t.Fatalf("snapshot after probe = %+v, want closed with 0 failures", snap)
	}
}

func TestBreakerProbeFailureKeepsFailures(t *testing.T) {
	b, clk := newTestBreaker(t)
	// Window longer than the cooldown, so the probe finds the limiter still
	// saturated.
	cfg := Config{MaxRequests: 1, Window: time.Hour}
	bcfg := BreakerConfig{FailureThreshold: 2, ResetTimeout: 5 * time.Second}

	if ok, _ := b.Allow("github", "api", cfg, bcfg); !ok {
		t.Fatal("seed allow")
	}
	for i := 0; i < 2; i++ {
		b.Allow("github", "api", cfg, bcfg)
	}
	before := b.Snapshot("github", "api")
	if before.State != StateOpen {
		t.Fatalf("state = %v, want open", before.State)
	}

	clk.Advance(6 * time.Second)
	if ok, _ := b.Allow("github", "api", cfg, bcfg); ok {
		t.Fatal("probe against a saturated limiter must fail")
	}
	after := b.Snapshot("github", "api")
	if after.State != StateOpen {
		t.Fatalf("state after failed probe = %v, want open", after.State)
	}
	if after.Failures != before.Failures+1 {
		t.Fatalf("failures = %d, want %d (persisted, not reset)", after.Failures, before.Failures+1)
	}
	if !after.LastFailure.After(before.LastFailure) {
		t.Fatal("failed probe must refresh the failure time")
	}

	// The failed probe restarted the cooldown: the immediate next call is
	// rejected without a probe.
	if ok, _ := b.Allow("github", "api", cfg, bcfg); ok {
		t.Fatal("only one probe per cooldown")
	}
}

func TestRecordFailureTripsBreaker(t *testing.T) {
	b, _ := newTestBreaker(t)
	bcfg := BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}

	for i := 0; i < 3; i++ {
		b.RecordFailure("github", "api", bcfg)
	}
	snap := b.Snapshot("github", "api")
	if snap.State != StateOpen || snap.Failures != 3 {
		t.Fatalf("snapshot = %+v, want open with 3 failures", snap)
	}
	if ok, _ := b.Allow("github", "api", Config{MaxRequests: 10, Window: time.Minute}, bcfg); ok {
		t.Fatal("caller-reported failures must trip the breaker")
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(t)
	bcfg := BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}

	b.RecordFailure("github", "api", bcfg)
	if snap := b.Snapshot("github", "api"); snap.State != StateOpen {
		t.Fatalf("state = %v, want open", snap.State)
	}

	b.Reset("github", "api")
	snap := b.Snapshot("github", "api")
	if snap.State != StateClosed || snap.Failures != 0 {
		t.Fatalf("snapshot after reset = %+v, want closed, 0 failures", snap)
	}
	if ok, _ := b.Allow("github", "api", Config{MaxRequests: 1, Window: time.Minute}, bcfg); !ok {
		t.Fatal("reset breaker should pass a fresh window through")
	}
}

func TestBreakerFailuresAccumulateAcrossAdmissions(t *testing.T) {
	b, _ := newTestBreaker(t)
	cfg := Config{MaxRequests: 10, Window: time.Minute}
	bcfg := BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}

	// Allowed calls whose guarded operation then fails must still trip the
	// breaker through RecordFailure.
	for i := 0; i < 3; i++ {
		if ok, _ := b.Allow("github", "api", cfg, bcfg); !ok {
			t.Fatalf("call %d should be admitted", i)
		}
		b.RecordFailure("github", "api", bcfg)
	}
	if snap := b.Snapshot("github", "api"); snap.State != StateOpen || snap.Failures != 3 {
		t.Fatalf("snapshot = %+v, want open with 3 failures", snap)
	}
}
