package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewManual(start)

	ch := clk.After(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("timer fired before advance")
	default:
	}

	clk.Advance(250 * time.Millisecond)
	select {
	case <-ch:
		t.Fatalf("timer fired early")
	default:
	}

	clk.Advance(250 * time.Millisecond)
	select {
	case now := <-ch:
		if !now.Equal(start.Add(500 * time.Millisecond)) {
			t.Fatalf("unexpected fire time %s", now)
		}
	default:
		t.Fatalf("timer did not fire at deadline")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualAfterNonPositive(t *testing.T) {
	clk := NewManual(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatalf("expected immediate fire for d<=0")
	}
}
