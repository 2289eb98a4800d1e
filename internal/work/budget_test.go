package work

import (
	"testing"
	"time"
)

func TestBudgetTracker_Disabled(t *testing.T) {
	b := newBudgetTracker(0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !b.canDispatch(now) {
			t.Fatalf("disabled tracker should always allow dispatch")
		}
		b.record(now)
	}
}

func TestBudgetTracker_LimitEnforced(t *testing.T) {
	b := newBudgetTracker(2)
	now := time.Now()

	if !b.canDispatch(now) {
		t.Fatalf("expected first dispatch to be allowed")
	}
	b.record(now)

	if !b.canDispatch(now) {
		t.Fatalf("expected second dispatch to be allowed")
	}
	b.record(now)

	if b.canDispatch(now) {
		t.Fatalf("expected third dispatch within the window to be blocked")
	}
}

func TestBudgetTracker_WindowExpires(t *testing.T) {
	b := newBudgetTracker(1)
	start := time.Now()

	if !b.canDispatch(start) {
		t.Fatalf("expected first dispatch to be allowed")
	}
	b.record(start)

	if b.canDispatch(start) {
		t.Fatalf("expected second dispatch to be blocked within the window")
	}

	later := start.Add(budgetWindow + time.Minute)
	if !b.canDispatch(later) {
		t.Fatalf("expected dispatch to be allowed again once the window has elapsed")
	}
}
