package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := 0
	c.AfterFunc(500*time.Millisecond, func() { fired++ })

	c.Advance(499 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("expected 1 call, got %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected Stop to report a pending timer")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
}

func TestFakeCallbackCanRearm(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	calls := 0
	var arm func()
	arm = func() {
		c.AfterFunc(time.Second, func() {
			calls++
			if calls < 3 {
				arm()
			}
		})
	}
	arm()
	c.Advance(10 * time.Second)
	if calls != 1 {
		t.Fatalf("rearmed timer is relative to advance target; expected 1 call, got %d", calls)
	}
	c.Advance(time.Second)
	c.Advance(time.Second)
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(3 * time.Second)
	defer ticker.Stop()

	c.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected a tick")
	}
	c.Advance(time.Second)
	select {
	case <-ticker.C:
		t.Fatal("unexpected tick")
	default:
	}
	ticker.Stop()
	c.Advance(10 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("tick after Stop")
	default:
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", c.Pending())
	}
}
