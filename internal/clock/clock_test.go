package clock_test

import (
	"testing"
	"time"

	"github.com/mavrotechnologies/sermon-flow-app-sub000/internal/clock"
)

var epoch = time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)

func TestFake_AfterFuncFiresInOrder(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	var fired []string
	c.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "b") })
	c.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "late") })

	c.Advance(250 * time.Millisecond)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
	if got := c.Now().Sub(epoch); got != 250*time.Millisecond {
		t.Errorf("Now advanced by %v, want 250ms", got)
	}
	if c.PendingTimers() != 1 {
		t.Errorf("PendingTimers = %d, want 1", c.PendingTimers())
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Millisecond, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop() = false on pending timer")
	}
	c.Advance(time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if tm.Stop() {
		t.Error("second Stop() = true")
	}
}

func TestFake_CallbackSeesDeadline(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	var at time.Time
	c.AfterFunc(30*time.Millisecond, func() { at = c.Now() })
	c.Advance(time.Second)
	if !at.Equal(epoch.Add(30 * time.Millisecond)) {
		t.Errorf("callback saw %v, want deadline", at.Sub(epoch))
	}
}

func TestFake_TimerScheduledFromCallback(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	n := 0
	var tick func()
	tick = func() {
		n++
		if n < 3 {
			c.AfterFunc(10*time.Millisecond, tick)
		}
	}
	c.AfterFunc(10*time.Millisecond, tick)
	c.Advance(100 * time.Millisecond)
	if n != 3 {
		t.Errorf("chained timers fired %d times, want 3", n)
	}
}

func TestFake_Ticker(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	tk := c.NewTicker(time.Second)
	c.Advance(1500 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected a tick after 1.5s")
	}
	if n := c.Tickers(); n != 1 {
		t.Errorf("Tickers = %d, want 1", n)
	}
	tk.Stop()
	if n := c.Tickers(); n != 0 {
		t.Errorf("Tickers after Stop = %d, want 0", n)
	}
	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("tick after Stop")
	default:
	}
}
