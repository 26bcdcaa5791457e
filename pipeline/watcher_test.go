package pipeline

import (
	"testing"
	"time"
)

func TestResetTimerDropsStaleTick(t *testing.T) {
	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()
	time.Sleep(20 * time.Millisecond)

	resetTimer(timer, 200*time.Millisecond)

	select {
	case <-timer.C:
		t.Fatal("timer fired before the new debounce period")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after reset")
	}
}
