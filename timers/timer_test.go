package timers

import (
	"testing"
	"time"

	"github.com/estuary/ddspub/internal/clock"
	"github.com/stretchr/testify/require"
)

func immediatePost(fn func()) bool {
	fn()
	return true
}

func TestTimerFiresAndRearms(t *testing.T) {
	var fireCount int
	var done = make(chan struct{}, 8)

	var timer *Timer
	timer = New(clock.Real(), immediatePost, func() (time.Time, bool) {
		fireCount++
		done <- struct{}{}
		if fireCount >= 3 {
			return time.Time{}, false
		}
		return time.Now().Add(5 * time.Millisecond), true
	})

	timer.Reset(time.Now().Add(5 * time.Millisecond))

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for firing %d", i+1)
		}
	}
	require.Equal(t, 3, fireCount)
}

func TestCancelPreventsFiring(t *testing.T) {
	var fired bool
	var timer = New(clock.Real(), immediatePost, func() (time.Time, bool) {
		fired = true
		return time.Time{}, false
	})

	timer.Reset(time.Now().Add(20 * time.Millisecond))
	timer.Cancel()

	time.Sleep(40 * time.Millisecond)
	require.False(t, fired)
}

func TestCloseStopsFutureResets(t *testing.T) {
	var fired bool
	var timer = New(clock.Real(), immediatePost, func() (time.Time, bool) {
		fired = true
		return time.Time{}, false
	})

	timer.Close()
	timer.Reset(time.Now())

	time.Sleep(20 * time.Millisecond)
	require.False(t, fired)
}

func TestZeroResetDisarms(t *testing.T) {
	var fired bool
	var timer = New(clock.Real(), immediatePost, func() (time.Time, bool) {
		fired = true
		return time.Time{}, false
	})

	timer.Reset(time.Now().Add(10 * time.Millisecond))
	timer.Reset(time.Time{})

	time.Sleep(30 * time.Millisecond)
	require.False(t, fired)
}
