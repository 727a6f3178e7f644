package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActivityTrackerStaysOnlineHeadless(t *testing.T) {
	a := NewActivityTracker(5 * time.Millisecond)
	a.Start()
	defer a.Stop()

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, ActivityOnline, a.State())
}

func TestActivityTrackerNotifyKeepsOnline(t *testing.T) {
	a := NewActivityTracker(5 * time.Millisecond)
	a.Start()
	defer a.Stop()

	a.Notify()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, ActivityOnline, a.State())
}

func TestActivityTrackerTransitionsAwayThenOffline(t *testing.T) {
	a := &ActivityTracker{pollEvery: time.Millisecond, state: ActivityOnline, stop: make(chan struct{})}
	a.lastActivity = time.Now().Add(-(awayAfter + time.Second))

	var transitions []ActivityState
	a.OnTransition(func(s ActivityState) { transitions = append(transitions, s) })

	a.poll()
	require.Equal(t, ActivityAway, a.State())

	a.lastActivity = time.Now().Add(-(offlineAfter + time.Second))
	a.poll()
	require.Equal(t, ActivityOffline, a.State())
}
