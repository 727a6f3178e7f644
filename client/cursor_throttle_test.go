package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Polqt/lively/wire"
)

func TestCursorThrottleCoalescesBursts(t *testing.T) {
	var mu sync.Mutex
	var sent []wire.CursorUpdatePayload

	th := &cursorThrottle{
		interval: 20 * time.Millisecond,
		send: func(p wire.CursorUpdatePayload) {
			mu.Lock()
			sent = append(sent, p)
			mu.Unlock()
		},
	}

	// Scenario 6 (scaled down): a burst of rapid updates must coalesce to
	// far fewer outbound frames than calls.
	for i := 0; i < 50; i++ {
		th.Update(wire.CursorUpdatePayload{X: float64(i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) >= 2 // the immediate first send plus the coalesced trailing one
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	n := len(sent)
	last := sent[len(sent)-1]
	mu.Unlock()

	require.Less(t, n, 50)
	require.Equal(t, 49.0, last.X) // latest call always wins
}

func TestCursorThrottleFirstCallSendsImmediately(t *testing.T) {
	done := make(chan wire.CursorUpdatePayload, 1)
	th := &cursorThrottle{
		interval: time.Hour,
		send:     func(p wire.CursorUpdatePayload) { done <- p },
	}
	th.Update(wire.CursorUpdatePayload{X: 1})

	select {
	case p := <-done:
		require.Equal(t, 1.0, p.X)
	case <-time.After(time.Second):
		t.Fatal("first update was not sent immediately")
	}
}
