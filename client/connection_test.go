package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades every request and echoes back every text frame it
// receives, for exercising Connection against a real socket.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, b, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, b); err != nil {
				return
			}
		}
	}))
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectionConnectsAndEchoes(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	var mu sync.Mutex
	var got []byte
	received := make(chan struct{}, 1)

	c := NewConnection(wsURL(t, srv), nil)
	c.OnMessage(func(b []byte) {
		mu.Lock()
		got = b
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
	})

	var states []State
	c.OnStatus(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	c.Start()
	require.Eventually(t, func() bool { return c.State() == Connected }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Send([]byte("hello"), true))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("did not receive echoed frame")
	}

	mu.Lock()
	require.Equal(t, []byte("hello"), got)
	mu.Unlock()

	c.Stop()
	require.Eventually(t, func() bool { return c.State() == Disconnected }, time.Second, 5*time.Millisecond)
}

func TestConnectionQueuesWhileDisconnected(t *testing.T) {
	c := NewConnection("ws://127.0.0.1:0/unreachable", nil)
	require.NoError(t, c.Send([]byte("queued"), true))

	c.mu.Lock()
	require.Len(t, c.queue, 1)
	c.mu.Unlock()
}

func TestConnectionQueueEvictsNonCriticalFirst(t *testing.T) {
	c := NewConnection("ws://127.0.0.1:0/unreachable", nil)

	big := make([]byte, maxOutboundBytes-100)
	require.NoError(t, c.Send(big, true))
	require.NoError(t, c.Send(make([]byte, 50), false)) // non-critical, fits

	// A second critical frame should evict the non-critical one to fit.
	require.NoError(t, c.Send(make([]byte, 80), true))

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.queue {
		require.True(t, f.critical || len(f.data) != 50)
	}
}

func TestConnectionStopIsIdempotentAndTerminal(t *testing.T) {
	c := NewConnection("ws://127.0.0.1:0/unreachable", nil)
	c.Start()
	c.Stop()
	c.Stop()
	require.Equal(t, Disconnected, c.State())
}
