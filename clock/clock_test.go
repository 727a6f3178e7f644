package clock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTSLessTiebreak(t *testing.T) {
	a := TS{Counter: 5, Actor: "A"}
	b := TS{Counter: 5, Actor: "B"}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.True(t, b.After(a))
}

func TestTSLessCounterMajor(t *testing.T) {
	a := TS{Counter: 1, Actor: "Z"}
	b := TS{Counter: 2, Actor: "A"}
	require.True(t, a.Less(b))
}

func TestClockTickMonotonic(t *testing.T) {
	c := New("A")
	first := c.Tick()
	second := c.Tick()
	require.True(t, first.Less(second))
	require.Equal(t, uint64(1), first.Counter)
	require.Equal(t, uint64(2), second.Counter)
}

func TestClockObserveAdvances(t *testing.T) {
	c := New("A")
	c.Tick() // counter = 1

	drifted := c.Observe(TS{Counter: 10, Actor: "B"})
	require.False(t, drifted)
	require.Equal(t, uint64(11), c.Counter())

	next := c.Tick()
	require.Equal(t, uint64(12), next.Counter)
}

func TestClockObserveDoesNotRegress(t *testing.T) {
	c := New("A")
	for i := 0; i < 5; i++ {
		c.Tick()
	}
	c.Observe(TS{Counter: 1, Actor: "B"})
	require.Equal(t, uint64(5), c.Counter())
}

func TestClockObserveDrift(t *testing.T) {
	c := New("A")
	drifted := c.Observe(TS{Counter: 2_000_000, Actor: "B"})
	require.True(t, drifted)
}
