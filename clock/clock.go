// Package clock implements the Lamport timestamp used to order every
// operation applied to a Lively storage document.
package clock

import "fmt"

// TS is a Lamport timestamp: a logical counter paired with the actor that
// produced it. Comparison is counter-major, actor-minor: ties are broken
// lexicographically by Actor so that replicas converge on the same winner
// regardless of delivery order.
type TS struct {
	Counter uint64 `json:"counter"`
	Actor   string `json:"actor"`
}

// Zero is the timestamp of a field that has never been written.
var Zero = TS{}

// Less reports whether ts happened before other under Lamport order.
func (ts TS) Less(other TS) bool {
	if ts.Counter != other.Counter {
		return ts.Counter < other.Counter
	}
	return ts.Actor < other.Actor
}

// After reports whether ts is strictly newer than other.
func (ts TS) After(other TS) bool {
	return other.Less(ts)
}

// IsZero reports whether ts is the zero value (never written).
func (ts TS) IsZero() bool {
	return ts == Zero
}

func (ts TS) String() string {
	return fmt.Sprintf("%d@%s", ts.Counter, ts.Actor)
}

// driftThreshold bounds how far ahead of the local clock a single remote
// timestamp may legitimately advance it; beyond this Observe reports the
// jump as clock drift to its caller but still applies it, since the CRDT
// has no correctness dependency on wall-clock plausibility.
// storage.Document passes the report to its OnDrift callback; neither
// the server nor the client runtime installs one, so drift is not logged.
const driftThreshold = 1_000_000

// Clock is a per-document monotonic Lamport counter.
type Clock struct {
	actor   string
	counter uint64
}

// New creates a clock for the given actor id, starting at counter 0.
func New(actor string) *Clock {
	return &Clock{actor: actor}
}

// Actor returns the clock's owning actor id.
func (c *Clock) Actor() string {
	return c.actor
}

// Counter returns the current counter value without advancing it.
func (c *Clock) Counter() uint64 {
	return c.counter
}

// Tick advances the clock for a locally-originated operation and returns
// the resulting timestamp.
func (c *Clock) Tick() TS {
	c.counter++
	return TS{Counter: c.counter, Actor: c.actor}
}

// Observe advances the clock to at least seen+1, as required whenever a
// remote op is applied. It returns true if the jump exceeded
// driftThreshold so the caller can log a warning.
func (c *Clock) Observe(seen TS) (drifted bool) {
	if seen.Counter > c.counter+driftThreshold {
		drifted = true
	}
	if seen.Counter >= c.counter {
		c.counter = seen.Counter + 1
	}
	return drifted
}
