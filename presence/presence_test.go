package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	timeout  = 500 * time.Millisecond
	interval = 5 * time.Millisecond
)

func TestRemoveDropsCursor(t *testing.T) {
	s := NewStore()
	s.Put("room1", User{UserID: "u1"})
	s.SetCursor("room1", Cursor{UserID: "u1", X: 1, Y: 2, LastUpdate: 10})
	require.Len(t, s.Cursors(), 1)

	s.Remove("room1", "u1")
	require.Empty(t, s.Cursors())
	require.Empty(t, s.Users())
}

func TestSetCursorIgnoresUnknownUser(t *testing.T) {
	s := NewStore()
	s.SetCursor("room1", Cursor{UserID: "ghost", LastUpdate: 1})
	require.Empty(t, s.Cursors())
}

func TestSetCursorDropsStaleUpdate(t *testing.T) {
	s := NewStore()
	s.Put("room1", User{UserID: "u1"})
	s.SetCursor("room1", Cursor{UserID: "u1", X: 5, LastUpdate: 100})
	s.SetCursor("room1", Cursor{UserID: "u1", X: 1, LastUpdate: 50})

	cursors := s.Cursors()
	require.Len(t, cursors, 1)
	require.Equal(t, 5.0, cursors[0].X)
}

func TestReplaceDropsCursorsForAbsentUsers(t *testing.T) {
	s := NewStore()
	s.Put("room1", User{UserID: "u1"})
	s.Put("room1", User{UserID: "u2"})
	s.SetCursor("room1", Cursor{UserID: "u1", LastUpdate: 1})
	s.SetCursor("room1", Cursor{UserID: "u2", LastUpdate: 1})

	// Scenario/invariant 6: if a user is absent from the latest presence
	// roster, no cursor keyed by that user remains.
	s.Replace("room1", []User{{UserID: "u2"}})

	require.Len(t, s.Users(), 1)
	cursors := s.Cursors()
	require.Len(t, cursors, 1)
	require.Equal(t, "u2", cursors[0].UserID)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Put("room1", User{UserID: "u1"})

	evt := <-ch
	require.Equal(t, UserUpdated, evt.Kind)
	require.Equal(t, "u1", evt.UserID)
}

type recordingReplicator struct {
	events []Event
}

func (r *recordingReplicator) Publish(evt Event) error {
	r.events = append(r.events, evt)
	return nil
}

func TestReplicatorReceivesEvents(t *testing.T) {
	s := NewStore()
	rep := &recordingReplicator{}
	s.AddReplicator(rep)

	s.Put("room1", User{UserID: "u1"})
	require.Eventually(t, func() bool {
		return len(rep.events) == 1
	}, timeout, interval)
}

func TestPatchAppliesFnAndStoresResult(t *testing.T) {
	s := NewStore()
	s.Put("room1", User{UserID: "u1", OnlineStatus: Online})

	updated := s.Patch("room1", "u1", func(u User) User {
		u.OnlineStatus = Away
		u.IsIdle = true
		return u
	})

	require.Equal(t, Away, updated.OnlineStatus)
	require.True(t, updated.IsIdle)

	users := s.Users()
	require.Len(t, users, 1)
	require.Equal(t, Away, users[0].OnlineStatus)
}
