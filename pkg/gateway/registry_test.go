package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewClientRegistry()
	r.Add(&Client{ID: "c1", UserID: "alice"})

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, 1, r.Count())

	r.Remove("c1")
	_, ok = r.Get("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RemoveReturnsBoundTurns(t *testing.T) {
	r := NewClientRegistry()
	r.Add(&Client{ID: "c1"})

	require.True(t, r.BindTurn("c1", "turn-1"))
	require.True(t, r.BindTurn("c1", "turn-2"))

	orphans := r.Remove("c1")
	assert.ElementsMatch(t, []string{"turn-1", "turn-2"}, orphans)

	// Bindings do not outlive the client.
	assert.Empty(t, r.Remove("c1"))
}

func TestRegistry_BindTurnRefusesGoneClient(t *testing.T) {
	r := NewClientRegistry()
	assert.False(t, r.BindTurn("never-added", "turn-1"))
}

func TestRegistry_ReleaseTurn(t *testing.T) {
	r := NewClientRegistry()
	r.Add(&Client{ID: "c1"})

	require.True(t, r.BindTurn("c1", "turn-1"))
	r.ReleaseTurn("c1", "turn-1")

	assert.Empty(t, r.Remove("c1"))
}

func TestRegistry_AuthenticatedFilter(t *testing.T) {
	r := NewClientRegistry()
	r.Add(&Client{ID: "c1", Authenticated: true, UserID: "alice"})
	r.Add(&Client{ID: "c2"})

	authed := r.Authenticated()
	require.Len(t, authed, 1)
	assert.Equal(t, "c1", authed[0].ID)
	assert.Len(t, r.All(), 2)
}

func TestRegistry_SnapshotCountsActiveTurns(t *testing.T) {
	r := NewClientRegistry()
	r.Add(&Client{ID: "c1", UserID: "alice", LastActivity: time.Now()})
	require.True(t, r.BindTurn("c1", "turn-1"))

	infos := r.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].ActiveTurns)
	assert.False(t, infos[0].Idle)
}

func TestRegistry_TouchUpdatesActivity(t *testing.T) {
	r := NewClientRegistry()
	stale := time.Now().Add(-time.Hour)
	r.Add(&Client{ID: "c1", LastActivity: stale})

	r.Touch("c1")
	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.True(t, got.LastActivity.After(stale))
}
