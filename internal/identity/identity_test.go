package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMintsUniqueIDs(t *testing.T) {
	a := New("alice")
	b := New("alice")

	require.NotEmpty(t, a.ID)
	require.NotEqual(t, a.ID, b.ID, "two joins must never share an id")
	require.Equal(t, "alice", a.DisplayName)
}

func TestPeersExcludesSelf(t *testing.T) {
	roster := Roster{
		{ID: "u1", DisplayName: "Alice"},
		{ID: "u2", DisplayName: "Bob"},
		{ID: "u3", DisplayName: "Cara"},
	}

	peers := roster.Peers("u2")
	require.Len(t, peers, 2)
	for _, p := range peers {
		require.NotEqual(t, "u2", p.ID)
	}
}

func TestDiffJoinedAndLeft(t *testing.T) {
	prev := Roster{
		{ID: "self", DisplayName: "Me"},
		{ID: "u1", DisplayName: "Alice"},
		{ID: "u2", DisplayName: "Bob"},
	}
	next := Roster{
		{ID: "self", DisplayName: "Me"},
		{ID: "u1", DisplayName: "Alice"},
		{ID: "u3", DisplayName: "Cara"},
	}

	d := Diff(prev, next, "self")
	require.Len(t, d.Joined, 1)
	require.Equal(t, "u3", d.Joined[0].ID)
	require.Len(t, d.Left, 1)
	require.Equal(t, "u2", d.Left[0].ID)
}

func TestDiffExcludesSelfFromDeltas(t *testing.T) {
	// Self appearing or disappearing is a session event, not a peer delta.
	d := Diff(Roster{}, Roster{{ID: "self"}}, "self")
	require.Empty(t, d.Joined)
	require.Empty(t, d.Left)

	d = Diff(Roster{{ID: "self"}}, Roster{}, "self")
	require.Empty(t, d.Joined)
	require.Empty(t, d.Left)
}

func TestDiffIsPureSnapshotComparison(t *testing.T) {
	prev := Roster{{ID: "u1"}, {ID: "u2"}}
	nextA := Roster{{ID: "u2"}, {ID: "u1"}}

	// Reordering without membership change is not a delta.
	d := Diff(prev, nextA, "self")
	require.Empty(t, d.Joined)
	require.Empty(t, d.Left)
}
