package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerRingSyncTargets(t *testing.T) {
	ring := NewPeerRing()
	require.Nil(t, ring.SyncTargets("height-1", 2), "empty ring has no targets")

	ring.Add("peer-a")
	ring.Add("peer-b")
	ring.Add("peer-c")
	require.Equal(t, 3, ring.Len())

	targets := ring.SyncTargets("height-1", 2)
	require.Len(t, targets, 2)
	require.NotEqual(t, targets[0], targets[1])

	// The same key keeps hitting the same targets while membership is
	// unchanged.
	require.Equal(t, targets, ring.SyncTargets("height-1", 2))
}

func TestPeerRingCapsAtMembership(t *testing.T) {
	ring := NewPeerRing()
	ring.Add("peer-a")

	targets := ring.SyncTargets("height-9", 5)
	require.Equal(t, []string{"peer-a"}, targets)
}

func TestPeerRingRemove(t *testing.T) {
	ring := NewPeerRing()
	ring.Add("peer-a")
	ring.Add("peer-b")
	ring.Remove("peer-a")

	targets := ring.SyncTargets("height-1", 2)
	require.Equal(t, []string{"peer-b"}, targets)
}
