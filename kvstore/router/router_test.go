package router

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresPeers(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrNoPeers)
}

func TestIndexForIsDeterministic(t *testing.T) {
	r, err := New([]string{"A", "B", "C"})
	require.NoError(t, err)

	idx := r.IndexFor("foo")
	require.GreaterOrEqual(t, idx, 0)
	require.Less(t, idx, 3)
	for i := 0; i < 100; i++ {
		require.Equal(t, idx, r.IndexFor("foo"))
	}

	// a second router over the same table agrees
	other, err := New([]string{"A", "B", "C"})
	require.NoError(t, err)
	require.Equal(t, idx, other.IndexFor("foo"))
}

func TestSinglePeerOwnsEverything(t *testing.T) {
	r, err := New([]string{"only"})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.Equal(t, 0, r.IndexFor(fmt.Sprintf("key_%d", i)))
	}
}

func TestDistribution(t *testing.T) {
	r, err := New([]string{"n0", "n1", "n2"})
	require.NoError(t, err)

	counts := make([]int, r.Len())
	for i := 0; i < 3000; i++ {
		counts[r.IndexFor(fmt.Sprintf("key_%d", i))]++
	}
	for i, c := range counts {
		require.Greater(t, c, 700, "partition %d", i)
		require.Less(t, c, 1300, "partition %d", i)
	}
}

func TestPeersIsACopy(t *testing.T) {
	peers := []string{"a", "b"}
	r, err := New(peers)
	require.NoError(t, err)

	peers[0] = "mutated"
	got := r.Peers()
	got[1] = "mutated"

	require.Equal(t, "a", r.Peer(0))
	require.Equal(t, "b", r.Peer(1))
	idx, ok := r.IndexOf("b")
	require.True(t, ok)
	require.Equal(t, 1, idx)
	_, ok = r.IndexOf("c")
	require.False(t, ok)
}
