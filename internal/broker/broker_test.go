package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartitionForIsStable(t *testing.T) {
	const n = 16
	first := PartitionFor("track-abc", n)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, PartitionFor("track-abc", n))
	}
	require.GreaterOrEqual(t, first, 0)
	require.Less(t, first, n)
}

func TestPartitionForSingleLane(t *testing.T) {
	require.Equal(t, 0, PartitionFor("anything", 1))
	require.Equal(t, 0, PartitionFor("anything", 0))
}

func TestPartitionForSpreadsKeys(t *testing.T) {
	seen := make(map[int]bool)
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, key := range keys {
		seen[PartitionFor(key, 4)] = true
	}
	// fnv over ten distinct keys should hit more than one of four lanes.
	require.Greater(t, len(seen), 1)
}

func TestStreamName(t *testing.T) {
	require.Equal(t, "soundrail.tracks.p3", streamName("soundrail.tracks", 3))
}
