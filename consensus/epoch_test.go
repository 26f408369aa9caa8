package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/shard"
	"github.com/sultan-labs/sultan/types"
)

func TestEpochForHeight(t *testing.T) {
	em, err := NewEpochManager(10, plainSet(t, 1, 1, 1), nil)
	require.NoError(t, err)

	require.Equal(t, uint64(0), em.EpochForHeight(0))
	require.Equal(t, uint64(0), em.EpochForHeight(9))
	require.Equal(t, uint64(1), em.EpochForHeight(10))
	require.Equal(t, uint64(3), em.EpochForHeight(35))
}

func TestQueuedSetAppliesOnlyAtBoundary(t *testing.T) {
	genesis := plainSet(t, 1, 1, 1)
	replacement := plainSet(t, 5, 5)

	em, err := NewEpochManager(10, genesis, nil)
	require.NoError(t, err)
	require.NoError(t, em.QueueValidatorSet(replacement, 1))

	// Every height inside epoch 0 keeps the genesis set.
	for height := uint64(1); height <= 9; height++ {
		em.AdvanceTo(height)
		require.Same(t, genesis, em.ActiveSet(), "height %d", height)
	}

	em.AdvanceTo(10)
	require.Same(t, replacement, em.ActiveSet())
	require.Equal(t, uint64(1), em.CurrentEpoch())

	// The replacement stays in force; nothing further is queued.
	em.AdvanceTo(25)
	require.Same(t, replacement, em.ActiveSet())
}

func TestQueueForCurrentEpochRejected(t *testing.T) {
	em, err := NewEpochManager(10, plainSet(t, 1, 1), nil)
	require.NoError(t, err)

	err = em.QueueValidatorSet(plainSet(t, 2, 2), 0)
	require.Error(t, err)
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.True(t, types.IsFatal(err))
}

func TestBoundaryAdvancesRouterEpoch(t *testing.T) {
	router, err := shard.NewRouter(4)
	require.NoError(t, err)
	em, err := NewEpochManager(10, plainSet(t, 1, 1), router)
	require.NoError(t, err)
	require.NoError(t, router.QueueShardCount(8, 1))

	em.AdvanceTo(9)
	require.Equal(t, uint32(4), router.ShardCount(), "shard layout pinned inside the epoch")

	em.AdvanceTo(10)
	require.Equal(t, uint32(8), router.ShardCount())
	require.Equal(t, uint64(1), router.Epoch())
}

func TestBoundaryHookFiresOncePerCrossing(t *testing.T) {
	em, err := NewEpochManager(10, plainSet(t, 1, 1), nil)
	require.NoError(t, err)

	var crossed []uint64
	em.SetBoundaryHook(func(epoch uint64) { crossed = append(crossed, epoch) })

	em.AdvanceTo(5)
	require.Empty(t, crossed, "no boundary inside epoch 0")

	em.AdvanceTo(10)
	em.AdvanceTo(11)
	em.AdvanceTo(12)
	require.Equal(t, []uint64{1}, crossed)

	em.AdvanceTo(30)
	require.Equal(t, []uint64{1, 3}, crossed)
}

func TestEpochManagerRejectsBadInput(t *testing.T) {
	_, err := NewEpochManager(0, plainSet(t, 1), nil)
	require.Error(t, err)

	_, err = NewEpochManager(10, nil, nil)
	require.Error(t, err)
}
