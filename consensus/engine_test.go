package consensus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

type emptySource struct{}

func (emptySource) BuildProposal(height uint64, prevHash hash.Hash) (*types.Block, error) {
	return &types.Block{
		Height:    height,
		PrevHash:  prevHash,
		Timestamp: time.Now().Unix(),
	}, nil
}

// loopbackHub delivers every broadcast synchronously to every engine,
// the sender included; engines absorb their own echoes.
type loopbackHub struct {
	engines []*Engine
}

func (h *loopbackHub) BroadcastTransaction(*types.Transaction) error { return nil }

func (h *loopbackHub) BroadcastProposal(block *types.Block) error {
	for _, e := range h.engines {
		_ = e.HandleProposal(block)
	}
	return nil
}

func (h *loopbackHub) BroadcastVote(vote *types.Vote) error {
	for _, e := range h.engines {
		_ = e.HandleVote(vote)
	}
	return nil
}

type testCluster struct {
	set     *ValidatorSet
	engines []*Engine

	mu      sync.Mutex
	commits map[string][]*types.Block // by engine address
}

// newTestCluster builds one engine per stake entry, all wired through a
// loopback hub. validateFor lets a test give individual engines a
// failing block validator; nil means every engine approves.
func newTestCluster(t *testing.T, stakes []uint64, timeout time.Duration, validateFor map[int]func(*types.Block) error) *testCluster {
	t.Helper()

	keys := make([]crypto.PrivateKey, len(stakes))
	validators := make([]types.Validator, len(stakes))
	for i, stake := range stakes {
		key, err := crypto.NewPrivateKey()
		require.NoError(t, err)
		addr, err := key.PublicKey().Address()
		require.NoError(t, err)
		keys[i] = key
		validators[i] = types.Validator{
			Address:   addr,
			Stake:     stake,
			PublicKey: key.PublicKey().Bytes(),
		}
	}
	set, err := NewValidatorSet(validators)
	require.NoError(t, err)

	cluster := &testCluster{set: set, commits: make(map[string][]*types.Block)}
	hub := &loopbackHub{}
	for i := range stakes {
		epochs, err := NewEpochManager(100, set, nil)
		require.NoError(t, err)

		addr := validators[i].Address
		var validate func(*types.Block) error
		if validateFor != nil {
			validate = validateFor[i]
		}
		engine, err := NewEngine(Config{
			Signer:       keys[i],
			Epochs:       epochs,
			Source:       emptySource{},
			Validate:     validate,
			Broadcaster:  hub,
			RoundTimeout: timeout,
			Commit: func(block *types.Block) {
				cluster.mu.Lock()
				defer cluster.mu.Unlock()
				cluster.commits[addr] = append(cluster.commits[addr], block)
			},
		})
		require.NoError(t, err)
		hub.engines = append(hub.engines, engine)
		cluster.engines = append(cluster.engines, engine)
	}
	t.Cleanup(func() {
		for _, e := range cluster.engines {
			e.Stop()
		}
	})
	return cluster
}

// begin opens the height on every engine, the designated proposer last
// so its proposal finds the others already in the round.
func (c *testCluster) begin(t *testing.T, height uint64, prevHash hash.Hash) {
	t.Helper()
	proposer := c.set.Proposer(height, 0).Address
	var last *Engine
	for _, e := range c.engines {
		if e.Address() == proposer {
			last = e
			continue
		}
		require.NoError(t, e.BeginHeight(height, prevHash))
	}
	if last != nil {
		require.NoError(t, last.BeginHeight(height, prevHash))
	}
}

func (c *testCluster) committedBy(addr string) []*types.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits[addr]
}

func TestThreeValidatorsFinalizeEmptyBlock(t *testing.T) {
	cluster := newTestCluster(t, []uint64{1, 1, 1}, time.Minute, nil)
	genesis := hash.NewHash([]byte("genesis"))

	cluster.begin(t, 1, genesis)

	var finalized hash.Hash
	for _, e := range cluster.engines {
		blocks := cluster.committedBy(e.Address())
		require.Len(t, blocks, 1, "engine %s must commit exactly once", e.Address())
		require.Equal(t, uint64(1), blocks[0].Height)
		require.Equal(t, 0, blocks[0].TxCount())
		require.True(t, blocks[0].PrevHash.Equal(genesis))
		if finalized.IsNull() {
			finalized = blocks[0].Hash
		}
		require.True(t, blocks[0].Hash.Equal(finalized), "all engines agree on the block")
		require.Equal(t, PhaseCommitted, e.CurrentPhase())
	}
}

func TestByzantineMinorityCannotBlockFinality(t *testing.T) {
	// Pick the rejecting engine only after the proposer for (1, 0) is
	// known, so the proposal itself always comes from an honest engine.
	stakes := []uint64{1, 1, 1, 1}
	cluster := newTestCluster(t, stakes, time.Minute, nil)
	proposer := cluster.set.Proposer(1, 0).Address
	for i, e := range cluster.engines {
		if e.Address() != proposer {
			cluster.engines[i].validate = func(*types.Block) error { return errors.New("refused") }
			break
		}
	}

	cluster.begin(t, 1, hash.NewHash([]byte("genesis")))

	for _, e := range cluster.engines {
		blocks := cluster.committedBy(e.Address())
		require.Len(t, blocks, 1, "three of four approving is past two-thirds")
	}
}

func TestMinorityOfEnginesCannotFinalize(t *testing.T) {
	// All three validators are in the set, but only two engines run:
	// two-thirds of the stake is present and that is not enough.
	cluster := newTestCluster(t, []uint64{1, 1, 1}, time.Minute, nil)
	cluster.engines = cluster.engines[:2]

	genesis := hash.NewHash([]byte("genesis"))
	for _, e := range cluster.engines {
		require.NoError(t, e.BeginHeight(1, genesis))
	}

	for _, e := range cluster.engines {
		require.Empty(t, cluster.committedBy(e.Address()))
		require.NotEqual(t, PhaseCommitted, e.CurrentPhase())
	}
}

func TestRoundTimeoutAdvancesRoundNotHeight(t *testing.T) {
	cluster := newTestCluster(t, []uint64{1, 1}, 20*time.Millisecond, nil)
	for _, e := range cluster.engines {
		e.source = nil // nobody can propose, every round stalls
	}

	genesis := hash.NewHash([]byte("genesis"))
	for _, e := range cluster.engines {
		require.NoError(t, e.BeginHeight(1, genesis))
	}

	e := cluster.engines[0]
	require.Eventually(t, func() bool { return e.Round() >= 2 },
		2*time.Second, 5*time.Millisecond, "rounds advance under timeout")
	require.Equal(t, uint64(1), e.Height(), "height holds while rounds rotate")
	require.Empty(t, cluster.committedBy(e.Address()))
}

func TestBeginHeightRejectsForeignKey(t *testing.T) {
	cluster := newTestCluster(t, []uint64{1, 1}, time.Minute, nil)

	outsider, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	epochs, err := NewEpochManager(100, cluster.set, nil)
	require.NoError(t, err)
	engine, err := NewEngine(Config{
		Signer: outsider,
		Epochs: epochs,
		Source: emptySource{},
	})
	require.NoError(t, err)

	err = engine.BeginHeight(1, hash.NewHash([]byte("genesis")))
	require.Error(t, err)
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.True(t, types.IsFatal(err))
	require.Equal(t, PhaseFailed, engine.CurrentPhase())
}

func TestFinalizedChainExtendsAcrossHeights(t *testing.T) {
	cluster := newTestCluster(t, []uint64{2, 3, 5}, time.Minute, nil)
	prev := hash.NewHash([]byte("genesis"))

	for height := uint64(1); height <= 3; height++ {
		cluster.begin(t, height, prev)
		blocks := cluster.committedBy(cluster.engines[0].Address())
		require.Len(t, blocks, int(height))
		tip := blocks[height-1]
		require.Equal(t, height, tip.Height)
		require.True(t, tip.PrevHash.Equal(prev))
		prev = tip.Hash
	}
}
