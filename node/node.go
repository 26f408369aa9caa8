package node

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sultan-labs/sultan/config"
	"github.com/sultan-labs/sultan/consensus"
	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/mempool"
	"github.com/sultan-labs/sultan/network"
	"github.com/sultan-labs/sultan/producer"
	"github.com/sultan-labs/sultan/shard"
	"github.com/sultan-labs/sultan/state"
	"github.com/sultan-labs/sultan/store"
	"github.com/sultan-labs/sultan/types"
)

// Node assembles the full validator: shard router, per-shard state,
// mempool, block producer, consensus engine, gossip and persistence.
// The chain tip is the one cross-component value; it is swapped
// atomically exactly once per committed block.
type Node struct {
	cfg    *config.Config
	signer crypto.PrivateKey

	router *shard.Router
	state  *state.Manager
	pool   *mempool.ShardedPool
	epochs *consensus.EpochManager
	engine *consensus.Engine
	prod   *producer.Producer
	gossip *network.Gossip
	events *network.EventHub
	rpc    *network.Server

	db    *store.Database
	chain *store.ChainStore

	tip      atomic.Pointer[types.ChainTip]
	evidence misbehaviorLog
	fatal    chan error
	stopOnce sync.Once

	resync    func(from uint64)
	resyncing atomic.Bool
}

// misbehaviorLog is the default sink for equivocation evidence: log it
// and count it. Slashing is a policy decision that lives outside the
// consensus engine.
type misbehaviorLog struct {
	count atomic.Uint64
}

func (m *misbehaviorLog) ReportConflictingVotes(first, second *types.Vote) {
	m.count.Add(1)
	log.Printf("WARN: equivocation by %s at height %d round %d (%s)",
		first.Voter, first.Height, first.Round, first.Kind)
}

func New(cfg *config.Config, signer crypto.PrivateKey, transport network.Transport) (*Node, error) {
	router, err := shard.NewRouter(cfg.ShardCount)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	pool, err := mempool.NewShardedPool(router, cfg.MempoolTTL())
	if err != nil {
		db.Close()
		return nil, err
	}

	set, err := validatorSetFromConfig(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	epochs, err := consensus.NewEpochManager(cfg.EpochLength, set, router)
	if err != nil {
		db.Close()
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		signer: signer,
		router: router,
		state:  state.NewManager(router),
		pool:   pool,
		epochs: epochs,
		events: network.NewEventHub(),
		db:     db,
		chain:  store.NewChainStore(db),
		fatal:  make(chan error, 1),
	}

	// A shard layout change applied at an epoch boundary must carry the
	// account stores and pending pools with it.
	epochs.SetBoundaryHook(func(epoch uint64) {
		n.state.Reshard()
		n.pool.Reshard()
	})

	n.gossip, err = network.NewGossip(signer, transport, network.Handlers{
		OnTransaction: n.handleGossipTransaction,
		OnProposal:    n.handleGossipProposal,
		OnVote:        n.handleGossipVote,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	n.prod = producer.New(pool, cfg.BlockInterval(), cfg.MaxTxPerShard, n.openNextHeight, n.state.FilterBatch)
	n.engine, err = consensus.NewEngine(consensus.Config{
		Signer:       signer,
		Epochs:       epochs,
		Source:       n.prod,
		Validate:     n.state.ValidateBlock,
		Broadcaster:  n.gossip,
		Commit:       n.commitBlock,
		RoundTimeout: cfg.RoundTimeout(),
		Misbehavior:  &n.evidence,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	n.rpc = network.NewServer(cfg.RPCAddr, n, n.events)

	if err := n.initState(); err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

func validatorSetFromConfig(cfg *config.Config) (*consensus.ValidatorSet, error) {
	validators := make([]types.Validator, 0, len(cfg.Validators))
	for _, entry := range cfg.Validators {
		pub, err := entry.PublicKeyBytes()
		if err != nil {
			return nil, &types.ConfigurationError{Reason: err.Error()}
		}
		validators = append(validators, types.Validator{
			Address:   entry.Address,
			Stake:     entry.Stake,
			PublicKey: pub,
		})
	}
	return consensus.NewValidatorSet(validators)
}

// genesisHash derives the height-zero parent hash every node computes
// identically from the genesis allocations.
func (n *Node) genesisHash() hash.Hash {
	accounts := make([]types.Account, 0, len(n.cfg.Genesis))
	for _, alloc := range n.cfg.Genesis {
		accounts = append(accounts, types.Account{Address: alloc.Address, Balance: alloc.Balance})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Address < accounts[j].Address })
	digest := types.AccountsDigest(accounts)
	return hash.NewHash([]byte(fmt.Sprintf("sultan-genesis|%d|%s", n.cfg.ShardCount, digest)))
}

// initState either seeds genesis on a fresh database or restores the
// persisted snapshots, verifying every shard's digest. A digest
// mismatch is fatal; the node will not run on altered state.
func (n *Node) initState() error {
	tip, err := n.chain.LoadTip()
	if err != nil {
		return err
	}

	if tip == nil {
		for _, alloc := range n.cfg.Genesis {
			if err := n.state.Credit(alloc.Address, alloc.Balance); err != nil {
				return err
			}
		}
		n.tip.Store(&types.ChainTip{Height: 0, Hash: n.genesisHash()})
		if err := n.persistSnapshots(); err != nil {
			return err
		}
		log.Printf("INFO: initialized genesis state: %d accounts, total supply %d",
			len(n.cfg.Genesis), n.state.TotalSupply())
		return nil
	}

	stored, ok, err := n.chain.LoadShardCount()
	if err != nil {
		return err
	}
	if ok && stored != n.router.ShardCount() {
		return &types.ConfigurationError{
			Reason: fmt.Sprintf("data directory was written with %d shards, config says %d",
				stored, n.router.ShardCount()),
		}
	}

	for _, id := range n.state.Shards() {
		accounts, err := n.chain.LoadShardSnapshot(id)
		if err != nil {
			return err
		}
		shardStore, err := n.state.StoreFor(id)
		if err != nil {
			return err
		}
		shardStore.SetAccounts(accounts)
	}
	n.tip.Store(tip)
	n.epochs.AdvanceTo(tip.Height)
	log.Printf("INFO: restored chain at height %d, total supply %d", tip.Height, n.state.TotalSupply())
	return nil
}

func (n *Node) persistSnapshots() error {
	for _, id := range n.state.Shards() {
		shardStore, err := n.state.StoreFor(id)
		if err != nil {
			return err
		}
		if err := n.chain.SaveShardSnapshot(id, shardStore.Accounts()); err != nil {
			return err
		}
	}
	return n.chain.SaveShardCount(n.router.ShardCount())
}

// Start launches the block cadence and the RPC surface.
func (n *Node) Start() {
	n.rpc.Start()
	n.prod.Start()
	log.Printf("INFO: node %s started at height %d", n.engine.Address(), n.Tip().Height)
}

// Fatal delivers the error that must terminate the process, if one
// occurs.
func (n *Node) Fatal() <-chan error {
	return n.fatal
}

func (n *Node) reportFatal(err error) {
	select {
	case n.fatal <- err:
	default:
	}
}

// openNextHeight is the producer tick: open consensus for the height
// above the current tip.
func (n *Node) openNextHeight() {
	tip := n.Tip()
	if err := n.engine.BeginHeight(tip.Height+1, tip.Hash); err != nil {
		if types.IsFatal(err) {
			n.reportFatal(err)
			return
		}
		log.Printf("WARN: failed to open height %d: %v", tip.Height+1, err)
		n.prod.HeightDone()
	}
}

// commitBlock is the single commit path for finalized blocks: apply,
// persist, clean the mempool, swap the tip, notify subscribers.
func (n *Node) commitBlock(block *types.Block) {
	applied, dropped := n.state.ApplyBlock(block)

	if err := n.chain.SaveBlock(block); err != nil {
		n.reportFatal(&types.StorageCorruption{
			Detail: fmt.Sprintf("failed to persist finalized block %d: %v", block.Height, err),
		})
		return
	}
	if err := n.persistSnapshots(); err != nil {
		n.reportFatal(&types.StorageCorruption{
			Detail: fmt.Sprintf("failed to persist snapshots at height %d: %v", block.Height, err),
		})
		return
	}

	n.pool.RemoveConfirmed(block)
	n.tip.Store(&types.ChainTip{Height: block.Height, Hash: block.Hash})
	n.events.BroadcastFinalized(block)
	n.prod.HeightDone()

	log.Printf("INFO: committed block %d (%s): %d applied, %d dropped, supply %d",
		block.Height, block.Hash, applied, dropped, n.state.TotalSupply())
}

// ApplySynced ingests one finalized block fetched from a peer during
// catch-up. Blocks must arrive in order and extend the local tip.
func (n *Node) ApplySynced(block *types.Block) error {
	tip := n.Tip()
	if block.Height != tip.Height+1 {
		return fmt.Errorf("synced block %d does not extend tip %d", block.Height, tip.Height)
	}
	if !block.PrevHash.Equal(tip.Hash) {
		return fmt.Errorf("synced block %d does not link to local tip", block.Height)
	}
	if err := n.state.ValidateBlock(block); err != nil {
		return err
	}
	n.commitBlock(block)
	return nil
}

func (n *Node) handleGossipTransaction(tx *types.Transaction) {
	// Redeliveries and replays are routine gossip noise.
	_ = n.pool.Add(tx)
}

func (n *Node) handleGossipProposal(block *types.Block) {
	n.maybeResync(block.Height)
	if err := n.engine.HandleProposal(block); err != nil {
		log.Printf("WARN: rejected proposal at height %d: %v", block.Height, err)
	}
}

func (n *Node) handleGossipVote(vote *types.Vote) {
	n.maybeResync(vote.Height)
	if err := n.engine.HandleVote(vote); err != nil {
		log.Printf("WARN: rejected %s from %s: %v", vote.Kind, vote.Voter, err)
	}
}

// SetResync installs the catch-up callback invoked when gossip shows
// the cluster ahead of the local tip. Must be called before Start.
func (n *Node) SetResync(fn func(from uint64)) {
	n.resync = fn
}

// maybeResync fires the catch-up callback when a peer is provably past
// our next height. At most one catch-up runs at a time; traffic for
// tip+1 is the normal round and never triggers one.
func (n *Node) maybeResync(observed uint64) {
	tip := n.Tip()
	if n.resync == nil || observed <= tip.Height+1 {
		return
	}
	if !n.resyncing.CompareAndSwap(false, true) {
		return
	}
	log.Printf("INFO: peer activity at height %d, local tip %d, starting catch-up", observed, tip.Height)
	go func() {
		defer n.resyncing.Store(false)
		n.resync(tip.Height + 1)
	}()
}

// SubmitTransaction is the client-facing entry: admit locally, then
// gossip to peers.
func (n *Node) SubmitTransaction(tx *types.Transaction) error {
	if err := n.pool.Add(tx); err != nil {
		return err
	}
	if err := n.gossip.BroadcastTransaction(tx); err != nil {
		log.Printf("WARN: failed to gossip transaction %s: %v", tx.ID(), err)
	}
	return nil
}

func (n *Node) GetBalance(addr string) (balance, nonce uint64, err error) {
	return n.state.Balance(addr)
}

func (n *Node) GetChainStatus() types.ChainStatus {
	tip := n.Tip()
	return types.ChainStatus{
		Height:         tip.Height,
		Hash:           tip.Hash.String(),
		ValidatorCount: n.epochs.ActiveSet().Len(),
	}
}

func (n *Node) GetBlock(height uint64) (*types.Block, error) {
	return n.chain.LoadBlock(height)
}

// Tip returns the current chain tip. Never nil after New.
func (n *Node) Tip() *types.ChainTip {
	return n.tip.Load()
}

// ChainStore exposes the block log for the sync service.
func (n *Node) ChainStore() *store.ChainStore {
	return n.chain
}

// EvidenceCount reports how many conflicting-vote pairs were observed.
func (n *Node) EvidenceCount() uint64 {
	return n.evidence.count.Load()
}

// Stop shuts the node down in dependency order: stop intake first, let
// the round in flight die, then flush and close the stores.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		log.Printf("INFO: shutting down node %s", n.engine.Address())
		n.pool.Close()
		n.prod.Stop()
		n.engine.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.rpc.Shutdown(ctx); err != nil {
			log.Printf("WARN: RPC shutdown: %v", err)
		}
		if err := n.gossip.Close(); err != nil {
			log.Printf("WARN: gossip close: %v", err)
		}
		if err := n.persistSnapshots(); err != nil {
			log.Printf("WARN: failed to persist final snapshots: %v", err)
		}
		if err := n.db.Close(); err != nil {
			log.Printf("WARN: database close: %v", err)
		}
	})
}
