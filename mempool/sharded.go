package mempool

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/shard"
	"github.com/sultan-labs/sultan/store"
	"github.com/sultan-labs/sultan/types"
)

// ErrClosed is returned once shutdown has stopped transaction intake.
var ErrClosed = errors.New("mempool closed")

// ShardedPool fronts one FIFO pool per shard behind full admission
// control: signature verification, sender/key binding, and dedup over a
// bounded seen window. Redelivered gossip is absorbed here, so the rest
// of the node only ever sees a transaction once per window.
type ShardedPool struct {
	router *shard.Router
	seen   *store.SeenCache
	closed atomic.Bool
	ttl    time.Duration

	mu    sync.RWMutex
	pools []*Pool
}

func NewShardedPool(router *shard.Router, ttl time.Duration) (*ShardedPool, error) {
	seen, err := store.NewSeenCache(store.DefaultSeenWindow)
	if err != nil {
		return nil, err
	}
	count := router.ShardCount()
	pools := make([]*Pool, count)
	for i := range pools {
		pools[i] = NewPool(ttl)
	}
	return &ShardedPool{
		router: router,
		seen:   seen,
		pools:  pools,
		ttl:    ttl,
	}, nil
}

// Add admits a transaction into its sender's shard pool. The signature
// must verify against the embedded public key, and that key must own
// the sender address. A transaction already inside the dedup window is
// rejected without side effects, which makes gossip redelivery a no-op.
func (sp *ShardedPool) Add(tx *types.Transaction) error {
	if sp.closed.Load() {
		return ErrClosed
	}

	payload, err := tx.SigningPayload()
	if err != nil {
		return fmt.Errorf("failed to serialize transaction: %w", err)
	}
	if err := crypto.VerifySignature(tx.SenderPublicKey, payload, tx.Signature); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
	}
	pub, err := crypto.PublicKeyFromBytes(tx.SenderPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
	}
	owner, err := pub.Address()
	if err != nil {
		return fmt.Errorf("failed to derive sender address: %w", err)
	}
	if owner != tx.From {
		return fmt.Errorf("%w: key owns %s, transaction claims %s",
			types.ErrInvalidSignature, owner, tx.From)
	}

	id := tx.ID()
	if !sp.seen.CheckAndMark(id) {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTransaction, id)
	}

	shardID := sp.router.Route(tx.From)
	if err := sp.poolFor(shardID).Add(tx, time.Now()); err != nil {
		return err
	}
	log.Printf("INFO: admitted transaction %s into shard %d pool", id, shardID)
	return nil
}

// DrainShard hands up to max pending transactions for one shard to the
// block producer, oldest first.
func (sp *ShardedPool) DrainShard(shardID types.ShardID, max int) []*types.Transaction {
	return sp.poolFor(shardID).Drain(max, time.Now())
}

// PeekShard returns up to max pending transactions for one shard in
// FIFO order, leaving them in the pool.
func (sp *ShardedPool) PeekShard(shardID types.ShardID, max int) []*types.Transaction {
	return sp.poolFor(shardID).Peek(max, time.Now())
}

// RemoveConfirmed deletes every transaction a committed block carries,
// regardless of which peer produced the block.
func (sp *ShardedPool) RemoveConfirmed(block *types.Block) {
	for _, batch := range block.Batches {
		pool := sp.poolFor(batch.ShardID)
		for _, tx := range batch.Transactions {
			id := tx.ID()
			pool.Remove(id)
			// Mark confirmed ids as seen so a straggler gossip copy of
			// an already-committed transaction is rejected as duplicate.
			sp.seen.CheckAndMark(id)
		}
	}
}

// PruneExpired sweeps every shard pool for lapsed transactions.
func (sp *ShardedPool) PruneExpired() int {
	sp.mu.RLock()
	pools := sp.pools
	sp.mu.RUnlock()

	now := time.Now()
	removed := 0
	for _, pool := range pools {
		removed += pool.PruneExpired(now)
	}
	if removed > 0 {
		log.Printf("INFO: pruned %d expired transactions from mempool", removed)
	}
	return removed
}

// Reshard rebuilds the per-shard pools to the router's current count,
// re-routing every pending transaction under the new layout. Runs at an
// epoch boundary, between heights.
func (sp *ShardedPool) Reshard() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	count := int(sp.router.ShardCount())
	if len(sp.pools) == count {
		return
	}

	now := time.Now()
	pools := make([]*Pool, count)
	for i := range pools {
		pools[i] = NewPool(sp.ttl)
	}
	moved := 0
	for _, old := range sp.pools {
		for _, tx := range old.Drain(old.Len(), now) {
			id := sp.router.Route(tx.From)
			if err := pools[int(id)%count].Add(tx, now); err == nil {
				moved++
			}
		}
	}
	sp.pools = pools
	log.Printf("INFO: resharded mempool into %d pools, %d transactions carried", count, moved)
}

// Close stops intake. Pending transactions stay drainable so an
// in-flight block proposal can still complete.
func (sp *ShardedPool) Close() {
	sp.closed.Store(true)
}

func (sp *ShardedPool) Len() int {
	sp.mu.RLock()
	pools := sp.pools
	sp.mu.RUnlock()

	total := 0
	for _, pool := range pools {
		total += pool.Len()
	}
	return total
}

func (sp *ShardedPool) LenShard(shardID types.ShardID) int {
	return sp.poolFor(shardID).Len()
}

// Router exposes the routing table the pool partitions by.
func (sp *ShardedPool) Router() *shard.Router {
	return sp.router
}

func (sp *ShardedPool) poolFor(shardID types.ShardID) *Pool {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.pools[int(shardID)%len(sp.pools)]
}
