package shard

import (
	"crypto/sha256"
	"log"
	"math/big"
	"sync"

	"github.com/sultan-labs/sultan/types"
)

// Router deterministically assigns an address to a shard: sha256 of the
// address modulo the shard count. Every node computes the same mapping
// with no network round-trip. The shard count is fixed for the duration
// of an epoch; changing it requires a coordinated epoch transition.
type Router struct {
	mu           sync.RWMutex
	shardCount   uint32
	epoch        uint64
	pendingCount uint32 // 0 means no change queued
	pendingAt    uint64
}

func NewRouter(shardCount uint32) (*Router, error) {
	if shardCount < 1 {
		return nil, &types.ConfigurationError{Reason: "shard count must be at least 1"}
	}
	return &Router{shardCount: shardCount}, nil
}

// Route maps an address to its owning shard.
func (r *Router) Route(addr string) types.ShardID {
	r.mu.RLock()
	count := r.shardCount
	r.mu.RUnlock()

	h := sha256.Sum256([]byte(addr))
	bigIntHash := new(big.Int).SetBytes(h[:])
	shardID := bigIntHash.Mod(bigIntHash, big.NewInt(int64(count))).Int64()
	return types.ShardID(shardID)
}

func (r *Router) ShardCount() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shardCount
}

func (r *Router) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// QueueShardCount requests a new shard count for the next epoch
// boundary. Applying a change to the current epoch is a configuration
// error: shard membership of an address never changes mid-epoch, and an
// in-flight consensus round must complete unaffected.
func (r *Router) QueueShardCount(count uint32, forEpoch uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if count < 1 {
		return &types.ConfigurationError{Reason: "shard count must be at least 1"}
	}
	if forEpoch <= r.epoch {
		return &types.ConfigurationError{
			Reason: "shard count change attempted mid-epoch; changes take effect only at epoch boundaries",
		}
	}
	r.pendingCount = count
	r.pendingAt = forEpoch
	log.Printf("INFO: Queued shard count change to %d for epoch %d", count, forEpoch)
	return nil
}

// AdvanceEpoch moves the router to the given epoch, applying any queued
// shard-count change at the boundary.
func (r *Router) AdvanceEpoch(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if epoch <= r.epoch {
		return
	}
	r.epoch = epoch
	if r.pendingCount != 0 && epoch >= r.pendingAt {
		log.Printf("INFO: Epoch %d: shard count %d -> %d", epoch, r.shardCount, r.pendingCount)
		r.shardCount = r.pendingCount
		r.pendingCount = 0
		r.pendingAt = 0
	}
}
