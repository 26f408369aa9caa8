package consensus

import (
	"log"
	"sync"

	"github.com/sultan-labs/sultan/shard"
	"github.com/sultan-labs/sultan/types"
)

// EpochManager pins the validator set and the shard layout to epoch
// boundaries. Heights are grouped into fixed-length epochs; queued
// changes sit dormant until the first height of the next epoch and
// never touch an in-flight round.
type EpochManager struct {
	mu          sync.RWMutex
	epochLength uint64
	current     uint64
	active      *ValidatorSet
	pending     *ValidatorSet
	pendingAt   uint64
	router      *shard.Router
	onBoundary  func(epoch uint64)
}

func NewEpochManager(epochLength uint64, genesis *ValidatorSet, router *shard.Router) (*EpochManager, error) {
	if epochLength == 0 {
		return nil, &types.ConfigurationError{Reason: "epoch length must be at least 1"}
	}
	if genesis == nil {
		return nil, &types.ConfigurationError{Reason: "genesis validator set is required"}
	}
	return &EpochManager{
		epochLength: epochLength,
		active:      genesis,
		router:      router,
	}, nil
}

// EpochForHeight maps a block height to its epoch number.
func (em *EpochManager) EpochForHeight(height uint64) uint64 {
	return height / em.epochLength
}

// ActiveSet returns the validator set in force right now.
func (em *EpochManager) ActiveSet() *ValidatorSet {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.active
}

func (em *EpochManager) CurrentEpoch() uint64 {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return em.current
}

// QueueValidatorSet schedules a replacement set for a future epoch.
// Targeting the current or a past epoch is a configuration error.
func (em *EpochManager) QueueValidatorSet(set *ValidatorSet, forEpoch uint64) error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if forEpoch <= em.current {
		return &types.ConfigurationError{
			Reason: "validator set change attempted mid-epoch; changes take effect only at epoch boundaries",
		}
	}
	em.pending = set
	em.pendingAt = forEpoch
	log.Printf("INFO: Queued validator set change (%d members) for epoch %d", set.Len(), forEpoch)
	return nil
}

// SetBoundaryHook registers a callback run after every epoch boundary
// crossing, outside the manager's lock, so dependents (state stores,
// mempool pools) can follow a shard layout change. Set during wiring,
// before the first height opens.
func (em *EpochManager) SetBoundaryHook(fn func(epoch uint64)) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.onBoundary = fn
}

// AdvanceTo moves the manager to the epoch owning the given height,
// applying any queued validator set and shard layout changes when a
// boundary is crossed. Called once per BeginHeight before the round
// starts, so the set is stable for the whole height.
func (em *EpochManager) AdvanceTo(height uint64) {
	epoch := em.EpochForHeight(height)

	em.mu.Lock()
	if epoch <= em.current {
		em.mu.Unlock()
		return
	}
	em.current = epoch
	if em.pending != nil && epoch >= em.pendingAt {
		log.Printf("INFO: Epoch %d: validator set %d -> %d members, total stake %d -> %d",
			epoch, em.active.Len(), em.pending.Len(), em.active.TotalStake(), em.pending.TotalStake())
		em.active = em.pending
		em.pending = nil
		em.pendingAt = 0
	}
	if em.router != nil {
		em.router.AdvanceEpoch(epoch)
	}
	hook := em.onBoundary
	em.mu.Unlock()

	if hook != nil {
		hook(epoch)
	}
}
