package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// ChainStore persists the finalized chain: an append-only block log
// keyed by height, the chain tip, and per-shard account snapshots with
// content digests for the restart integrity check.
type ChainStore struct {
	db *Database
}

func NewChainStore(db *Database) *ChainStore {
	return &ChainStore{db: db}
}

// SaveBlock appends a finalized block and advances the persisted tip.
// The block must extend the stored tip by exactly one height and link
// to its hash; anything else means the caller is trying to rewrite
// history and is rejected.
func (cs *ChainStore) SaveBlock(block *types.Block) error {
	tip, err := cs.LoadTip()
	if err != nil {
		return err
	}
	if tip != nil {
		if block.Height != tip.Height+1 {
			return fmt.Errorf("block height %d does not extend tip height %d", block.Height, tip.Height)
		}
		if !block.PrevHash.Equal(tip.Hash) {
			return fmt.Errorf("block %d prev hash %s does not match tip hash %s",
				block.Height, block.PrevHash, tip.Hash)
		}
	}

	data, err := block.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal block %d: %w", block.Height, err)
	}
	if err := cs.db.Set(blockKey(block.Height), data); err != nil {
		return fmt.Errorf("failed to store block %d: %w", block.Height, err)
	}
	return cs.saveTip(&types.ChainTip{Height: block.Height, Hash: block.Hash})
}

// LoadBlock retrieves the finalized block at the given height.
func (cs *ChainStore) LoadBlock(height uint64) (*types.Block, error) {
	data, err := cs.db.Get(blockKey(height))
	if err != nil {
		return nil, err
	}
	block := new(types.Block)
	if err := block.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to decode block %d: %w", height, err)
	}
	return block, nil
}

func (cs *ChainStore) saveTip(tip *types.ChainTip) error {
	data, err := cbor.Marshal(tip)
	if err != nil {
		return fmt.Errorf("failed to marshal chain tip: %w", err)
	}
	return cs.db.Set([]byte(tipKey), data)
}

// LoadTip returns the persisted chain tip, or nil on a fresh database.
func (cs *ChainStore) LoadTip() (*types.ChainTip, error) {
	data, err := cs.db.Get([]byte(tipKey))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tip := new(types.ChainTip)
	if err := cbor.Unmarshal(data, tip); err != nil {
		return nil, fmt.Errorf("failed to decode chain tip: %w", err)
	}
	return tip, nil
}

// SaveShardSnapshot persists one shard's full account set next to its
// content digest. Accounts must arrive sorted by address so the digest
// is canonical.
func (cs *ChainStore) SaveShardSnapshot(shardID types.ShardID, accounts []types.Account) error {
	data, err := cbor.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("failed to marshal shard %d snapshot: %w", shardID, err)
	}
	if err := cs.db.Set(snapshotKey(uint32(shardID)), data); err != nil {
		return fmt.Errorf("failed to store shard %d snapshot: %w", shardID, err)
	}
	digest := types.AccountsDigest(accounts)
	return cs.db.Set(digestKey(uint32(shardID)), digest.Bytes())
}

// LoadShardSnapshot restores one shard's account set, recomputing the
// digest over the decoded accounts and comparing it against the stored
// one. A mismatch is reported as StorageCorruption and the node must
// halt rather than run on altered state.
func (cs *ChainStore) LoadShardSnapshot(shardID types.ShardID) ([]types.Account, error) {
	data, err := cs.db.Get(snapshotKey(uint32(shardID)))
	if err != nil {
		return nil, err
	}
	var accounts []types.Account
	if err := cbor.Unmarshal(data, &accounts); err != nil {
		return nil, &types.StorageCorruption{
			Detail: fmt.Sprintf("shard %d snapshot does not decode: %v", shardID, err),
		}
	}

	stored, err := cs.db.Get(digestKey(uint32(shardID)))
	if err != nil {
		return nil, &types.StorageCorruption{
			Detail: fmt.Sprintf("shard %d snapshot has no digest: %v", shardID, err),
		}
	}
	storedDigest, err := hash.FromBytes(stored)
	if err != nil {
		return nil, &types.StorageCorruption{
			Detail: fmt.Sprintf("shard %d snapshot digest malformed: %v", shardID, err),
		}
	}
	recomputed := types.AccountsDigest(accounts)
	if !recomputed.Equal(storedDigest) {
		return nil, &types.StorageCorruption{
			Detail: fmt.Sprintf("shard %d snapshot digest mismatch: stored %x, recomputed %s",
				shardID, stored, recomputed),
		}
	}
	return accounts, nil
}

// HasSnapshot reports whether a snapshot exists for the shard, which is
// how startup distinguishes a restart from a fresh genesis.
func (cs *ChainStore) HasSnapshot(shardID types.ShardID) (bool, error) {
	return cs.db.Has(snapshotKey(uint32(shardID)))
}

// SaveShardCount records the shard count the snapshots were written
// under, so a restart can detect a config that disagrees with the data
// directory.
func (cs *ChainStore) SaveShardCount(count uint32) error {
	data, err := cbor.Marshal(count)
	if err != nil {
		return fmt.Errorf("failed to marshal shard count: %w", err)
	}
	return cs.db.Set([]byte(shardCountKey), data)
}

// LoadShardCount returns the persisted shard count; ok is false on a
// fresh database.
func (cs *ChainStore) LoadShardCount() (count uint32, ok bool, err error) {
	data, err := cs.db.Get([]byte(shardCountKey))
	if err == ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := cbor.Unmarshal(data, &count); err != nil {
		return 0, false, &types.StorageCorruption{
			Detail: fmt.Sprintf("persisted shard count does not decode: %v", err),
		}
	}
	return count, true, nil
}
