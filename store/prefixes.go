package store

import "fmt"

// Key layout: an append-only log of finalized blocks in height order,
// the chain tip, and per-shard account snapshots with their digests.
const (
	blockPrefix    = "block-"
	tipKey         = "chain-tip"
	snapshotPrefix = "snapshot-"
	digestPrefix   = "snapshot-digest-"
	shardCountKey  = "shard-count"
)

func blockKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockPrefix, height))
}

func snapshotKey(shardID uint32) []byte {
	return []byte(fmt.Sprintf("%s%08d", snapshotPrefix, shardID))
}

func digestKey(shardID uint32) []byte {
	return []byte(fmt.Sprintf("%s%08d", digestPrefix, shardID))
}
