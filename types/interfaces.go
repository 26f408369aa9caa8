package types

import "github.com/sultan-labs/sultan/crypto/hash"

// ChainTip is the one piece of global state every component reads. It
// is swapped atomically exactly once per committed block; readers never
// observe a partially applied block.
type ChainTip struct {
	Height uint64
	Hash   hash.Hash
}

// ChainStatus is the answer to the status query on the submission
// boundary.
type ChainStatus struct {
	Height         uint64 `json:"height"`
	Hash           string `json:"hash"`
	ValidatorCount int    `json:"validatorCount"`
}

// GossipBroadcaster disseminates the three message kinds to peers.
// Implementations provide at-least-once delivery; receivers dedup by
// content id.
type GossipBroadcaster interface {
	BroadcastTransaction(tx *Transaction) error
	BroadcastProposal(block *Block) error
	BroadcastVote(vote *Vote) error
}
