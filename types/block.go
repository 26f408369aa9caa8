package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/sultan-labs/sultan/crypto/hash"
)

// ShardBatch is the ordered slice of transactions a block carries for
// one shard. Within a batch, transactions apply in exactly this order;
// batches for different shards are independent.
type ShardBatch struct {
	ShardID      ShardID        `cbor:"1,keyasint"`
	Transactions []*Transaction `cbor:"2,keyasint"`
}

// Block is one finalized (or candidate) unit of the chain. Height
// increases by exactly 1 per finalized block and PrevHash must equal the
// hash of the prior finalized block.
type Block struct {
	Height    uint64       `cbor:"1,keyasint"`
	PrevHash  hash.Hash    `cbor:"2,keyasint"`
	Timestamp int64        `cbor:"3,keyasint"`
	Batches   []ShardBatch `cbor:"4,keyasint"`
	TxRoot    []byte       `cbor:"5,keyasint,omitempty"`
	Proposer  string       `cbor:"6,keyasint"`
	Signature []byte       `cbor:"7,keyasint,omitempty"`
	Hash      hash.Hash    `cbor:"8,keyasint,omitempty"`
}

func (b *Block) Marshal() ([]byte, error) {
	return cbor.Marshal(b)
}

func (b *Block) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, b)
}

// SigningPayload serializes the block with hash and signature zeroed;
// both the proposer signature and the block hash cover this form.
func (b *Block) SigningPayload() ([]byte, error) {
	blockCopy := *b
	blockCopy.Hash = hash.NullHash()
	blockCopy.Signature = nil
	data, err := cbor.Marshal(&blockCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal block for signing: %w", err)
	}
	return data, nil
}

// ComputeHash fills in b.Hash from the signing payload.
func (b *Block) ComputeHash() error {
	payload, err := b.SigningPayload()
	if err != nil {
		return err
	}
	b.Hash = hash.NewHash(payload)
	return nil
}

// ComputeTxRoot fills in the Merkle root over all transaction hashes,
// walking the batches in order. Empty blocks keep a nil root.
func (b *Block) ComputeTxRoot() error {
	var leaves [][]byte
	for _, batch := range b.Batches {
		for _, tx := range batch.Transactions {
			h, err := tx.Hash()
			if err != nil {
				return fmt.Errorf("failed to hash transaction: %w", err)
			}
			leaves = append(leaves, h.Bytes())
		}
	}
	root, err := hash.MerkleRoot(leaves)
	if err != nil {
		return err
	}
	b.TxRoot = root
	return nil
}

// TxCount returns the number of transactions across all batches.
func (b *Block) TxCount() int {
	n := 0
	for _, batch := range b.Batches {
		n += len(batch.Transactions)
	}
	return n
}
