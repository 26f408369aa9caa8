package types

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/sultan-labs/sultan/crypto/hash"
)

// Transaction is a signed value transfer. It is immutable once created
// and identified by the content hash of its signing payload. A
// transaction applies only when its nonce is exactly the sender's stored
// nonce + 1. There are no fees.
type Transaction struct {
	From            string `cbor:"1,keyasint"`
	To              string `cbor:"2,keyasint"`
	Amount          uint64 `cbor:"3,keyasint"`
	Nonce           uint64 `cbor:"4,keyasint"`
	Timestamp       int64  `cbor:"5,keyasint"`
	SenderPublicKey []byte `cbor:"6,keyasint"`
	Signature       []byte `cbor:"7,keyasint,omitempty"`
}

func (tx *Transaction) Marshal() ([]byte, error) {
	return cbor.Marshal(tx)
}

func (tx *Transaction) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, tx)
}

// SigningPayload is the canonical byte representation covered by the
// sender's signature: the transaction with the signature zeroed.
func (tx *Transaction) SigningPayload() ([]byte, error) {
	txCopy := *tx
	txCopy.Signature = nil
	return cbor.Marshal(&txCopy)
}

// Hash returns the content identifier of the transaction. The signature
// is excluded so that the identity is stable from creation to inclusion.
func (tx *Transaction) Hash() (hash.Hash, error) {
	payload, err := tx.SigningPayload()
	if err != nil {
		return hash.NullHash(), err
	}
	return hash.NewHash(payload), nil
}

// ID is the hex form of the content hash, used as the mempool and
// gossip dedup key.
func (tx *Transaction) ID() string {
	h, err := tx.Hash()
	if err != nil {
		return ""
	}
	return h.String()
}
