package types

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/sultan-labs/sultan/crypto/hash"
)

// VoteKind distinguishes the two voting phases of a consensus round.
type VoteKind uint8

const (
	Prevote VoteKind = iota + 1
	Precommit
)

func (k VoteKind) String() string {
	switch k {
	case Prevote:
		return "prevote"
	case Precommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Vote is one validator's signed opinion on a candidate block. A block
// reaches finality only when the stake behind approving precommits
// strictly exceeds two-thirds of the total active stake.
type Vote struct {
	Height    uint64    `cbor:"1,keyasint"`
	Round     uint32    `cbor:"2,keyasint"`
	Kind      VoteKind  `cbor:"3,keyasint"`
	BlockHash hash.Hash `cbor:"4,keyasint"`
	Approve   bool      `cbor:"5,keyasint"`
	Voter     string    `cbor:"6,keyasint"`
	Signature []byte    `cbor:"7,keyasint,omitempty"`
}

func (v *Vote) Marshal() ([]byte, error) {
	return cbor.Marshal(v)
}

func (v *Vote) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, v)
}

// SigningPayload is the vote with the signature zeroed.
func (v *Vote) SigningPayload() ([]byte, error) {
	voteCopy := *v
	voteCopy.Signature = nil
	return cbor.Marshal(&voteCopy)
}

// ID is the content hash of the signed vote, used for gossip dedup.
func (v *Vote) ID() string {
	data, err := cbor.Marshal(v)
	if err != nil {
		return ""
	}
	return hash.NewHash(data).String()
}
