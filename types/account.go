package types

import (
	"bytes"
	"fmt"

	"github.com/sultan-labs/sultan/crypto/hash"
)

// ShardID identifies one partition of account state.
type ShardID uint32

// Account is the balance/nonce record for one address. An account is
// owned exclusively by the state store of the shard its address routes
// to. Accounts are created on first credit and never deleted; a zero
// balance persists.
type Account struct {
	Address string `cbor:"1,keyasint"`
	Balance uint64 `cbor:"2,keyasint"`
	Nonce   uint64 `cbor:"3,keyasint"`
}

// AccountsDigest is the canonical content hash of an account set. The
// caller passes accounts sorted by address; the same set always yields
// the same digest, which is what the persisted-snapshot integrity check
// and block validation compare.
func AccountsDigest(accounts []Account) hash.Hash {
	var buf bytes.Buffer
	for _, acct := range accounts {
		fmt.Fprintf(&buf, "%s|%d|%d\n", acct.Address, acct.Balance, acct.Nonce)
	}
	return hash.NewHash(buf.Bytes())
}
