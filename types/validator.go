package types

import "github.com/fxamacker/cbor/v2"

// Validator is one member of the active set. Stake defines voting
// power; set and stake changes take effect only at epoch boundaries,
// never mid-round.
type Validator struct {
	Address   string `cbor:"1,keyasint"`
	Stake     uint64 `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint"`
}

func (v *Validator) Marshal() ([]byte, error) {
	return cbor.Marshal(v)
}

func (v *Validator) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, v)
}
