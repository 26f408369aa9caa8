package mldsa44

import (
	"bytes"
	"errors"

	mldsa "github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/sultan-labs/sultan/crypto/address"
)

const PublicKeySize = mldsa.PublicKeySize

type PublicKey struct {
	pk mldsa.PublicKey
}

// PublicKeyFromBytes parses a raw encoded ML-DSA-44 public key, e.g. one
// carried in a transaction or gossip envelope.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	var p PublicKey
	if err := p.pk.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *PublicKey) Bytes() []byte {
	return p.pk.Bytes()
}

func (p *PublicKey) Verify(data []byte, signature []byte) error {
	if len(signature) == 0 {
		return errors.New("signature cannot be empty")
	}
	if !mldsa.Verify(&p.pk, data, nil, signature) {
		return errors.New("invalid signature")
	}
	return nil
}

// Address derives the bech32 account address owned by this key.
func (p *PublicKey) Address() (string, error) {
	return address.FromPublicKey(p.Bytes())
}

func (p *PublicKey) Equal(other *PublicKey) bool {
	return bytes.Equal(p.Bytes(), other.Bytes())
}
