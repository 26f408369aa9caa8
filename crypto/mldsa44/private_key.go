package mldsa44

import (
	"crypto/rand"
	"fmt"

	mldsa "github.com/cloudflare/circl/sign/mldsa/mldsa44"
)

const SeedSize = mldsa.SeedSize

type PrivateKey struct {
	sk mldsa.PrivateKey
	pk mldsa.PublicKey
}

// GenerateKey creates a fresh ML-DSA-44 private key from crypto/rand.
func GenerateKey() (*PrivateKey, error) {
	pub, priv, err := mldsa.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mldsa44 key: %w", err)
	}
	return &PrivateKey{sk: *priv, pk: *pub}, nil
}

// NewKeyFromSeed derives a private key deterministically from a 32-byte
// seed. Validator keys derived from a mnemonic come through here.
func NewKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	var s [SeedSize]byte
	copy(s[:], seed)
	pub, priv := mldsa.NewKeyFromSeed(&s)
	return &PrivateKey{sk: *priv, pk: *pub}, nil
}

func (p *PrivateKey) Bytes() []byte {
	return p.sk.Bytes()
}

func (p *PrivateKey) Sign(data []byte) ([]byte, error) {
	signature := make([]byte, mldsa.SignatureSize)
	if err := mldsa.SignTo(&p.sk, data, nil, false, signature); err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}
	return signature, nil
}

func (p *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{pk: p.pk}
}
