package crypto

import (
	"fmt"

	"github.com/sultan-labs/sultan/crypto/mldsa44"
	bip39 "github.com/tyler-smith/go-bip39"
)

// PrivateKey is the signing key interface the node uses for its own
// validator identity.
type PrivateKey interface {
	Bytes() []byte
	Sign(data []byte) ([]byte, error)
	PublicKey() PublicKey
}

// PublicKey verifies signatures and owns exactly one account address.
type PublicKey interface {
	Bytes() []byte
	Verify(data []byte, signature []byte) error
	Address() (string, error)
}

type privateKey struct {
	inner *mldsa44.PrivateKey
}

type publicKey struct {
	inner *mldsa44.PublicKey
}

// NewPrivateKey generates a fresh ML-DSA-44 key.
func NewPrivateKey() (PrivateKey, error) {
	k, err := mldsa44.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &privateKey{inner: k}, nil
}

// PrivateKeyFromSeed derives a key deterministically from a 32-byte seed.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	k, err := mldsa44.NewKeyFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &privateKey{inner: k}, nil
}

// PrivateKeyFromMnemonic derives the validator key from a BIP-39 mnemonic.
// The first 32 bytes of the BIP-39 seed become the ML-DSA-44 key seed, so
// the same mnemonic always yields the same validator identity.
func PrivateKeyFromMnemonic(mnemonic, passphrase string) (PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return PrivateKeyFromSeed(seed[:mldsa44.SeedSize])
}

// PublicKeyFromBytes parses a raw public key received over the wire.
func PublicKeyFromBytes(data []byte) (PublicKey, error) {
	k, err := mldsa44.PublicKeyFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return &publicKey{inner: k}, nil
}

// VerifySignature checks sig over data against a raw encoded public key.
// Callers on the gossip path drop messages that fail this without logging
// an error; bad signatures there are expected adversarial noise.
func VerifySignature(pubKeyBytes, data, sig []byte) error {
	pub, err := PublicKeyFromBytes(pubKeyBytes)
	if err != nil {
		return err
	}
	return pub.Verify(data, sig)
}

func (p *privateKey) Bytes() []byte                    { return p.inner.Bytes() }
func (p *privateKey) Sign(data []byte) ([]byte, error) { return p.inner.Sign(data) }
func (p *privateKey) PublicKey() PublicKey             { return &publicKey{inner: p.inner.PublicKey()} }

func (p *publicKey) Bytes() []byte                     { return p.inner.Bytes() }
func (p *publicKey) Verify(data, signature []byte) error { return p.inner.Verify(data, signature) }
func (p *publicKey) Address() (string, error)          { return p.inner.Address() }
