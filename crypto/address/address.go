package address

import (
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/sultan-labs/sultan/crypto/hash"
)

const (
	// HRP is the human-readable part of every account address.
	HRP = "sn"
	// addressWords is the number of 5-bit words in the data part:
	// 20 bytes of key hash -> 160 bits / 5 bits per word = 32 words.
	addressWords = 32
)

// FromPublicKey derives the bech32 account address for a raw public key:
// the first 20 bytes of the BLAKE2b-256 hash of the key, bech32-encoded
// with the "sn" prefix.
func FromPublicKey(pubKeyBytes []byte) (string, error) {
	if len(pubKeyBytes) == 0 {
		return "", fmt.Errorf("cannot derive address from empty public key")
	}

	keyHash := hash.NewHash(pubKeyBytes)
	words, err := bech32.ConvertBits(keyHash[:20], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert key hash to 5-bit words: %w", err)
	}

	encoded, err := bech32.Encode(HRP, words)
	if err != nil {
		return "", fmt.Errorf("failed to bech32-encode address: %w", err)
	}
	return encoded, nil
}

// Validate reports whether addr is a well-formed account address with the
// correct prefix and data length.
func Validate(addr string) bool {
	hrp, words, err := bech32.Decode(addr)
	if err != nil {
		return false
	}
	if hrp != HRP {
		return false
	}
	return len(words) == addressWords
}
