package types

import (
	"errors"
	"fmt"
)

// Local, non-fatal validation failures. The offending transaction is
// dropped and processing continues.
var (
	ErrInvalidNonce         = errors.New("invalid nonce")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrExpired              = errors.New("transaction expired")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// ErrConsensusTimeout is expected under network delay or a missing
// proposer; it triggers a new round at the same height and is never
// surfaced to callers.
var ErrConsensusTimeout = errors.New("consensus round timeout")

// ConfigurationError is fatal: the node must halt rather than risk
// inconsistent state. Examples: own validator key not in the active
// set, or a shard-count change attempted mid-epoch.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// StorageCorruption is fatal: a persisted snapshot failed its hash
// check on restart. The node must halt and require manual recovery,
// never auto-repair silently.
type StorageCorruption struct {
	Detail string
}

func (e *StorageCorruption) Error() string {
	return fmt.Sprintf("storage corruption: %s", e.Detail)
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	var cfg *ConfigurationError
	var cor *StorageCorruption
	return errors.As(err, &cfg) || errors.As(err, &cor)
}
