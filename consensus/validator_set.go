package consensus

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// ValidatorSet is the active set for one epoch, ordered by address so
// every node iterates it identically. The set is immutable once built;
// membership and stake changes arrive as a whole new set at an epoch
// boundary.
type ValidatorSet struct {
	validators []types.Validator
	byAddress  map[string]int
	totalStake uint64
}

func NewValidatorSet(validators []types.Validator) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, &types.ConfigurationError{Reason: "validator set is empty"}
	}

	sorted := make([]types.Validator, len(validators))
	copy(sorted, validators)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	byAddress := make(map[string]int, len(sorted))
	var total uint64
	for i, v := range sorted {
		if v.Stake == 0 {
			return nil, &types.ConfigurationError{
				Reason: fmt.Sprintf("validator %s has zero stake", v.Address),
			}
		}
		if _, dup := byAddress[v.Address]; dup {
			return nil, &types.ConfigurationError{
				Reason: fmt.Sprintf("validator %s appears twice", v.Address),
			}
		}
		byAddress[v.Address] = i
		if total+v.Stake < total {
			return nil, &types.ConfigurationError{Reason: "total stake overflows uint64"}
		}
		total += v.Stake
	}

	return &ValidatorSet{
		validators: sorted,
		byAddress:  byAddress,
		totalStake: total,
	}, nil
}

func (vs *ValidatorSet) Len() int           { return len(vs.validators) }
func (vs *ValidatorSet) TotalStake() uint64 { return vs.totalStake }

func (vs *ValidatorSet) Contains(addr string) bool {
	_, ok := vs.byAddress[addr]
	return ok
}

func (vs *ValidatorSet) StakeOf(addr string) uint64 {
	if i, ok := vs.byAddress[addr]; ok {
		return vs.validators[i].Stake
	}
	return 0
}

func (vs *ValidatorSet) PublicKeyOf(addr string) []byte {
	if i, ok := vs.byAddress[addr]; ok {
		return vs.validators[i].PublicKey
	}
	return nil
}

// Validators returns the members in address order.
func (vs *ValidatorSet) Validators() []types.Validator {
	out := make([]types.Validator, len(vs.validators))
	copy(out, vs.validators)
	return out
}

// Proposer selects the designated proposer for a height and round,
// weighted by stake. The selection is a pure function of the sorted
// set, the height and the round, so every honest node arrives at the
// same proposer without communicating. Advancing the round reseeds the
// draw, which is how a silent proposer gets rotated away from.
func (vs *ValidatorSet) Proposer(height uint64, round uint32) types.Validator {
	seedInput := fmt.Sprintf("proposer|%d|%d|%d", height, round, vs.totalStake)
	seed := hash.NewHash([]byte(seedInput))
	target := binary.BigEndian.Uint64(seed.Bytes()[:8]) % vs.totalStake

	var cumulative uint64
	for _, v := range vs.validators {
		cumulative += v.Stake
		if target < cumulative {
			return v
		}
	}
	return vs.validators[len(vs.validators)-1]
}

// QuorumReached reports whether stake strictly exceeds two-thirds of
// the set's total. The comparison is cross-multiplied in 128-bit form
// so exactly two-thirds never counts as quorum and large stake totals
// cannot wrap the arithmetic.
func (vs *ValidatorSet) QuorumReached(stake uint64) bool {
	hi3, lo3 := bits.Mul64(3, stake)
	hi2, lo2 := bits.Mul64(2, vs.totalStake)
	if hi3 != hi2 {
		return hi3 > hi2
	}
	return lo3 > lo2
}
