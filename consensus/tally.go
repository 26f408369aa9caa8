package consensus

import (
	"bytes"
	"fmt"
	"log"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// MisbehaviorSink receives evidence of validators voting twice with
// different content in the same phase. The consensus engine only
// collects the evidence; what to do with it is the sink's business.
type MisbehaviorSink interface {
	ReportConflictingVotes(first, second *types.Vote)
}

// Tally accumulates one phase's votes for a single (height, round) and
// answers the quorum question in stake terms. Each validator counts
// once: an identical redelivery is a no-op and a conflicting second
// vote is evidence, never extra stake.
type Tally struct {
	set          *ValidatorSet
	kind         types.VoteKind
	votes        map[string]*types.Vote
	approveStake map[hash.Hash]uint64
	misbehavior  MisbehaviorSink
}

func NewTally(set *ValidatorSet, kind types.VoteKind, sink MisbehaviorSink) *Tally {
	return &Tally{
		set:          set,
		kind:         kind,
		votes:        make(map[string]*types.Vote),
		approveStake: make(map[hash.Hash]uint64),
		misbehavior:  sink,
	}
}

// Add records a vote. It returns true when the vote changed the tally,
// false for an exact redelivery. Votes from outside the active set and
// conflicting second votes are errors; the first recorded vote stands.
func (t *Tally) Add(vote *types.Vote) (bool, error) {
	if !t.set.Contains(vote.Voter) {
		return false, fmt.Errorf("vote from %s: not in the active validator set", vote.Voter)
	}

	if prev, voted := t.votes[vote.Voter]; voted {
		if sameVote(prev, vote) {
			return false, nil
		}
		log.Printf("WARN: validator %s cast conflicting %s votes at height %d round %d",
			vote.Voter, t.kind, vote.Height, vote.Round)
		if t.misbehavior != nil {
			t.misbehavior.ReportConflictingVotes(prev, vote)
		}
		return false, fmt.Errorf("conflicting %s from %s at height %d round %d",
			t.kind, vote.Voter, vote.Height, vote.Round)
	}

	t.votes[vote.Voter] = vote
	if vote.Approve {
		t.approveStake[vote.BlockHash] += t.set.StakeOf(vote.Voter)
	}
	return true, nil
}

// ApprovingStake returns the stake behind approving votes for a block.
func (t *Tally) ApprovingStake(blockHash hash.Hash) uint64 {
	return t.approveStake[blockHash]
}

// HasQuorum reports whether approving stake for the block strictly
// exceeds two-thirds of the total.
func (t *Tally) HasQuorum(blockHash hash.Hash) bool {
	return t.set.QuorumReached(t.approveStake[blockHash])
}

// VoteCount returns how many validators have voted in this phase.
func (t *Tally) VoteCount() int {
	return len(t.votes)
}

func sameVote(a, b *types.Vote) bool {
	return a.Height == b.Height &&
		a.Round == b.Round &&
		a.Kind == b.Kind &&
		a.Approve == b.Approve &&
		a.BlockHash.Equal(b.BlockHash) &&
		bytes.Equal(a.Signature, b.Signature)
}
