package consensus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// Phase is where the engine stands inside the current round.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhasePropose
	PhasePrevote
	PhasePrecommit
	PhaseCommitted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePropose:
		return "propose"
	case PhasePrevote:
		return "prevote"
	case PhasePrecommit:
		return "precommit"
	case PhaseCommitted:
		return "committed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProposalSource builds the candidate block when this node is the
// designated proposer.
type ProposalSource interface {
	BuildProposal(height uint64, prevHash hash.Hash) (*types.Block, error)
}

// Config wires the engine's collaborators.
type Config struct {
	Signer       crypto.PrivateKey
	Epochs       *EpochManager
	Source       ProposalSource
	Validate     func(*types.Block) error
	Broadcaster  types.GossipBroadcaster
	Commit       func(*types.Block)
	RoundTimeout time.Duration
	Misbehavior  MisbehaviorSink
}

// Engine drives one consensus round at a time: propose, prevote,
// precommit, commit. A round that cannot finish times out into the next
// round at the same height with a reseeded proposer. Handlers may be
// called from any goroutine; all broadcasting happens outside the lock
// so a synchronous transport can deliver responses re-entrantly.
type Engine struct {
	signer       crypto.PrivateKey
	address      string
	epochs       *EpochManager
	source       ProposalSource
	validate     func(*types.Block) error
	broadcaster  types.GossipBroadcaster
	commitFn     func(*types.Block)
	roundTimeout time.Duration
	misbehavior  MisbehaviorSink

	mu         sync.Mutex
	set        *ValidatorSet
	height     uint64
	round      uint32
	phase      Phase
	prevHash   hash.Hash
	proposal   *types.Block
	approved   bool
	prevotes   *Tally
	precommits *Tally
	timer      *time.Timer
	stopped    bool
}

// outbound is everything a locked step decided to send; it is
// dispatched after the lock is released.
type outbound struct {
	proposal *types.Block
	votes    []*types.Vote
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Signer == nil {
		return nil, &types.ConfigurationError{Reason: "consensus engine needs a validator key"}
	}
	if cfg.Epochs == nil {
		return nil, &types.ConfigurationError{Reason: "consensus engine needs an epoch manager"}
	}
	addr, err := cfg.Signer.PublicKey().Address()
	if err != nil {
		return nil, fmt.Errorf("failed to derive own address: %w", err)
	}
	timeout := cfg.RoundTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{
		signer:       cfg.Signer,
		address:      addr,
		epochs:       cfg.Epochs,
		source:       cfg.Source,
		validate:     cfg.Validate,
		broadcaster:  cfg.Broadcaster,
		commitFn:     cfg.Commit,
		roundTimeout: timeout,
		misbehavior:  cfg.Misbehavior,
		phase:        PhaseIdle,
	}, nil
}

func (e *Engine) Address() string { return e.address }

func (e *Engine) Height() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height
}

func (e *Engine) Round() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

func (e *Engine) CurrentPhase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// BeginHeight opens consensus for one height on top of the given
// parent. The epoch boundary is crossed here if the height lands on
// one, so the set in force is stable for every round of the height. A
// node whose own key is not in the active set cannot participate and
// must halt.
func (e *Engine) BeginHeight(height uint64, prevHash hash.Hash) error {
	e.epochs.AdvanceTo(height)
	set := e.epochs.ActiveSet()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	if !set.Contains(e.address) {
		e.phase = PhaseFailed
		e.mu.Unlock()
		return &types.ConfigurationError{
			Reason: fmt.Sprintf("own validator key %s is not in the active set", e.address),
		}
	}
	e.set = set
	e.height = height
	e.round = 0
	e.prevHash = prevHash
	out, commit, err := e.startRoundLocked()
	e.mu.Unlock()

	e.dispatch(out)
	e.finalize(commit)
	return err
}

func (e *Engine) startRoundLocked() (outbound, *types.Block, error) {
	e.phase = PhasePropose
	e.proposal = nil
	e.approved = false
	e.prevotes = NewTally(e.set, types.Prevote, e.misbehavior)
	e.precommits = NewTally(e.set, types.Precommit, e.misbehavior)
	e.resetTimerLocked()

	proposer := e.set.Proposer(e.height, e.round)
	log.Printf("INFO: height %d round %d: proposer is %s (stake %d of %d)",
		e.height, e.round, proposer.Address, proposer.Stake, e.set.TotalStake())

	if proposer.Address != e.address {
		return outbound{}, nil, nil
	}
	if e.source == nil {
		log.Printf("WARN: designated proposer at height %d round %d has no proposal source", e.height, e.round)
		return outbound{}, nil, nil
	}

	block, err := e.source.BuildProposal(e.height, e.prevHash)
	if err != nil {
		return outbound{}, nil, fmt.Errorf("failed to build proposal for height %d: %w", e.height, err)
	}
	if err := e.sealProposalLocked(block); err != nil {
		return outbound{}, nil, err
	}

	votes, commit, err := e.acceptProposalLocked(block)
	return outbound{proposal: block, votes: votes}, commit, err
}

func (e *Engine) sealProposalLocked(block *types.Block) error {
	block.Proposer = e.address
	if err := block.ComputeTxRoot(); err != nil {
		return err
	}
	payload, err := block.SigningPayload()
	if err != nil {
		return err
	}
	sig, err := e.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign proposal: %w", err)
	}
	block.Signature = sig
	return block.ComputeHash()
}

// HandleProposal ingests a candidate block, locally built or received
// from a peer. It must come from the designated proposer of the current
// round and carry that proposer's valid signature.
func (e *Engine) HandleProposal(block *types.Block) error {
	e.mu.Lock()
	if e.stopped || e.phase == PhaseIdle || e.phase == PhaseCommitted || e.phase == PhaseFailed {
		e.mu.Unlock()
		return nil
	}
	if block.Height != e.height {
		e.mu.Unlock()
		return nil
	}
	if e.proposal != nil {
		dup := e.proposal.Hash.Equal(block.Hash)
		if !dup {
			log.Printf("WARN: second proposal %s at height %d round %d, keeping %s",
				block.Hash, e.height, e.round, e.proposal.Hash)
		}
		e.mu.Unlock()
		return nil
	}

	designated := e.set.Proposer(e.height, e.round)
	if block.Proposer != designated.Address {
		e.mu.Unlock()
		return fmt.Errorf("proposal from %s but height %d round %d belongs to %s",
			block.Proposer, block.Height, e.round, designated.Address)
	}
	if err := verifyProposal(block, e.set, e.prevHash); err != nil {
		e.mu.Unlock()
		return err
	}

	votes, commit, err := e.acceptProposalLocked(block)
	e.mu.Unlock()

	e.dispatch(outbound{votes: votes})
	e.finalize(commit)
	return err
}

func verifyProposal(block *types.Block, set *ValidatorSet, prevHash hash.Hash) error {
	if !block.PrevHash.Equal(prevHash) {
		return fmt.Errorf("proposal at height %d links to %s, tip is %s",
			block.Height, block.PrevHash, prevHash)
	}
	payload, err := block.SigningPayload()
	if err != nil {
		return err
	}
	if !block.Hash.Equal(hash.NewHash(payload)) {
		return fmt.Errorf("proposal hash does not match its content")
	}
	pub := set.PublicKeyOf(block.Proposer)
	if err := crypto.VerifySignature(pub, payload, block.Signature); err != nil {
		return fmt.Errorf("%w: proposal from %s: %v", types.ErrInvalidSignature, block.Proposer, err)
	}
	return nil
}

func (e *Engine) acceptProposalLocked(block *types.Block) ([]*types.Vote, *types.Block, error) {
	e.proposal = block
	e.phase = PhasePrevote

	approve := true
	if e.validate != nil {
		if err := e.validate(block); err != nil {
			log.Printf("WARN: proposal %s at height %d failed validation: %v", block.Hash, block.Height, err)
			approve = false
		}
	}
	e.approved = approve

	pv, err := e.signVote(types.Prevote, block.Hash, approve)
	if err != nil {
		return nil, nil, err
	}
	out := []*types.Vote{pv}
	more, commit, err := e.addVoteLocked(pv)
	return append(out, more...), commit, err
}

// HandleVote ingests a signed vote. Votes for other heights or rounds
// are dropped; inside the current round they accumulate stake toward
// the two quorums that move the round forward.
func (e *Engine) HandleVote(vote *types.Vote) error {
	e.mu.Lock()
	if e.stopped || e.set == nil {
		e.mu.Unlock()
		return nil
	}
	if vote.Height != e.height || vote.Round != e.round {
		e.mu.Unlock()
		return nil
	}
	if err := verifyVote(vote, e.set); err != nil {
		e.mu.Unlock()
		return err
	}

	votes, commit, err := e.addVoteLocked(vote)
	e.mu.Unlock()

	e.dispatch(outbound{votes: votes})
	e.finalize(commit)
	return err
}

func verifyVote(vote *types.Vote, set *ValidatorSet) error {
	pub := set.PublicKeyOf(vote.Voter)
	if pub == nil {
		return fmt.Errorf("vote from %s: not in the active validator set", vote.Voter)
	}
	payload, err := vote.SigningPayload()
	if err != nil {
		return err
	}
	if err := crypto.VerifySignature(pub, payload, vote.Signature); err != nil {
		return fmt.Errorf("%w: vote from %s: %v", types.ErrInvalidSignature, vote.Voter, err)
	}
	return nil
}

func (e *Engine) addVoteLocked(vote *types.Vote) ([]*types.Vote, *types.Block, error) {
	switch vote.Kind {
	case types.Prevote:
		added, err := e.prevotes.Add(vote)
		if err != nil || !added {
			return nil, nil, err
		}
		onProposal := e.proposal != nil && e.proposal.Hash.Equal(vote.BlockHash)
		if e.phase == PhasePrevote && onProposal && e.prevotes.HasQuorum(vote.BlockHash) {
			e.phase = PhasePrecommit
			pc, err := e.signVote(types.Precommit, vote.BlockHash, e.approved)
			if err != nil {
				return nil, nil, err
			}
			more, commit, err := e.addVoteLocked(pc)
			return append([]*types.Vote{pc}, more...), commit, err
		}

	case types.Precommit:
		added, err := e.precommits.Add(vote)
		if err != nil || !added {
			return nil, nil, err
		}
		onProposal := e.proposal != nil && e.proposal.Hash.Equal(vote.BlockHash)
		if e.phase != PhaseCommitted && onProposal && e.precommits.HasQuorum(vote.BlockHash) {
			e.phase = PhaseCommitted
			e.stopTimerLocked()
			log.Printf("INFO: height %d round %d: block %s finalized with stake %d of %d",
				e.height, e.round, vote.BlockHash, e.precommits.ApprovingStake(vote.BlockHash), e.set.TotalStake())
			return nil, e.proposal, nil
		}

	default:
		return nil, nil, fmt.Errorf("unknown vote kind %d", vote.Kind)
	}
	return nil, nil, nil
}

func (e *Engine) signVote(kind types.VoteKind, blockHash hash.Hash, approve bool) (*types.Vote, error) {
	vote := &types.Vote{
		Height:    e.height,
		Round:     e.round,
		Kind:      kind,
		BlockHash: blockHash,
		Approve:   approve,
		Voter:     e.address,
	}
	payload, err := vote.SigningPayload()
	if err != nil {
		return nil, err
	}
	sig, err := e.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", kind, err)
	}
	vote.Signature = sig
	return vote, nil
}

func (e *Engine) resetTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	height, round := e.height, e.round
	e.timer = time.AfterFunc(e.roundTimeout, func() {
		e.onTimeout(height, round)
	})
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onTimeout(height uint64, round uint32) {
	e.mu.Lock()
	if e.stopped || e.height != height || e.round != round {
		e.mu.Unlock()
		return
	}
	if e.phase == PhaseCommitted || e.phase == PhaseFailed || e.phase == PhaseIdle {
		e.mu.Unlock()
		return
	}
	log.Printf("WARN: %v at height %d round %d, starting round %d",
		types.ErrConsensusTimeout, height, round, round+1)
	e.round++
	out, commit, err := e.startRoundLocked()
	e.mu.Unlock()

	if err != nil {
		log.Printf("WARN: failed to start round %d at height %d: %v", round+1, height, err)
	}
	e.dispatch(out)
	e.finalize(commit)
}

// Stop halts the engine. A round in flight is abandoned; the node
// drains its own shutdown sequence around this call.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.stopTimerLocked()
	e.phase = PhaseIdle
}

func (e *Engine) finalize(block *types.Block) {
	if block != nil && e.commitFn != nil {
		e.commitFn(block)
	}
}

func (e *Engine) dispatch(out outbound) {
	if e.broadcaster == nil {
		return
	}
	if out.proposal != nil {
		if err := e.broadcaster.BroadcastProposal(out.proposal); err != nil {
			log.Printf("WARN: failed to broadcast proposal: %v", err)
		}
	}
	for _, vote := range out.votes {
		if err := e.broadcaster.BroadcastVote(vote); err != nil {
			log.Printf("WARN: failed to broadcast %s: %v", vote.Kind, err)
		}
	}
}
