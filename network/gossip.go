package network

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/sultan-labs/sultan/crypto"
	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/store"
	"github.com/sultan-labs/sultan/types"
)

// The three gossip topics. Every message kind travels on its own topic
// so a node can reason about each flow independently.
const (
	TopicTransactions = "sultan-transactions"
	TopicProposals    = "sultan-proposals"
	TopicVotes        = "sultan-votes"
)

// Envelope is the signed wire frame around every gossiped payload. ID
// is the content hash of the payload, so the same message always
// carries the same id no matter who relays it; receivers dedup on it.
type Envelope struct {
	Topic     string `cbor:"1,keyasint"`
	ID        string `cbor:"2,keyasint"`
	Payload   []byte `cbor:"3,keyasint"`
	Sender    []byte `cbor:"4,keyasint"`
	Signature []byte `cbor:"5,keyasint,omitempty"`
}

func (e *Envelope) signingPayload() ([]byte, error) {
	envCopy := *e
	envCopy.Signature = nil
	return cbor.Marshal(&envCopy)
}

// Transport moves opaque frames between peers on named topics.
// Delivery is at-least-once and unordered; the gossip layer above owns
// dedup and verification.
type Transport interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string, deliver func(data []byte)) error
	Close() error
}

// Handlers receive verified, deduplicated messages.
type Handlers struct {
	OnTransaction func(tx *types.Transaction)
	OnProposal    func(block *types.Block)
	OnVote        func(vote *types.Vote)
}

// Gossip seals outgoing messages into signed envelopes and unwraps
// incoming ones. An envelope whose id does not match its payload or
// whose signature does not verify is dropped without response or log;
// on an open network such frames are ordinary noise and answering them
// hands an attacker an amplifier.
type Gossip struct {
	signer    crypto.PrivateKey
	pubKey    []byte
	transport Transport
	seen      *store.SeenCache
	handlers  Handlers
}

func NewGossip(signer crypto.PrivateKey, transport Transport, handlers Handlers) (*Gossip, error) {
	seen, err := store.NewSeenCache(store.DefaultSeenWindow)
	if err != nil {
		return nil, err
	}
	g := &Gossip{
		signer:    signer,
		pubKey:    signer.PublicKey().Bytes(),
		transport: transport,
		seen:      seen,
		handlers:  handlers,
	}
	for _, topic := range []string{TopicTransactions, TopicProposals, TopicVotes} {
		topic := topic
		if err := transport.Subscribe(topic, func(data []byte) {
			g.receive(topic, data)
		}); err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return g, nil
}

func (g *Gossip) BroadcastTransaction(tx *types.Transaction) error {
	payload, err := tx.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return g.publish(TopicTransactions, payload)
}

func (g *Gossip) BroadcastProposal(block *types.Block) error {
	payload, err := block.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal proposal: %w", err)
	}
	return g.publish(TopicProposals, payload)
}

func (g *Gossip) BroadcastVote(vote *types.Vote) error {
	payload, err := vote.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal vote: %w", err)
	}
	return g.publish(TopicVotes, payload)
}

func (g *Gossip) publish(topic string, payload []byte) error {
	env := &Envelope{
		Topic:   topic,
		ID:      hash.NewHash(payload).String(),
		Payload: payload,
		Sender:  g.pubKey,
	}
	signing, err := env.signingPayload()
	if err != nil {
		return err
	}
	env.Signature, err = g.signer.Sign(signing)
	if err != nil {
		return fmt.Errorf("failed to sign envelope: %w", err)
	}
	data, err := cbor.Marshal(env)
	if err != nil {
		return err
	}

	// Mark before publishing: the transport may echo our own frame back.
	g.seen.CheckAndMark(topic + "|" + env.ID)
	return g.transport.Publish(topic, data)
}

func (g *Gossip) receive(topic string, data []byte) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Topic != topic {
		return
	}
	if env.ID != hash.NewHash(env.Payload).String() {
		return
	}
	signing, err := env.signingPayload()
	if err != nil {
		return
	}
	if crypto.VerifySignature(env.Sender, signing, env.Signature) != nil {
		return
	}
	if !g.seen.CheckAndMark(topic + "|" + env.ID) {
		return
	}

	switch topic {
	case TopicTransactions:
		if g.handlers.OnTransaction == nil {
			return
		}
		tx := new(types.Transaction)
		if err := tx.Unmarshal(env.Payload); err != nil {
			return
		}
		g.handlers.OnTransaction(tx)
	case TopicProposals:
		if g.handlers.OnProposal == nil {
			return
		}
		block := new(types.Block)
		if err := block.Unmarshal(env.Payload); err != nil {
			return
		}
		g.handlers.OnProposal(block)
	case TopicVotes:
		if g.handlers.OnVote == nil {
			return
		}
		vote := new(types.Vote)
		if err := vote.Unmarshal(env.Payload); err != nil {
			return
		}
		g.handlers.OnVote(vote)
	}
}

// Close shuts the underlying transport.
func (g *Gossip) Close() error {
	return g.transport.Close()
}
