package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/fxamacker/cbor/v2"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/sultan-labs/sultan/types"
)

// ProtocolBlockSync is the stream protocol a node behind the chain tip
// uses to fetch finalized blocks from a peer.
const ProtocolBlockSync protocol.ID = "/sultan/blocksync/1.0.0"

const maxSyncBatch = 500

// BlockProvider serves finalized blocks to catching-up peers.
type BlockProvider interface {
	LoadBlock(height uint64) (*types.Block, error)
	LoadTip() (*types.ChainTip, error)
}

type syncRequest struct {
	From uint64 `cbor:"1,keyasint"`
}

// SyncService answers block-sync streams and fetches missing blocks
// from peers picked off the transport's consistent-hash ring.
type SyncService struct {
	transport *P2PTransport
	provider  BlockProvider
	apply     func(block *types.Block) error
}

func NewSyncService(transport *P2PTransport, provider BlockProvider, apply func(*types.Block) error) *SyncService {
	s := &SyncService{transport: transport, provider: provider, apply: apply}
	transport.Host().SetStreamHandler(ProtocolBlockSync, s.handleStream)
	return s
}

func (s *SyncService) handleStream(stream libp2pnetwork.Stream) {
	defer stream.Close()

	var req syncRequest
	if err := cbor.NewDecoder(stream).Decode(&req); err != nil {
		log.Printf("WARN: bad sync request from %s: %v", stream.Conn().RemotePeer(), err)
		return
	}

	tip, err := s.provider.LoadTip()
	if err != nil || tip == nil {
		return
	}

	enc := cbor.NewEncoder(stream)
	sent := 0
	for height := req.From; height <= tip.Height && sent < maxSyncBatch; height++ {
		block, err := s.provider.LoadBlock(height)
		if err != nil {
			log.Printf("WARN: failed to load block %d for sync: %v", height, err)
			return
		}
		if err := enc.Encode(block); err != nil {
			return
		}
		sent++
	}
	log.Printf("INFO: served %d blocks from height %d to peer %s", sent, req.From, stream.Conn().RemotePeer())
}

// SyncFrom pulls finalized blocks starting at the given height from a
// peer on the ring and applies them in order. It returns the number of
// blocks applied.
func (s *SyncService) SyncFrom(ctx context.Context, from uint64) (int, error) {
	targets := s.transport.Ring().SyncTargets(fmt.Sprintf("height-%d", from), 1)
	if len(targets) == 0 {
		return 0, errors.New("no peers available for sync")
	}
	peerID, err := peer.Decode(targets[0])
	if err != nil {
		return 0, fmt.Errorf("bad peer id %s on ring: %w", targets[0], err)
	}

	stream, err := s.transport.Host().NewStream(ctx, peerID, ProtocolBlockSync)
	if err != nil {
		return 0, fmt.Errorf("failed to open sync stream to %s: %w", peerID, err)
	}
	defer stream.Close()

	if err := cbor.NewEncoder(stream).Encode(&syncRequest{From: from}); err != nil {
		return 0, err
	}
	if err := stream.CloseWrite(); err != nil {
		return 0, err
	}

	dec := cbor.NewDecoder(stream)
	applied := 0
	for {
		block := new(types.Block)
		if err := dec.Decode(block); err != nil {
			if errors.Is(err, io.EOF) {
				return applied, nil
			}
			return applied, fmt.Errorf("failed to decode sync block: %w", err)
		}
		if err := s.apply(block); err != nil {
			return applied, fmt.Errorf("failed to apply synced block %d: %w", block.Height, err)
		}
		applied++
	}
}
