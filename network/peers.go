package network

import (
	"sync"

	"stathat.com/c/consistent"
)

// PeerRing places known peers on a consistent-hash ring. Block-sync
// fan-out picks its targets from the ring, so the set of peers asked
// about any given height stays stable as peers come and go instead of
// reshuffling wholesale.
type PeerRing struct {
	mu   sync.RWMutex
	ring *consistent.Consistent
}

func NewPeerRing() *PeerRing {
	return &PeerRing{ring: consistent.New()}
}

func (p *PeerRing) Add(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.Add(peerID)
}

func (p *PeerRing) Remove(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.Remove(peerID)
}

func (p *PeerRing) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ring.Members())
}

// SyncTargets returns up to n distinct peers responsible for the key.
func (p *PeerRing) SyncTargets(key string, n int) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	members := len(p.ring.Members())
	if members == 0 {
		return nil
	}
	if n > members {
		n = members
	}
	targets, err := p.ring.GetN(key, n)
	if err != nil {
		return nil
	}
	return targets
}
