package mempool

import (
	"container/list"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sultan-labs/sultan/types"
)

// entry pairs a pending transaction with its admission time, which is
// what the TTL check runs against.
type entry struct {
	tx      *types.Transaction
	addedAt time.Time
}

// Pool is the FIFO holding area for one shard's pending transactions.
// Admission order is preserved exactly; Drain hands transactions to the
// block producer oldest first.
type Pool struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
	ttl   time.Duration
}

func NewPool(ttl time.Duration) *Pool {
	return &Pool{
		order: list.New(),
		index: make(map[string]*list.Element),
		ttl:   ttl,
	}
}

// Add appends a transaction in arrival order. A transaction already in
// the pool is rejected as a duplicate.
func (p *Pool) Add(tx *types.Transaction, now time.Time) error {
	id := tx.ID()
	if id == "" {
		return fmt.Errorf("transaction does not serialize")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.index[id]; exists {
		return fmt.Errorf("%w: %s already pending", types.ErrDuplicateTransaction, id)
	}
	p.index[id] = p.order.PushBack(&entry{tx: tx, addedAt: now})
	return nil
}

// Drain removes and returns up to max transactions in FIFO order,
// discarding any whose TTL has lapsed along the way.
func (p *Pool) Drain(max int, now time.Time) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*types.Transaction
	for elem := p.order.Front(); elem != nil && len(out) < max; {
		next := elem.Next()
		e := elem.Value.(*entry)
		p.order.Remove(elem)
		delete(p.index, e.tx.ID())

		if p.ttl > 0 && now.Sub(e.addedAt) > p.ttl {
			log.Printf("INFO: dropping expired transaction %s: %v", e.tx.ID(), types.ErrExpired)
		} else {
			out = append(out, e.tx)
		}
		elem = next
	}
	return out
}

// Peek returns up to max transactions in FIFO order without removing
// them. The block producer proposes from a peek; transactions leave the
// pool only when a committed block confirms them, so a round that fails
// to finalize loses nothing.
func (p *Pool) Peek(max int, now time.Time) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*types.Transaction
	for elem := p.order.Front(); elem != nil && len(out) < max; elem = elem.Next() {
		e := elem.Value.(*entry)
		if p.ttl > 0 && now.Sub(e.addedAt) > p.ttl {
			continue
		}
		out = append(out, e.tx)
	}
	return out
}

// Remove deletes a transaction by id, used when a committed block
// confirms transactions this node also holds.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if elem, exists := p.index[id]; exists {
		p.order.Remove(elem)
		delete(p.index, id)
	}
}

// PruneExpired drops every transaction past its TTL and returns how
// many were removed.
func (p *Pool) PruneExpired(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ttl <= 0 {
		return 0
	}
	removed := 0
	for elem := p.order.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*entry)
		if now.Sub(e.addedAt) > p.ttl {
			p.order.Remove(elem)
			delete(p.index, e.tx.ID())
			removed++
		}
		elem = next
	}
	return removed
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// Has reports whether the transaction id is currently pending.
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.index[id]
	return exists
}
