package state

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/shard"
	"github.com/sultan-labs/sultan/types"
)

// TransferState tracks a cross-shard transfer through its two phases.
type TransferState uint8

const (
	TransferEscrowed TransferState = iota + 1
	TransferCommitted
	TransferRefunded
)

// PendingTransfer is the escrow record for a transfer whose sender and
// recipient live in different shards: the source shard has been
// debited, the destination credit is keyed by the transfer id.
type PendingTransfer struct {
	ID        string
	From      string
	To        string
	Amount    uint64
	FromShard types.ShardID
	ToShard   types.ShardID
	State     TransferState
}

// Manager owns every shard's store plus the router. Shards are
// validated and applied in parallel with each other; within one shard
// all writes are serialized.
type Manager struct {
	router *shard.Router

	mu     sync.RWMutex
	stores map[types.ShardID]*Store

	pendingMu sync.Mutex
	pending   map[string]*PendingTransfer
}

func NewManager(router *shard.Router) *Manager {
	m := &Manager{
		router:  router,
		stores:  make(map[types.ShardID]*Store),
		pending: make(map[string]*PendingTransfer),
	}
	for i := uint32(0); i < router.ShardCount(); i++ {
		m.stores[types.ShardID(i)] = NewStore(types.ShardID(i))
	}
	return m
}

func (m *Manager) Router() *shard.Router {
	return m.router
}

// StoreFor returns the state store owning the given shard.
func (m *Manager) StoreFor(id types.ShardID) (*Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	store, exists := m.stores[id]
	if !exists {
		return nil, fmt.Errorf("no state store for shard %d", id)
	}
	return store, nil
}

// ValidateBlock checks every batch for structural validity: known shard
// ids, one batch per shard, correct routing, and no nonce double-use or
// overdraft inside a batch. One goroutine runs per shard; validation
// never mutates state.
func (m *Manager) ValidateBlock(block *types.Block) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(block.Batches))

	// A shard id appearing twice would make application order across the
	// duplicate batches scheduling-dependent, so two honest nodes could
	// apply the same finalized block differently.
	seen := make(map[types.ShardID]bool, len(block.Batches))
	for _, batch := range block.Batches {
		if seen[batch.ShardID] {
			return fmt.Errorf("block %d carries more than one batch for shard %d", block.Height, batch.ShardID)
		}
		seen[batch.ShardID] = true
	}

	for _, batch := range block.Batches {
		store, err := m.StoreFor(batch.ShardID)
		if err != nil {
			return err
		}
		for _, tx := range batch.Transactions {
			if m.router.Route(tx.From) != batch.ShardID {
				return fmt.Errorf("transaction from %s misrouted to shard %d", tx.From, batch.ShardID)
			}
		}

		wg.Add(1)
		go func(store *Store, batch types.ShardBatch) {
			defer wg.Done()
			local := func(addr string) bool { return m.router.Route(addr) == batch.ShardID }
			if err := store.CheckBatch(batch.Transactions, local); err != nil {
				errCh <- fmt.Errorf("shard %d: %w", batch.ShardID, err)
			}
		}(store, batch)
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

// Reshard rebuilds the per-shard stores to match the router's current
// shard count, re-placing every account under the new layout. Runs at
// an epoch boundary, between heights, never while a block is in flight.
func (m *Manager) Reshard() {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.router.ShardCount()
	if uint32(len(m.stores)) == count {
		return
	}

	grouped := make(map[types.ShardID][]types.Account, count)
	for _, store := range m.stores {
		for _, acct := range store.Accounts() {
			id := m.router.Route(acct.Address)
			grouped[id] = append(grouped[id], acct)
		}
	}

	stores := make(map[types.ShardID]*Store, count)
	for i := uint32(0); i < count; i++ {
		id := types.ShardID(i)
		stores[id] = NewStore(id)
		stores[id].SetAccounts(grouped[id])
	}
	m.stores = stores
	log.Printf("INFO: resharded state into %d shards", count)
}

// FilterBatch narrows a candidate batch to the transactions that would
// apply cleanly against current shard state. The proposer runs every
// batch through this so a built block always validates; transactions
// squeezed out stay in the mempool until they fit or expire.
func (m *Manager) FilterBatch(id types.ShardID, txs []*types.Transaction) []*types.Transaction {
	store, err := m.StoreFor(id)
	if err != nil {
		return nil
	}
	local := func(addr string) bool { return m.router.Route(addr) == id }
	return store.FilterBatch(txs, local)
}

// ApplyBlock applies a finalized block. Phase one runs one goroutine
// per batch: same-shard transfers apply directly, cross-shard transfers
// escrow-debit the source shard and record a pending transfer. Phase
// two credits every escrowed transfer into its destination shard.
// Failed transactions are dropped and counted, never fatal.
func (m *Manager) ApplyBlock(block *types.Block) (applied, dropped int) {
	var wg sync.WaitGroup
	var tally sync.Mutex
	var escrowed []*PendingTransfer

	for _, batch := range block.Batches {
		store, err := m.StoreFor(batch.ShardID)
		if err != nil {
			log.Printf("WARN: Dropping batch for unknown shard %d", batch.ShardID)
			tally.Lock()
			dropped += len(batch.Transactions)
			tally.Unlock()
			continue
		}

		wg.Add(1)
		go func(store *Store, batch types.ShardBatch) {
			defer wg.Done()
			for _, tx := range batch.Transactions {
				toShard := m.router.Route(tx.To)
				if toShard == batch.ShardID {
					if err := store.Apply(tx); err != nil {
						log.Printf("WARN: Dropping transaction %s: %v", tx.ID(), err)
						tally.Lock()
						dropped++
						tally.Unlock()
						continue
					}
					tally.Lock()
					applied++
					tally.Unlock()
					continue
				}

				// Cross-shard: escrow-debit now, credit in phase two.
				if err := store.ApplyDebit(tx); err != nil {
					log.Printf("WARN: Dropping cross-shard transaction %s: %v", tx.ID(), err)
					tally.Lock()
					dropped++
					tally.Unlock()
					continue
				}
				transfer := &PendingTransfer{
					ID:        uuid.NewString(),
					From:      tx.From,
					To:        tx.To,
					Amount:    tx.Amount,
					FromShard: batch.ShardID,
					ToShard:   toShard,
					State:     TransferEscrowed,
				}
				m.pendingMu.Lock()
				m.pending[transfer.ID] = transfer
				m.pendingMu.Unlock()
				tally.Lock()
				escrowed = append(escrowed, transfer)
				applied++
				tally.Unlock()
			}
		}(store, batch)
	}
	wg.Wait()

	m.settleEscrowed(escrowed)
	return applied, dropped
}

// settleEscrowed runs phase two of the cross-shard protocol: credit the
// destination shard, or refund the source if the destination store is
// gone (only possible after a misconfigured epoch transition).
func (m *Manager) settleEscrowed(transfers []*PendingTransfer) {
	for _, transfer := range transfers {
		dest, err := m.StoreFor(transfer.ToShard)
		if err != nil {
			log.Printf("WARN: Refunding transfer %s: %v", transfer.ID, err)
			if src, srcErr := m.StoreFor(transfer.FromShard); srcErr == nil {
				src.Credit(transfer.From, transfer.Amount)
			}
			m.finishTransfer(transfer, TransferRefunded)
			continue
		}
		dest.Credit(transfer.To, transfer.Amount)
		m.finishTransfer(transfer, TransferCommitted)
	}
}

func (m *Manager) finishTransfer(transfer *PendingTransfer, state TransferState) {
	m.pendingMu.Lock()
	transfer.State = state
	delete(m.pending, transfer.ID)
	m.pendingMu.Unlock()
}

// PendingTransferCount reports transfers still in escrow; zero outside
// of an in-flight ApplyBlock.
func (m *Manager) PendingTransferCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// Balance routes the address and reads its balance and nonce.
func (m *Manager) Balance(addr string) (balance, nonce uint64, err error) {
	store, err := m.StoreFor(m.router.Route(addr))
	if err != nil {
		return 0, 0, err
	}
	balance, nonce = store.Balance(addr)
	return balance, nonce, nil
}

// Credit funds an account in its owning shard, used for genesis
// allocation.
func (m *Manager) Credit(addr string, amount uint64) error {
	store, err := m.StoreFor(m.router.Route(addr))
	if err != nil {
		return err
	}
	store.Credit(addr, amount)
	return nil
}

// Snapshots returns the digest of every shard's accounts.
func (m *Manager) Snapshots() map[types.ShardID]hash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.ShardID]hash.Hash, len(m.stores))
	for id, store := range m.stores {
		out[id] = store.Snapshot()
	}
	return out
}

// Shards returns every shard id the manager owns, for persistence.
func (m *Manager) Shards() []types.ShardID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ShardID, 0, len(m.stores))
	for id := range m.stores {
		out = append(out, id)
	}
	return out
}

// TotalSupply sums every balance across every shard. Transfers never
// create or destroy value, so this is invariant under block
// application.
func (m *Manager) TotalSupply() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total uint64
	for _, store := range m.stores {
		total += store.TotalBalance()
	}
	return total
}
