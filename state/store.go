package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/types"
)

// Store holds the authoritative balances and nonces for one shard's
// accounts. All mutations happen inside block application under a
// single writer; reads may run concurrently behind the RWMutex.
type Store struct {
	shardID  types.ShardID
	mu       sync.RWMutex
	accounts map[string]*types.Account
}

func NewStore(shardID types.ShardID) *Store {
	return &Store{
		shardID:  shardID,
		accounts: make(map[string]*types.Account),
	}
}

func (s *Store) ShardID() types.ShardID {
	return s.shardID
}

// Apply executes a same-shard transfer: it validates that the nonce is
// exactly the sender's stored nonce + 1 and that the balance covers the
// amount, then atomically debits the sender, credits the recipient and
// increments the sender nonce. Both failure modes are non-fatal; the
// caller drops the transaction and continues.
func (s *Store) Apply(tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.debitLocked(tx); err != nil {
		return err
	}
	s.creditLocked(tx.To, tx.Amount)
	return nil
}

// ApplyDebit is the first phase of a cross-shard transfer: the sender
// side is validated and debited here, the credit lands in the
// destination shard's store.
func (s *Store) ApplyDebit(tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(tx)
}

func (s *Store) debitLocked(tx *types.Transaction) error {
	sender := s.accounts[tx.From]
	var nonce, balance uint64
	if sender != nil {
		nonce = sender.Nonce
		balance = sender.Balance
	}

	if tx.Nonce != nonce+1 {
		return fmt.Errorf("%w: account %s expects nonce %d, got %d",
			types.ErrInvalidNonce, tx.From, nonce+1, tx.Nonce)
	}
	if balance < tx.Amount {
		return fmt.Errorf("%w: account %s has %d, needs %d",
			types.ErrInsufficientBalance, tx.From, balance, tx.Amount)
	}

	if sender == nil {
		// Unreachable in practice: a zero-balance account cannot cover
		// a positive amount and a zero amount still moved no value.
		sender = &types.Account{Address: tx.From}
		s.accounts[tx.From] = sender
	}
	sender.Balance -= tx.Amount
	sender.Nonce++
	return nil
}

// Credit adds funds to an account, creating it on first credit. Used by
// the destination side of cross-shard transfers and by genesis
// allocation.
func (s *Store) Credit(addr string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditLocked(addr, amount)
}

func (s *Store) creditLocked(addr string, amount uint64) {
	acct, exists := s.accounts[addr]
	if !exists {
		acct = &types.Account{Address: addr}
		s.accounts[addr] = acct
	}
	acct.Balance += amount
}

// Balance returns the balance and nonce for an address. Unknown
// accounts read as zero balance, zero nonce.
func (s *Store) Balance(addr string) (balance, nonce uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if acct, exists := s.accounts[addr]; exists {
		return acct.Balance, acct.Nonce
	}
	return 0, 0
}

// CheckBatch validates a batch against current state without mutating
// it: every transaction must carry the next nonce in sequence and stay
// within the simulated balance, which also rejects double-use of a
// nonce inside the batch. Credits to local recipients are simulated so
// chained transfers validate the way they will apply. recipientIsLocal
// tells the simulation whether a recipient account lives in this shard.
func (s *Store) CheckBatch(txs []*types.Transaction, recipientIsLocal func(addr string) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	overlay := make(map[string]types.Account)
	lookup := func(addr string) types.Account {
		if acct, ok := overlay[addr]; ok {
			return acct
		}
		if acct, ok := s.accounts[addr]; ok {
			return *acct
		}
		return types.Account{Address: addr}
	}

	for i, tx := range txs {
		sender := lookup(tx.From)
		if tx.Nonce != sender.Nonce+1 {
			return fmt.Errorf("%w: batch tx %d: account %s expects nonce %d, got %d",
				types.ErrInvalidNonce, i, tx.From, sender.Nonce+1, tx.Nonce)
		}
		if sender.Balance < tx.Amount {
			return fmt.Errorf("%w: batch tx %d: account %s has %d, needs %d",
				types.ErrInsufficientBalance, i, tx.From, sender.Balance, tx.Amount)
		}
		sender.Balance -= tx.Amount
		sender.Nonce++
		overlay[tx.From] = sender

		if recipientIsLocal == nil || recipientIsLocal(tx.To) {
			recipient := lookup(tx.To)
			recipient.Balance += tx.Amount
			overlay[tx.To] = recipient
		}
	}
	return nil
}

// FilterBatch greedily selects the transactions that would apply
// cleanly against current state, in order. A transaction whose nonce or
// balance no longer fits is skipped and the simulation continues, so
// the result always passes CheckBatch.
func (s *Store) FilterBatch(txs []*types.Transaction, recipientIsLocal func(addr string) bool) []*types.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	overlay := make(map[string]types.Account)
	lookup := func(addr string) types.Account {
		if acct, ok := overlay[addr]; ok {
			return acct
		}
		if acct, ok := s.accounts[addr]; ok {
			return *acct
		}
		return types.Account{Address: addr}
	}

	kept := make([]*types.Transaction, 0, len(txs))
	for _, tx := range txs {
		sender := lookup(tx.From)
		if tx.Nonce != sender.Nonce+1 || sender.Balance < tx.Amount {
			continue
		}
		sender.Balance -= tx.Amount
		sender.Nonce++
		overlay[tx.From] = sender

		if recipientIsLocal == nil || recipientIsLocal(tx.To) {
			recipient := lookup(tx.To)
			recipient.Balance += tx.Amount
			overlay[tx.To] = recipient
		}
		kept = append(kept, tx)
	}
	return kept
}

// Accounts returns a sorted copy of every account in the shard, for
// snapshot persistence.
func (s *Store) Accounts() []types.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, *acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SetAccounts replaces the shard state wholesale, used when restoring
// from a persisted snapshot.
func (s *Store) SetAccounts(accounts []types.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*types.Account, len(accounts))
	for i := range accounts {
		acct := accounts[i]
		s.accounts[acct.Address] = &acct
	}
}

// Snapshot produces the content digest of the shard's accounts, used in
// block validation and for the persisted-snapshot integrity check.
func (s *Store) Snapshot() hash.Hash {
	return types.AccountsDigest(s.Accounts())
}

// TotalBalance sums every balance in the shard. Transfers only move
// value; within a shard this is invariant across same-shard batches.
func (s *Store) TotalBalance() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64
	for _, acct := range s.accounts {
		total += acct.Balance
	}
	return total
}
