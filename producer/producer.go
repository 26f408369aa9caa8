package producer

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/sultan-labs/sultan/crypto/hash"
	"github.com/sultan-labs/sultan/mempool"
	"github.com/sultan-labs/sultan/types"
)

// Producer owns the block cadence. A ticker fires once per block
// interval and hands control to the node's tick callback, which opens
// consensus for the next height; the in-flight guard keeps a slow
// height from stacking a second one on top. When this node is the
// designated proposer, BuildProposal assembles the candidate block from
// the shard pools.
type Producer struct {
	pool        *mempool.ShardedPool
	interval    time.Duration
	maxPerShard int
	tick        func()
	filter      BatchFilter

	inFlight atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// BatchFilter narrows a candidate batch to the transactions that will
// apply cleanly, so a built proposal always validates. A nil filter
// keeps every peeked transaction.
type BatchFilter func(id types.ShardID, txs []*types.Transaction) []*types.Transaction

func New(pool *mempool.ShardedPool, interval time.Duration, maxPerShard int, tick func(), filter BatchFilter) *Producer {
	if maxPerShard <= 0 {
		maxPerShard = 100
	}
	return &Producer{
		pool:        pool,
		interval:    interval,
		maxPerShard: maxPerShard,
		tick:        tick,
		filter:      filter,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the block interval loop until Stop is called.
func (p *Producer) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.loop()
}

func (p *Producer) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			// Lapsed transactions leave the pools on the block cadence,
			// whether or not a height opens this tick.
			p.pool.PruneExpired()
			if !p.inFlight.CompareAndSwap(false, true) {
				log.Printf("INFO: block tick skipped, consensus still in flight")
				continue
			}
			p.tick()
		}
	}
}

// HeightDone releases the in-flight guard once the height commits (or
// is abandoned), letting the next tick open the next height.
func (p *Producer) HeightDone() {
	p.inFlight.Store(false)
}

// Stop halts the ticker loop and waits for it to exit.
func (p *Producer) Stop() {
	if !p.started.Load() {
		return
	}
	close(p.stop)
	<-p.done
}

// BuildProposal assembles the candidate block for a height: up to
// maxPerShard pending transactions per shard, in admission order,
// grouped into one batch per shard. The pool is only peeked; the
// transactions stay pending until a committed block confirms them. An
// empty pool still yields a block, because an empty block keeps the
// chain's cadence and carries the height forward.
func (p *Producer) BuildProposal(height uint64, prevHash hash.Hash) (*types.Block, error) {
	block := &types.Block{
		Height:    height,
		PrevHash:  prevHash,
		Timestamp: time.Now().Unix(),
	}

	shardCount := p.pool.Router().ShardCount()
	for id := types.ShardID(0); id < types.ShardID(shardCount); id++ {
		txs := p.pool.PeekShard(id, p.maxPerShard)
		if p.filter != nil {
			txs = p.filter(id, txs)
		}
		if len(txs) == 0 {
			continue
		}
		block.Batches = append(block.Batches, types.ShardBatch{
			ShardID:      id,
			Transactions: txs,
		})
	}

	log.Printf("INFO: built proposal for height %d with %d transactions across %d batches",
		height, block.TxCount(), len(block.Batches))
	return block, nil
}
