package store

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/willf/bloom"
)

const (
	// DefaultSeenWindow bounds the dedup memory: old ids age out and a
	// very late redelivery can slip through, which receivers tolerate
	// because every apply path is idempotent.
	DefaultSeenWindow = 8192

	bloomEstimateItems = 100000
	bloomFalsePositive = 0.01
)

// SeenCache is the bounded already-seen window gossip receivers and the
// mempool dedup against. A Bloom filter answers the common "never seen"
// case without touching the LRU; positives are confirmed against the
// LRU, which is the authority inside the window.
type SeenCache struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	window *lru.Cache[string, struct{}]
}

func NewSeenCache(size int) (*SeenCache, error) {
	if size <= 0 {
		size = DefaultSeenWindow
	}
	window, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &SeenCache{
		filter: bloom.NewWithEstimates(bloomEstimateItems, bloomFalsePositive),
		window: window,
	}, nil
}

// CheckAndMark marks id as seen and reports whether it was new. The
// check and the mark are one atomic step so two concurrent deliveries
// of the same id can never both see "new".
func (c *SeenCache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := []byte(id)
	if c.filter.Test(key) {
		if _, seen := c.window.Get(id); seen {
			return false
		}
	}
	c.filter.Add(key)
	c.window.Add(id, struct{}{})
	return true
}

// Seen reports whether id is inside the current window without marking.
func (c *SeenCache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.filter.Test([]byte(id)) {
		return false
	}
	_, seen := c.window.Get(id)
	return seen
}

// Len returns the number of ids currently held in the window.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Len()
}
