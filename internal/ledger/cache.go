package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/thanhnp/chainforensics/internal/metrics"
	"github.com/thanhnp/chainforensics/internal/models"
)

type spendEntry struct {
	ref *models.SpendRef
}

// Cached decorates an Index with bounded TTL caches. Every block event must
// call Invalidate since spend state and histories change with each block.
//
// A lookup that misses records the cache generation before reading next and
// only stores its result if no Invalidate ran in between. Results read
// before a block therefore never outlive that block's invalidation.
type Cached struct {
	next    Index
	txs     *ttlcache.Cache[string, *models.Transaction]
	spends  *ttlcache.Cache[string, spendEntry]
	history *ttlcache.Cache[string, []models.AddressTx]
	tip     atomic.Int64

	// mu orders stores against Invalidate: stores hold it shared, Invalidate
	// exclusively.
	mu         sync.RWMutex
	generation atomic.Uint64
}

// NewCached wraps next. Each of the three caches holds at most capacity
// entries.
func NewCached(next Index, ttl time.Duration, capacity uint64) *Cached {
	c := &Cached{
		next: next,
		txs: ttlcache.New[string, *models.Transaction](
			ttlcache.WithTTL[string, *models.Transaction](ttl),
			ttlcache.WithCapacity[string, *models.Transaction](capacity),
		),
		spends: ttlcache.New[string, spendEntry](
			ttlcache.WithTTL[string, spendEntry](ttl),
			ttlcache.WithCapacity[string, spendEntry](capacity),
		),
		history: ttlcache.New[string, []models.AddressTx](
			ttlcache.WithTTL[string, []models.AddressTx](ttl),
			ttlcache.WithCapacity[string, []models.AddressTx](capacity),
		),
	}
	c.tip.Store(-1)
	return c
}

// Start runs the expiry loops until Stop is called.
func (c *Cached) Start() {
	go c.txs.Start()
	go c.spends.Start()
	go c.history.Start()
}

// Stop ends the expiry loops.
func (c *Cached) Stop() {
	c.txs.Stop()
	c.spends.Stop()
	c.history.Stop()
}

// Invalidate drops every cached entry after a block at height was connected
// or disconnected.
func (c *Cached) Invalidate(height int64) {
	c.mu.Lock()
	c.generation.Add(1)
	c.txs.DeleteAll()
	c.spends.DeleteAll()
	c.history.DeleteAll()
	c.tip.Store(height)
	c.mu.Unlock()
	metrics.LedgerCacheInvalidations.Inc()
}

// Generation returns the number of invalidations so far.
func (c *Cached) Generation() uint64 {
	return c.generation.Load()
}

// store runs set unless the cache was invalidated after gen was taken.
func (c *Cached) store(gen uint64, set func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.generation.Load() != gen {
		metrics.LedgerCacheStaleDrops.Inc()
		return
	}
	set()
}

// Len returns the number of cached entries across all caches.
func (c *Cached) Len() int {
	return c.txs.Len() + c.spends.Len() + c.history.Len()
}

func (c *Cached) Transaction(ctx context.Context, txid string) (*models.Transaction, error) {
	if item := c.txs.Get(txid); item != nil {
		metrics.RecordCacheLookup("tx", true)
		return item.Value(), nil
	}
	metrics.RecordCacheLookup("tx", false)

	gen := c.generation.Load()
	tx, err := c.next.Transaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	c.store(gen, func() { c.txs.Set(txid, tx, ttlcache.DefaultTTL) })
	return tx, nil
}

func (c *Cached) Spender(ctx context.Context, txid string, vout uint32) (*models.SpendRef, error) {
	key := fmt.Sprintf("%s:%d", txid, vout)
	if item := c.spends.Get(key); item != nil {
		metrics.RecordCacheLookup("spend", true)
		return item.Value().ref, nil
	}
	metrics.RecordCacheLookup("spend", false)

	gen := c.generation.Load()
	ref, err := c.next.Spender(ctx, txid, vout)
	if err != nil {
		return nil, err
	}
	c.store(gen, func() { c.spends.Set(key, spendEntry{ref: ref}, ttlcache.DefaultTTL) })
	return ref, nil
}

func (c *Cached) AddressHistory(ctx context.Context, address string, limit int) ([]models.AddressTx, error) {
	key := fmt.Sprintf("%s:%d", address, limit)
	if item := c.history.Get(key); item != nil {
		metrics.RecordCacheLookup("history", true)
		return item.Value(), nil
	}
	metrics.RecordCacheLookup("history", false)

	gen := c.generation.Load()
	history, err := c.next.AddressHistory(ctx, address, limit)
	if err != nil {
		return nil, err
	}
	c.store(gen, func() { c.history.Set(key, history, ttlcache.DefaultTTL) })
	return history, nil
}

func (c *Cached) TipHeight(ctx context.Context) (int64, error) {
	if h := c.tip.Load(); h >= 0 {
		return h, nil
	}
	return c.next.TipHeight(ctx)
}
