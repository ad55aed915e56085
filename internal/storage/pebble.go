package storage

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	json "github.com/goccy/go-json"
)

// Key prefixes (simulating column families)
const (
	PrefixTransactions   = "txn:"
	PrefixSpends         = "spd:"
	PrefixAddressTxs     = "atx:"
	PrefixBlocks         = "blk:"
	PrefixBlocksByHeight = "bht:"
	PrefixSyncState      = "syn:"
	PrefixLabels         = "lbl:"
)

// Column family names
const (
	CFTransactions   = "transactions"
	CFSpends         = "spends"
	CFAddressTxs     = "address_txs"
	CFBlocks         = "blocks"
	CFBlocksByHeight = "blocks_by_height"
	CFSyncState      = "sync_state"
	CFLabels         = "labels"
)

var cfPrefixes = map[string]string{
	CFTransactions:   PrefixTransactions,
	CFSpends:         PrefixSpends,
	CFAddressTxs:     PrefixAddressTxs,
	CFBlocks:         PrefixBlocks,
	CFBlocksByHeight: PrefixBlocksByHeight,
	CFSyncState:      PrefixSyncState,
	CFLabels:         PrefixLabels,
}

// PebbleDB wraps the Pebble database
type PebbleDB struct {
	db                 *pebble.DB
	historicalSyncMode atomic.Bool // When true, uses NoSync for faster writes
}

// WriteBatch wraps Pebble's batch for atomic writes
type WriteBatch struct {
	batch *pebble.Batch
	db    *PebbleDB
}

// Iterator wraps Pebble's iterator
type Iterator struct {
	iter *pebble.Iterator
}

// NewPebbleDB opens (or creates) the database at path with a cache of
// cacheSize bytes
func NewPebbleDB(path string, cacheSize int64) (*PebbleDB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleDB{db: db}, nil
}

// Close closes the database
func (p *PebbleDB) Close() error {
	return p.db.Close()
}

// SetHistoricalSyncMode enables/disables historical sync mode.
// When enabled, writes use NoSync; call Sync at checkpoints.
func (p *PebbleDB) SetHistoricalSyncMode(enabled bool) {
	p.historicalSyncMode.Store(enabled)
}

// Sync flushes memtables to disk
func (p *PebbleDB) Sync() error {
	return p.db.Flush()
}

func (p *PebbleDB) writeOptions() *pebble.WriteOptions {
	if p.historicalSyncMode.Load() {
		return pebble.NoSync
	}
	return pebble.Sync
}

func prefixKey(cf string, key []byte) ([]byte, error) {
	prefix, ok := cfPrefixes[cf]
	if !ok {
		return nil, fmt.Errorf("column family not found: %s", cf)
	}
	return append([]byte(prefix), key...), nil
}

// Put stores a key-value pair in the specified column family
func (p *PebbleDB) Put(cf string, key, value []byte) error {
	k, err := prefixKey(cf, key)
	if err != nil {
		return err
	}
	return p.db.Set(k, value, p.writeOptions())
}

// Get retrieves a value from the specified column family.
// A missing key returns nil, nil.
func (p *PebbleDB) Get(cf string, key []byte) ([]byte, error) {
	k, err := prefixKey(cf, key)
	if err != nil {
		return nil, err
	}

	value, closer, err := p.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	// value is only valid until closer.Close()
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Delete removes a key from the specified column family
func (p *PebbleDB) Delete(cf string, key []byte) error {
	k, err := prefixKey(cf, key)
	if err != nil {
		return err
	}
	return p.db.Delete(k, p.writeOptions())
}

// PutJSON encodes v and stores it under key
func (p *PebbleDB) PutJSON(cf string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s value: %w", cf, err)
	}
	return p.Put(cf, key, data)
}

// GetJSON decodes the value under key into v. It reports false when the
// key does not exist.
func (p *PebbleDB) GetJSON(cf string, key []byte, v any) (bool, error) {
	data, err := p.Get(cf, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s value: %w", cf, err)
	}
	return true, nil
}

// NewBatch creates a new write batch
func (p *PebbleDB) NewBatch() *WriteBatch {
	return &WriteBatch{
		batch: p.db.NewBatch(),
		db:    p,
	}
}

// Put adds a put operation to the batch
func (b *WriteBatch) Put(cf string, key, value []byte) error {
	k, err := prefixKey(cf, key)
	if err != nil {
		return err
	}
	return b.batch.Set(k, value, nil)
}

// PutJSON adds an encoded put operation to the batch
func (b *WriteBatch) PutJSON(cf string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s value: %w", cf, err)
	}
	return b.Put(cf, key, data)
}

// Delete adds a delete operation to the batch
func (b *WriteBatch) Delete(cf string, key []byte) error {
	k, err := prefixKey(cf, key)
	if err != nil {
		return err
	}
	return b.batch.Delete(k, nil)
}

// Commit writes the batch atomically
func (b *WriteBatch) Commit() error {
	return b.batch.Commit(b.db.writeOptions())
}

// Destroy closes the batch and releases resources
func (b *WriteBatch) Destroy() {
	b.batch.Close()
}

// NewPrefixIterator iterates the keys of cf starting with prefix
func (p *PebbleDB) NewPrefixIterator(cf string, prefix []byte) (*Iterator, error) {
	cfPrefix, ok := cfPrefixes[cf]
	if !ok {
		return nil, fmt.Errorf("column family not found: %s", cf)
	}

	fullPrefix := append([]byte(cfPrefix), prefix...)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: fullPrefix,
		UpperBound: prefixUpperBound(fullPrefix),
	})
	if err != nil {
		return nil, err
	}

	iter.First()
	return &Iterator{iter: iter}, nil
}

// prefixUpperBound returns the upper bound for prefix iteration
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Valid returns true if the iterator is positioned at a valid key
func (i *Iterator) Valid() bool {
	return i.iter.Valid()
}

// Next advances the iterator to the next key
func (i *Iterator) Next() bool {
	return i.iter.Next()
}

// Unmarshal decodes the current value into v
func (i *Iterator) Unmarshal(v any) error {
	return json.Unmarshal(i.iter.Value(), v)
}

// Close closes the iterator
func (i *Iterator) Close() error {
	return i.iter.Close()
}
