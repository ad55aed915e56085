package storage

import (
	"fmt"
	"strconv"
)

// SyncStore handles sync state storage operations
type SyncStore struct {
	db *PebbleDB
}

// NewSyncStore creates a new SyncStore
func NewSyncStore(db *PebbleDB) *SyncStore {
	return &SyncStore{db: db}
}

// GetSyncedHeight retrieves the last synced block height for a chain.
// It returns -1 when nothing has been synced.
func (s *SyncStore) GetSyncedHeight(chain string) (int64, error) {
	data, err := s.db.Get(CFSyncState, []byte(chain))
	if err != nil {
		return 0, err
	}
	if data == nil {
		return -1, nil
	}

	height, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sync height: %w", err)
	}
	return height, nil
}

// SetSyncedHeightBatch records the synced height as part of a batch
func (s *SyncStore) SetSyncedHeightBatch(b *WriteBatch, chain string, height int64) error {
	return b.Put(CFSyncState, []byte(chain), []byte(strconv.FormatInt(height, 10)))
}
