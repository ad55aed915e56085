package storage

import (
	"fmt"

	"github.com/thanhnp/chainforensics/internal/models"
)

// BlockStore handles block storage operations
type BlockStore struct {
	db *PebbleDB
}

// NewBlockStore creates a new BlockStore
func NewBlockStore(db *PebbleDB) *BlockStore {
	return &BlockStore{db: db}
}

func blockKey(chain, hash string) []byte {
	return []byte(chain + ":" + hash)
}

func blockHeightKey(chain string, height int64) []byte {
	return []byte(fmt.Sprintf("%s:%012d", chain, height))
}

// SaveBatch adds the block and its height index to a batch
func (s *BlockStore) SaveBatch(b *WriteBatch, block *models.Block) error {
	if err := b.PutJSON(CFBlocks, blockKey(block.Chain, block.Hash), block); err != nil {
		return err
	}
	return b.Put(CFBlocksByHeight, blockHeightKey(block.Chain, block.Height), []byte(block.Hash))
}

// DeleteBatch adds the block removal to a batch
func (s *BlockStore) DeleteBatch(b *WriteBatch, chain, hash string, height int64) error {
	if err := b.Delete(CFBlocks, blockKey(chain, hash)); err != nil {
		return err
	}
	return b.Delete(CFBlocksByHeight, blockHeightKey(chain, height))
}

// GetByHash retrieves a block by hash; (nil, nil) when absent
func (s *BlockStore) GetByHash(chain, hash string) (*models.Block, error) {
	var block models.Block
	ok, err := s.db.GetJSON(CFBlocks, blockKey(chain, hash), &block)
	if err != nil || !ok {
		return nil, err
	}
	return &block, nil
}

// HashAt returns the indexed block hash at height, or "" when none
func (s *BlockStore) HashAt(chain string, height int64) (string, error) {
	data, err := s.db.Get(CFBlocksByHeight, blockHeightKey(chain, height))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetByHeight retrieves the indexed block at height
func (s *BlockStore) GetByHeight(chain string, height int64) (*models.Block, error) {
	hash, err := s.HashAt(chain, height)
	if err != nil || hash == "" {
		return nil, err
	}
	return s.GetByHash(chain, hash)
}
