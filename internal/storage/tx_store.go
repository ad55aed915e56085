package storage

import (
	"fmt"

	"github.com/thanhnp/chainforensics/internal/models"
)

// TxStore handles transaction storage operations
type TxStore struct {
	db *PebbleDB
}

// NewTxStore creates a new TxStore
func NewTxStore(db *PebbleDB) *TxStore {
	return &TxStore{db: db}
}

func txKey(chain, txid string) []byte {
	return []byte(chain + ":" + txid)
}

// Get retrieves a transaction; (nil, nil) when absent
func (s *TxStore) Get(chain, txid string) (*models.Transaction, error) {
	var tx models.Transaction
	ok, err := s.db.GetJSON(CFTransactions, txKey(chain, txid), &tx)
	if err != nil || !ok {
		return nil, err
	}
	return &tx, nil
}

// SaveBatch adds the transaction to a batch
func (s *TxStore) SaveBatch(b *WriteBatch, tx *models.Transaction) error {
	if err := b.PutJSON(CFTransactions, txKey(tx.Chain, tx.TxID), tx); err != nil {
		return fmt.Errorf("failed to save tx %s: %w", tx.TxID, err)
	}
	return nil
}

// DeleteBatch adds the transaction removal to a batch
func (s *TxStore) DeleteBatch(b *WriteBatch, chain, txid string) error {
	return b.Delete(CFTransactions, txKey(chain, txid))
}
