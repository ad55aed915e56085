package storage

import (
	"fmt"

	"github.com/thanhnp/chainforensics/internal/models"
)

// SpendStore maps an outpoint to the input that spent it
type SpendStore struct {
	db *PebbleDB
}

// NewSpendStore creates a new SpendStore
func NewSpendStore(db *PebbleDB) *SpendStore {
	return &SpendStore{db: db}
}

func spendKey(chain, txid string, vout uint32) []byte {
	return []byte(fmt.Sprintf("%s:%s:%06d", chain, txid, vout))
}

// Get returns the spender of txid:vout, or nil when unspent
func (s *SpendStore) Get(chain, txid string, vout uint32) (*models.SpendRef, error) {
	var ref models.SpendRef
	ok, err := s.db.GetJSON(CFSpends, spendKey(chain, txid, vout), &ref)
	if err != nil || !ok {
		return nil, err
	}
	return &ref, nil
}

// MarkSpentBatch records that txid:vout was consumed by ref
func (s *SpendStore) MarkSpentBatch(b *WriteBatch, chain, txid string, vout uint32, ref models.SpendRef) error {
	return b.PutJSON(CFSpends, spendKey(chain, txid, vout), ref)
}

// MarkUnspentBatch removes the spend record of txid:vout
func (s *SpendStore) MarkUnspentBatch(b *WriteBatch, chain, txid string, vout uint32) error {
	return b.Delete(CFSpends, spendKey(chain, txid, vout))
}
