package storage

import (
	"fmt"

	"github.com/thanhnp/chainforensics/internal/models"
)

// AddressStore indexes the transactions touching each address, ordered by
// block height
type AddressStore struct {
	db *PebbleDB
}

// NewAddressStore creates a new AddressStore
func NewAddressStore(db *PebbleDB) *AddressStore {
	return &AddressStore{db: db}
}

func addressTxKey(chain, address string, height int64, txid string) []byte {
	return []byte(fmt.Sprintf("%s:%s:%012d:%s", chain, address, height, txid))
}

func addressPrefix(chain, address string) []byte {
	return []byte(chain + ":" + address + ":")
}

// AddBatch records entry in the history of address
func (s *AddressStore) AddBatch(b *WriteBatch, chain, address string, entry models.AddressTx) error {
	return b.PutJSON(CFAddressTxs, addressTxKey(chain, address, entry.Height, entry.TxID), entry)
}

// RemoveBatch removes a history entry
func (s *AddressStore) RemoveBatch(b *WriteBatch, chain, address string, height int64, txid string) error {
	return b.Delete(CFAddressTxs, addressTxKey(chain, address, height, txid))
}

// History returns up to limit entries for address in height order.
// limit <= 0 returns the full history.
func (s *AddressStore) History(chain, address string, limit int) ([]models.AddressTx, error) {
	iter, err := s.db.NewPrefixIterator(CFAddressTxs, addressPrefix(chain, address))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []models.AddressTx
	for ; iter.Valid(); iter.Next() {
		var entry models.AddressTx
		if err := iter.Unmarshal(&entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal address entry: %w", err)
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}
