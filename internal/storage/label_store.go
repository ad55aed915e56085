package storage

import (
	"fmt"

	"github.com/thanhnp/chainforensics/internal/models"
)

// LabelStore persists user labels keyed by chain and address
type LabelStore struct {
	db *PebbleDB
}

// NewLabelStore creates a new LabelStore
func NewLabelStore(db *PebbleDB) *LabelStore {
	return &LabelStore{db: db}
}

func labelKey(chain, address string) []byte {
	return []byte(chain + ":" + address)
}

// Save stores a label
func (s *LabelStore) Save(label *models.Label) error {
	return s.db.PutJSON(CFLabels, labelKey(label.Chain, label.Address), label)
}

// Get returns the label of address; (nil, nil) when absent
func (s *LabelStore) Get(chain, address string) (*models.Label, error) {
	var label models.Label
	ok, err := s.db.GetJSON(CFLabels, labelKey(chain, address), &label)
	if err != nil || !ok {
		return nil, err
	}
	return &label, nil
}

// Delete removes the label of address
func (s *LabelStore) Delete(chain, address string) error {
	return s.db.Delete(CFLabels, labelKey(chain, address))
}

// List returns every label of chain in address order
func (s *LabelStore) List(chain string) ([]*models.Label, error) {
	iter, err := s.db.NewPrefixIterator(CFLabels, []byte(chain+":"))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var labels []*models.Label
	for ; iter.Valid(); iter.Next() {
		var label models.Label
		if err := iter.Unmarshal(&label); err != nil {
			return nil, fmt.Errorf("failed to unmarshal label: %w", err)
		}
		labels = append(labels, &label)
	}
	return labels, nil
}
