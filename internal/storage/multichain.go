package storage

import (
	"fmt"
	"sync"

	"github.com/thanhnp/chainforensics/internal/models"
)

// MultiChainLabelStore routes label operations to the label store of each
// chain database
type MultiChainLabelStore struct {
	mu     sync.RWMutex
	stores map[string]*LabelStore
}

// NewMultiChainLabelStore creates a new multi-chain label store
func NewMultiChainLabelStore() *MultiChainLabelStore {
	return &MultiChainLabelStore{
		stores: make(map[string]*LabelStore),
	}
}

// RegisterChain registers a label store for a chain
func (m *MultiChainLabelStore) RegisterChain(chain string, store *LabelStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[chain] = store
}

// getStore returns the store for the given chain
func (m *MultiChainLabelStore) getStore(chain string) (*LabelStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	store, ok := m.stores[chain]
	if !ok {
		return nil, fmt.Errorf("chain not registered: %s", chain)
	}
	return store, nil
}

// Save persists a label in its chain's store
func (m *MultiChainLabelStore) Save(label *models.Label) error {
	store, err := m.getStore(label.Chain)
	if err != nil {
		return err
	}
	return store.Save(label)
}

// Get returns a label for a specific chain
func (m *MultiChainLabelStore) Get(chain, address string) (*models.Label, error) {
	store, err := m.getStore(chain)
	if err != nil {
		return nil, err
	}
	return store.Get(chain, address)
}

// Delete removes a label for a specific chain
func (m *MultiChainLabelStore) Delete(chain, address string) error {
	store, err := m.getStore(chain)
	if err != nil {
		return err
	}
	return store.Delete(chain, address)
}

// List returns the labels of a specific chain
func (m *MultiChainLabelStore) List(chain string) ([]*models.Label, error) {
	store, err := m.getStore(chain)
	if err != nil {
		return nil, err
	}
	return store.List(chain)
}
