package storage

// ChainStores bundles the stores of one chain database
type ChainStores struct {
	DB           *PebbleDB
	TxStore      *TxStore
	SpendStore   *SpendStore
	AddressStore *AddressStore
	BlockStore   *BlockStore
	SyncStore    *SyncStore
	LabelStore   *LabelStore
}

// NewChainStores creates all stores over db
func NewChainStores(db *PebbleDB) *ChainStores {
	return &ChainStores{
		DB:           db,
		TxStore:      NewTxStore(db),
		SpendStore:   NewSpendStore(db),
		AddressStore: NewAddressStore(db),
		BlockStore:   NewBlockStore(db),
		SyncStore:    NewSyncStore(db),
		LabelStore:   NewLabelStore(db),
	}
}

// Close closes the underlying database
func (c *ChainStores) Close() error {
	return c.DB.Close()
}
